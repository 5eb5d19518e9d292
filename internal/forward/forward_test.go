package forward

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruachtech/gatewayd/internal/config"
	"github.com/ruachtech/gatewayd/internal/proxy"
)

type fakeResolver map[string][]net.IP

func (f fakeResolver) LookupIPAddr(host string) ([]net.IP, error) {
	return f[host], nil
}

func newTestProxy(resolver Resolver) *Proxy {
	p := NewProxy(proxy.NewEngine(0, 0, 0, nil))
	p.resolver = resolver
	return p
}

func TestResolveTarget_MissingQueryParam(t *testing.T) {
	p := newTestProxy(fakeResolver{})
	route := &config.Route{Forward: &config.ForwardConfig{AllowedDomains: []string{"api.example.com"}}}

	r := httptest.NewRequest(http.MethodGet, "/fwd", nil)
	_, err := p.resolveTarget(r, route)
	require.Error(t, err)
}

func TestResolveTarget_DisallowedDomain(t *testing.T) {
	p := newTestProxy(fakeResolver{"evil.example": {net.ParseIP("93.184.216.34")}})
	route := &config.Route{Forward: &config.ForwardConfig{AllowedDomains: []string{"api.example.com"}}}

	r := httptest.NewRequest(http.MethodGet, "/fwd?url=https://evil.example/x", nil)
	_, err := p.resolveTarget(r, route)
	require.Error(t, err)
}

func TestResolveTarget_RejectsPrivateIP(t *testing.T) {
	p := newTestProxy(fakeResolver{"internal.example.com": {net.ParseIP("10.0.0.5")}})
	route := &config.Route{Forward: &config.ForwardConfig{AllowedDomains: []string{"internal.example.com"}}}

	r := httptest.NewRequest(http.MethodGet, "/fwd?url=https://internal.example.com/x", nil)
	_, err := p.resolveTarget(r, route)
	require.Error(t, err)
}

func TestResolveTarget_RejectsInsecureSchemeByDefault(t *testing.T) {
	p := newTestProxy(fakeResolver{"api.example.com": {net.ParseIP("93.184.216.34")}})
	route := &config.Route{Forward: &config.ForwardConfig{AllowedDomains: []string{"api.example.com"}}}

	r := httptest.NewRequest(http.MethodGet, "/fwd?url=http://api.example.com/x", nil)
	_, err := p.resolveTarget(r, route)
	require.Error(t, err)
}

func TestResolveTarget_AllowsConfiguredInsecure(t *testing.T) {
	p := newTestProxy(fakeResolver{"api.example.com": {net.ParseIP("93.184.216.34")}})
	route := &config.Route{Forward: &config.ForwardConfig{
		AllowedDomains:    []string{"api.example.com"},
		AllowInsecureHTTP: true,
	}}

	r := httptest.NewRequest(http.MethodGet, "/fwd?url=http://api.example.com/x", nil)
	target, err := p.resolveTarget(r, route)
	require.NoError(t, err)
	assert.Equal(t, "http", target.Scheme)
}

func TestResolveTarget_HappyPath(t *testing.T) {
	p := newTestProxy(fakeResolver{"api.example.com": {net.ParseIP("93.184.216.34")}})
	route := &config.Route{Forward: &config.ForwardConfig{AllowedDomains: []string{"api.example.com"}}}

	r := httptest.NewRequest(http.MethodGet, "/fwd?url=https://api.example.com/ping", nil)
	target, err := p.resolveTarget(r, route)
	require.NoError(t, err)
	assert.Equal(t, "api.example.com", target.Host)
}

func TestResolveTarget_CustomQueryParam(t *testing.T) {
	p := newTestProxy(fakeResolver{"api.example.com": {net.ParseIP("93.184.216.34")}})
	route := &config.Route{Forward: &config.ForwardConfig{
		AllowedDomains: []string{"api.example.com"},
		QueryParam:     "target",
	}}

	r := httptest.NewRequest(http.MethodGet, "/fwd?target=https://api.example.com/ping", nil)
	_, err := p.resolveTarget(r, route)
	require.NoError(t, err)
}

func TestServeHTTP_DisallowedDomainReturns403(t *testing.T) {
	p := newTestProxy(fakeResolver{})
	route := &config.Route{Forward: &config.ForwardConfig{AllowedDomains: []string{"api.example.com"}}}

	r := httptest.NewRequest(http.MethodGet, "/fwd?url=https://evil.example/x", nil)
	w := httptest.NewRecorder()
	p.ServeHTTP(w, r, route)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestServeHTTP_MalformedReturns400(t *testing.T) {
	p := newTestProxy(fakeResolver{})
	route := &config.Route{Forward: &config.ForwardConfig{AllowedDomains: []string{"api.example.com"}}}

	r := httptest.NewRequest(http.MethodGet, "/fwd", nil)
	w := httptest.NewRecorder()
	p.ServeHTTP(w, r, route)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

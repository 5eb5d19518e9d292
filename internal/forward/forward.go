// Package forward implements the dynamic forward proxy: proxying to a
// client-supplied URL constrained by a per-route domain allow-list.
package forward

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ruachtech/gatewayd/internal/apperrors"
	"github.com/ruachtech/gatewayd/internal/config"
	"github.com/ruachtech/gatewayd/internal/proxy"
)

const defaultQueryParam = "url"

// Resolver looks up the IPs a hostname resolves to. Exists so tests can
// substitute a fake resolver instead of touching the network.
type Resolver interface {
	LookupIPAddr(host string) ([]net.IP, error)
}

type netResolver struct{}

func (netResolver) LookupIPAddr(host string) ([]net.IP, error) {
	addrs, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

// Proxy validates and proxies to a caller-supplied target URL.
type Proxy struct {
	engine   *proxy.Engine
	resolver Resolver

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewProxy builds a Proxy that proxies validated requests through engine.
func NewProxy(engine *proxy.Engine) *Proxy {
	return &Proxy{
		engine:   engine,
		resolver: netResolver{},
		limiters: make(map[string]*rate.Limiter),
	}
}

// ServeHTTP validates the route's forward target and, if allowed,
// proxies the request there. 400 for a missing/malformed URL, 403 for a
// disallowed domain or non-routable target.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request, route *config.Route) {
	target, err := p.resolveTarget(r, route)
	if err != nil {
		p.writeError(w, err)
		return
	}

	if !p.dialAllowed(target.Hostname()) {
		p.writeError(w, fmt.Errorf("%w: dial rate exceeded for %s", apperrors.ErrForwardDisallowed, target.Hostname()))
		return
	}

	p.engine.ServeUpstream(w, r, target, route.Headers)
}

func (p *Proxy) resolveTarget(r *http.Request, route *config.Route) (*url.URL, error) {
	fc := route.Forward
	queryParam := defaultQueryParam
	var allowedDomains []string
	allowInsecure := false
	if fc != nil {
		if fc.QueryParam != "" {
			queryParam = fc.QueryParam
		}
		allowedDomains = fc.AllowedDomains
		allowInsecure = fc.AllowInsecureHTTP
	}

	raw := r.URL.Query().Get(queryParam)
	if raw == "" {
		return nil, fmt.Errorf("%w: missing %q query parameter", apperrors.ErrForwardMalformed, queryParam)
	}

	target, err := url.Parse(raw)
	if err != nil || target.Host == "" {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrForwardMalformed, raw)
	}

	if target.Scheme != "https" && !(allowInsecure && target.Scheme == "http") {
		return nil, fmt.Errorf("%w: scheme %q not permitted", apperrors.ErrForwardDisallowed, target.Scheme)
	}

	if !domainAllowed(allowedDomains, target.Hostname()) {
		return nil, fmt.Errorf("%w: domain %q not on allow-list", apperrors.ErrForwardDisallowed, target.Hostname())
	}

	if err := p.rejectPrivateTarget(target.Hostname()); err != nil {
		return nil, err
	}

	return target, nil
}

func domainAllowed(allowed []string, host string) bool {
	for _, d := range allowed {
		if strings.EqualFold(d, host) {
			return true
		}
	}
	return false
}

// rejectPrivateTarget resolves host and rejects private, loopback, and
// link-local addresses, closing the obvious SSRF hole a forward proxy
// would otherwise open into the local network.
func (p *Proxy) rejectPrivateTarget(host string) error {
	if ip := net.ParseIP(host); ip != nil {
		return checkPublicIP(ip)
	}

	addrs, err := p.resolver.LookupIPAddr(host)
	if err != nil {
		return fmt.Errorf("%w: resolving %s: %v", apperrors.ErrForwardDisallowed, host, err)
	}
	for _, ip := range addrs {
		if err := checkPublicIP(ip); err != nil {
			return err
		}
	}
	return nil
}

func checkPublicIP(ip net.IP) error {
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return fmt.Errorf("%w: target resolves to a non-routable address %s", apperrors.ErrForwardDisallowed, ip)
	}
	return nil
}

// dialAllowed bounds outbound dial attempts per target domain so a
// forward-proxy route can't be used to amplify traffic at an upstream
// that isn't expecting it.
func (p *Proxy) dialAllowed(domain string) bool {
	p.mu.Lock()
	lim, ok := p.limiters[domain]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(20), 40) // 20/s sustained, burst 40
		p.limiters[domain] = lim
	}
	p.mu.Unlock()
	return lim.Allow()
}

func (p *Proxy) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperrors.ErrForwardMalformed):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusForbidden)
	}
}

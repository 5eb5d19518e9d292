package dispatch

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruachtech/gatewayd/internal/collaborators"
	"github.com/ruachtech/gatewayd/internal/config"
	"github.com/ruachtech/gatewayd/internal/forward"
	"github.com/ruachtech/gatewayd/internal/proxy"
	"github.com/ruachtech/gatewayd/internal/ratelimit"
	"github.com/ruachtech/gatewayd/internal/session"
)

// captureSink records statistics in memory for assertions.
type captureSink struct {
	mu      sync.Mutex
	records []collaborators.RequestRecord
}

func (c *captureSink) Record(rec collaborators.RequestRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *captureSink) last(t *testing.T) collaborators.RequestRecord {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.records)
	return c.records[len(c.records)-1]
}

type testLocator map[string]string

func (l testLocator) Lookup(ip string) (string, string, string, bool) {
	country, ok := l[ip]
	return country, "", "", ok
}

func loadStore(t *testing.T, proxyYAML string) *config.Store {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "proxy.yaml"), []byte(proxyYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.yaml"), []byte("config:\n  proxy: proxy.yaml\n"), 0o644))

	store := config.NewStore()
	require.NoError(t, store.Load(filepath.Join(dir, "main.yaml")))
	return store
}

func newTestDispatcher(t *testing.T, proxyYAML string, opts func(*Options)) (*Dispatcher, *captureSink) {
	t.Helper()
	store := loadStore(t, proxyYAML)
	engine := proxy.NewEngine(0, 0, 0, nil)
	sink := &captureSink{}

	o := Options{
		Store:   store,
		Limiter: ratelimit.NewLimiter(),
		Geo:     ratelimit.NewGeoFilter(nil, 0),
		Engine:  engine,
		Forward: forward.NewProxy(engine),
		Stats:   sink,
	}
	if opts != nil {
		opts(&o)
	}
	return New(o), sink
}

func get(d *Dispatcher, host, path string, tweak func(*http.Request)) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	r.Host = host
	r.RemoteAddr = "198.51.100.7:55555"
	if tweak != nil {
		tweak(r)
	}
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)
	return w
}

func TestDispatch_ProxyHappyPath(t *testing.T) {
	var seenPath, seenXFF string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
		seenXFF = r.Header.Get("X-Forwarded-For")
		w.Header().Set("X-Upstream", "yes")
		fmt.Fprint(w, "pong")
	}))
	defer upstream.Close()

	d, sink := newTestDispatcher(t, fmt.Sprintf(`
routes:
  - domain: api.example.com
    type: proxy
    target: %s
`, upstream.URL), nil)

	w := get(d, "api.example.com", "/v1/ping", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())
	assert.Equal(t, "yes", w.Header().Get("X-Upstream"))
	assert.Equal(t, "/v1/ping", seenPath)
	assert.Equal(t, "198.51.100.7", seenXFF)

	rec := sink.last(t)
	assert.Equal(t, "proxy", rec.Kind)
	assert.Equal(t, http.StatusOK, rec.Status)
	assert.Equal(t, "198.51.100.7", rec.ClientIP)
	assert.Equal(t, int64(4), rec.Bytes)
}

func TestDispatch_RewriteOrdering(t *testing.T) {
	var seenPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
	}))
	defer upstream.Close()

	d, _ := newTestDispatcher(t, fmt.Sprintf(`
routes:
  - domain: api.example.com
    type: proxy
    target: %s
    rewrite:
      "^/api/": "/v1/"
`, upstream.URL), nil)

	w := get(d, "api.example.com", "/api/users", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/v1/users", seenPath)
}

func TestDispatch_NoRouteMatched(t *testing.T) {
	d, sink := newTestDispatcher(t, `
routes:
  - domain: api.example.com
    type: redirect
    target: https://example.com
`, nil)

	w := get(d, "unknown.example.com", "/anything", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error": "no route matched"}`, w.Body.String())

	rec := sink.last(t)
	assert.Equal(t, "unmatched", rec.RouteName)
	assert.Equal(t, "unmatched", rec.Kind)
	assert.Equal(t, http.StatusNotFound, rec.Status)
}

func TestDispatch_RateLimit(t *testing.T) {
	d, _ := newTestDispatcher(t, `
routes:
  - domain: www.example.com
    type: redirect
    target: https://example.com
    rateLimitWindowMs: 60000
    rateLimitMaxRequests: 3
`, nil)

	for i := 0; i < 3; i++ {
		w := get(d, "www.example.com", "/", nil)
		assert.Equal(t, http.StatusMovedPermanently, w.Code, "request %d", i+1)
	}

	w := get(d, "www.example.com", "/", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	// A different client IP is a different bucket.
	w = get(d, "www.example.com", "/", func(r *http.Request) { r.RemoteAddr = "203.0.113.9:1234" })
	assert.Equal(t, http.StatusMovedPermanently, w.Code)
}

func TestDispatch_StaticAndSPAFallback(t *testing.T) {
	dist := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dist, "index.html"), []byte("<html>app</html>"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dist, "js"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dist, "js", "main.js"), []byte("console.log(1)"), 0o644))

	d, _ := newTestDispatcher(t, fmt.Sprintf(`
routes:
  - domain: app.example.com
    type: static
    staticPath: %s
    spaFallback: true
`, dist), nil)

	w := get(d, "app.example.com", "/js/main.js", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "console.log(1)", w.Body.String())

	// A deep link with no file behind it serves the app shell with 200.
	w = get(d, "app.example.com", "/deep/link", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<html>app</html>", w.Body.String())
}

func TestDispatch_StaticWithoutFallback404s(t *testing.T) {
	dist := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dist, "index.html"), []byte("shell"), 0o644))

	d, _ := newTestDispatcher(t, fmt.Sprintf(`
routes:
  - domain: app.example.com
    type: static
    staticPath: %s
`, dist), nil)

	w := get(d, "app.example.com", "/missing.txt", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDispatch_StaticPathTraversalBlocked(t *testing.T) {
	dist := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dist, "index.html"), []byte("shell"), 0o644))

	d, _ := newTestDispatcher(t, fmt.Sprintf(`
routes:
  - domain: app.example.com
    type: static
    staticPath: %s
`, dist), nil)

	w := get(d, "app.example.com", "/../../etc/passwd", nil)
	assert.NotEqual(t, http.StatusOK, w.Code)
}

func TestDispatch_RedirectStatuses(t *testing.T) {
	d, _ := newTestDispatcher(t, `
routes:
  - domain: old.example.com
    type: redirect
    target: https://new.example.com
  - domain: tmp.example.com
    type: redirect
    target: https://elsewhere.example.com
    redirectStatus: 302
`, nil)

	w := get(d, "old.example.com", "/", nil)
	assert.Equal(t, http.StatusMovedPermanently, w.Code)
	assert.Equal(t, "https://new.example.com", w.Header().Get("Location"))

	w = get(d, "tmp.example.com", "/", nil)
	assert.Equal(t, http.StatusFound, w.Code)
}

func TestDispatch_CORSPreflight(t *testing.T) {
	d, _ := newTestDispatcher(t, `
routes:
  - domain: api.example.com
    type: redirect
    target: https://example.com
    cors:
      allowedOrigins: ["https://app.example.com"]
`, nil)

	r := httptest.NewRequest(http.MethodOptions, "/resource", nil)
	r.Host = "api.example.com"
	r.RemoteAddr = "198.51.100.7:55555"
	r.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Methods"))
}

func TestDispatch_CORSPreflightConfiguredStatus(t *testing.T) {
	d, _ := newTestDispatcher(t, `
routes:
  - domain: api.example.com
    type: redirect
    target: https://example.com
    cors:
      allowedOrigins: ["https://app.example.com"]
      preflightStatus: 200
`, nil)

	r := httptest.NewRequest(http.MethodOptions, "/resource", nil)
	r.Host = "api.example.com"
	r.RemoteAddr = "198.51.100.7:55555"
	r.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDispatch_HeaderInjectionAndCSP(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	d, _ := newTestDispatcher(t, fmt.Sprintf(`
security:
  csp:
    - "default-src 'self'"
routes:
  - domain: api.example.com
    type: proxy
    target: %s
    headers:
      X-Served-By: gatewayd
    csp:
      - "img-src https:"
`, upstream.URL), nil)

	w := get(d, "api.example.com", "/", nil)
	assert.Equal(t, "gatewayd", w.Header().Get("X-Served-By"))
	assert.Equal(t, "default-src 'self'; img-src https:", w.Header().Get("Content-Security-Policy"))
}

func TestDispatch_GeoBlock(t *testing.T) {
	d, sink := newTestDispatcher(t, `
routes:
  - domain: api.example.com
    type: redirect
    target: https://example.com
    geolocationFilter:
      mode: block
      countries: ["XX"]
      blockStatus: 451
      blockMessage: unavailable in your region
`, func(o *Options) {
		o.Geo = ratelimit.NewGeoFilter(testLocator{"198.51.100.7": "XX"}, 10)
	})

	w := get(d, "api.example.com", "/", nil)
	assert.Equal(t, 451, w.Code)
	assert.Contains(t, w.Body.String(), "unavailable in your region")

	rec := sink.last(t)
	assert.Equal(t, "XX", rec.Country)
	assert.Equal(t, 451, rec.Status)
}

func TestDispatch_AuthGate(t *testing.T) {
	store, err := session.OpenStore(filepath.Join(t.TempDir(), "sessions.db"), time.Minute)
	require.NoError(t, err)
	defer store.Close()
	gate := session.NewGate(store, 0, nil)

	d, _ := newTestDispatcher(t, `
routes:
  - domain: app.example.com
    type: redirect
    target: https://example.com
    requireAuth: true
    publicPaths: ["/public"]
`, func(o *Options) { o.Gate = gate })

	// Non-browser client without a session: 401.
	w := get(d, "app.example.com", "/private", func(r *http.Request) {
		r.Header.Set("Accept", "application/json")
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Public path passes without a session.
	w = get(d, "app.example.com", "/public/logo.png", nil)
	assert.Equal(t, http.StatusMovedPermanently, w.Code)
}

type stubOAuth2 struct{}

func (stubOAuth2) BeginAuthorization(routeName, returnPath string) (string, error) {
	return "https://auth.example.com/authorize?state=" + returnPath, nil
}

func (stubOAuth2) HandleCallback(routeName string, query url.Values) (string, error) {
	if query.Get("code") == "" {
		return "", fmt.Errorf("missing code")
	}
	return "user-42", nil
}

func TestDispatch_OAuth2CallbackIssuesSession(t *testing.T) {
	store, err := session.OpenStore(filepath.Join(t.TempDir(), "sessions.db"), time.Minute)
	require.NoError(t, err)
	defer store.Close()
	gate := session.NewGate(store, 0, stubOAuth2{})

	d, _ := newTestDispatcher(t, `
routes:
  - domain: app.example.com
    type: redirect
    target: https://example.com
    requireAuth: true
    oauth2:
      provider: test
      clientId: app
      clientSecret: secret
      callbackUrl: https://app.example.com/oauth2/callback
`, func(o *Options) { o.Gate = gate })

	// The browser without a session gets bounced to the provider.
	w := get(d, "app.example.com", "/private", func(r *http.Request) {
		r.Header.Set("Accept", "text/html")
	})
	require.Equal(t, http.StatusFound, w.Code)
	assert.Contains(t, w.Header().Get("Location"), "auth.example.com")

	// The provider sends the browser back; a session cookie is issued.
	w = get(d, "app.example.com", "/oauth2/callback?code=abc&state=/private", nil)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/private", w.Header().Get("Location"))

	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	require.Equal(t, session.CookieName, cookies[0].Name)

	// The cookie now satisfies the gate.
	w = get(d, "app.example.com", "/private", func(r *http.Request) {
		r.AddCookie(cookies[0])
	})
	assert.Equal(t, http.StatusMovedPermanently, w.Code)
}

func TestDispatch_ForwardMissingParam(t *testing.T) {
	d, _ := newTestDispatcher(t, `
routes:
  - domain: fwd.example.com
    type: forward
    forward:
      allowedDomains: ["allowed.example.com"]
`, nil)

	w := get(d, "fwd.example.com", "/", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDispatch_LongestPrefixWins(t *testing.T) {
	dist := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dist, "index.html"), []byte("admin shell"), 0o644))

	d, sink := newTestDispatcher(t, fmt.Sprintf(`
routes:
  - domain: app.example.com
    type: redirect
    target: https://example.com
  - domain: app.example.com
    path: /admin
    type: static
    staticPath: %s
    spaFallback: true
`, dist), nil)

	w := get(d, "app.example.com", "/admin/settings", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "admin shell", w.Body.String())
	assert.Equal(t, "static", sink.last(t).Kind)

	w = get(d, "app.example.com", "/other", nil)
	assert.Equal(t, http.StatusMovedPermanently, w.Code)
}

func TestDispatch_SnapshotStableAcrossReload(t *testing.T) {
	dir := t.TempDir()
	proxyPath := filepath.Join(dir, "proxy.yaml")
	require.NoError(t, os.WriteFile(proxyPath, []byte(`
routes:
  - domain: a.example.com
    type: redirect
    target: https://first.example.com
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.yaml"), []byte("config:\n  proxy: proxy.yaml\n"), 0o644))

	store := config.NewStore()
	require.NoError(t, store.Load(filepath.Join(dir, "main.yaml")))

	engine := proxy.NewEngine(0, 0, 0, nil)
	d := New(Options{
		Store:   store,
		Limiter: ratelimit.NewLimiter(),
		Geo:     ratelimit.NewGeoFilter(nil, 0),
		Engine:  engine,
		Forward: forward.NewProxy(engine),
	})

	w := get(d, "a.example.com", "/", nil)
	assert.Equal(t, "https://first.example.com", w.Header().Get("Location"))

	require.NoError(t, os.WriteFile(proxyPath, []byte(`
routes:
  - domain: a.example.com
    type: redirect
    target: https://second.example.com
`), 0o644))
	require.NoError(t, store.Reload())

	w = get(d, "a.example.com", "/", nil)
	assert.Equal(t, "https://second.example.com", w.Header().Get("Location"))
}

func TestClientIP(t *testing.T) {
	mk := func(tweak func(*http.Request)) string {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "192.0.2.1:9999"
		if tweak != nil {
			tweak(r)
		}
		return ClientIP(r)
	}

	assert.Equal(t, "192.0.2.1", mk(nil))
	assert.Equal(t, "203.0.113.5", mk(func(r *http.Request) {
		r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	}))
	assert.Equal(t, "203.0.113.6", mk(func(r *http.Request) {
		r.Header.Set("X-Real-IP", "203.0.113.6")
	}))
	assert.Equal(t, "203.0.113.7", mk(func(r *http.Request) {
		r.Header.Set("X-Client-IP", "203.0.113.7")
	}))
	// X-Forwarded-For wins over the others.
	assert.Equal(t, "203.0.113.5", mk(func(r *http.Request) {
		r.Header.Set("X-Forwarded-For", "203.0.113.5")
		r.Header.Set("X-Real-IP", "203.0.113.6")
	}))
}

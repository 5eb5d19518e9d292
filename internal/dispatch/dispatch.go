// Package dispatch implements the per-request routing state machine:
// filter → rate-check → auth-gate → rewrite → dispatch → record. Each
// request advances through the states in program order; a terminal state
// writes the response and the machine always finishes by recording the
// outcome to statistics.
package dispatch

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ruachtech/gatewayd/internal/collaborators"
	"github.com/ruachtech/gatewayd/internal/config"
	"github.com/ruachtech/gatewayd/internal/forward"
	"github.com/ruachtech/gatewayd/internal/metrics"
	"github.com/ruachtech/gatewayd/internal/proxy"
	"github.com/ruachtech/gatewayd/internal/ratelimit"
	"github.com/ruachtech/gatewayd/internal/routing"
	"github.com/ruachtech/gatewayd/internal/session"
)

// state names one position in the request state machine.
type state int

const (
	stateReceived state = iota
	stateFiltered
	stateRateChecked
	stateAuthGated
	stateRewritten
	stateDispatched
	stateDone
)

// Dispatcher drives requests from route resolution to response.
type Dispatcher struct {
	store   *config.Store
	limiter *ratelimit.Limiter
	geo     *ratelimit.GeoFilter
	gate    *session.Gate
	engine  *proxy.Engine
	forward *forward.Proxy
	stats   collaborators.StatsSink
	metrics *metrics.Metrics
	logger  *slog.Logger

	// challengeDir, when set, is served under the ACME HTTP-01 challenge
	// path ahead of any configured route.
	challengeDir string

	resolverCache atomic.Pointer[resolverEntry]
}

// resolverEntry pins a Resolver to the Snapshot it was built from. The
// cache is re-validated per request by pointer identity, so a reload
// swaps the resolver the first time the new snapshot is observed.
type resolverEntry struct {
	snap     *config.Snapshot
	resolver *routing.Resolver
}

// Options wires a Dispatcher. Store, Limiter, Geo, and Engine are
// required, and Forward is required when any route has type forward.
// Stats defaults to a discarding sink and Logger to slog.Default; a nil
// Gate skips the auth step and a nil Metrics records nothing.
type Options struct {
	Store        *config.Store
	Limiter      *ratelimit.Limiter
	Geo          *ratelimit.GeoFilter
	Gate         *session.Gate
	Engine       *proxy.Engine
	Forward      *forward.Proxy
	Stats        collaborators.StatsSink
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	ChallengeDir string
}

// New builds a Dispatcher.
func New(opts Options) *Dispatcher {
	stats := opts.Stats
	if stats == nil {
		stats = collaborators.DiscardStatsSink{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:        opts.Store,
		limiter:      opts.Limiter,
		geo:          opts.Geo,
		gate:         opts.Gate,
		engine:       opts.Engine,
		forward:      opts.Forward,
		stats:        stats,
		metrics:      opts.Metrics,
		logger:       logger,
		challengeDir: opts.ChallengeDir,
	}
}

// request carries one request's machine state. Fields accumulate as the
// machine advances; the snapshot captured here at dispatch start is the
// one the whole request runs against, reload or not.
type request struct {
	w        *responseRecorder
	r        *http.Request
	snap     *config.Snapshot
	plan     *routing.Plan
	clientIP string
	country  string
	start    time.Time
}

// ServeHTTP runs the state machine for one request.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := &request{
		w:        newResponseRecorder(w),
		r:        r,
		snap:     d.store.Current(),
		clientIP: ClientIP(r),
		start:    time.Now(),
	}

	for st := stateReceived; st != stateDone; {
		st = d.advance(st, req)
	}
	d.record(req)
}

// advance executes one state's handler and returns the next state.
// Terminal outcomes jump straight to stateDone with the response already
// written.
func (d *Dispatcher) advance(st state, req *request) state {
	switch st {
	case stateReceived:
		return d.stepReceive(req)
	case stateFiltered:
		return d.stepFilter(req)
	case stateRateChecked:
		return d.stepRateCheck(req)
	case stateAuthGated:
		return d.stepAuthGate(req)
	case stateRewritten:
		return d.stepRewrite(req)
	case stateDispatched:
		return d.stepDispatch(req)
	default:
		return stateDone
	}
}

func (d *Dispatcher) stepReceive(req *request) state {
	if d.challengeDir != "" && isAcmeChallengePath(req.r.URL.Path) {
		d.serveAcmeChallenge(req.w, req.r)
		return stateDone
	}

	resolver := d.resolverFor(req.snap)
	req.plan = resolver.Resolve(req.r.Host, req.r.URL.Path, req.r.Method)
	if req.plan == nil {
		writeJSONError(req.w, http.StatusNotFound, "no route matched")
		return stateDone
	}
	return stateFiltered
}

func (d *Dispatcher) stepFilter(req *request) state {
	route := req.plan.Route

	filter := route.Geo
	if filter == nil {
		filter = req.snap.Proxy.Security.GeolocationFilter
	}

	if country, ok := d.geo.Resolve(req.clientIP); ok {
		req.country = country
	}

	decision := d.geo.Evaluate(filter, req.clientIP)
	if decision.Allowed {
		return stateRateChecked
	}

	if decision.RedirectTo != "" {
		http.Redirect(req.w, req.r, decision.RedirectTo, http.StatusFound)
		return stateDone
	}
	body := decision.Body
	if body == "" {
		body = "forbidden"
	}
	http.Error(req.w, body, decision.Status)
	return stateDone
}

func (d *Dispatcher) stepRateCheck(req *request) state {
	route := req.plan.Route
	sec := req.snap.Proxy.Security

	windowMs := route.RateLimitWindowMs
	if windowMs == 0 {
		windowMs = sec.RateLimitWindowMs
	}
	maxReqs := route.RateLimitMaxReqs
	if maxReqs == 0 {
		maxReqs = sec.RateLimitMaxRequests
	}

	if d.limiter.Allow(route.Name, req.clientIP, windowMs, maxReqs) {
		return stateAuthGated
	}

	retryAfter := (windowMs + 999) / 1000
	req.w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeJSONError(req.w, http.StatusTooManyRequests, "rate limit exceeded")
	return stateDone
}

func (d *Dispatcher) stepAuthGate(req *request) state {
	if d.gate == nil {
		return stateRewritten
	}
	route := req.plan.Route
	if route.OAuth2 != nil && req.r.URL.Path == session.CallbackPath {
		d.gate.HandleCallback(req.w, req.r, route, req.clientIP)
		return stateDone
	}
	if !d.gate.Check(req.w, req.r, route) {
		return stateDone
	}
	return stateRewritten
}

func (d *Dispatcher) stepRewrite(req *request) state {
	route := req.plan.Route
	if len(route.Rewrite) > 0 {
		req.r.URL.Path = route.Rewrite.Apply(req.r.URL.Path)
	}
	return stateDispatched
}

func (d *Dispatcher) stepDispatch(req *request) state {
	route := req.plan.Route
	w, r := req.w, req.r

	// Header injection happens after rewriting and before the dispatch
	// variant runs; CSP and CORS are layered on top.
	for k, v := range route.Headers {
		w.Header().Set(k, v)
	}
	if csp := ratelimit.BuildCSP(effectiveGlobalCSP(req.snap.Proxy.Security), route.CSP); csp != "" {
		w.Header().Set("Content-Security-Policy", csp)
	}

	origin := r.Header.Get("Origin")
	isPreflight := r.Method == http.MethodOptions && origin != ""
	corsAllowed := ratelimit.ApplyCORS(w, route.CORS, origin, isPreflight)
	if isPreflight && corsAllowed {
		status := route.CORS.PreflightStatus
		if status == 0 {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
		return stateDone
	}

	switch route.Type {
	case "proxy":
		target, err := url.Parse(route.Target)
		if err != nil || target.Host == "" {
			d.logger.Error("gatewayd.dispatch.bad_target", "route", route.Name, "target", route.Target, "error", err)
			writeJSONError(w, http.StatusInternalServerError, "route target misconfigured")
			return stateDone
		}
		d.engine.ServeUpstream(w, r, target, route.Headers)
	case "static":
		serveStatic(w, r, route)
	case "redirect":
		status := route.RedirectStatus
		if status < 300 || status > 399 {
			status = http.StatusMovedPermanently
		}
		http.Redirect(w, r, route.Target, status)
	case "forward":
		d.forward.ServeHTTP(w, r, route)
	default:
		writeJSONError(w, http.StatusInternalServerError, "unknown dispatch kind")
	}
	return stateDone
}

// record emits the request's outcome to statistics and metrics. Runs for
// every request, including unmatched ones.
func (d *Dispatcher) record(req *request) {
	routeName, kind := "unmatched", "unmatched"
	if req.plan != nil {
		routeName = req.plan.Route.Name
		kind = req.plan.Route.Type
	}

	duration := time.Since(req.start)
	status := req.w.Status()

	d.stats.Record(collaborators.RequestRecord{
		ClientIP:   req.clientIP,
		Country:    req.country,
		Method:     req.r.Method,
		Path:       req.r.URL.Path,
		RouteName:  routeName,
		Kind:       kind,
		Status:     status,
		DurationMs: duration.Milliseconds(),
		Bytes:      req.w.Bytes(),
	})
	d.metrics.ObserveRequest(routeName, kind, status, duration.Seconds())

	d.logger.Debug("gatewayd.dispatch.recorded",
		"route", routeName,
		"kind", kind,
		"method", req.r.Method,
		"path", req.r.URL.Path,
		"status", status,
		"duration_ms", duration.Milliseconds(),
		"client_ip", req.clientIP,
	)
}

func (d *Dispatcher) resolverFor(snap *config.Snapshot) *routing.Resolver {
	if e := d.resolverCache.Load(); e != nil && e.snap == snap {
		return e.resolver
	}
	r := routing.New(snap.Proxy.Routes)
	d.resolverCache.Store(&resolverEntry{snap: snap, resolver: r})
	return r
}

// effectiveGlobalCSP merges the modern security.csp list with the legacy
// security.routeCSP overlay; both feed the per-route merge so a route
// directive can still override either.
func effectiveGlobalCSP(sec config.SecurityConfig) []string {
	if len(sec.RouteCSP) == 0 {
		return sec.CSP
	}
	merged := make([]string, 0, len(sec.CSP)+len(sec.RouteCSP))
	merged = append(merged, sec.CSP...)
	merged = append(merged, sec.RouteCSP...)
	return merged
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

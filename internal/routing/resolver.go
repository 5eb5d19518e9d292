// Package routing selects the route for a request: given (host, path,
// method), it finds at most one route and produces its dispatch plan.
package routing

import (
	"strings"

	"github.com/ruachtech/gatewayd/internal/config"
)

// AcmeChallengePathPrefix is the synthetic highest-priority route
// registered ahead of any user route: HTTP-01 challenges are served at
// this path regardless of what the operator's route table says.
const AcmeChallengePathPrefix = "/.well-known/acme-challenge/"

// Plan is the effective dispatch plan computed for a matched route: the
// route itself plus anything the resolver derives from it (currently the
// route is self-describing enough that Plan is a thin wrapper, but keeping
// it distinct from config.Route lets the dispatcher attach per-request
// computed fields — e.g. the rewritten path — without mutating the shared
// Route value that other concurrent requests are also reading).
type Plan struct {
	Route *config.Route
}

// Resolver matches requests against a Snapshot's route table.
type Resolver struct {
	routes []config.Route
}

// New builds a Resolver from a proxy config's route table. Routes are kept
// in definition order; Resolve re-scans them per request rather than
// building an index, since route tables are operator-sized (tens, not
// millions, of entries) and a flat scan keeps the longest-prefix
// tie-break rule trivially correct.
func New(routes []config.Route) *Resolver {
	cp := make([]config.Route, len(routes))
	copy(cp, routes)
	return &Resolver{routes: cp}
}

// Resolve matches (host, path, method) against the route table.
//
// Matching is deterministic:
//  1. Domain equality.
//  2. Among matching-domain routes, the one whose Path is the longest
//     proper prefix of the request path.
//  3. Ties broken by definition order.
//  4. A route with an empty Path matches any path on the domain (lowest
//     priority among domain matches).
//
// Returns nil if no route matches.
func (r *Resolver) Resolve(host, path, _method string) *Plan {
	host = normalizeHost(host)

	var best *config.Route
	bestLen := -1

	for i := range r.routes {
		route := &r.routes[i]
		if normalizeHost(route.Domain) != host {
			continue
		}
		if route.Path == "" {
			if bestLen < 0 {
				best = route
				bestLen = 0
			}
			continue
		}
		if !strings.HasPrefix(path, route.Path) {
			continue
		}
		if len(route.Path) > bestLen {
			best = route
			bestLen = len(route.Path)
		}
	}

	if best == nil {
		return nil
	}
	return &Plan{Route: best}
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}

package ratelimit

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ruachtech/gatewayd/internal/config"
)

// GeoLocator is the geolocation collaborator's minimal contract. Lookup
// is synchronous; implementations are expected to keep their own
// network-facing caching. Country/Region/City are ISO-ish informal
// strings; an unresolved IP returns ok == false.
type GeoLocator interface {
	Lookup(ip string) (country, region, city string, ok bool)
}

// NoopLocator treats every IP as unresolved ("unknown country"), so a
// filter's `unknown` branch decides — allow, unless configured
// otherwise. It stands in when no real geolocation collaborator is
// wired.
type NoopLocator struct{}

func (NoopLocator) Lookup(string) (string, string, string, bool) { return "", "", "", false }

// GeoFilter evaluates a route's geolocation allow/block rule against a
// locally cached lookup.
type GeoFilter struct {
	locator GeoLocator
	cache   *lru.Cache[string, geoResult]
	mu      sync.Mutex
}

type geoResult struct {
	country, region, city string
	ok                    bool
}

// NewGeoFilter wraps locator with a small LRU cache of recent lookups so a
// hot client IP doesn't re-hit the collaborator on every request.
func NewGeoFilter(locator GeoLocator, cacheSize int) *GeoFilter {
	if locator == nil {
		locator = NoopLocator{}
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	c, _ := lru.New[string, geoResult](cacheSize)
	return &GeoFilter{locator: locator, cache: c}
}

// Decision is the outcome of evaluating a GeoFilter against a request.
type Decision struct {
	Allowed    bool
	Status     int
	Body       string
	RedirectTo string
}

// Evaluate returns Decision{Allowed: true} when filter is nil (no filter
// configured on the route) or when the computed branch is "allow".
func (f *GeoFilter) Evaluate(filter *config.GeoFilter, clientIP string) Decision {
	if filter == nil {
		return Decision{Allowed: true}
	}

	country, region, city, ok := f.lookup(clientIP)

	branch := filter.Mode // "allow" or "block"
	matched := ok && (containsFold(filter.Countries, country) ||
		containsFold(filter.Regions, region) ||
		containsFold(filter.Cities, city))

	var allow bool
	if !ok {
		allow = filter.Unknown != "block"
	} else {
		switch branch {
		case "allow":
			allow = matched
		case "block":
			allow = !matched
		default:
			allow = true
		}
	}

	if allow {
		return Decision{Allowed: true}
	}

	status := filter.BlockStatus
	if status == 0 {
		status = 403
	}
	return Decision{Allowed: false, Status: status, Body: filter.BlockBody, RedirectTo: filter.RedirectTo}
}

// Resolve returns the (cached) country for ip; ok is false when the
// locator couldn't place it.
func (f *GeoFilter) Resolve(ip string) (country string, ok bool) {
	country, _, _, ok = f.lookup(ip)
	return country, ok
}

func (f *GeoFilter) lookup(ip string) (string, string, string, bool) {
	f.mu.Lock()
	if v, ok := f.cache.Get(ip); ok {
		f.mu.Unlock()
		return v.country, v.region, v.city, v.ok
	}
	f.mu.Unlock()

	country, region, city, ok := f.locator.Lookup(ip)

	f.mu.Lock()
	f.cache.Add(ip, geoResult{country, region, city, ok})
	f.mu.Unlock()

	return country, region, city, ok
}

func containsFold(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

package ratelimit

import (
	"net/http"
	"strings"

	"github.com/ruachtech/gatewayd/internal/config"
)

// BuildCSP merges global and route-level CSP directives.
//
// Route directives are concatenated after global ones, then
// de-duplicated by directive name (the token before the first space),
// with the LAST occurrence of a given directive name winning. A route
// can therefore override a global default for one directive without the
// response carrying both.
func BuildCSP(global, route []string) string {
	byName := make(map[string]string)
	var order []string

	apply := func(directives []string) {
		for _, d := range directives {
			d = strings.TrimSpace(d)
			if d == "" {
				continue
			}
			name := d
			if i := strings.IndexByte(d, ' '); i >= 0 {
				name = d[:i]
			}
			if _, exists := byName[name]; !exists {
				order = append(order, name)
			}
			byName[name] = d
		}
	}

	apply(global)
	apply(route)

	parts := make([]string, 0, len(order))
	for _, name := range order {
		parts = append(parts, byName[name])
	}
	return strings.Join(parts, "; ")
}

// ApplyCORS writes CORS response headers for cfg, given the request's
// Origin header. Returns true if the request is an allowed CORS request
// (Origin present and permitted). isPreflight controls whether preflight
// (Access-Control-Allow-Methods/Headers/MaxAge) headers are also written.
func ApplyCORS(w http.ResponseWriter, cfg *config.CORSConfig, origin string, isPreflight bool) bool {
	if cfg == nil || !cfg.Enabled || origin == "" {
		return false
	}

	allowed := originAllowed(cfg.AllowedOrigins, origin)
	if !allowed {
		return false
	}

	w.Header().Set("Vary", "Origin")
	if contains(cfg.AllowedOrigins, "*") && !cfg.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	if cfg.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	if isPreflight {
		w.Header().Set("Access-Control-Allow-Methods", strings.Join(cfg.AllowedMethods, ", "))
		if len(cfg.AllowedHeaders) > 0 {
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(cfg.AllowedHeaders, ", "))
		}
		if cfg.MaxAge > 0 {
			w.Header().Set("Access-Control-Max-Age", itoa(cfg.MaxAge))
		}
	}
	return true
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

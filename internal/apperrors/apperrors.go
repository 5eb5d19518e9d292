// Package apperrors enumerates the gateway's error taxonomy.
//
// These are kinds, not concrete types: each sentinel is wrapped with
// fmt.Errorf("...: %w", Kind) at the point of failure so callers can test
// with errors.Is while the wrapped message keeps the original detail.
package apperrors

import "errors"

var (
	// ErrConfigValidation is raised during load. At initial startup it is
	// fatal; at reload it is reported and the current snapshot is retained.
	ErrConfigValidation = errors.New("config validation error")

	// ErrUnresolvedEnvVar is raised before an OAuth2 route is activated when
	// ${VAR} placeholders survive substitution in clientId/clientSecret/callbackUrl.
	ErrUnresolvedEnvVar = errors.New("unresolved environment variable placeholder")

	// ErrNoRouteMatched means no route matched (host, path, method); the
	// dispatcher answers 404 and records a synthetic "unmatched" entry.
	ErrNoRouteMatched = errors.New("no route matched")

	// ErrRateLimited means the request exceeded the route's rate limit (429).
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrGeoBlocked means the geolocation filter rejected the request (403
	// by default, or a configured custom response).
	ErrGeoBlocked = errors.New("request blocked by geolocation filter")

	// ErrAuthRequired means the route requires a session and none was found
	// or it was invalid (302 to the OAuth2 authorization endpoint, or 401
	// for non-browser Accept headers).
	ErrAuthRequired = errors.New("authentication required")

	// ErrUpstreamUnavailable maps to 502: the upstream connection failed.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUpstreamTimeout maps to 504: the upstream did not respond in time.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrUpstreamProtocol maps to 502: the upstream violated the HTTP
	// protocol; the connection is discarded rather than reused.
	ErrUpstreamProtocol = errors.New("upstream protocol error")

	// ErrCertificateMissing means SNI selected a domain with no certificate
	// material; the handshake fails and the ACME collaborator is notified.
	ErrCertificateMissing = errors.New("certificate missing")

	// ErrCertificateExpired means certificate material was loaded but its
	// validity window has passed.
	ErrCertificateExpired = errors.New("certificate expired")

	// ErrProcessSpawn means a child process could not be started. Logged and
	// marked in-error; not retried automatically since the configuration is
	// presumed wrong.
	ErrProcessSpawn = errors.New("process spawn error")

	// ErrProcessUnhealthy means a process failed health checks enough times
	// to warrant a forced restart, or exhausted its restart budget.
	ErrProcessUnhealthy = errors.New("process unhealthy")

	// ErrForwardDisallowed means the dynamic forward-proxy target domain was
	// not on the allow-list, or resolved to a private/loopback/link-local IP.
	ErrForwardDisallowed = errors.New("forward target not allowed")

	// ErrForwardMalformed means the dynamic forward-proxy target URL query
	// parameter was missing or could not be parsed.
	ErrForwardMalformed = errors.New("forward target malformed")
)

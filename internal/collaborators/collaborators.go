// Package collaborators defines the narrow interfaces the gateway
// depends on for externally provided functionality: ACME/Let's Encrypt,
// OAuth2 authorization, statistics persistence, HTTP response caching,
// and operator notifications. Each interface ships a no-op or dev-mode
// default so the gateway runs standalone without a real collaborator
// wired in.
package collaborators

import (
	"context"
	"crypto/tls"
	"net/url"
)

// ACMEClient obtains and renews TLS certificates for a domain. The core
// calls it when TLS Termination finds no certificate for an SNI name, or
// when a held certificate is within its renewal window.
type ACMEClient interface {
	// ObtainOrRenew returns a certificate for domain, requesting one from
	// the ACME provider if none is cached or the cached one is expiring.
	ObtainOrRenew(ctx context.Context, domain string) (*tls.Certificate, error)
}

// NoopACMEClient reports every domain as unobtainable. It is the default
// when no Let's Encrypt collaborator is configured; routes then require
// certificates to be provisioned out of band.
type NoopACMEClient struct{}

func (NoopACMEClient) ObtainOrRenew(context.Context, string) (*tls.Certificate, error) {
	return nil, errUnconfigured
}

// OAuth2Client implements the per-route OAuth2 login flow the session
// gate redirects unauthenticated browsers into.
type OAuth2Client interface {
	BeginAuthorization(routeName, returnPath string) (redirectURL string, err error)
	HandleCallback(routeName string, query url.Values) (sessionUser string, err error)
}

// NoopOAuth2Client refuses every authorization attempt. Routes with
// requireAuth set but no oauth2 collaborator configured always answer 401
// — a deliberately loud failure rather than a silent bypass.
type NoopOAuth2Client struct{}

func (NoopOAuth2Client) BeginAuthorization(string, string) (string, error) {
	return "", errUnconfigured
}

func (NoopOAuth2Client) HandleCallback(string, url.Values) (string, error) {
	return "", errUnconfigured
}

// RequestRecord is one dispatched request as reported to the statistics
// collaborator. RouteName is "unmatched" for requests no route claimed.
type RequestRecord struct {
	ClientIP   string
	Country    string
	Method     string
	Path       string
	RouteName  string
	Kind       string
	Status     int
	DurationMs int64
	Bytes      int64
}

// StatsSink receives per-request statistics records. The persistence
// format and retention are the collaborator's concern.
type StatsSink interface {
	Record(rec RequestRecord)
}

// DiscardStatsSink drops every record. It is the default so the
// dispatcher's statistics hook is always safe to call.
type DiscardStatsSink struct{}

func (DiscardStatsSink) Record(RequestRecord) {}

// CacheStore is the optional response cache referenced by settings.cache
// in main.yaml. A real implementation would back onto the configured
// cacheDir.
type CacheStore interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
}

// NoCache never stores anything, making every lookup a miss.
type NoCache struct{}

func (NoCache) Get(string) ([]byte, bool) { return nil, false }
func (NoCache) Set(string, []byte)        {}

// ConsoleNotifier surfaces operator-facing events (process crash loops,
// certificate renewal failures) outside the structured log stream, e.g.
// to a desktop notification or chat webhook.
type ConsoleNotifier interface {
	Notify(event, message string)
}

// SilentNotifier drops every notification. Structured logging still
// records the same events; this collaborator is for an additional
// out-of-band channel supplied from outside.
type SilentNotifier struct{}

func (SilentNotifier) Notify(string, string) {}

var errUnconfigured = collaboratorError("collaborator not configured")

type collaboratorError string

func (e collaboratorError) Error() string { return string(e) }

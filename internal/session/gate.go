package session

import (
	"net/http"
	"strings"
	"time"

	"github.com/ruachtech/gatewayd/internal/collaborators"
	"github.com/ruachtech/gatewayd/internal/config"
)

// CookieName is the session cookie set on a successful OAuth2 callback.
const CookieName = "gatewayd_session"

// CallbackPath is the path, on any route with oauth2 configured, that
// the gate intercepts to complete the login flow.
const CallbackPath = "/oauth2/callback"

// Gate enforces the per-route requireAuth rule.
type Gate struct {
	store  *Store
	cache  *cache
	oauth2 collaborators.OAuth2Client
}

// NewGate wires store to a fronting cache of the given capacity (0 means
// the default of 100) and an OAuth2 collaborator used to build the
// authorization redirect.
func NewGate(store *Store, cacheCapacity int, oauth2 collaborators.OAuth2Client) *Gate {
	if oauth2 == nil {
		oauth2 = collaborators.NoopOAuth2Client{}
	}
	return &Gate{store: store, cache: newCache(cacheCapacity), oauth2: oauth2}
}

// slidePersistInterval throttles how often a hot session's sliding
// expiry is written back to the store: cache hits within this window are
// served without touching bbolt, so LastActivity is tracked at this
// granularity rather than per request.
const slidePersistInterval = time.Minute

// Validate looks up the session named by id, scoped to domain. The LRU
// cache is consulted first; the store is only read on a miss, on expiry
// (which deletes the record), or when the cached entry is due a
// persisted expiry slide. A session created under a different domain
// never validates, even if the id happens to collide (it can't, given
// 256 bits of entropy, but the domain check is the actual enforcement
// mechanism).
func (g *Gate) Validate(domain, id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}

	now := time.Now()
	if sess, ok := g.cache.get(id); ok {
		if sess.Domain != domain {
			return nil, false
		}
		if !sess.expired(now) && now.Sub(sess.LastActivity) < slidePersistInterval {
			return sess, true
		}
		// Expired, or due a persisted slide: the store read below
		// settles it either way.
	}

	sess, ok := g.store.Get(id)
	if !ok {
		g.cache.remove(id)
		return nil, false
	}
	if sess.Domain != domain {
		return nil, false
	}

	g.cache.put(sess)
	return sess, true
}

// Invalidate deletes a session from both the store and the fronting cache.
func (g *Gate) Invalidate(id string) error {
	g.cache.remove(id)
	return g.store.Delete(id)
}

// IssueCookie creates a new session for (domain, userID) and returns the
// *http.Cookie to set on the response.
func (g *Gate) IssueCookie(domain, userID, clientIP, userAgent string) (*http.Cookie, error) {
	sess, err := g.store.Create(domain, userID, clientIP, userAgent)
	if err != nil {
		return nil, err
	}
	g.cache.put(sess)

	return &http.Cookie{
		Name:     CookieName,
		Value:    sess.ID,
		Domain:   domain,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.ExpiresAt,
	}, nil
}

// Check implements the auth-gate dispatch step. It
// returns true when the request may proceed: either the route
// doesn't require auth, the path is public, or a valid session was found.
// When auth is required and missing/invalid, it writes the 302-to-OAuth2
// (browser) or 401 (non-browser) response itself and returns false.
func (g *Gate) Check(w http.ResponseWriter, r *http.Request, route *config.Route) bool {
	if !route.RequireAuth || isPublicPath(route.PublicPaths, r.URL.Path) {
		return true
	}

	cookie, err := r.Cookie(CookieName)
	if err == nil {
		if _, ok := g.Validate(route.Domain, cookie.Value); ok {
			return true
		}
	}

	if wantsJSON(r) {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return false
	}

	routeName := route.Name
	if routeName == "" {
		routeName = route.Domain + route.Path
	}
	redirectURL, authErr := g.oauth2.BeginAuthorization(routeName, r.URL.RequestURI())
	if authErr != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return false
	}

	http.Redirect(w, r, redirectURL, http.StatusFound)
	return false
}

// HandleCallback completes the OAuth2 flow: exchanges the provider's
// query parameters for a user through the collaborator, issues the
// session cookie, and redirects to the originally requested path (the
// `state` parameter, when it names a local path).
func (g *Gate) HandleCallback(w http.ResponseWriter, r *http.Request, route *config.Route, clientIP string) {
	routeName := route.Name
	if routeName == "" {
		routeName = route.Domain + route.Path
	}

	user, err := g.oauth2.HandleCallback(routeName, r.URL.Query())
	if err != nil {
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	cookie, err := g.IssueCookie(route.Domain, user, clientIP, r.UserAgent())
	if err != nil {
		http.Error(w, "session could not be created", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, cookie)

	returnPath := r.URL.Query().Get("state")
	if !strings.HasPrefix(returnPath, "/") || strings.HasPrefix(returnPath, "//") {
		returnPath = "/"
	}
	http.Redirect(w, r, returnPath, http.StatusFound)
}

func isPublicPath(publicPaths []string, path string) bool {
	for _, p := range publicPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// wantsJSON treats an Accept header that doesn't ask for HTML as a
// non-browser client, which gets a 401 instead of a login redirect.
func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return false
	}
	return !strings.Contains(accept, "text/html") && !strings.Contains(accept, "*/*")
}

package dispatch

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/ruachtech/gatewayd/internal/routing"
)

// isAcmeChallengePath reports whether the request is an HTTP-01
// challenge fetch.
func isAcmeChallengePath(p string) bool {
	return strings.HasPrefix(p, routing.AcmeChallengePathPrefix)
}

// serveAcmeChallenge serves a challenge token file from the challenge
// directory. This is the one built-in route and it outranks every
// configured one: certificate issuance must work even for a domain whose
// route table is broken.
func (d *Dispatcher) serveAcmeChallenge(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.URL.Path, routing.AcmeChallengePathPrefix)
	if token == "" || strings.Contains(token, "/") || strings.Contains(token, "..") {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	http.ServeFile(w, r, filepath.Join(d.challengeDir, token))
}

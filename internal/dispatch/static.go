package dispatch

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ruachtech/gatewayd/internal/config"
)

// serveStatic serves a file from the route's static directory. The
// route's path prefix is stripped first, so a route mounted at /app
// serves /app/js/main.js from <staticPath>/js/main.js. With spaFallback
// set, a miss serves index.html with status 200 so client-side routers
// handle the deep link.
func serveStatic(w http.ResponseWriter, r *http.Request, route *config.Route) {
	rel := strings.TrimPrefix(r.URL.Path, route.Path)
	rel = path.Clean("/" + rel)

	full := filepath.Join(route.StaticPath, filepath.FromSlash(rel))

	// path.Clean above collapses any ../ the client sent; the containment
	// check catches symlink-free escapes from a relative staticPath too.
	root := filepath.Clean(route.StaticPath)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		http.NotFound(w, r)
		return
	}

	info, err := os.Stat(full)
	if err == nil && info.IsDir() {
		index := filepath.Join(full, "index.html")
		if _, ierr := os.Stat(index); ierr == nil {
			http.ServeFile(w, r, index)
			return
		}
		err = os.ErrNotExist
	}
	if err == nil {
		http.ServeFile(w, r, full)
		return
	}

	if route.SPAFallback {
		index := filepath.Join(root, "index.html")
		if _, ierr := os.Stat(index); ierr == nil {
			// Always 200: the app shell decides what the deep link means.
			http.ServeFile(w, r, index)
			return
		}
	}
	http.NotFound(w, r)
}

// Package management serves the operator API on the management
// listener: gateway status, config reload, process operations, recent
// child logs, and Prometheus metrics.
package management

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ruachtech/gatewayd/internal/config"
	"github.com/ruachtech/gatewayd/internal/crypto"
	"github.com/ruachtech/gatewayd/internal/metrics"
	"github.com/ruachtech/gatewayd/internal/supervisor"
	"github.com/ruachtech/gatewayd/internal/tlsmgr"
)

// adminCookie carries the signed admin token between requests.
const adminCookie = "gatewayd_admin"

// Handler is the management API. With an admin password configured,
// every endpoint except /api/login requires either the signed cookie a
// login issued or the password itself in the X-Admin-Password header
// (the latter is what the CLI uses).
type Handler struct {
	store      *config.Store
	supervisor *supervisor.Supervisor
	tls        *tlsmgr.Manager
	metrics    *metrics.Metrics
	keys       *crypto.Keys
	logger     *slog.Logger

	version        string
	startTime      time.Time
	adminPassword  string
	sessionTimeout time.Duration

	// reload runs the full reload pipeline, not just the Store swap, so a
	// management-triggered reload has the same side effects (certificate
	// re-scan, supervisor reconciliation) as a file-watch one.
	reload func() error

	mux *http.ServeMux
}

// Options wires a Handler.
type Options struct {
	Store          *config.Store
	Supervisor     *supervisor.Supervisor
	TLS            *tlsmgr.Manager
	Metrics        *metrics.Metrics
	Keys           *crypto.Keys
	Logger         *slog.Logger
	Version        string
	AdminPassword  string
	SessionTimeout time.Duration
	Reload         func() error
}

// New builds the management Handler and its route table.
func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.SessionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	h := &Handler{
		store:          opts.Store,
		supervisor:     opts.Supervisor,
		tls:            opts.TLS,
		metrics:        opts.Metrics,
		keys:           opts.Keys,
		logger:         logger,
		version:        opts.Version,
		startTime:      time.Now(),
		adminPassword:  opts.AdminPassword,
		sessionTimeout: timeout,
		reload:         opts.Reload,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", h.handleLogin)
	mux.HandleFunc("GET /api/status", h.authed(h.handleStatus))
	mux.HandleFunc("POST /api/reload", h.authed(h.handleReload))
	mux.HandleFunc("GET /api/processes", h.authed(h.handleProcesses))
	mux.HandleFunc("POST /api/processes/{id}/restart", h.authed(h.handleProcessRestart))
	mux.HandleFunc("POST /api/processes/{id}/stop", h.authed(h.handleProcessStop))
	mux.HandleFunc("POST /api/processes/{id}/start", h.authed(h.handleProcessStart))
	mux.HandleFunc("GET /api/processes/{id}/logs", h.authed(h.handleProcessLogs))
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics.Handler())
	}
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// authed wraps an endpoint with the admin check. No configured password
// means the management listener is open; binding it to localhost is then
// the operator's responsibility.
func (h *Handler) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.adminPassword == "" {
			next(w, r)
			return
		}
		if r.Header.Get("X-Admin-Password") == h.adminPassword {
			next(w, r)
			return
		}
		if cookie, err := r.Cookie(adminCookie); err == nil && h.keys != nil &&
			h.keys.VerifyAdminToken(cookie.Value, time.Now()) {
			next(w, r)
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
	}
}

type loginRequest struct {
	Password string `json:"password"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if h.adminPassword == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no admin password configured"})
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password != h.adminPassword {
		h.logger.Warn("gatewayd.management.login_failed", "remote", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid password"})
		return
	}
	if h.keys == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "no signing keys"})
		return
	}

	expires := time.Now().Add(h.sessionTimeout)
	http.SetCookie(w, &http.Cookie{
		Name:     adminCookie,
		Value:    h.keys.SignAdminToken(expires),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Expires:  expires,
	})
	w.WriteHeader(http.StatusNoContent)
}

// statusResponse is the GET /api/status body.
type statusResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	SnapshotID    string            `json:"snapshot_id"`
	Routes        int               `json:"routes"`
	Processes     processCounts     `json:"processes"`
	Certificates  []certificateInfo `json:"certificates"`
}

type processCounts struct {
	Total   int `json:"total"`
	Running int `json:"running"`
	Stopped int `json:"stopped"`
}

type certificateInfo struct {
	Domain   string    `json:"domain"`
	NotAfter time.Time `json:"not_after"`
	Valid    bool      `json:"valid"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.store.Current()

	resp := statusResponse{
		Status:        "healthy",
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		SnapshotID:    snap.ID,
		Routes:        len(snap.Proxy.Routes),
		Certificates:  []certificateInfo{},
	}

	if h.supervisor != nil {
		for _, p := range h.supervisor.Processes() {
			resp.Processes.Total++
			if p.Running {
				resp.Processes.Running++
			} else {
				resp.Processes.Stopped++
			}
		}
	}

	if h.tls != nil {
		now := time.Now()
		for domain, cert := range h.tls.Snapshot() {
			resp.Certificates = append(resp.Certificates, certificateInfo{
				Domain:   domain,
				NotAfter: cert.NotAfter,
				Valid:    cert.Valid(now),
			})
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	if h.reload == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "reload not wired"})
		return
	}
	if err := h.reload(); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"snapshot_id": h.store.Current().ID})
}

// processInfo is the wire form of one supervised process.
type processInfo struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	PID            int    `json:"pid,omitempty"`
	Running        bool   `json:"running"`
	Reconnected    bool   `json:"reconnected"`
	RestartCount   int    `json:"restart_count"`
	State          string `json:"state"`
	StartTime      string `json:"start_time,omitempty"`
	HealthFailures int    `json:"health_failures,omitempty"`
	Stopped        bool   `json:"stopped,omitempty"`
	Removed        bool   `json:"removed,omitempty"`
}

func toProcessInfo(s supervisor.Snapshot) processInfo {
	info := processInfo{
		ID:             s.ID,
		Name:           s.Name,
		PID:            s.PID,
		Running:        s.Running,
		Reconnected:    s.Reconnected,
		RestartCount:   s.RestartCount,
		State:          string(s.State),
		HealthFailures: s.HealthFailures,
		Stopped:        s.Stopped,
		Removed:        s.Removed,
	}
	if !s.StartTime.IsZero() {
		info.StartTime = s.StartTime.UTC().Format(time.RFC3339)
	}
	return info
}

func (h *Handler) handleProcesses(w http.ResponseWriter, r *http.Request) {
	if h.supervisor == nil {
		writeJSON(w, http.StatusOK, []processInfo{})
		return
	}
	snaps := h.supervisor.Processes()
	out := make([]processInfo, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, toProcessInfo(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) processOp(w http.ResponseWriter, r *http.Request, op func(string) error) {
	if h.supervisor == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "no supervisor"})
		return
	}
	id := r.PathValue("id")
	if err := op(id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	snap, _ := h.supervisor.Process(id)
	writeJSON(w, http.StatusOK, toProcessInfo(snap))
}

func (h *Handler) handleProcessRestart(w http.ResponseWriter, r *http.Request) {
	h.processOp(w, r, h.supervisor.ForceKillAndRestart)
}

func (h *Handler) handleProcessStop(w http.ResponseWriter, r *http.Request) {
	h.processOp(w, r, h.supervisor.StopProcess)
}

func (h *Handler) handleProcessStart(w http.ResponseWriter, r *http.Request) {
	h.processOp(w, r, h.supervisor.StartProcess)
}

func (h *Handler) handleProcessLogs(w http.ResponseWriter, r *http.Request) {
	if h.supervisor == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "no supervisor"})
		return
	}
	lines, ok := h.supervisor.RecentLogs(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown process"})
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"lines": lines})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Default().Error("gatewayd.management.encode_error", "error", err)
	}
}

// Package server orchestrates the gateway lifecycle.
//
// Startup sequence:
//  1. Load and validate the three configuration files
//  2. Run the inline-secret guardrail scan
//  3. Generate ephemeral admin-token keys
//  4. Open the session store and certificate material
//  5. Build the dispatcher and its filters
//  6. Bring managed processes under supervision (adopt or spawn)
//  7. Begin watching configuration files (unless disabled)
//  8. Start the HTTP, HTTPS, and management listeners
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/ruachtech/gatewayd/internal/collaborators"
	"github.com/ruachtech/gatewayd/internal/config"
	gatewaycrypto "github.com/ruachtech/gatewayd/internal/crypto"
	"github.com/ruachtech/gatewayd/internal/dispatch"
	"github.com/ruachtech/gatewayd/internal/forward"
	"github.com/ruachtech/gatewayd/internal/guardrails"
	"github.com/ruachtech/gatewayd/internal/management"
	"github.com/ruachtech/gatewayd/internal/metrics"
	"github.com/ruachtech/gatewayd/internal/proxy"
	"github.com/ruachtech/gatewayd/internal/ratelimit"
	"github.com/ruachtech/gatewayd/internal/reload"
	"github.com/ruachtech/gatewayd/internal/routing"
	"github.com/ruachtech/gatewayd/internal/session"
	"github.com/ruachtech/gatewayd/internal/supervisor"
	"github.com/ruachtech/gatewayd/internal/tlsmgr"
)

// drainTimeout bounds how long shutdown waits for in-flight requests.
const drainTimeout = 30 * time.Second

// Collaborators are the externally provided integrations. Any nil field
// falls back to its package's no-op default.
type Collaborators struct {
	ACME     collaborators.ACMEClient
	OAuth2   collaborators.OAuth2Client
	Stats    collaborators.StatsSink
	Geo      ratelimit.GeoLocator
	Notifier collaborators.ConsoleNotifier
}

// Options configures a Server.
type Options struct {
	Store         *config.Store
	Logger        *slog.Logger
	Version       string
	Collaborators Collaborators

	// WatchDisabled turns off the file watcher (--no-watch or
	// DISABLE_CONFIG_WATCH=true); management-triggered reloads still work.
	WatchDisabled bool
}

// Server is the running gateway.
type Server struct {
	store   *config.Store
	logger  *slog.Logger
	version string

	dispatcher *dispatch.Dispatcher
	limiter    *ratelimit.Limiter
	sessions   *session.Store
	tls        *tlsmgr.Manager
	supervisor *supervisor.Supervisor
	metrics    *metrics.Metrics
	coord      *reload.Coordinator

	httpServer  *http.Server
	httpsServer *http.Server
	mgmtServer  *http.Server
}

// New assembles a Server from a loaded Store. This runs steps 2–5 of the
// startup sequence and builds the supervisor; Start runs step 6 (adopt or
// spawn) and the rest.
func New(opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	snap := opts.Store.Current()
	if snap == nil {
		return nil, errors.New("config store has no snapshot; call Load first")
	}

	s := &Server{
		store:   opts.Store,
		logger:  logger,
		version: opts.Version,
	}

	// Step 2: warn about credentials committed inline in the YAML.
	gr := guardrails.Scan(snap.Main, snap.Proxy, logger)
	if gr.HasWarnings() {
		logger.Warn("gatewayd.server.guardrail_warnings", "count", len(gr.Warnings))
	}

	// Step 3: ephemeral admin-token keys.
	keys, err := gatewaycrypto.GenerateKeys()
	if err != nil {
		return nil, fmt.Errorf("generating admin keys: %w", err)
	}

	// Step 4: persistent session store and TLS material.
	settings := snap.Main.Settings
	dataDir := settings.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	s.sessions, err = session.OpenStore(filepath.Join(dataDir, "sessions.db"), time.Duration(snap.Main.Management.SessionTimeout))
	if err != nil {
		return nil, err
	}

	certDir := snap.Proxy.LetsEncrypt.CertDir
	if certDir == "" {
		certDir = settings.CertificatesDir
	}
	if certDir == "" {
		certDir = filepath.Join(dataDir, "certificates")
	}
	s.tls = tlsmgr.NewManager(certDir, opts.Collaborators.ACME, logger)
	if err := os.MkdirAll(certDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating certificate directory: %w", err)
	}
	if err := s.tls.Reload(context.Background()); err != nil {
		logger.Warn("gatewayd.server.cert_scan_failed", "error", err)
	}

	// Step 5: the dispatcher and its filters.
	s.metrics = metrics.New()
	s.limiter = ratelimit.NewLimiter()
	engine := proxy.NewEngine(0, 0, 0, logger)
	gate := session.NewGate(s.sessions, 0, opts.Collaborators.OAuth2)

	s.dispatcher = dispatch.New(dispatch.Options{
		Store:        opts.Store,
		Limiter:      s.limiter,
		Geo:          ratelimit.NewGeoFilter(opts.Collaborators.Geo, 0),
		Gate:         gate,
		Engine:       engine,
		Forward:      forward.NewProxy(engine),
		Stats:        opts.Collaborators.Stats,
		Metrics:      s.metrics,
		Logger:       logger,
		ChallengeDir: filepath.Join(certDir, ".challenges"),
	})

	// Step 6: supervision.
	logsDir := settings.LogsDir
	if logsDir == "" {
		logsDir = filepath.Join(dataDir, "logs")
	}
	var supSettings config.ProcessesSettingsConfig
	if snap.Processes != nil {
		supSettings = snap.Processes.Settings
	}
	s.supervisor = supervisor.New(supervisor.Options{
		PIDDir:   filepath.Join(dataDir, "pids"),
		LogsDir:  logsDir,
		Settings: supSettings,
		Logger:   logger,
		Notifier: opts.Collaborators.Notifier,
	})
	s.metrics.RegisterProcessCollector(s.processSamples)

	mgmt := management.New(management.Options{
		Store:          opts.Store,
		Supervisor:     s.supervisor,
		TLS:            s.tls,
		Metrics:        s.metrics,
		Keys:           keys,
		Logger:         logger,
		Version:        opts.Version,
		AdminPassword:  snap.Main.Management.AdminPassword,
		SessionTimeout: time.Duration(snap.Main.Management.SessionTimeout),
		Reload:         s.doReload,
	})

	handler := s.recoverer(s.dispatcher)
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", snap.Proxy.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming and WebSocket responses run long
		IdleTimeout:  120 * time.Second,
	}
	s.httpsServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", snap.Proxy.HTTPSPort),
		Handler:     handler,
		TLSConfig:   s.tls.TLSConfig(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	s.mgmtServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", snap.Main.Management.Host, snap.Main.Management.Port),
		Handler:     s.recoverer(mgmt),
		ReadTimeout: 30 * time.Second,
	}

	if !opts.WatchDisabled {
		s.coord, err = reload.New(reload.Options{
			Store:    opts.Store,
			Logger:   logger,
			OnReload: s.applyReload,
			OnError:  func(error) { s.metrics.ObserveReload("error") },
		})
		if err != nil {
			return nil, err
		}
	}

	logger.Info("gatewayd.server.initialized",
		"version", opts.Version,
		"port", snap.Proxy.Port,
		"https_port", snap.Proxy.HTTPSPort,
		"management_port", snap.Main.Management.Port,
		"routes", len(snap.Proxy.Routes),
		"guardrail_warnings", len(gr.Warnings),
		"watch", !opts.WatchDisabled,
	)
	return s, nil
}

// Start brings up supervision, the listeners, and the file watcher, then
// blocks until ctx is cancelled or a listener fails. Shutdown drains
// in-flight requests and detaches from children without killing them.
func (s *Server) Start(ctx context.Context) error {
	snap := s.store.Current()
	s.supervisor.Start(snap.Processes)

	if s.coord != nil {
		if err := s.coord.Start(); err != nil {
			return err
		}
	}

	// Old rate buckets from burst traffic are swept in the background.
	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweepDone:
				return
			case <-ticker.C:
				s.limiter.Sweep(time.Hour)
			}
		}
	}()
	defer close(sweepDone)

	errCh := make(chan error, 3)
	go func() {
		s.logger.Info("gatewayd.server.http_listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http listener: %w", err)
		}
	}()
	go func() {
		s.logger.Info("gatewayd.server.https_listening", "addr", s.httpsServer.Addr)
		if err := s.httpsServer.ListenAndServeTLS("", ""); err != http.ErrServerClosed {
			errCh <- fmt.Errorf("https listener: %w", err)
		}
	}()
	go func() {
		s.logger.Info("gatewayd.server.management_listening", "addr", s.mgmtServer.Addr)
		if err := s.mgmtServer.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- fmt.Errorf("management listener: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errCh:
		s.shutdown()
		return err
	}
}

func (s *Server) shutdown() error {
	s.logger.Info("gatewayd.server.shutting_down", "drain_timeout", drainTimeout)

	if s.coord != nil {
		s.coord.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	var firstErr error
	for _, srv := range []*http.Server{s.httpServer, s.httpsServer, s.mgmtServer} {
		if err := srv.Shutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// Children stay alive; only the supervisor's observers stop.
	s.supervisor.Shutdown()

	if err := s.sessions.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// doReload is the management-triggered reload path: same pipeline as a
// file-watch reload, minus the debounce.
func (s *Server) doReload() error {
	if err := s.store.Reload(); err != nil {
		s.metrics.ObserveReload("error")
		return err
	}
	s.applyReload(s.store.Current())
	return nil
}

// applyReload runs the post-swap side effects: certificate re-scan and
// supervisor reconciliation. In-flight requests keep their captured
// snapshot; only new requests see the new one.
func (s *Server) applyReload(snap *config.Snapshot) {
	s.metrics.ObserveReload("ok")

	if err := s.tls.Reload(context.Background()); err != nil {
		s.logger.Warn("gatewayd.server.cert_rescan_failed", "error", err)
	}

	if gr := guardrails.Scan(snap.Main, snap.Proxy, s.logger); gr.HasWarnings() {
		s.logger.Warn("gatewayd.server.guardrail_warnings", "count", len(gr.Warnings))
	}

	if snap.Processes != nil {
		s.supervisor.Reconcile(snap.Processes)
	}
}

func (s *Server) processSamples() []metrics.ProcessSample {
	snaps := s.supervisor.Processes()
	out := make([]metrics.ProcessSample, 0, len(snaps))
	for _, p := range snaps {
		out = append(out, metrics.ProcessSample{
			ID:           p.ID,
			Running:      p.Running,
			Reconnected:  p.Reconnected,
			RestartCount: p.RestartCount,
		})
	}
	return out
}

// recoverer turns a handler panic into a 500 instead of tearing down the
// whole process. The stack goes to the log; invariant violations that
// reach the top level are a crash, but a single bad request is not one.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("gatewayd.server.handler_panic",
					"panic", rec,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// AcmeChallengePathPrefix re-exports the built-in challenge mount point
// for callers wiring an ACME collaborator.
const AcmeChallengePathPrefix = routing.AcmeChallengePathPrefix

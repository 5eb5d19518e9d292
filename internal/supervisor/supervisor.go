package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ruachtech/gatewayd/internal/apperrors"
	"github.com/ruachtech/gatewayd/internal/collaborators"
	"github.com/ruachtech/gatewayd/internal/config"
)

// monitorInterval is how often a child's liveness is probed.
const monitorInterval = time.Second

// Supervisor owns every managed process. Its one overarching rule: it
// never kills a child on its own shutdown. Children are independent OS
// processes; this supervisor is just their current observer. The only
// paths that terminate a child are health-check failure, a command change
// on reconciliation, a scheduler auto-stop, and the explicit operator
// escape hatch.
type Supervisor struct {
	logger   *slog.Logger
	notifier collaborators.ConsoleNotifier

	pidDir    string
	logsDir   string
	strictPID bool

	sched *scheduler

	mu    sync.Mutex
	procs map[string]*process

	shuttingDown atomic.Bool
}

// Options configures a Supervisor.
type Options struct {
	PIDDir   string
	LogsDir  string
	Settings config.ProcessesSettingsConfig
	Logger   *slog.Logger
	Notifier collaborators.ConsoleNotifier
}

// New creates an idle Supervisor; call Start with the process config to
// begin supervising.
func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = collaborators.SilentNotifier{}
	}
	s := &Supervisor{
		logger:    logger,
		notifier:  notifier,
		pidDir:    opts.PIDDir,
		logsDir:   opts.LogsDir,
		strictPID: opts.Settings.PIDManagement == "strict",
		procs:     make(map[string]*process),
	}
	s.sched = newScheduler(s)
	return s
}

// Start brings every configured process under supervision: adopting a
// live PID where one exists, spawning fresh otherwise. Scheduled-only
// processes are registered with the scheduler and not started. A spawn
// failure is logged and the process marked in-error; it does not abort
// the remaining processes.
func (s *Supervisor) Start(cfg *config.ProcessesConfig) {
	if cfg == nil {
		return
	}
	for id, pc := range cfg.Processes {
		s.bringUp(id, pc)
	}
	s.sched.run()
}

func (s *Supervisor) bringUp(id string, pc config.ProcessConfig) {
	p := &process{id: id, cfg: pc, state: StateNew}

	s.mu.Lock()
	s.procs[id] = p
	s.mu.Unlock()

	if pc.Schedule.Enabled {
		s.sched.register(p)
		// A scheduled process may still have a survivor from a previous
		// supervisor run; adopt it so skipIfRunning sees the truth.
		s.adopt(p)
		return
	}

	if s.adopt(p) {
		return
	}
	if err := s.spawn(p); err != nil {
		s.logger.Error("gatewayd.supervisor.spawn_failed", "id", id, "error", err)
		s.notifier.Notify("process.spawn_failed", id)
	}
}

// adopt attaches to a live survivor recorded in the process's PID file.
// A stale file (dead PID, or a reused PID under strict checking) is
// removed so a subsequent spawn starts clean.
func (s *Supervisor) adopt(p *process) bool {
	pidPath := pidFilePath(p.id, p.cfg.PIDFile, s.pidDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return false
	}
	if !processAlive(pid) {
		removePIDFile(pidPath)
		return false
	}
	if s.strictPID && !commandMatches(pid, p.cfg.Command) {
		s.logger.Warn("gatewayd.supervisor.pid_reused", "id", p.id, "pid", pid)
		removePIDFile(pidPath)
		return false
	}

	p.mu.Lock()
	p.generation++
	gen := p.generation
	p.pid = pid
	p.running = true
	p.reconnected = true
	p.state = StateRunning
	p.startTime = time.Now()
	p.healthFailures = 0
	if p.logs == nil {
		p.logs = newChildLog(s.logFilePath(p))
	}
	p.mu.Unlock()

	s.logger.Info("gatewayd.supervisor.adopted", "id", p.id, "pid", pid)
	s.attachLoops(p, gen)
	return true
}

// spawn starts a fresh child, detached into its own session so the
// supervisor's death never cascades a terminating signal.
func (s *Supervisor) spawn(p *process) error {
	p.mu.Lock()
	cfg := p.cfg
	id := p.id
	if p.logs == nil {
		p.logs = newChildLog(s.logFilePath(p))
	}
	logs := p.logs
	p.mu.Unlock()

	pidPath := pidFilePath(id, cfg.PIDFile, s.pidDir)
	if err := os.MkdirAll(filepath.Dir(pidPath), 0o755); err != nil {
		return fmt.Errorf("%w: creating pid directory: %v", apperrors.ErrProcessSpawn, err)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = buildEnv(id, cfg.Name, cfg.Env, defaultRandom)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdout := logs.Writer("STDOUT")
	stderr := logs.Writer("STDERR")
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %s: %v", apperrors.ErrProcessSpawn, cfg.Command, err)
	}

	pid := cmd.Process.Pid
	if err := writePIDFile(pidPath, pid); err != nil {
		s.logger.Error("gatewayd.supervisor.pidfile_write_failed", "id", id, "pid", pid, "error", err)
	}

	p.mu.Lock()
	p.generation++
	gen := p.generation
	p.pid = pid
	p.running = true
	p.reconnected = false
	p.state = StateRunning
	p.startTime = time.Now()
	p.healthFailures = 0
	p.autoStopPending = false
	p.mu.Unlock()

	s.logger.Info("gatewayd.supervisor.spawned", "id", id, "pid", pid, "command", cfg.Command)

	go func() {
		err := cmd.Wait()
		stdout.Flush()
		stderr.Flush()
		code := 0
		if err != nil {
			code = -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			}
		}
		s.handleExit(p, gen, code)
	}()

	s.attachLoops(p, gen)
	return nil
}

// attachLoops starts the liveness monitor and, when configured, the
// health checker for one run (generation) of a process.
func (s *Supervisor) attachLoops(p *process, gen int) {
	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	if p.cancelMonitor != nil {
		p.cancelMonitor()
	}
	p.cancelMonitor = cancel
	hc := p.cfg.HealthCheck
	target := p.cfg.Target
	pid := p.pid
	p.mu.Unlock()

	go s.monitorLoop(ctx, p, gen, pid)
	if hc.Enabled {
		go s.healthLoop(ctx, p, gen, hc, target)
	}
}

// monitorLoop probes the child's existence every monitorInterval. For
// spawned children the Wait goroutine usually reports exit first; for
// adopted children this probe is the only exit detector.
func (s *Supervisor) monitorLoop(ctx context.Context, p *process, gen, pid int) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !processAlive(pid) {
				s.handleExit(p, gen, -1)
				return
			}
		}
	}
}

// handleExit is the single running→not-running transition point. It is
// idempotent per generation: whichever of the Wait goroutine and the
// monitor fires first wins, the other is a no-op.
func (s *Supervisor) handleExit(p *process, gen, exitCode int) {
	p.mu.Lock()
	if p.generation != gen || !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.state = StateExited
	if p.cancelMonitor != nil {
		p.cancelMonitor()
		p.cancelMonitor = nil
	}
	pidPath := pidFilePath(p.id, p.cfg.PIDFile, s.pidDir)
	autoStopped := p.autoStopPending
	p.autoStopPending = false
	stoppedOrRemoved := p.stopped || p.removed
	cfg := p.cfg
	restartable := cfg.Restart.OnExit && p.restartCount < cfg.Restart.MaxRestarts
	p.mu.Unlock()

	s.logger.Info("gatewayd.supervisor.exited", "id", p.id, "code", exitCode)

	if s.shuttingDown.Load() {
		if exitCode == 0 {
			removePIDFile(pidPath)
		}
		return
	}
	if stoppedOrRemoved || autoStopped {
		return
	}

	if !restartable {
		s.logger.Error("gatewayd.supervisor.not_restarting",
			"id", p.id,
			"restart_on_exit", cfg.Restart.OnExit,
			"restart_count", s.restartCount(p),
			"max_restarts", cfg.Restart.MaxRestarts,
		)
		s.notifier.Notify("process.down", p.id)
		return
	}

	p.mu.Lock()
	p.restartCount++
	p.lastRestart = time.Now()
	delay := time.Duration(cfg.Restart.DelayMs) * time.Millisecond
	p.mu.Unlock()

	s.logger.Info("gatewayd.supervisor.respawn_scheduled", "id", p.id, "delay", delay)
	time.AfterFunc(delay, func() {
		if s.shuttingDown.Load() {
			return
		}
		if err := s.spawn(p); err != nil {
			s.logger.Error("gatewayd.supervisor.respawn_failed", "id", p.id, "error", err)
		}
	})
}

func (s *Supervisor) restartCount(p *process) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restartCount
}

// Reconcile applies a new process configuration. Added ids are brought
// up as at startup. Removed ids are detached, never killed. For kept
// ids, a change to command/args/cwd/env forces a stop-and-respawn;
// restart/schedule/health-check parameter changes are applied in place.
func (s *Supervisor) Reconcile(next *config.ProcessesConfig) {
	if next == nil {
		next = &config.ProcessesConfig{Processes: map[string]config.ProcessConfig{}}
	}

	s.mu.Lock()
	existing := make(map[string]*process, len(s.procs))
	for id, p := range s.procs {
		existing[id] = p
	}
	s.mu.Unlock()

	for id, pc := range next.Processes {
		p, ok := existing[id]
		if !ok {
			s.logger.Info("gatewayd.supervisor.process_added", "id", id)
			s.bringUp(id, pc)
			continue
		}

		p.mu.Lock()
		wasRemoved := p.removed
		p.removed = false
		changed := commandChanged(p.cfg, pc)
		running := p.running
		p.cfg = pc
		gen := p.generation
		pid := p.pid
		p.mu.Unlock()

		switch {
		case wasRemoved:
			// Re-added after removal: treat like a fresh id.
			s.logger.Info("gatewayd.supervisor.process_readded", "id", id)
			s.restartLoops(p, gen)
		case changed && running:
			s.logger.Info("gatewayd.supervisor.command_changed", "id", id)
			s.killAndRespawn(p, gen, pid, true)
		default:
			// Parameter-only change: re-attach loops so new health-check
			// and schedule settings take effect against the same child.
			s.restartLoops(p, gen)
		}
	}

	for id, p := range existing {
		if _, kept := next.Processes[id]; kept {
			continue
		}
		p.mu.Lock()
		p.removed = true
		if p.cancelMonitor != nil {
			p.cancelMonitor()
			p.cancelMonitor = nil
		}
		p.mu.Unlock()
		s.sched.unregister(p)
		s.logger.Info("gatewayd.supervisor.process_removed", "id", id)
	}
}

// restartLoops re-attaches monitor/health loops for a running process
// after an in-place config change, and refreshes its scheduler entry.
func (s *Supervisor) restartLoops(p *process, gen int) {
	p.mu.Lock()
	running := p.running
	scheduled := p.cfg.Schedule.Enabled
	p.mu.Unlock()

	s.sched.unregister(p)
	if scheduled {
		s.sched.register(p)
	}
	if running {
		s.attachLoops(p, gen)
	}
}

// killAndRespawn terminates the current run with SIGKILL, removes the PID
// file, then (optionally) spawns fresh. The PID file is always removed
// before the new run writes its own, so two live pids are never recorded
// for the same id.
func (s *Supervisor) killAndRespawn(p *process, gen, pid int, respawn bool) {
	p.mu.Lock()
	if p.generation != gen || !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.state = StateKilled
	if p.cancelMonitor != nil {
		p.cancelMonitor()
		p.cancelMonitor = nil
	}
	pidPath := pidFilePath(p.id, p.cfg.PIDFile, s.pidDir)
	p.mu.Unlock()

	if proc, err := os.FindProcess(pid); err == nil {
		proc.Kill()
	}
	// SIGKILL is delivered asynchronously; wait (bounded) until the old pid
	// is gone so the replacement never runs alongside it.
	for deadline := time.Now().Add(2 * time.Second); processAlive(pid) && time.Now().Before(deadline); {
		time.Sleep(5 * time.Millisecond)
	}
	removePIDFile(pidPath)

	if !respawn || s.shuttingDown.Load() {
		return
	}
	if err := s.spawn(p); err != nil {
		s.logger.Error("gatewayd.supervisor.respawn_failed", "id", p.id, "error", err)
	}
}

// StopProcess detaches the supervisor from a child without killing it:
// monitors stop, the child keeps running, the PID file stays so a future
// supervisor can re-adopt.
func (s *Supervisor) StopProcess(id string) error {
	p, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("unknown process %q", id)
	}

	p.mu.Lock()
	p.stopped = true
	p.running = false
	p.state = StateDetached
	if p.cancelMonitor != nil {
		p.cancelMonitor()
		p.cancelMonitor = nil
	}
	p.mu.Unlock()

	s.logger.Info("gatewayd.supervisor.detached", "id", id)
	return nil
}

// StartProcess clears an operator stop and brings the process back up,
// adopting the still-running child if it survived the detachment.
func (s *Supervisor) StartProcess(id string) error {
	p, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("unknown process %q", id)
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.stopped = false
	p.mu.Unlock()

	if s.adopt(p) {
		return nil
	}
	return s.spawn(p)
}

// ForceKillAndRestart is the explicit operator escape hatch: SIGKILL the
// child, remove its PID file, spawn a replacement.
func (s *Supervisor) ForceKillAndRestart(id string) error {
	p, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("unknown process %q", id)
	}

	p.mu.Lock()
	gen := p.generation
	pid := p.pid
	running := p.running
	p.stopped = false
	p.mu.Unlock()

	if running {
		s.killAndRespawn(p, gen, pid, true)
		return nil
	}
	return s.spawn(p)
}

// Shutdown detaches from every child without killing any of them, and
// stops the scheduler. Safe to call once; the Supervisor is dead after.
func (s *Supervisor) Shutdown() {
	s.shuttingDown.Store(true)
	s.sched.stop()

	s.mu.Lock()
	procs := make([]*process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	for _, p := range procs {
		p.mu.Lock()
		if p.cancelMonitor != nil {
			p.cancelMonitor()
			p.cancelMonitor = nil
		}
		if p.logs != nil {
			p.logs.Close()
		}
		p.mu.Unlock()
	}
	s.logger.Info("gatewayd.supervisor.shutdown", "children_left_running", len(procs))
}

// Processes returns a point-in-time view of every managed process,
// sorted by id for stable display.
func (s *Supervisor) Processes() []Snapshot {
	s.mu.Lock()
	procs := make([]*process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.snapshot())
	}
	sortSnapshots(out)
	return out
}

// Process returns the snapshot for one id.
func (s *Supervisor) Process(id string) (Snapshot, bool) {
	p, ok := s.lookup(id)
	if !ok {
		return Snapshot{}, false
	}
	return p.snapshot(), true
}

// RecentLogs returns the in-memory tail of a process's log.
func (s *Supervisor) RecentLogs(id string) ([]string, bool) {
	p, ok := s.lookup(id)
	if !ok {
		return nil, false
	}
	p.mu.Lock()
	logs := p.logs
	p.mu.Unlock()
	if logs == nil {
		return nil, true
	}
	return logs.Recent(), true
}

func (s *Supervisor) lookup(id string) (*process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	return p, ok
}

func (s *Supervisor) logFilePath(p *process) string {
	if p.cfg.LogFile != "" {
		return p.cfg.LogFile
	}
	if s.logsDir != "" {
		return filepath.Join(s.logsDir, p.id+".log")
	}
	return filepath.Join(os.TempDir(), p.id+".log")
}

func sortSnapshots(snaps []Snapshot) {
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
}

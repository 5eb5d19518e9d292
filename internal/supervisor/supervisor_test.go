package supervisor

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruachtech/gatewayd/internal/config"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	dir := t.TempDir()
	s := New(Options{
		PIDDir:  filepath.Join(dir, "pids"),
		LogsDir: filepath.Join(dir, "logs"),
		Logger:  slog.Default(),
	})
	t.Cleanup(func() {
		// Tests must not leak children; the production rule of never
		// killing on shutdown is suspended here deliberately. The guard
		// matters: adoption tests may have adopted the test process itself.
		for _, snap := range s.Processes() {
			if snap.PID > 0 && snap.PID != os.Getpid() {
				syscall.Kill(snap.PID, syscall.SIGKILL)
			}
		}
		s.Shutdown()
	})
	return s
}

func sleepProcess(id string) config.ProcessConfig {
	return config.ProcessConfig{
		Name:    id,
		Command: "/bin/sleep",
		Args:    []string{"60"},
	}
}

func procsConfig(entries map[string]config.ProcessConfig) *config.ProcessesConfig {
	return &config.ProcessesConfig{Processes: entries}
}

func TestSupervisor_SpawnWritesPIDFile(t *testing.T) {
	s := newTestSupervisor(t)
	s.Start(procsConfig(map[string]config.ProcessConfig{"api": sleepProcess("api")}))

	snap, ok := s.Process("api")
	require.True(t, ok)
	assert.True(t, snap.Running)
	assert.False(t, snap.Reconnected)
	assert.Greater(t, snap.PID, 0)
	assert.Equal(t, StateRunning, snap.State)

	pid, err := readPIDFile(filepath.Join(s.pidDir, "api.pid"))
	require.NoError(t, err)
	assert.Equal(t, snap.PID, pid)
	assert.True(t, processAlive(pid))
}

func TestSupervisor_AdoptsLivePID(t *testing.T) {
	s := newTestSupervisor(t)

	// Pretend a previous supervisor instance left this test process's own
	// pid behind: it is certainly alive.
	pidPath := filepath.Join(s.pidDir, "api.pid")
	require.NoError(t, writePIDFile(pidPath, os.Getpid()))

	s.Start(procsConfig(map[string]config.ProcessConfig{"api": sleepProcess("api")}))

	snap, ok := s.Process("api")
	require.True(t, ok)
	assert.True(t, snap.Running)
	assert.True(t, snap.Reconnected)
	assert.Equal(t, os.Getpid(), snap.PID)
}

func TestSupervisor_StalePIDFileSpawnsFresh(t *testing.T) {
	s := newTestSupervisor(t)

	pidPath := filepath.Join(s.pidDir, "api.pid")
	require.NoError(t, writePIDFile(pidPath, 999_999_0))

	s.Start(procsConfig(map[string]config.ProcessConfig{"api": sleepProcess("api")}))

	snap, _ := s.Process("api")
	assert.True(t, snap.Running)
	assert.False(t, snap.Reconnected)
	assert.NotEqual(t, 9999990, snap.PID)
}

func TestSupervisor_RestartOnExit(t *testing.T) {
	s := newTestSupervisor(t)

	cfg := config.ProcessConfig{
		Name:    "flaky",
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 1"},
		Restart: config.RestartConfig{OnExit: true, DelayMs: 10, MaxRestarts: 2},
	}
	s.Start(procsConfig(map[string]config.ProcessConfig{"flaky": cfg}))

	require.Eventually(t, func() bool {
		snap, _ := s.Process("flaky")
		return snap.RestartCount == 2 && !snap.Running
	}, 5*time.Second, 20*time.Millisecond)

	// The budget is spent; the count must never exceed maxRestarts.
	time.Sleep(100 * time.Millisecond)
	snap, _ := s.Process("flaky")
	assert.Equal(t, 2, snap.RestartCount)
	assert.Equal(t, StateExited, snap.State)
}

func TestSupervisor_MaxRestartsZeroDisablesAutoRestart(t *testing.T) {
	s := newTestSupervisor(t)

	cfg := config.ProcessConfig{
		Name:    "oneshot",
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 1"},
		Restart: config.RestartConfig{OnExit: true, DelayMs: 10, MaxRestarts: 0},
	}
	s.Start(procsConfig(map[string]config.ProcessConfig{"oneshot": cfg}))

	require.Eventually(t, func() bool {
		snap, _ := s.Process("oneshot")
		return !snap.Running
	}, 5*time.Second, 20*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	snap, _ := s.Process("oneshot")
	assert.Zero(t, snap.RestartCount)
}

func TestSupervisor_ShutdownLeavesChildrenAlive(t *testing.T) {
	dir := t.TempDir()
	s := New(Options{PIDDir: filepath.Join(dir, "pids"), LogsDir: filepath.Join(dir, "logs"), Logger: slog.Default()})

	s.Start(procsConfig(map[string]config.ProcessConfig{"api": sleepProcess("api")}))
	snap, _ := s.Process("api")
	pid := snap.PID
	require.True(t, processAlive(pid))

	s.Shutdown()

	assert.True(t, processAlive(pid))
	// The PID file survives too, so the next supervisor can re-adopt.
	onDisk, err := readPIDFile(filepath.Join(dir, "pids", "api.pid"))
	require.NoError(t, err)
	assert.Equal(t, pid, onDisk)

	syscall.Kill(pid, syscall.SIGKILL)
}

func TestSupervisor_AdoptionAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	pidDir := filepath.Join(dir, "pids")

	first := New(Options{PIDDir: pidDir, LogsDir: filepath.Join(dir, "logs"), Logger: slog.Default()})
	first.Start(procsConfig(map[string]config.ProcessConfig{"api": sleepProcess("api")}))
	snap, _ := first.Process("api")
	pid := snap.PID
	first.Shutdown()
	require.True(t, processAlive(pid))

	second := New(Options{PIDDir: pidDir, LogsDir: filepath.Join(dir, "logs"), Logger: slog.Default()})
	second.Start(procsConfig(map[string]config.ProcessConfig{"api": sleepProcess("api")}))

	snap2, _ := second.Process("api")
	assert.Equal(t, pid, snap2.PID)
	assert.True(t, snap2.Reconnected)
	assert.True(t, snap2.Running)

	second.Shutdown()
	syscall.Kill(pid, syscall.SIGKILL)
}

func TestSupervisor_ForceKillAndRestart(t *testing.T) {
	s := newTestSupervisor(t)
	s.Start(procsConfig(map[string]config.ProcessConfig{"api": sleepProcess("api")}))

	before, _ := s.Process("api")
	require.NoError(t, s.ForceKillAndRestart("api"))

	require.Eventually(t, func() bool {
		after, _ := s.Process("api")
		return after.Running && after.PID != before.PID
	}, 5*time.Second, 20*time.Millisecond)

	assert.False(t, processAlive(before.PID))
}

func TestSupervisor_StopDetachesWithoutKilling(t *testing.T) {
	s := newTestSupervisor(t)
	s.Start(procsConfig(map[string]config.ProcessConfig{"api": sleepProcess("api")}))

	snap, _ := s.Process("api")
	pid := snap.PID

	require.NoError(t, s.StopProcess("api"))

	after, _ := s.Process("api")
	assert.False(t, after.Running)
	assert.True(t, after.Stopped)
	assert.Equal(t, StateDetached, after.State)
	assert.True(t, processAlive(pid))

	// StartProcess re-adopts the still-live child rather than spawning.
	require.NoError(t, s.StartProcess("api"))
	resumed, _ := s.Process("api")
	assert.True(t, resumed.Running)
	assert.Equal(t, pid, resumed.PID)
	assert.True(t, resumed.Reconnected)
}

func TestSupervisor_HealthCheckKillAndRestart(t *testing.T) {
	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer unhealthy.Close()

	s := newTestSupervisor(t)
	cfg := config.ProcessConfig{
		Name:    "api",
		Command: "/bin/sleep",
		Args:    []string{"60"},
		Restart: config.RestartConfig{OnExit: true, DelayMs: 10, MaxRestarts: 3},
		HealthCheck: config.HealthCheckConfig{
			Enabled:    true,
			URL:        unhealthy.URL + "/health",
			IntervalMs: 30,
			TimeoutMs:  500,
			Retries:    2,
		},
	}
	s.Start(procsConfig(map[string]config.ProcessConfig{"api": cfg}))

	before, _ := s.Process("api")

	require.Eventually(t, func() bool {
		after, _ := s.Process("api")
		return after.RestartCount >= 1 && after.Running && after.PID != before.PID
	}, 5*time.Second, 20*time.Millisecond)

	assert.False(t, processAlive(before.PID))
}

func TestSupervisor_HealthyProcessNotKilled(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	s := newTestSupervisor(t)
	cfg := sleepProcess("api")
	cfg.HealthCheck = config.HealthCheckConfig{
		Enabled:    true,
		URL:        healthy.URL,
		IntervalMs: 20,
		TimeoutMs:  500,
		Retries:    2,
	}
	s.Start(procsConfig(map[string]config.ProcessConfig{"api": cfg}))

	before, _ := s.Process("api")
	time.Sleep(200 * time.Millisecond)
	after, _ := s.Process("api")

	assert.Equal(t, before.PID, after.PID)
	assert.True(t, after.Running)
	assert.Zero(t, after.RestartCount)
}

func TestSupervisor_ReconcileRemovedDetaches(t *testing.T) {
	s := newTestSupervisor(t)
	s.Start(procsConfig(map[string]config.ProcessConfig{"api": sleepProcess("api")}))

	snap, _ := s.Process("api")
	pid := snap.PID

	s.Reconcile(procsConfig(map[string]config.ProcessConfig{}))

	after, _ := s.Process("api")
	assert.True(t, after.Removed)
	assert.True(t, processAlive(pid), "removal must not kill the child")
}

func TestSupervisor_ReconcileAddsNewProcess(t *testing.T) {
	s := newTestSupervisor(t)
	s.Start(procsConfig(map[string]config.ProcessConfig{"api": sleepProcess("api")}))

	s.Reconcile(procsConfig(map[string]config.ProcessConfig{
		"api":    sleepProcess("api"),
		"worker": sleepProcess("worker"),
	}))

	snap, ok := s.Process("worker")
	require.True(t, ok)
	assert.True(t, snap.Running)
}

func TestSupervisor_ReconcileCommandChangeRespawns(t *testing.T) {
	s := newTestSupervisor(t)
	s.Start(procsConfig(map[string]config.ProcessConfig{"api": sleepProcess("api")}))

	before, _ := s.Process("api")

	changed := sleepProcess("api")
	changed.Args = []string{"120"}
	s.Reconcile(procsConfig(map[string]config.ProcessConfig{"api": changed}))

	require.Eventually(t, func() bool {
		after, _ := s.Process("api")
		return after.Running && after.PID != before.PID
	}, 5*time.Second, 20*time.Millisecond)

	assert.False(t, processAlive(before.PID))
}

func TestSupervisor_ReconcileSameConfigIsNoOp(t *testing.T) {
	s := newTestSupervisor(t)
	s.Start(procsConfig(map[string]config.ProcessConfig{"api": sleepProcess("api")}))

	before, _ := s.Process("api")
	s.Reconcile(procsConfig(map[string]config.ProcessConfig{"api": sleepProcess("api")}))

	after, _ := s.Process("api")
	assert.Equal(t, before.PID, after.PID)
	assert.True(t, after.Running)
	assert.Zero(t, after.RestartCount)
}

func TestCommandChanged(t *testing.T) {
	base := config.ProcessConfig{Command: "/bin/app", Args: []string{"-p", "80"}, Cwd: "/srv", Env: map[string]string{"A": "1"}}

	same := base
	assert.False(t, commandChanged(base, same))

	cases := map[string]func(*config.ProcessConfig){
		"command": func(c *config.ProcessConfig) { c.Command = "/bin/other" },
		"args":    func(c *config.ProcessConfig) { c.Args = []string{"-p", "81"} },
		"cwd":     func(c *config.ProcessConfig) { c.Cwd = "/tmp" },
		"env":     func(c *config.ProcessConfig) { c.Env = map[string]string{"A": "2"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			next := base
			next.Args = append([]string(nil), base.Args...)
			next.Env = map[string]string{"A": "1"}
			mutate(&next)
			assert.True(t, commandChanged(base, next))
		})
	}

	// Restart/health/schedule tweaks are not command changes.
	next := base
	next.Restart = config.RestartConfig{OnExit: true, MaxRestarts: 5}
	assert.False(t, commandChanged(base, next))
}

func TestHealthURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:9000/health",
		healthURL(config.HealthCheckConfig{Path: "/health"}, "http://127.0.0.1:9000"))
	assert.Equal(t, "http://127.0.0.1:9000/health",
		healthURL(config.HealthCheckConfig{Path: "health"}, "http://127.0.0.1:9000/"))
	assert.Equal(t, "https://elsewhere.example.com/hc",
		healthURL(config.HealthCheckConfig{URL: "https://elsewhere.example.com/hc"}, "http://127.0.0.1:9000"))
	assert.Equal(t, "http://absolute-path.example.com/x",
		healthURL(config.HealthCheckConfig{Path: "http://absolute-path.example.com/x"}, "http://127.0.0.1:9000"))
}

func TestSupervisor_ScheduledProcessNotStartedAtBoot(t *testing.T) {
	s := newTestSupervisor(t)

	cfg := sleepProcess("nightly")
	cfg.Schedule = config.ScheduleConfig{Enabled: true, Cron: "0 3 * * *"}
	s.Start(procsConfig(map[string]config.ProcessConfig{"nightly": cfg}))

	snap, ok := s.Process("nightly")
	require.True(t, ok)
	assert.False(t, snap.Running)
	assert.Equal(t, StateNew, snap.State)
}

func TestSupervisor_PIDFilePreservedOnAbnormalExit(t *testing.T) {
	s := newTestSupervisor(t)

	cfg := config.ProcessConfig{
		Name:    "crasher",
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 3"},
	}
	s.Start(procsConfig(map[string]config.ProcessConfig{"crasher": cfg}))

	require.Eventually(t, func() bool {
		snap, _ := s.Process("crasher")
		return !snap.Running
	}, 5*time.Second, 20*time.Millisecond)

	// Abnormal exit leaves the PID file for forensic inspection.
	raw, err := os.ReadFile(filepath.Join(s.pidDir, "crasher.pid"))
	require.NoError(t, err)
	_, err = strconv.Atoi(string(raw))
	assert.NoError(t, err)
}

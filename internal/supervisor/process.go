// Package supervisor manages long-lived child processes: spawning them
// detached, adopting survivors by PID across supervisor restarts,
// restarting on failure, health-check-driven kills, and cron scheduling.
package supervisor

import (
	"sync"
	"time"

	"github.com/ruachtech/gatewayd/internal/config"
)

// State is one of the process state machine's named states.
type State string

const (
	StateNew      State = "new"
	StateRunning  State = "running"
	StateExited   State = "exited"
	StateKilled   State = "killed"
	StateDetached State = "detached"
)

// process is one managed process's configuration and runtime state plus
// the machinery to drive its monitor/health-check/scheduler goroutines.
// All field access is serialized through mu; state transitions for a
// single id never race each other.
type process struct {
	mu sync.Mutex

	id   string
	cfg  config.ProcessConfig
	logs *childLog

	state        State
	pid          int
	running      bool
	reconnected  bool
	restartCount int
	startTime    time.Time
	lastRestart  time.Time

	healthFailures int
	lastHealthTime time.Time

	stopped bool // operator-requested detach
	removed bool // config no longer lists this id

	// generation increments on every spawn/adopt. Exit handlers and
	// health/monitor loops carry the generation they were started for and
	// bail out if the process has since been respawned, so a late probe
	// failure from run N can't act on run N+1.
	generation int

	// autoStopPending marks a scheduler-initiated stop in flight: the next
	// exit for this generation is expected and must not trigger a restart.
	autoStopPending bool

	// cancelMonitor tears down the monitor and health-check loops for the
	// current run; both share one context.
	cancelMonitor func()

	cronEntry int // scheduler entry id, 0 when unscheduled
}

// Snapshot is the read-only view of a process returned to operators and
// the management console.
type Snapshot struct {
	ID             string
	Name           string
	PID            int
	Running        bool
	Reconnected    bool
	RestartCount   int
	StartTime      time.Time
	LastRestart    time.Time
	HealthFailures int
	Stopped        bool
	Removed        bool
	State          State
}

func (p *process) snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		ID:             p.id,
		Name:           p.cfg.Name,
		PID:            p.pid,
		Running:        p.running,
		Reconnected:    p.reconnected,
		RestartCount:   p.restartCount,
		StartTime:      p.startTime,
		LastRestart:    p.lastRestart,
		HealthFailures: p.healthFailures,
		Stopped:        p.stopped,
		Removed:        p.removed,
		State:          p.state,
	}
}

func effectiveFields(cfg config.ProcessConfig) (command string, args []string, cwd string, env map[string]string) {
	return cfg.Command, cfg.Args, cfg.Cwd, cfg.Env
}

// commandChanged reports whether the fields that require stop-and-respawn
// on reconciliation changed between old and next. Restart, health-check,
// and schedule parameters are applied in place and don't count.
func commandChanged(old, next config.ProcessConfig) bool {
	oc, oa, ocwd, oe := effectiveFields(old)
	nc, na, ncwd, ne := effectiveFields(next)
	if oc != nc || ocwd != ncwd || len(oa) != len(na) || len(oe) != len(ne) {
		return true
	}
	for i := range oa {
		if oa[i] != na[i] {
			return true
		}
	}
	for k, v := range oe {
		if ne[k] != v {
			return true
		}
	}
	return false
}

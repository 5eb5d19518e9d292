package supervisor

import (
	"os"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
)

// scheduler drives cron-style process starts. One cron runner serves all
// scheduled processes; per-process timezones are expressed through the
// CRON_TZ prefix the parser understands.
type scheduler struct {
	sup  *Supervisor
	cron *cron.Cron
}

func newScheduler(sup *Supervisor) *scheduler {
	return &scheduler{
		sup:  sup,
		cron: cron.New(),
	}
}

func (sc *scheduler) run()  { sc.cron.Start() }
func (sc *scheduler) stop() { sc.cron.Stop() }

// register adds a process's cron entry. A malformed expression is a
// config problem: logged at error, the process simply never fires.
func (sc *scheduler) register(p *process) {
	p.mu.Lock()
	schedule := p.cfg.Schedule
	id := p.id
	p.mu.Unlock()

	if !schedule.Enabled || schedule.Cron == "" {
		return
	}

	spec := schedule.Cron
	if schedule.Timezone != "" {
		spec = "CRON_TZ=" + schedule.Timezone + " " + spec
	}

	entry, err := sc.cron.AddFunc(spec, func() { sc.fire(p) })
	if err != nil {
		sc.sup.logger.Error("gatewayd.supervisor.schedule_invalid", "id", id, "cron", schedule.Cron, "error", err)
		return
	}

	p.mu.Lock()
	p.cronEntry = int(entry)
	p.mu.Unlock()

	sc.sup.logger.Info("gatewayd.supervisor.scheduled", "id", id, "cron", schedule.Cron, "timezone", schedule.Timezone)
}

func (sc *scheduler) unregister(p *process) {
	p.mu.Lock()
	entry := p.cronEntry
	p.cronEntry = 0
	p.mu.Unlock()

	if entry != 0 {
		sc.cron.Remove(cron.EntryID(entry))
	}
}

// fire handles one schedule tick for a process.
func (sc *scheduler) fire(p *process) {
	s := sc.sup

	p.mu.Lock()
	schedule := p.cfg.Schedule
	running := p.running
	stopped := p.stopped
	removed := p.removed
	id := p.id
	p.mu.Unlock()

	if removed || stopped {
		return
	}
	if running && schedule.SkipIfRunning {
		s.logger.Info("gatewayd.supervisor.schedule_skipped", "id", id, "reason", "already running")
		return
	}

	if err := s.spawn(p); err != nil {
		s.logger.Error("gatewayd.supervisor.schedule_spawn_failed", "id", id, "error", err)
		return
	}

	if schedule.MaxDurationMs > 0 && schedule.AutoStop {
		p.mu.Lock()
		gen := p.generation
		p.mu.Unlock()
		time.AfterFunc(time.Duration(schedule.MaxDurationMs)*time.Millisecond, func() {
			sc.autoStop(p, gen)
		})
	}
}

// autoStop terminates a scheduled run that exceeded its max duration.
// SIGTERM, not SIGKILL: a scheduled job deserves a chance to finish its
// current unit of work. The pending flag tells handleExit this exit is
// expected and must not consume the restart budget.
func (sc *scheduler) autoStop(p *process, gen int) {
	p.mu.Lock()
	if p.generation != gen || !p.running {
		p.mu.Unlock()
		return
	}
	pid := p.pid
	p.autoStopPending = true
	p.mu.Unlock()

	sc.sup.logger.Info("gatewayd.supervisor.schedule_autostop", "id", p.id, "pid", pid)
	if proc, err := os.FindProcess(pid); err == nil {
		proc.Signal(syscall.SIGTERM)
	}
}

package supervisor

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ruachtech/gatewayd/internal/config"
)

// healthURL computes the probe URL. An absolute url (or a path that is
// itself absolute) bypasses target concatenation.
func healthURL(hc config.HealthCheckConfig, target string) string {
	if isAbsoluteURL(hc.URL) {
		return hc.URL
	}
	if isAbsoluteURL(hc.Path) {
		return hc.Path
	}
	path := hc.Path
	if path == "" {
		path = hc.URL
	}
	return strings.TrimSuffix(target, "/") + "/" + strings.TrimPrefix(path, "/")
}

func isAbsoluteURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// healthLoop probes the child every interval. A 2xx response resets the
// consecutive-failure counter; reaching the configured retry threshold
// terminates the child: SIGKILL, PID file removed, respawn if the restart
// policy allows.
func (s *Supervisor) healthLoop(ctx context.Context, p *process, gen int, hc config.HealthCheckConfig, target string) {
	interval := time.Duration(hc.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := time.Duration(hc.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	url := healthURL(hc, target)
	client := &http.Client{Timeout: timeout}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			healthy := s.probe(ctx, client, url)

			p.mu.Lock()
			if p.generation != gen || !p.running {
				p.mu.Unlock()
				return
			}
			p.lastHealthTime = time.Now()
			if healthy {
				p.healthFailures = 0
				p.mu.Unlock()
				continue
			}
			p.healthFailures++
			failures := p.healthFailures
			pid := p.pid
			p.mu.Unlock()

			s.logger.Warn("gatewayd.supervisor.health_failed",
				"id", p.id, "url", url, "consecutive", failures, "threshold", hc.Retries)

			if failures >= hc.Retries {
				s.unhealthyKill(p, gen, pid)
				return
			}
		}
	}
}

func (s *Supervisor) probe(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// unhealthyKill terminates a child that exhausted its health-check
// retries. The restart budget still applies: a process that reached
// maxRestarts stays down and is reported at error level.
func (s *Supervisor) unhealthyKill(p *process, gen, pid int) {
	s.logger.Error("gatewayd.supervisor.unhealthy_kill", "id", p.id, "pid", pid)
	s.notifier.Notify("process.unhealthy", p.id)

	p.mu.Lock()
	cfg := p.cfg
	restartable := cfg.Restart.OnExit && p.restartCount < cfg.Restart.MaxRestarts
	if restartable {
		p.restartCount++
		p.lastRestart = time.Now()
	}
	p.mu.Unlock()

	if !restartable {
		s.killAndRespawn(p, gen, pid, false)
		s.logger.Error("gatewayd.supervisor.restart_budget_exhausted", "id", p.id)
		return
	}

	delay := time.Duration(cfg.Restart.DelayMs) * time.Millisecond
	if delay <= 0 {
		s.killAndRespawn(p, gen, pid, true)
		return
	}

	s.killAndRespawn(p, gen, pid, false)
	time.AfterFunc(delay, func() {
		if s.shuttingDown.Load() {
			return
		}
		if err := s.spawn(p); err != nil {
			s.logger.Error("gatewayd.supervisor.respawn_failed", "id", p.id, "error", err)
		}
	})
}

// Package reload watches the configuration files on disk and coordinates
// debounced, atomic snapshot swaps through the config Store.
package reload

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ruachtech/gatewayd/internal/config"
)

const (
	// mainDebounce absorbs bursts of watcher events for the main and
	// proxy files; processDebounce is longer because process config saves
	// tend to arrive in multi-file batches from orchestration tooling.
	mainDebounce    = 1000 * time.Millisecond
	processDebounce = 2000 * time.Millisecond
)

// Coordinator debounces file-change notifications and triggers Store
// reloads. Watcher events are treated purely as "something changed"
// signals: their content is ignored and every file is re-read, since
// event semantics vary wildly across filesystems and editors.
type Coordinator struct {
	store   *config.Store
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu           sync.Mutex
	mainTimer    *time.Timer
	processTimer *time.Timer

	// onReload, when set, runs after every successful swap (certificate
	// re-scan, supervisor reconciliation).
	onReload func(*config.Snapshot)
	onError  func(error)

	done chan struct{}
}

// Options configures a Coordinator.
type Options struct {
	Store    *config.Store
	Logger   *slog.Logger
	OnReload func(*config.Snapshot)
	OnError  func(error)
}

// New creates a Coordinator. Call Start to begin watching; Close to stop.
func New(opts Options) (*Coordinator, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    opts.Store,
		logger:   logger,
		watcher:  w,
		onReload: opts.OnReload,
		onError:  opts.OnError,
		done:     make(chan struct{}),
	}, nil
}

// Start registers watches for the directories holding the snapshot's
// dependency set and begins processing events. Directories rather than
// files are watched so editors that replace-by-rename don't silently
// detach the watch.
func (c *Coordinator) Start() error {
	paths := c.store.Paths()

	dirs := map[string]struct{}{}
	for _, p := range []string{paths.Main, paths.Proxy, paths.Processes} {
		if p == "" {
			continue
		}
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if err := c.watcher.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	go c.loop()
	c.logger.Info("gatewayd.reload.watching",
		"main", paths.Main, "proxy", paths.Proxy, "processes", paths.Processes)
	return nil
}

// Close stops watching. Pending debounce timers are cancelled.
func (c *Coordinator) Close() error {
	close(c.done)

	c.mu.Lock()
	if c.mainTimer != nil {
		c.mainTimer.Stop()
	}
	if c.processTimer != nil {
		c.processTimer.Stop()
	}
	c.mu.Unlock()

	return c.watcher.Close()
}

func (c *Coordinator) loop() {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.handleEvent(ev)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("gatewayd.reload.watch_error", "error", err)
		}
	}
}

// handleEvent starts or resets the debounce timer for the file the event
// names. Events for unrelated files in the watched directories are
// dropped.
func (c *Coordinator) handleEvent(ev fsnotify.Event) {
	paths := c.store.Paths()
	name := filepath.Clean(ev.Name)

	var isProcess bool
	switch name {
	case filepath.Clean(paths.Main), filepath.Clean(paths.Proxy):
		isProcess = false
	case filepath.Clean(paths.Processes):
		if paths.Processes == "" {
			return
		}
		isProcess = true
	default:
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if isProcess {
		if c.processTimer == nil {
			c.processTimer = time.AfterFunc(processDebounce, c.fire)
		} else {
			c.processTimer.Reset(processDebounce)
		}
		return
	}
	if c.mainTimer == nil {
		c.mainTimer = time.AfterFunc(mainDebounce, c.fire)
	} else {
		c.mainTimer.Reset(mainDebounce)
	}
}

// fire performs the actual reload once a debounce window closes. The
// Store guarantees atomicity: a failed validation leaves the previous
// snapshot current, and in-flight requests keep whichever snapshot they
// captured at dispatch start either way.
func (c *Coordinator) fire() {
	select {
	case <-c.done:
		return
	default:
	}

	if err := c.store.Reload(); err != nil {
		c.logger.Error("gatewayd.reload.failed", "error", err)
		if c.onError != nil {
			c.onError(err)
		}
		return
	}

	snap := c.store.Current()
	c.logger.Info("gatewayd.reload.applied", "snapshot", snap.ID)
	if c.onReload != nil {
		c.onReload(snap)
	}

	// The dependency set may have moved (e.g. a new processConfigFile
	// reference); re-register watches for any new directories.
	paths := c.store.Paths()
	for _, p := range []string{paths.Main, paths.Proxy, paths.Processes} {
		if p == "" {
			continue
		}
		c.watcher.Add(filepath.Dir(p))
	}
}

package config

import (
	"fmt"
	"sync/atomic"
)

// Store holds the current Snapshot and serves atomic read access to it.
//
// Current() never returns a partially constructed value: the stored
// snapshot is only replaced by Load and Reload, each storing a Snapshot
// that loadAll has already validated. A failed load or validation returns
// before that store, so the previous snapshot remains current — this is
// what makes reload failures non-destructive.
type Store struct {
	current atomic.Pointer[Snapshot]
	paths   atomic.Pointer[Paths]
	hub     *hub
}

// NewStore creates an empty Store. Call Load before Current is meaningful.
func NewStore() *Store {
	return &Store{hub: newHub()}
}

// Load performs the initial load from mainPath. Unlike Reload, a failure
// here is fatal to the caller — Load simply returns the error and
// installs nothing.
func (s *Store) Load(mainPath string) error {
	snap, paths, err := loadAll(mainPath)
	if err != nil {
		return fmt.Errorf("initial config load: %w", err)
	}
	snap.ID = newSnapshotID()
	s.current.Store(snap)
	s.paths.Store(&paths)
	return nil
}

// Current returns the most recently successfully validated Snapshot.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Paths returns the resolved file paths the current snapshot depends on,
// used by the Reload Coordinator to know what to watch.
func (s *Store) Paths() Paths {
	p := s.paths.Load()
	if p == nil {
		return Paths{}
	}
	return *p
}

// Reload re-reads and validates all three files from the Store's current
// main path and, on success, atomically swaps in the new Snapshot and
// emits EventReloaded. On failure it emits EventReloadError and leaves
// the current Snapshot untouched.
func (s *Store) Reload() error {
	paths := s.Paths()
	s.hub.broadcast(Event{Kind: EventReloading})

	snap, newPaths, err := loadAll(paths.Main)
	if err != nil {
		s.hub.broadcast(Event{Kind: EventReloadError, Err: err})
		return err
	}

	snap.ID = newSnapshotID()
	s.current.Store(snap)
	s.paths.Store(&newPaths)
	s.hub.broadcast(Event{Kind: EventReloaded, Snapshot: snap})
	return nil
}

// Subscribe registers interest in Store events of the given kind (or every
// kind if EventKind is empty). The returned function unsubscribes.
func (s *Store) Subscribe(kind EventKind) (<-chan Event, func()) {
	return s.hub.subscribe(kind)
}

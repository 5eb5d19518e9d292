package reload

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruachtech/gatewayd/internal/config"
)

// The debounce windows make these tests inherently slow (a change only
// applies ~1s after the last write); keep assertions generous.

func writeConfigs(t *testing.T, dir, target string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "proxy.yaml"), []byte(`
routes:
  - domain: a.example.com
    type: redirect
    target: `+target+"\n"), 0o644))
	mainPath := filepath.Join(dir, "main.yaml")
	require.NoError(t, os.WriteFile(mainPath, []byte("config:\n  proxy: proxy.yaml\n"), 0o644))
	return mainPath
}

func TestCoordinator_AppliesChangeAfterDebounce(t *testing.T) {
	if testing.Short() {
		t.Skip("debounce timing test")
	}

	dir := t.TempDir()
	mainPath := writeConfigs(t, dir, "https://first.example.com")

	store := config.NewStore()
	require.NoError(t, store.Load(mainPath))

	var reloads atomic.Int32
	c, err := New(Options{
		Store:    store,
		OnReload: func(*config.Snapshot) { reloads.Add(1) },
	})
	require.NoError(t, err)
	require.NoError(t, c.Start())
	defer c.Close()

	writeConfigs(t, dir, "https://second.example.com")

	require.Eventually(t, func() bool { return reloads.Load() == 1 }, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, "https://second.example.com", store.Current().Proxy.Routes[0].Target)
}

func TestCoordinator_InvalidChangeKeepsSnapshot(t *testing.T) {
	if testing.Short() {
		t.Skip("debounce timing test")
	}

	dir := t.TempDir()
	mainPath := writeConfigs(t, dir, "https://first.example.com")

	store := config.NewStore()
	require.NoError(t, store.Load(mainPath))
	before := store.Current()

	var errors atomic.Int32
	c, err := New(Options{
		Store:   store,
		OnError: func(error) { errors.Add(1) },
	})
	require.NoError(t, err)
	require.NoError(t, c.Start())
	defer c.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "proxy.yaml"),
		[]byte("routes:\n  - domain: broken\n    type: nope\n"), 0o644))

	require.Eventually(t, func() bool { return errors.Load() == 1 }, 5*time.Second, 50*time.Millisecond)
	assert.Same(t, before, store.Current())
}

func TestCoordinator_DebounceCoalescesBursts(t *testing.T) {
	if testing.Short() {
		t.Skip("debounce timing test")
	}

	dir := t.TempDir()
	mainPath := writeConfigs(t, dir, "https://first.example.com")

	store := config.NewStore()
	require.NoError(t, store.Load(mainPath))

	var reloads atomic.Int32
	c, err := New(Options{
		Store:    store,
		OnReload: func(*config.Snapshot) { reloads.Add(1) },
	})
	require.NoError(t, err)
	require.NoError(t, c.Start())
	defer c.Close()

	// A burst of writes inside one debounce window collapses to a single
	// reload.
	for i := 0; i < 5; i++ {
		writeConfigs(t, dir, "https://second.example.com")
		time.Sleep(50 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return reloads.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, int32(1), reloads.Load())
}

func TestCoordinator_UnrelatedFileIgnored(t *testing.T) {
	if testing.Short() {
		t.Skip("debounce timing test")
	}

	dir := t.TempDir()
	mainPath := writeConfigs(t, dir, "https://first.example.com")

	store := config.NewStore()
	require.NoError(t, store.Load(mainPath))

	var reloads atomic.Int32
	c, err := New(Options{
		Store:    store,
		OnReload: func(*config.Snapshot) { reloads.Add(1) },
	})
	require.NoError(t, err)
	require.NoError(t, c.Start())
	defer c.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("unrelated"), 0o644))

	time.Sleep(1500 * time.Millisecond)
	assert.Zero(t, reloads.Load())
}

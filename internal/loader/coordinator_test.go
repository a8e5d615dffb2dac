package loader

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/espgate/internal/plugin"
	"github.com/blueberrycongee/espgate/internal/registry"
)

type recordingEvicter struct {
	mu      sync.Mutex
	evicted []string
}

func (e *recordingEvicter) Evict(service string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evicted = append(e.evicted, service)
}

func (e *recordingEvicter) names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.evicted...)
}

func newCoordinator(t *testing.T, dir string, cfg CoordinatorConfig) (*Coordinator, *registry.Registry, *recordingEvicter) {
	t.Helper()
	reg := registry.New(testLogger())
	ev := &recordingEvicter{}
	c := NewCoordinator(New(dir, nil, testLogger()), reg, ev, cfg, testLogger())
	t.Cleanup(func() { _ = c.Close() })
	return c, reg, ev
}

func TestCoordinator_StartRegisters(t *testing.T) {
	dir := t.TempDir()
	writeService(t, dir, "a.zip", "a", "1", "alpha")
	writeService(t, dir, "b.zip", "b", "1", "beta")
	writeUnit(t, dir, "broken.zip", map[string][]byte{plugin.ManifestFile: manifest("x", "1", "missing")})

	c, reg, _ := newCoordinator(t, dir, CoordinatorConfig{})
	require.NoError(t, c.Start(context.Background()))

	assert.Equal(t, 2, reg.Len())
	md, err := reg.Lookup("alpha")
	require.NoError(t, err)
	assert.Equal(t, "https://alpha.example/v1/chat", md.TargetURI)
	assert.ElementsMatch(t, []string{"a", "b"}, c.Active())
}

func TestCoordinator_StartEmpty(t *testing.T) {
	c, _, _ := newCoordinator(t, t.TempDir(), CoordinatorConfig{})
	assert.ErrorIs(t, c.Start(context.Background()), ErrNoPlugins)

	c, _, _ = newCoordinator(t, t.TempDir(), CoordinatorConfig{AllowEmpty: true})
	assert.NoError(t, c.Start(context.Background()))
}

func TestCoordinator_ReloadEvictsChanged(t *testing.T) {
	dir := t.TempDir()
	writeService(t, dir, "a.zip", "a", "1", "alpha")
	writeService(t, dir, "b.zip", "b", "1", "beta")

	c, reg, ev := newCoordinator(t, dir, CoordinatorConfig{})
	require.NoError(t, c.Start(context.Background()))
	initial := ev.names()

	writeUnit(t, dir, "a.zip", map[string][]byte{
		plugin.ManifestFile:      manifest("a", "2", staticVariant),
		plugin.ServiceConfigFile: serviceConfig("alpha", "https://alpha-v2.example"),
	})
	res, err := c.Reload(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha"}, res.Registry.Changed)
	assert.Equal(t, append(initial, "alpha"), ev.names())
	md, err := reg.Lookup("alpha")
	require.NoError(t, err)
	assert.Equal(t, "2", md.PluginVersion)
	assert.Equal(t, "https://alpha-v2.example/v1/chat", md.TargetURI)
}

func TestCoordinator_StaleEntries(t *testing.T) {
	for _, prune := range []bool{false, true} {
		t.Run(map[bool]string{false: "kept", true: "pruned"}[prune], func(t *testing.T) {
			dir := t.TempDir()
			writeService(t, dir, "a.zip", "a", "1", "alpha")
			b := writeService(t, dir, "b.zip", "b", "1", "beta")

			c, reg, ev := newCoordinator(t, dir, CoordinatorConfig{PruneStale: prune})
			require.NoError(t, c.Start(context.Background()))
			require.NoError(t, os.Remove(b))

			res, err := c.Reload(context.Background())
			require.NoError(t, err)

			_, err = reg.Lookup("beta")
			if prune {
				assert.ErrorIs(t, err, registry.ErrNotFound)
				assert.Equal(t, []string{"beta"}, res.Registry.Pruned)
				assert.Contains(t, ev.names(), "beta")
			} else {
				assert.NoError(t, err)
				assert.Empty(t, res.Registry.Pruned)
			}
		})
	}
}

func TestCoordinator_LifecycleUnits(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "life.zip", map[string][]byte{
		plugin.ManifestFile:      manifest("life", "1", lifecycleVariant),
		plugin.ServiceConfigFile: serviceConfig("life", "https://life.example"),
	})
	failing := writeUnit(t, dir, "fail.zip", map[string][]byte{
		plugin.ManifestFile:      []byte("id: fail\nvariant: " + lifecycleVariant + "\nsettings:\n  fail_start: \"true\"\n"),
		plugin.ServiceConfigFile: serviceConfig("fail", "https://fail.example"),
	})
	startsBefore, stopsBefore := starts.Load(), stops.Load()

	c, reg, _ := newCoordinator(t, dir, CoordinatorConfig{})
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, startsBefore+1, starts.Load())
	assert.Equal(t, []string{"life"}, c.Active())
	_, err := reg.Lookup("fail")
	assert.ErrorIs(t, err, registry.ErrNotFound)

	res, err := c.Reload(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.Failed, failing)
	assert.Equal(t, stopsBefore+1, stops.Load())
	assert.Equal(t, startsBefore+2, starts.Load())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, stopsBefore+2, stops.Load())
	assert.Empty(t, c.Active())
}

func TestCoordinator_ReloadKeepsUnitsWhenDirectoryVanishes(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "plugins")
	require.NoError(t, os.Mkdir(dir, 0o700))
	writeService(t, dir, "a.zip", "a", "1", "alpha")

	c, reg, _ := newCoordinator(t, dir, CoordinatorConfig{})
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, os.RemoveAll(dir))

	_, err := c.Reload(context.Background())
	assert.Error(t, err)
	assert.Equal(t, []string{"a"}, c.Active())
	_, err = reg.Lookup("alpha")
	assert.NoError(t, err)
}

func TestCoordinator_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	writeService(t, dir, "a.zip", "a", "1", "alpha")

	c, reg, _ := newCoordinator(t, dir, CoordinatorConfig{Watch: true, Debounce: 20 * time.Millisecond})
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o600))
	writeService(t, dir, "b.zip", "b", "1", "beta")

	require.Eventually(t, func() bool {
		_, err := reg.Lookup("beta")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())

	// no reload after close
	writeService(t, dir, "c.zip", "c", "1", "gamma")
	time.Sleep(100 * time.Millisecond)
	_, err := reg.Lookup("gamma")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

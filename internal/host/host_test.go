package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pluginhub-dev/pluginhub/internal/application/apperrors"
	"github.com/pluginhub-dev/pluginhub/internal/application/services"
	"github.com/pluginhub-dev/pluginhub/internal/domain/manifest"
	"github.com/pluginhub-dev/pluginhub/internal/host/resolver"
	"github.com/pluginhub-dev/pluginhub/internal/host/resources"
	"github.com/pluginhub-dev/pluginhub/internal/host/state"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/events"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/persistence/memory"
)

// fakeFramework instantiates plugins in memory and records disposals.
type fakeFramework struct {
	mu        sync.Mutex
	fail      map[string]bool
	disposed  []string
	instances int
}

type fakeModule struct{ name string }

func (f *fakeFramework) Instantiate(_ context.Context, m *manifest.Manifest, _ string) (Module, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[m.Name] {
		return nil, errors.New("instantiation refused")
	}
	f.instances++
	return &fakeModule{name: m.Name}, nil
}

func (f *fakeFramework) Dispose(_ context.Context, module Module) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed = append(f.disposed, module.(*fakeModule).name)
	return nil
}

func writePlugin(t *testing.T, root, name string, deps ...string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	depList := ""
	for i, d := range deps {
		if i > 0 {
			depList += ","
		}
		depList += fmt.Sprintf("%q", d)
	}
	doc := fmt.Sprintf(`{"name":%q,"version":"1.0.0","entryPoint":"Entry","description":"d","author":"a","dependencies":[%s]}`,
		name, depList)
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.ManifestFileName), []byte(doc), 0o644))
	return dir
}

type hostHarness struct {
	host      *Host
	machine   *state.Machine
	tracker   *resources.Tracker
	framework *fakeFramework
	dir       string
}

func newHostHarness(t *testing.T, framework *fakeFramework) *hostHarness {
	t.Helper()
	if framework == nil {
		framework = &fakeFramework{}
	}

	bus := events.NewBus(nil)
	machine := state.NewMachine(bus, nil)
	res := resolver.New(machine, bus, nil)
	tracker := resources.NewTracker(nil, resources.WithSweepInterval(time.Hour))
	trustSvc := services.NewTrustService(memory.NewTrustStore(), nil, bus, nil)
	t.Cleanup(func() {
		res.Close()
		tracker.Close()
		bus.Close()
	})

	dir := t.TempDir()
	h := New(Config{
		PluginsDir:  dir,
		Strategy:    "batched",
		BatchSize:   4,
		LoadTimeout: 5 * time.Second,
		Resolver:    resolver.Options{MaxWaitTime: 5 * time.Second},
	}, machine, res, tracker, trustSvc, framework, bus, nil)

	return &hostHarness{host: h, machine: machine, tracker: tracker, framework: framework, dir: dir}
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "auth")

	// Missing manifest.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))
	// Unparseable manifest.
	broken := filepath.Join(root, "broken")
	require.NoError(t, os.MkdirAll(broken, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(broken, manifest.ManifestFileName), []byte("{nope"), 0o644))
	// Structurally valid JSON, invalid manifest.
	invalid := filepath.Join(root, "invalid")
	require.NoError(t, os.MkdirAll(invalid, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(invalid, manifest.ManifestFileName),
		[]byte(`{"name":"Invalid Name","version":"1.0.0","entryPoint":"Entry"}`), 0o644))
	// Loose files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("x"), 0o644))

	discovered, failures, err := Discover(root)
	require.NoError(t, err)
	require.Len(t, discovered, 1)
	assert.Equal(t, "auth", discovered[0].Manifest.Name)

	kinds := make(map[DiscoveryErrorKind]int)
	for _, f := range failures {
		kinds[f.Kind]++
	}
	assert.Equal(t, 1, kinds[DiscoveryManifestNotFound])
	assert.Equal(t, 1, kinds[DiscoveryManifestParseError])
	assert.Equal(t, 1, kinds[DiscoveryManifestValidationError])
}

func TestDiscover_MissingRoot(t *testing.T) {
	_, _, err := Discover("/nonexistent/plugins")
	assert.Error(t, err)
}

func TestHost_ScanAndLoadAll(t *testing.T) {
	h := newHostHarness(t, nil)
	writePlugin(t, h.dir, "cache")
	writePlugin(t, h.dir, "auth", "cache")
	writePlugin(t, h.dir, "web", "auth")

	result, failures, err := h.host.ScanAndLoadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.ElementsMatch(t, []string{"cache", "auth", "web"}, result.Loaded)
	assert.Empty(t, result.Failed)

	loaded := h.host.Loaded()
	assert.Equal(t, "1.0.0", loaded["auth"])
	assert.Equal(t, state.StateLoaded, h.machine.StateOf("web"))
	assert.True(t, h.tracker.Tracked("cache"))

	module, ok := h.host.ModuleOf("auth")
	require.True(t, ok)
	assert.Equal(t, "auth", module.(*fakeModule).name)
}

func TestHost_ScanReportsDiscoveryFailures(t *testing.T) {
	h := newHostHarness(t, nil)
	writePlugin(t, h.dir, "auth")
	require.NoError(t, os.MkdirAll(filepath.Join(h.dir, "empty"), 0o755))

	result, failures, err := h.host.ScanAndLoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"auth"}, result.Loaded)
	require.Len(t, failures, 1)
	assert.Equal(t, DiscoveryManifestNotFound, failures[0].Kind)
}

func TestHost_SweepKeepsLoadedPlugins(t *testing.T) {
	ctx := context.Background()
	h := newHostHarness(t, nil)
	writePlugin(t, h.dir, "auth")

	_, _, err := h.host.ScanAndLoadAll(ctx)
	require.NoError(t, err)

	// The tracker's weak reference must survive collection while the host
	// still holds the plugin.
	runtime.GC()
	runtime.GC()
	assert.Empty(t, h.tracker.Sweep())
	assert.True(t, h.tracker.Tracked("auth"))

	module, ok := h.host.ModuleOf("auth")
	require.True(t, ok)
	assert.Equal(t, "auth", module.(*fakeModule).name)

	require.NoError(t, h.host.Unload(ctx, "auth"))
	assert.False(t, h.tracker.Tracked("auth"))
}

func TestHost_PolicyScreeningBlocksPlugins(t *testing.T) {
	h := newHostHarness(t, nil)
	writePlugin(t, h.dir, "auth")

	// Request a capability denied at the untrusted baseline.
	greedy := filepath.Join(h.dir, "greedy")
	require.NoError(t, os.MkdirAll(greedy, 0o755))
	doc := `{"name":"greedy","version":"1.0.0","entryPoint":"Entry","permissions":{"services":["process"]}}`
	require.NoError(t, os.WriteFile(filepath.Join(greedy, manifest.ManifestFileName), []byte(doc), 0o644))

	result, _, err := h.host.ScanAndLoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"auth"}, result.Loaded)
	assert.Equal(t, state.StateFailed, h.machine.StateOf("greedy"))

	_, ok := h.host.ModuleOf("greedy")
	assert.False(t, ok)
}

func TestHost_InstantiationFailureIsContained(t *testing.T) {
	h := newHostHarness(t, &fakeFramework{fail: map[string]bool{"flaky": true}})
	writePlugin(t, h.dir, "stable")
	writePlugin(t, h.dir, "flaky")

	result, _, err := h.host.ScanAndLoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"stable"}, result.Loaded)
	assert.Contains(t, result.Failed["flaky"], "instantiation refused")
	assert.Equal(t, state.StateFailed, h.machine.StateOf("flaky"))
}

func TestHost_LoadSingle(t *testing.T) {
	h := newHostHarness(t, nil)
	dir := writePlugin(t, h.dir, "auth")

	require.NoError(t, h.host.LoadSingle(context.Background(), dir))
	assert.Equal(t, state.StateLoaded, h.machine.StateOf("auth"))

	var conflict *apperrors.ConflictError
	assert.ErrorAs(t, h.host.LoadSingle(context.Background(), dir), &conflict)
}

func TestHost_LoadSingleRejectsInvalidDir(t *testing.T) {
	h := newHostHarness(t, nil)
	empty := filepath.Join(h.dir, "empty")
	require.NoError(t, os.MkdirAll(empty, 0o755))

	var derr *DiscoveryError
	err := h.host.LoadSingle(context.Background(), empty)
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, DiscoveryManifestNotFound, derr.Kind)
}

func TestHost_Unload(t *testing.T) {
	ctx := context.Background()
	h := newHostHarness(t, nil)
	dir := writePlugin(t, h.dir, "auth")
	require.NoError(t, h.host.LoadSingle(ctx, dir))

	require.NoError(t, h.host.Unload(ctx, "auth"))
	assert.Equal(t, state.StateUnloaded, h.machine.StateOf("auth"))
	assert.False(t, h.tracker.Tracked("auth"))
	assert.Empty(t, h.host.Loaded())
	assert.Equal(t, []string{"auth"}, h.framework.disposed)

	var nf *apperrors.NotFoundError
	assert.ErrorAs(t, h.host.Unload(ctx, "auth"), &nf)
}

func TestHost_Reload(t *testing.T) {
	ctx := context.Background()
	h := newHostHarness(t, nil)
	writePlugin(t, h.dir, "auth")

	_, _, err := h.host.ScanAndLoadAll(ctx)
	require.NoError(t, err)

	// A plugin added between scans appears after the reload.
	writePlugin(t, h.dir, "cache")
	result, _, err := h.host.Reload(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"auth", "cache"}, result.Loaded)
	assert.Contains(t, h.framework.disposed, "auth")
}

func TestHost_SnapshotTracksLoadedSet(t *testing.T) {
	ctx := context.Background()
	h := newHostHarness(t, nil)
	writePlugin(t, h.dir, "auth")

	_, _, err := h.host.ScanAndLoadAll(ctx)
	require.NoError(t, err)

	// The next scan snapshots the set loaded before it ran.
	_, _, err = h.host.ScanAndLoadAll(ctx)
	require.NoError(t, err)

	snap := h.host.LastSnapshot()
	require.NotNil(t, snap)
	assert.Equal(t, map[string]string{"auth": "1.0.0"}, snap.Plugins)
	assert.False(t, snap.TakenAt.IsZero())
}

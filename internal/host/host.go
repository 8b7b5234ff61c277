package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pluginhub-dev/pluginhub/internal/application/apperrors"
	"github.com/pluginhub-dev/pluginhub/internal/application/ports"
	"github.com/pluginhub-dev/pluginhub/internal/application/services"
	"github.com/pluginhub-dev/pluginhub/internal/domain/manifest"
	"github.com/pluginhub-dev/pluginhub/internal/host/resolver"
	"github.com/pluginhub-dev/pluginhub/internal/host/resources"
	"github.com/pluginhub-dev/pluginhub/internal/host/state"
	"github.com/pluginhub-dev/pluginhub/internal/host/strategy"
)

// Module is the opaque handle the framework collaborator returns for an
// instantiated plugin.
type Module = any

// ModuleFramework is the external dynamic-module mechanism: it turns a
// manifest plus bundle path into a live module and disposes it again.
type ModuleFramework interface {
	Instantiate(ctx context.Context, m *manifest.Manifest, path string) (Module, error)
	Dispose(ctx context.Context, module Module) error
}

// Config tunes the host.
type Config struct {
	PluginsDir  string
	Strategy    string // serial, parallel, batched
	BatchSize   int
	LoadTimeout time.Duration
	Resolver    resolver.Options
}

// DefaultConfig returns the standard host settings.
func DefaultConfig() Config {
	return Config{
		PluginsDir:  "./plugins",
		Strategy:    "batched",
		BatchSize:   strategy.DefaultBatchSize,
		LoadTimeout: 30 * time.Second,
	}
}

// Snapshot records which plugins were loaded, for recovery after a failed
// scan or reload.
type Snapshot struct {
	Plugins map[string]string // name -> version
	TakenAt time.Time
}

// Host orchestrates plugin loading: discovery, pre-load policy checks,
// strategy execution, resource tracking, and snapshot-protected reload.
type Host struct {
	cfg       Config
	machine   *state.Machine
	resolver  *resolver.Resolver
	tracker   *resources.Tracker
	trust     *services.TrustService
	framework ModuleFramework
	bus       ports.EventBus
	logger    *slog.Logger

	mu       sync.Mutex
	loaded   map[string]*Module // cells the tracker weakly references
	versions map[string]string  // name -> version of loaded plugin
	snapshot *Snapshot
}

// New creates a host.
func New(cfg Config, machine *state.Machine, res *resolver.Resolver, tracker *resources.Tracker,
	trustSvc *services.TrustService, framework ModuleFramework, bus ports.EventBus, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultConfig().LoadTimeout
	}
	return &Host{
		cfg:       cfg,
		machine:   machine,
		resolver:  res,
		tracker:   tracker,
		trust:     trustSvc,
		framework: framework,
		bus:       bus,
		logger:    logger,
		loaded:    make(map[string]*Module),
		versions:  make(map[string]string),
	}
}

// ScanAndLoadAll discovers every plugin under the plugins directory and
// loads the valid ones with the configured strategy. Discovery failures and
// single-plugin load failures are contained; a phase-level failure triggers
// snapshot recovery.
func (h *Host) ScanAndLoadAll(ctx context.Context) (*strategy.Result, []DiscoveryError, error) {
	h.takeSnapshot()

	discovered, failures, err := Discover(h.cfg.PluginsDir)
	if err != nil {
		return nil, nil, h.recover(ctx, fmt.Errorf("discovery phase failed: %w", err))
	}
	for _, f := range failures {
		h.logger.Warn("plugin discovery failed", "dir", f.Dir, "kind", string(f.Kind), "error", f.Err)
	}

	manifests := make([]*manifest.Manifest, 0, len(discovered))
	dirs := make(map[string]string, len(discovered))
	for _, d := range discovered {
		if err := h.machine.Transition(d.Manifest.Name, state.StateDiscovered, "scan", nil); err != nil {
			h.logger.Warn("cannot mark plugin discovered", "plugin", d.Manifest.Name, "error", err)
			continue
		}
		manifests = append(manifests, d.Manifest)
		dirs[d.Manifest.Name] = d.Dir
	}

	// Pre-load policy screening: plugins whose manifests violate their
	// effective trust policy never reach the loader.
	screened := manifests[:0]
	for _, m := range manifests {
		report, err := h.trust.ValidateAgainstPolicy(ctx, m.Name, m, m.Version)
		if err != nil {
			return nil, failures, h.recover(ctx, fmt.Errorf("policy screening failed: %w", err))
		}
		if !report.IsValid {
			h.logger.Warn("plugin blocked by trust policy",
				"plugin", m.Name, "trustLevel", report.TrustLevel.String())
			h.machine.Transition(m.Name, state.StateFailed, "policy screening",
				apperrors.NewSecurityError(m.Name, "manifest violates trust policy"))
			continue
		}
		screened = append(screened, m)
	}

	strat := strategy.ForName(h.cfg.Strategy, h.cfg.BatchSize, h.logger)
	result, err := strat.Load(ctx, screened, func(ctx context.Context, m *manifest.Manifest) error {
		return h.loadOne(ctx, m, dirs[m.Name])
	})
	if err != nil {
		return result, failures, h.recover(ctx, fmt.Errorf("load phase failed: %w", err))
	}

	h.logger.Info("plugin scan complete",
		"strategy", strat.Name(),
		"loaded", len(result.Loaded),
		"failed", len(result.Failed),
		"discoveryFailures", len(failures))
	return result, failures, nil
}

// LoadSingle loads one plugin directory, refusing a name that is already
// loaded.
func (h *Host) LoadSingle(ctx context.Context, dir string) error {
	plugin, derr := discoverOne(dir)
	if derr != nil {
		return derr
	}
	m := plugin.Manifest

	h.mu.Lock()
	_, exists := h.loaded[m.Name]
	h.mu.Unlock()
	if exists {
		return apperrors.NewConflictError(m.Name, m.Version, "plugin is already loaded")
	}

	report, err := h.trust.ValidateAgainstPolicy(ctx, m.Name, m, m.Version)
	if err != nil {
		return err
	}
	if !report.IsValid {
		return apperrors.NewSecurityError(m.Name, "manifest violates trust policy")
	}

	if err := h.machine.Transition(m.Name, state.StateDiscovered, "load single", nil); err != nil {
		return err
	}
	return h.loadOne(ctx, m, dir)
}

// loadOne runs the per-plugin load pipeline: wait on dependencies,
// instantiate via the framework, track resources, mark loaded.
func (h *Host) loadOne(ctx context.Context, m *manifest.Manifest, dir string) error {
	if err := h.machine.Transition(m.Name, state.StateLoading, "load", nil); err != nil {
		return err
	}

	if len(m.Dependencies) > 0 {
		res, err := h.resolver.WaitForDependencies(ctx, m.Name, m.Dependencies, h.cfg.Resolver)
		if err != nil {
			h.machine.Transition(m.Name, state.StateFailed, "dependency wait", err)
			return err
		}
		for _, w := range res.Warnings {
			h.logger.Warn("dependency resolution warning", "plugin", m.Name, "warning", w)
		}
	}

	loadCtx, cancel := context.WithTimeout(ctx, h.cfg.LoadTimeout)
	defer cancel()
	module, err := h.framework.Instantiate(loadCtx, m, dir)
	if err != nil {
		h.machine.Transition(m.Name, state.StateFailed, "instantiate", err)
		return err
	}

	// The loaded set owns the cell the tracker weakly references: the
	// reference stays live exactly as long as the host retains the plugin.
	box := new(Module)
	*box = module

	h.mu.Lock()
	h.loaded[m.Name] = box
	h.versions[m.Name] = m.Version
	h.mu.Unlock()

	h.tracker.Track(m.Name, box)
	if err := h.machine.Transition(m.Name, state.StateLoaded, "instantiate", nil); err != nil {
		return err
	}
	h.logger.Info("plugin loaded", "plugin", m.Name, "version", m.Version)
	return nil
}

// Unload disposes one loaded plugin and reclaims its resources.
func (h *Host) Unload(ctx context.Context, name string) error {
	h.mu.Lock()
	box, ok := h.loaded[name]
	h.mu.Unlock()
	if !ok {
		return apperrors.NewPluginNotFoundError(name)
	}

	if err := h.machine.Transition(name, state.StateUnloading, "unload", nil); err != nil {
		return err
	}
	if err := h.framework.Dispose(ctx, *box); err != nil {
		h.machine.Transition(name, state.StateFailed, "dispose", err)
		return err
	}

	h.tracker.Cleanup(name)
	h.mu.Lock()
	delete(h.loaded, name)
	delete(h.versions, name)
	h.mu.Unlock()

	return h.machine.Transition(name, state.StateUnloaded, "unload", nil)
}

// UnloadAll disposes every loaded plugin, dependents before dependencies
// not being tracked here: modules are disposed in arbitrary order, which
// the framework collaborator must tolerate.
func (h *Host) UnloadAll(ctx context.Context) error {
	h.mu.Lock()
	names := make([]string, 0, len(h.loaded))
	for name := range h.loaded {
		names = append(names, name)
	}
	h.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if err := h.Unload(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Reload unloads everything and rescans, protected by a snapshot.
func (h *Host) Reload(ctx context.Context) (*strategy.Result, []DiscoveryError, error) {
	if err := h.UnloadAll(ctx); err != nil {
		h.logger.Warn("unload during reload reported an error", "error", err)
	}
	return h.ScanAndLoadAll(ctx)
}

// Loaded returns the names of currently loaded plugins.
func (h *Host) Loaded() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.versions))
	for name, version := range h.versions {
		out[name] = version
	}
	return out
}

// ModuleOf returns the live module handle for a loaded plugin.
func (h *Host) ModuleOf(name string) (Module, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	box, ok := h.loaded[name]
	if !ok {
		return nil, false
	}
	return *box, true
}

// takeSnapshot records the currently loaded set before a risky phase.
func (h *Host) takeSnapshot() {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := &Snapshot{Plugins: make(map[string]string, len(h.versions)), TakenAt: time.Now()}
	for name, version := range h.versions {
		snap.Plugins[name] = version
	}
	h.snapshot = snap
}

// LastSnapshot returns the most recent snapshot, if any.
func (h *Host) LastSnapshot() *Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot
}

// recover attempts snapshot-based recovery after a phase failure: every
// plugin from the snapshot that is no longer loaded is reloaded from disk.
func (h *Host) recover(ctx context.Context, cause error) error {
	h.mu.Lock()
	snap := h.snapshot
	h.mu.Unlock()
	if snap == nil || len(snap.Plugins) == 0 {
		return cause
	}

	h.logger.Warn("phase failure, attempting snapshot recovery",
		"error", cause, "snapshotPlugins", len(snap.Plugins))

	discovered, _, err := Discover(h.cfg.PluginsDir)
	if err != nil {
		return fmt.Errorf("%w (snapshot recovery failed: %v)", cause, err)
	}
	byName := make(map[string]*DiscoveredPlugin, len(discovered))
	for _, d := range discovered {
		byName[d.Manifest.Name] = d
	}

	for name := range snap.Plugins {
		h.mu.Lock()
		_, stillLoaded := h.loaded[name]
		h.mu.Unlock()
		if stillLoaded {
			continue
		}
		d, ok := byName[name]
		if !ok {
			h.logger.Error("snapshot plugin no longer on disk", "plugin", name)
			continue
		}
		h.machine.Transition(name, state.StateDiscovered, "snapshot recovery", nil)
		if err := h.loadOne(ctx, d.Manifest, d.Dir); err != nil {
			h.logger.Error("snapshot recovery load failed", "plugin", name, "error", err)
		}
	}
	return cause
}

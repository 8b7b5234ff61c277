// Package resolver implements event-driven dependency resolution for the
// host: waiters parked on plugin state events, partial resolution, graceful
// timeout retries, and dependency health probing.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pluginhub-dev/pluginhub/internal/application/apperrors"
	"github.com/pluginhub-dev/pluginhub/internal/application/ports"
	"github.com/pluginhub-dev/pluginhub/internal/host/state"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/events"
)

// Defaults for resolution and probing.
const (
	DefaultMaxWaitTime   = 30 * time.Second
	DefaultProbeInterval = 5 * time.Second
	defaultMaxFailures   = 3
)

// PartialPolicy allows a waiter to resolve before every dependency loads.
type PartialPolicy struct {
	Enabled              bool
	MinRequired          int
	RequiredDependencies []string
}

// GracefulTimeout retries resolution after a timeout instead of failing
// outright.
type GracefulTimeout struct {
	Enabled      bool
	MaxRetries   int
	CleanupDelay time.Duration
}

// Options tune one resolution request.
type Options struct {
	MaxWaitTime time.Duration
	Partial     PartialPolicy
	Graceful    GracefulTimeout
}

// Resolution reports the outcome of a successful wait.
type Resolution struct {
	Resolved []string `json:"resolved"`
	Pending  []string `json:"pending,omitempty"`
	Partial  bool     `json:"partial"`
	Warnings []string `json:"warnings,omitempty"`
}

// HealthProbe checks one dependency's liveness.
type HealthProbe func(ctx context.Context, plugin string) error

type outcome struct {
	resolution *Resolution
	err        error
}

type waiter struct {
	plugin   string
	pending  map[string]bool
	resolved map[string]bool
	opts     Options
	started  time.Time
	cleanups []func()
	done     chan outcome
	once     sync.Once
}

// finish delivers the outcome exactly once.
func (w *waiter) finish(o outcome) {
	w.once.Do(func() { w.done <- o })
}

type healthState struct {
	consecutiveFailures int
	unhealthy           bool
}

// Resolver coordinates dependency waiting over the event bus.
type Resolver struct {
	machine *state.Machine
	bus     ports.EventBus
	logger  *slog.Logger

	mu      sync.Mutex
	waiters map[*waiter]struct{}
	retries map[string]int

	probe         HealthProbe
	probeInterval time.Duration
	maxFailures   int
	health        map[string]*healthState

	sub      ports.Subscription
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a resolver bound to the state machine and event bus. The
// default probe considers a dependency healthy while it is LOADED.
func New(machine *state.Machine, bus ports.EventBus, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		machine:       machine,
		bus:           bus,
		logger:        logger,
		waiters:       make(map[*waiter]struct{}),
		retries:       make(map[string]int),
		probeInterval: DefaultProbeInterval,
		maxFailures:   defaultMaxFailures,
		health:        make(map[string]*healthState),
		stop:          make(chan struct{}),
	}
	r.probe = func(_ context.Context, plugin string) error {
		if machine.StateOf(plugin) != state.StateLoaded {
			return fmt.Errorf("plugin %s is not loaded", plugin)
		}
		return nil
	}

	r.sub = bus.Subscribe(
		events.KindPluginStateChanged,
		events.KindPluginLoaded,
		events.KindPluginLoadFailed,
	)
	r.wg.Add(2)
	go r.pumpEvents()
	go r.probeLoop()
	return r
}

// SetProbe replaces the health probe; call before the first wait.
func (r *Resolver) SetProbe(probe HealthProbe, interval time.Duration, maxFailures int) {
	if probe != nil {
		r.probe = probe
	}
	if interval > 0 {
		r.probeInterval = interval
	}
	if maxFailures > 0 {
		r.maxFailures = maxFailures
	}
}

// Close stops the event pump and probe loop and cancels in-flight waiters.
func (r *Resolver) Close() {
	r.stopOnce.Do(func() {
		close(r.stop)
		r.sub.Close()

		r.mu.Lock()
		pending := make([]*waiter, 0, len(r.waiters))
		for w := range r.waiters {
			pending = append(pending, w)
		}
		r.mu.Unlock()
		for _, w := range pending {
			r.conclude(w, outcome{err: apperrors.NewTimeoutError("resolve", "resolver shut down")})
		}
	})
	r.wg.Wait()
}

// WaitForDependencies blocks until the plugin's dependencies are satisfied,
// its partial-resolution criteria are met, or the wait fails. Every exit
// path runs the waiter's cleanup handlers exactly once and removes all
// resolver-internal state for the waiter.
func (r *Resolver) WaitForDependencies(ctx context.Context, plugin string, deps []string, opts Options) (*Resolution, error) {
	if opts.MaxWaitTime <= 0 {
		opts.MaxWaitTime = DefaultMaxWaitTime
	}

	// Retry state for this plugin lives only for the duration of the call.
	defer r.clearRetries(plugin)

	timeout := opts.MaxWaitTime
	remaining := deps
	for {
		resolution, retry, err := r.waitOnce(ctx, plugin, remaining, opts, timeout)
		if err == nil {
			return resolution, nil
		}
		if !retry {
			return nil, err
		}

		// Graceful timeout: pause, then wait again on what is still pending
		// with a reduced budget.
		var timeoutErr *apperrors.TimeoutError
		pending := remaining
		if errors.As(err, &timeoutErr) && len(timeoutErr.Pending) > 0 {
			pending = timeoutErr.Pending
		}
		r.logger.Warn("dependency wait timed out, retrying",
			"plugin", plugin, "pending", pending)

		select {
		case <-time.After(opts.Graceful.CleanupDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		remaining = pending
		timeout = timeout / 2
		if timeout < time.Second {
			timeout = time.Second
		}
	}
}

// waitOnce performs a single resolution round. retry reports whether the
// caller should re-enter under the graceful timeout policy.
func (r *Resolver) waitOnce(ctx context.Context, plugin string, deps []string, opts Options, timeout time.Duration) (*Resolution, bool, error) {
	// Fast paths first: all loaded resolves immediately, any failed fails
	// immediately.
	var pending []string
	for _, dep := range deps {
		switch r.machine.StateOf(dep) {
		case state.StateLoaded:
		case state.StateFailed:
			return nil, false, apperrors.NewSecurityError(plugin,
				fmt.Sprintf("dependency %s is in FAILED state", dep))
		default:
			pending = append(pending, dep)
		}
	}
	if len(pending) == 0 {
		return &Resolution{Resolved: append([]string(nil), deps...)}, false, nil
	}

	w := &waiter{
		plugin:   plugin,
		pending:  make(map[string]bool, len(pending)),
		resolved: make(map[string]bool, len(deps)),
		opts:     opts,
		started:  time.Now(),
		done:     make(chan outcome, 1),
	}
	for _, dep := range deps {
		w.resolved[dep] = !contains(pending, dep)
	}
	for _, dep := range pending {
		w.pending[dep] = true
	}

	r.mu.Lock()
	r.waiters[w] = struct{}{}
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-w.done:
		r.cleanup(w)
		return o.resolution, false, o.err

	case <-timer.C:
		// Partial criteria met at the deadline still counts as a resolve.
		if res := r.partialResolution(w, "deadline reached"); res != nil {
			o := r.settle(w, outcome{resolution: res})
			return o.resolution, false, o.err
		}

		stillPending := r.pendingOf(w)
		retry := false
		if opts.Graceful.Enabled {
			r.mu.Lock()
			if r.retries[plugin] < opts.Graceful.MaxRetries {
				r.retries[plugin]++
				retry = true
			}
			r.mu.Unlock()
		}
		err := apperrors.NewTimeoutError("resolve",
			fmt.Sprintf("dependencies of %s did not load within %s", plugin, timeout),
			stillPending...)
		o := r.settle(w, outcome{err: err})
		if o.err == nil {
			return o.resolution, false, nil
		}
		if o.err != err {
			// The event pump delivered a terminal failure first.
			return nil, false, o.err
		}
		return nil, retry, err

	case <-ctx.Done():
		err := apperrors.NewTimeoutError("resolve",
			fmt.Sprintf("dependency wait for %s cancelled", plugin),
			r.pendingOf(w)...)
		o := r.settle(w, outcome{err: err})
		if o.err == nil {
			return o.resolution, false, nil
		}
		return nil, false, o.err
	}
}

// OnCleanup registers a handler run when the named plugin's current waiter
// exits, on every exit path.
func (r *Resolver) OnCleanup(plugin string, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for w := range r.waiters {
		if w.plugin == plugin {
			w.cleanups = append(w.cleanups, fn)
		}
	}
}

// Waiting reports how many waiters are parked; the retry map size is
// exposed for the cleanup invariant tests.
func (r *Resolver) Waiting() (waiters, retryEntries int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters), len(r.retries)
}

// pumpEvents applies bus events to parked waiters in order.
func (r *Resolver) pumpEvents() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case event, ok := <-r.sub.Events():
			if !ok {
				return
			}
			switch event.Kind {
			case events.KindPluginLoaded:
				r.onDependencyLoaded(event.PluginName)
			case events.KindPluginLoadFailed:
				r.onDependencyFailed(event.PluginName)
			case events.KindPluginStateChanged:
				if to, _ := event.Data["to"].(string); to == string(state.StateLoaded) {
					r.onDependencyLoaded(event.PluginName)
				} else if to == string(state.StateFailed) {
					r.onDependencyFailed(event.PluginName)
				}
			}
		}
	}
}

func (r *Resolver) onDependencyLoaded(dep string) {
	r.mu.Lock()
	finished := make(map[*waiter]outcome)
	for w := range r.waiters {
		if !w.pending[dep] {
			continue
		}
		delete(w.pending, dep)
		w.resolved[dep] = true

		if len(w.pending) == 0 {
			finished[w] = outcome{resolution: &Resolution{Resolved: resolvedOf(w)}}
		} else if res := r.partialResolutionLocked(w, "partial criteria met"); res != nil {
			finished[w] = outcome{resolution: res}
		}
	}
	r.mu.Unlock()

	for w, o := range finished {
		w.finish(o)
	}
}

func (r *Resolver) onDependencyFailed(dep string) {
	r.mu.Lock()
	affected := make([]*waiter, 0)
	for w := range r.waiters {
		if w.pending[dep] {
			affected = append(affected, w)
		}
	}
	r.mu.Unlock()

	for _, w := range affected {
		w.finish(outcome{err: apperrors.NewSecurityError(w.plugin,
			fmt.Sprintf("dependency %s failed to load", dep))})
	}
}

// partialResolution returns a partial Resolution when the waiter's policy
// allows it, else nil.
func (r *Resolver) partialResolution(w *waiter, why string) *Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.partialResolutionLocked(w, why)
}

// partialResolutionLocked is partialResolution with r.mu already held.
func (r *Resolver) partialResolutionLocked(w *waiter, why string) *Resolution {
	if !w.opts.Partial.Enabled {
		return nil
	}

	resolvedCount := 0
	for _, ok := range w.resolved {
		if ok {
			resolvedCount++
		}
	}
	if resolvedCount < w.opts.Partial.MinRequired {
		return nil
	}
	for _, required := range w.opts.Partial.RequiredDependencies {
		if !w.resolved[required] {
			return nil
		}
	}

	var resolved, pending []string
	for dep, ok := range w.resolved {
		if ok {
			resolved = append(resolved, dep)
		} else {
			pending = append(pending, dep)
		}
	}
	sort.Strings(resolved)
	sort.Strings(pending)
	if len(pending) == 0 {
		return &Resolution{Resolved: resolved}
	}
	return &Resolution{
		Resolved: resolved,
		Pending:  pending,
		Partial:  true,
		Warnings: []string{fmt.Sprintf("resolved without %v: %s", pending, why)},
	}
}

// conclude forces an outcome onto a waiter.
func (r *Resolver) conclude(w *waiter, o outcome) {
	w.finish(o)
}

// settle pushes a forced outcome onto the waiter and returns the outcome
// that actually won: if the event pump delivered one in the race window
// before the force, the delivered outcome is preferred.
func (r *Resolver) settle(w *waiter, forced outcome) outcome {
	w.finish(forced)
	o := <-w.done
	r.cleanup(w)
	return o
}

// cleanup runs the waiter's handlers exactly once and removes every trace
// of the waiter from resolver state.
func (r *Resolver) cleanup(w *waiter) {
	r.mu.Lock()
	_, present := r.waiters[w]
	delete(r.waiters, w)
	cleanups := w.cleanups
	w.cleanups = nil
	r.mu.Unlock()

	if !present {
		return
	}
	for _, fn := range cleanups {
		fn()
	}
}

// clearRetries drops the retry counter for a plugin when its resolution
// call ends for good.
func (r *Resolver) clearRetries(plugin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.retries, plugin)
}

func (r *Resolver) pendingOf(w *waiter) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(w.pending))
	for dep := range w.pending {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

func resolvedOf(w *waiter) []string {
	out := make([]string, 0, len(w.resolved))
	for dep, ok := range w.resolved {
		if ok {
			out = append(out, dep)
		}
	}
	sort.Strings(out)
	return out
}

// probeLoop runs dependency health checks for every dependency referenced
// by a parked waiter.
func (r *Resolver) probeLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.runProbes()
		}
	}
}

func (r *Resolver) runProbes() {
	ctx, cancel := context.WithTimeout(context.Background(), r.probeInterval)
	defer cancel()

	r.mu.Lock()
	deps := make(map[string]bool)
	for w := range r.waiters {
		for dep := range w.pending {
			deps[dep] = true
		}
		for dep, ok := range w.resolved {
			if ok {
				deps[dep] = true
			}
		}
	}
	r.mu.Unlock()

	for dep := range deps {
		err := r.probe(ctx, dep)

		r.mu.Lock()
		hs, ok := r.health[dep]
		if !ok {
			hs = &healthState{}
			r.health[dep] = hs
		}
		var emit string
		if err != nil {
			hs.consecutiveFailures++
			if hs.consecutiveFailures >= r.maxFailures && !hs.unhealthy {
				hs.unhealthy = true
				emit = events.KindDependencyUnhealthy
			}
		} else {
			if hs.unhealthy {
				emit = events.KindDependencyRecovered
			}
			hs.consecutiveFailures = 0
			hs.unhealthy = false
		}
		r.mu.Unlock()

		if emit != "" {
			r.logger.Warn("dependency health changed", "dependency", dep, "event", emit)
			r.bus.Publish(ports.Event{Kind: emit, PluginName: dep})
		}
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// Package resources tracks the runtime resources owned by loaded plugins —
// instance references, timers, event listeners — and reclaims them on
// unload or when the instance is gone.
package resources

import (
	"log/slog"
	"runtime"
	"sync"
	"time"
	"weak"
)

// defaultMemoryPressureThreshold forces a sweep when heap-in-use exceeds
// this share of the heap obtained from the OS.
const defaultMemoryPressureThreshold = 0.85

// defaultSweepInterval paces the periodic reclamation pass.
const defaultSweepInterval = 30 * time.Second

// Listener is one registered (target, event, handler) triple.
type Listener struct {
	Target string
	Event  string
	Remove func()
}

// entry is the tracked resource set of one plugin.
type entry struct {
	instance  weak.Pointer[any]
	timers    []*time.Timer
	tickers   []*time.Ticker
	listeners []Listener
	owned     map[string]any
}

// Tracker maintains per-plugin resource registrations.
type Tracker struct {
	mu        sync.Mutex
	plugins   map[string]*entry
	threshold float64
	interval  time.Duration
	logger    *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option tunes the tracker.
type Option func(*Tracker)

// WithMemoryPressureThreshold overrides the forced-sweep heap ratio.
func WithMemoryPressureThreshold(ratio float64) Option {
	return func(t *Tracker) {
		if ratio > 0 && ratio <= 1 {
			t.threshold = ratio
		}
	}
}

// WithSweepInterval overrides the periodic sweep cadence.
func WithSweepInterval(interval time.Duration) Option {
	return func(t *Tracker) {
		if interval > 0 {
			t.interval = interval
		}
	}
}

// NewTracker creates a tracker and starts its sweep loop.
func NewTracker(logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		plugins:   make(map[string]*entry),
		threshold: defaultMemoryPressureThreshold,
		interval:  defaultSweepInterval,
		logger:    logger,
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.wg.Add(1)
	go t.sweepLoop()
	return t
}

// Track registers a plugin instance cell. The tracker holds only a weak
// reference to the cell; the caller must keep the cell reachable for as
// long as the plugin lives. A dead reference marks the plugin for
// reclamation.
func (t *Tracker) Track(plugin string, instance *any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.ensure(plugin)
	if instance != nil {
		e.instance = weak.Make(instance)
	}
}

// AddTimer registers a timer owned by the plugin.
func (t *Tracker) AddTimer(plugin string, timer *time.Timer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.ensure(plugin)
	e.timers = append(e.timers, timer)
}

// AddTicker registers a ticker owned by the plugin.
func (t *Tracker) AddTicker(plugin string, ticker *time.Ticker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.ensure(plugin)
	e.tickers = append(e.tickers, ticker)
}

// AddListener registers an event listener owned by the plugin.
func (t *Tracker) AddListener(plugin string, l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.ensure(plugin)
	e.listeners = append(e.listeners, l)
}

// Own registers an arbitrary owned object under a key.
func (t *Tracker) Own(plugin, key string, obj any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensure(plugin).owned[key] = obj
}

// Cleanup releases everything the plugin owns: cancels timers and tickers,
// removes listeners, clears the owned set, and drops the instance reference.
func (t *Tracker) Cleanup(plugin string) {
	t.mu.Lock()
	e, ok := t.plugins[plugin]
	delete(t.plugins, plugin)
	t.mu.Unlock()
	if !ok {
		return
	}

	for _, timer := range e.timers {
		timer.Stop()
	}
	for _, ticker := range e.tickers {
		ticker.Stop()
	}
	for _, l := range e.listeners {
		if l.Remove != nil {
			l.Remove()
		}
	}
	t.logger.Debug("plugin resources reclaimed",
		"plugin", plugin,
		"timers", len(e.timers),
		"listeners", len(e.listeners),
		"owned", len(e.owned))
}

// Tracked reports whether the plugin has a live tracked entry.
func (t *Tracker) Tracked(plugin string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.plugins[plugin]
	return ok
}

// Sweep reclaims every plugin whose instance reference has died. Under
// memory pressure it is invoked out of schedule.
func (t *Tracker) Sweep() (reclaimed []string) {
	t.mu.Lock()
	var dead []string
	for plugin, e := range t.plugins {
		if e.instance != (weak.Pointer[any]{}) && e.instance.Value() == nil {
			dead = append(dead, plugin)
		}
	}
	t.mu.Unlock()

	for _, plugin := range dead {
		t.Cleanup(plugin)
		reclaimed = append(reclaimed, plugin)
	}
	if len(reclaimed) > 0 {
		t.logger.Info("resource sweep reclaimed plugins", "plugins", reclaimed)
	}
	return reclaimed
}

// Close stops the sweep loop and reclaims everything.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
	t.wg.Wait()

	t.mu.Lock()
	names := make([]string, 0, len(t.plugins))
	for plugin := range t.plugins {
		names = append(names, plugin)
	}
	t.mu.Unlock()
	for _, plugin := range names {
		t.Cleanup(plugin)
	}
}

func (t *Tracker) ensure(plugin string) *entry {
	e, ok := t.plugins[plugin]
	if !ok {
		e = &entry{owned: make(map[string]any)}
		t.plugins[plugin] = e
	}
	return e
}

func (t *Tracker) sweepLoop() {
	defer t.wg.Done()

	pressureInterval := t.interval / 4
	if pressureInterval <= 0 {
		pressureInterval = time.Second
	}
	sweep := time.NewTicker(t.interval)
	pressure := time.NewTicker(pressureInterval)
	defer sweep.Stop()
	defer pressure.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-sweep.C:
			t.Sweep()
		case <-pressure.C:
			if underMemoryPressure(t.threshold) {
				t.logger.Warn("memory pressure detected, forcing resource sweep")
				t.Sweep()
			}
		}
	}
}

// underMemoryPressure compares heap-in-use against heap obtained from the
// OS.
func underMemoryPressure(threshold float64) bool {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	if stats.HeapSys == 0 {
		return false
	}
	return float64(stats.HeapInuse)/float64(stats.HeapSys) > threshold
}

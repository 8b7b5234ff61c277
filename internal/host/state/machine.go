// Package state implements the per-plugin lifecycle state machine of the
// host: legal transition tracking, bounded transition history, and state
// change events.
package state

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pluginhub-dev/pluginhub/internal/application/ports"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/events"
)

// State is a plugin's lifecycle state in the host.
type State string

const (
	StateUnloaded   State = "UNLOADED"
	StateDiscovered State = "DISCOVERED"
	StateLoading    State = "LOADING"
	StateLoaded     State = "LOADED"
	StateUnloading  State = "UNLOADING"
	StateFailed     State = "FAILED"
)

// legalTransitions lists the allowed next states per state. FAILED is
// additionally reachable from any state on fatal errors.
var legalTransitions = map[State][]State{
	StateUnloaded:   {StateDiscovered},
	StateDiscovered: {StateLoading},
	StateLoading:    {StateLoaded},
	StateLoaded:     {StateUnloading},
	StateUnloading:  {StateUnloaded},
	StateFailed:     {StateDiscovered, StateLoading},
}

// defaultHistorySize bounds the per-plugin transition ring.
const defaultHistorySize = 50

// Transition is one recorded state change.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Trigger   string    `json:"trigger"`
	Error     string    `json:"error,omitempty"`
}

type pluginState struct {
	current State
	history []Transition // ring, oldest first
}

// Machine tracks plugin states and their bounded history.
type Machine struct {
	mu          sync.RWMutex
	plugins     map[string]*pluginState
	historySize int
	bus         ports.EventBus
	logger      *slog.Logger
	now         func() time.Time
}

// NewMachine creates a state machine publishing changes on the bus.
func NewMachine(bus ports.EventBus, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		plugins:     make(map[string]*pluginState),
		historySize: defaultHistorySize,
		bus:         bus,
		logger:      logger,
		now:         time.Now,
	}
}

// StateOf returns the current state; unknown plugins are UNLOADED.
func (m *Machine) StateOf(name string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ps, ok := m.plugins[name]; ok {
		return ps.current
	}
	return StateUnloaded
}

// Transition moves the plugin to the target state. Re-requesting the current
// state is a no-op; any state may move to FAILED; other moves must be legal.
func (m *Machine) Transition(name string, to State, trigger string, cause error) error {
	m.mu.Lock()

	ps, ok := m.plugins[name]
	if !ok {
		ps = &pluginState{current: StateUnloaded}
		m.plugins[name] = ps
	}
	from := ps.current

	if from == to {
		m.mu.Unlock()
		return nil
	}
	if to != StateFailed && !legal(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("illegal state transition for %s: %s -> %s", name, from, to)
	}

	t := Transition{
		From:      from,
		To:        to,
		Timestamp: m.now(),
		Trigger:   trigger,
	}
	if cause != nil {
		t.Error = cause.Error()
	}

	ps.current = to
	ps.history = append(ps.history, t)
	if len(ps.history) > m.historySize {
		ps.history = ps.history[len(ps.history)-m.historySize:]
	}
	m.mu.Unlock()

	m.logger.Debug("plugin state changed",
		"plugin", name, "from", string(from), "to", string(to), "trigger", trigger)

	data := map[string]any{
		"from":    string(from),
		"to":      string(to),
		"trigger": trigger,
	}
	if t.Error != "" {
		data["error"] = t.Error
	}
	m.bus.Publish(ports.Event{Kind: events.KindPluginStateChanged, PluginName: name, Data: data})
	switch to {
	case StateLoaded:
		m.bus.Publish(ports.Event{Kind: events.KindPluginLoaded, PluginName: name, Data: data})
	case StateFailed:
		m.bus.Publish(ports.Event{Kind: events.KindPluginLoadFailed, PluginName: name, Data: data})
	}
	return nil
}

// History returns the recorded transitions, oldest first.
func (m *Machine) History(name string) []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ps, ok := m.plugins[name]; ok {
		return append([]Transition(nil), ps.history...)
	}
	return nil
}

// Snapshot returns the current state of every known plugin.
func (m *Machine) Snapshot() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]State, len(m.plugins))
	for name, ps := range m.plugins {
		out[name] = ps.current
	}
	return out
}

// Forget removes a plugin from tracking; used after a full unload.
func (m *Machine) Forget(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.plugins, name)
}

func legal(from, to State) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

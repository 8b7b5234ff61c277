// Package events provides the in-process typed event bus shared by the
// ingestion pipeline and the host. Delivery preserves emission order per
// subscriber; a slow subscriber drops its oldest events rather than blocking
// the publisher.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pluginhub-dev/pluginhub/internal/application/ports"
)

// Event kinds used across the registry and host.
const (
	KindPluginStored        = "plugin.stored"
	KindPluginDeleted       = "plugin.deleted"
	KindPluginStateChanged  = "plugin.state.changed"
	KindPluginLoaded        = "plugin.loaded"
	KindPluginLoadFailed    = "plugin.load.failed"
	KindTrustAssigned       = "plugin.trust.assigned"
	KindViolationRecorded   = "plugin.trust.violation"
	KindVersionPromoted     = "plugin.version.promoted"
	KindVersionRolledBack   = "plugin.version.rolledback"
	KindDependencyUnhealthy = "plugin.dependency.unhealthy"
	KindDependencyRecovered = "plugin.dependency.recovered"
	KindIngestPhase         = "plugin.ingest.phase"
)

const defaultBufferSize = 256

// Bus implements ports.EventBus with one ordered queue per subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*subscription]struct{}
	closed      bool
	logger      *slog.Logger
}

type subscription struct {
	bus    *Bus
	kinds  map[string]bool // empty = all kinds
	ch     chan ports.Event
	once   sync.Once
	closed bool
	mu     sync.Mutex
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[*subscription]struct{}),
		logger:      logger,
	}
}

// Publish delivers the event to every matching subscriber without blocking.
// When a subscriber's queue is full, its oldest event is dropped to make
// room so that ordering of what remains is preserved.
func (b *Bus) Publish(event ports.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for sub := range b.subscribers {
		if !sub.matches(event.Kind) {
			continue
		}
		sub.deliver(event, b.logger)
	}
}

// Subscribe registers a subscriber for the given kinds; no kinds means all.
func (b *Bus) Subscribe(kinds ...string) ports.Subscription {
	sub := &subscription{
		bus:   b,
		kinds: make(map[string]bool, len(kinds)),
		ch:    make(chan ports.Event, defaultBufferSize),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		sub.closed = true
		return sub
	}
	b.subscribers[sub] = struct{}{}
	return sub
}

// Close tears the bus down, closing every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscribers {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
	b.subscribers = make(map[*subscription]struct{})
}

func (s *subscription) matches(kind string) bool {
	if len(s.kinds) == 0 {
		return true
	}
	return s.kinds[kind]
}

func (s *subscription) deliver(event ports.Event, logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- event:
			return
		default:
			// Queue full: drop the oldest queued event.
			select {
			case dropped := <-s.ch:
				logger.Warn("event bus subscriber overloaded, dropping event",
					"kind", dropped.Kind, "plugin", dropped.PluginName)
			default:
			}
		}
	}
}

// Events returns the subscriber's ordered event channel.
func (s *subscription) Events() <-chan ports.Event {
	return s.ch
}

// Close removes the subscription from the bus.
func (s *subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		s.bus.mu.Unlock()

		s.mu.Lock()
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
		s.mu.Unlock()
	})
}

// Package metrics exports registry health over Prometheus: validation cache
// effectiveness, event counters fed from the bus, and repository totals.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pluginhub-dev/pluginhub/internal/application/ports"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/validation"
)

// Collector owns the Prometheus registry and the bus subscription feeding
// the event counters.
type Collector struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
	sub      ports.Subscription
	stopOnce sync.Once
	done     chan struct{}
}

// NewCollector registers all metrics and starts consuming bus events.
// Close releases the subscription.
func NewCollector(cache *validation.Cache, plugins ports.PluginRepository, bus ports.EventBus) *Collector {
	registry := prometheus.NewRegistry()

	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pluginhub_validation_cache_size",
		Help: "Current number of cached validation verdicts.",
	}, func() float64 { return float64(cache.Stats().Size) }))

	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pluginhub_validation_cache_hit_rate",
		Help: "Validation cache hits divided by lookups.",
	}, func() float64 { return cache.Stats().HitRate() }))

	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pluginhub_validation_cache_oldest_entry_age_seconds",
		Help: "Age of the oldest cached verdict, zero when the cache is empty.",
	}, func() float64 {
		oldest := cache.Stats().OldestEntry
		if oldest.IsZero() {
			return 0
		}
		return time.Since(oldest).Seconds()
	}))

	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pluginhub_plugins_total",
		Help: "Number of plugins in the repository.",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		stats, err := plugins.Stats(ctx)
		if err != nil {
			return 0
		}
		return float64(stats.TotalPlugins)
	}))

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pluginhub_events_total",
		Help: "Bus events observed, labeled by kind.",
	}, []string{"kind"})
	registry.MustRegister(events)

	c := &Collector{
		registry: registry,
		events:   events,
		sub:      bus.Subscribe(),
		done:     make(chan struct{}),
	}
	go c.consume()
	return c
}

func (c *Collector) consume() {
	defer close(c.done)
	for event := range c.sub.Events() {
		c.events.WithLabelValues(event.Kind).Inc()
	}
}

// Handler serves the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Close stops consuming bus events.
func (c *Collector) Close() {
	c.stopOnce.Do(func() {
		c.sub.Close()
		<-c.done
	})
}

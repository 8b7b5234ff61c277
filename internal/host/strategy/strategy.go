// Package strategy implements the plugin loading strategies of the host:
// serial, parallel, and batched execution over the dependency graph.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pluginhub-dev/pluginhub/internal/domain/manifest"
	"github.com/pluginhub-dev/pluginhub/internal/domain/services"
)

// DefaultBatchSize caps in-flight loads per batch.
const DefaultBatchSize = 5

// LoadFunc loads one plugin; it is supplied by the host orchestrator and
// internally awaits the plugin's dependencies via the resolver.
type LoadFunc func(ctx context.Context, m *manifest.Manifest) error

// Result reports a strategy run. Per-plugin failures are contained: one
// plugin failing does not abort its siblings.
type Result struct {
	Loaded   []string          `json:"loaded"`
	Failed   map[string]string `json:"failed,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

// Strategy executes loads over a discovered plugin set.
type Strategy interface {
	Name() string
	Load(ctx context.Context, manifests []*manifest.Manifest, load LoadFunc) (*Result, error)
}

// ForName selects a strategy by its configured name; unknown names fall
// back to batched.
func ForName(name string, batchSize int, logger *slog.Logger) Strategy {
	switch name {
	case "serial":
		return NewSerial(logger)
	case "parallel":
		return NewParallel(logger)
	default:
		return NewBatched(batchSize, logger)
	}
}

// Serial walks the topological order one plugin at a time; the resolver
// returns immediately for each because every predecessor is already loaded.
type Serial struct {
	order  *services.LoadOrderResolver
	logger *slog.Logger
}

// NewSerial creates the serial strategy.
func NewSerial(logger *slog.Logger) *Serial {
	if logger == nil {
		logger = slog.Default()
	}
	return &Serial{order: services.NewLoadOrderResolver(), logger: logger}
}

func (s *Serial) Name() string { return "serial" }

// Load executes plugins strictly in dependency order. A cycle is a
// configuration error.
func (s *Serial) Load(ctx context.Context, manifests []*manifest.Manifest, load LoadFunc) (*Result, error) {
	ordered, err := s.order.Order(manifests)
	if err != nil {
		return nil, err
	}

	result := &Result{Failed: make(map[string]string)}
	for _, m := range ordered {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := load(ctx, m); err != nil {
			s.logger.Error("plugin load failed", "plugin", m.Name, "error", err)
			result.Failed[m.Name] = err.Error()
			continue
		}
		result.Loaded = append(result.Loaded, m.Name)
	}
	return result, nil
}

// Parallel launches every plugin concurrently; each load awaits its own
// dependencies through the resolver.
type Parallel struct {
	logger *slog.Logger
}

// NewParallel creates the parallel strategy.
func NewParallel(logger *slog.Logger) *Parallel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parallel{logger: logger}
}

func (p *Parallel) Name() string { return "parallel" }

func (p *Parallel) Load(ctx context.Context, manifests []*manifest.Manifest, load LoadFunc) (*Result, error) {
	result := &Result{Failed: make(map[string]string)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range manifests {
		g.Go(func() error {
			if err := load(gctx, m); err != nil {
				p.logger.Error("plugin load failed", "plugin", m.Name, "error", err)
				mu.Lock()
				result.Failed[m.Name] = err.Error()
				mu.Unlock()
				return nil // contained; siblings keep loading
			}
			mu.Lock()
			result.Loaded = append(result.Loaded, m.Name)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, ctx.Err()
}

// Batched executes dependency levels serially, plugins within a level in
// parallel up to the batch size.
type Batched struct {
	order     *services.LoadOrderResolver
	batchSize int
	logger    *slog.Logger
}

// NewBatched creates the batched strategy.
func NewBatched(batchSize int, logger *slog.Logger) *Batched {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Batched{order: services.NewLoadOrderResolver(), batchSize: batchSize, logger: logger}
}

func (b *Batched) Name() string { return "batched" }

func (b *Batched) Load(ctx context.Context, manifests []*manifest.Manifest, load LoadFunc) (*Result, error) {
	batches, warnings, err := b.order.Batches(manifests)
	if err != nil {
		return nil, err
	}

	result := &Result{Failed: make(map[string]string), Warnings: warnings}
	var mu sync.Mutex

	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		b.logger.Debug("loading batch",
			"batch", batch.Index, "plugins", len(batch.Plugins))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(b.batchSize)
		for _, m := range batch.Plugins {
			g.Go(func() error {
				if err := load(gctx, m); err != nil {
					b.logger.Error("plugin load failed",
						"plugin", m.Name, "batch", batch.Index, "error", err)
					mu.Lock()
					result.Failed[m.Name] = err.Error()
					mu.Unlock()
					return nil
				}
				mu.Lock()
				result.Loaded = append(result.Loaded, m.Name)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return result, fmt.Errorf("batch %d failed: %w", batch.Index, err)
		}
	}
	return result, nil
}

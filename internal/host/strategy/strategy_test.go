package strategy

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pluginhub-dev/pluginhub/internal/domain/manifest"
)

func mf(name string, deps ...string) *manifest.Manifest {
	return &manifest.Manifest{
		Name:         name,
		Version:      "1.0.0",
		EntryPoint:   "Entry",
		Dependencies: deps,
	}
}

// recordingLoader tracks load order and fails the named plugins.
type recordingLoader struct {
	mu     sync.Mutex
	order  []string
	failed map[string]bool
}

func (l *recordingLoader) load(_ context.Context, m *manifest.Manifest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = append(l.order, m.Name)
	if l.failed[m.Name] {
		return errors.New("load rejected")
	}
	return nil
}

func (l *recordingLoader) loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

func TestForName(t *testing.T) {
	assert.Equal(t, "serial", ForName("serial", 0, nil).Name())
	assert.Equal(t, "parallel", ForName("parallel", 0, nil).Name())
	assert.Equal(t, "batched", ForName("batched", 4, nil).Name())
	assert.Equal(t, "batched", ForName("made-up", 4, nil).Name())
}

func TestSerial_LoadsInDependencyOrder(t *testing.T) {
	loader := &recordingLoader{}
	s := NewSerial(nil)

	result, err := s.Load(context.Background(), []*manifest.Manifest{
		mf("web", "auth"),
		mf("auth", "cache"),
		mf("cache"),
	}, loader.load)
	require.NoError(t, err)

	assert.Equal(t, []string{"cache", "auth", "web"}, loader.loaded())
	assert.Equal(t, []string{"cache", "auth", "web"}, result.Loaded)
	assert.Empty(t, result.Failed)
}

func TestSerial_CycleIsAnError(t *testing.T) {
	s := NewSerial(nil)
	_, err := s.Load(context.Background(), []*manifest.Manifest{
		mf("a", "b"),
		mf("b", "a"),
	}, (&recordingLoader{}).load)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular")
}

func TestSerial_FailureIsContained(t *testing.T) {
	loader := &recordingLoader{failed: map[string]bool{"auth": true}}
	s := NewSerial(nil)

	result, err := s.Load(context.Background(), []*manifest.Manifest{
		mf("cache"),
		mf("auth", "cache"),
		mf("metrics"),
	}, loader.load)
	require.NoError(t, err)

	assert.Contains(t, result.Loaded, "cache")
	assert.Contains(t, result.Loaded, "metrics")
	assert.Equal(t, "load rejected", result.Failed["auth"])
}

func TestParallel_LoadsEverythingAndContainsFailures(t *testing.T) {
	loader := &recordingLoader{failed: map[string]bool{"bad": true}}
	p := NewParallel(nil)

	result, err := p.Load(context.Background(), []*manifest.Manifest{
		mf("a"), mf("b"), mf("bad"),
	}, loader.load)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a", "b"}, result.Loaded)
	assert.Len(t, result.Failed, 1)
	assert.Len(t, loader.loaded(), 3)
}

func TestBatched_RespectsDependencyLevels(t *testing.T) {
	loader := &recordingLoader{}
	b := NewBatched(2, nil)

	result, err := b.Load(context.Background(), []*manifest.Manifest{
		mf("web", "auth"),
		mf("auth", "cache"),
		mf("cache"),
		mf("metrics"),
	}, loader.load)
	require.NoError(t, err)
	assert.Len(t, result.Loaded, 4)

	order := loader.loaded()
	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	assert.Less(t, pos["cache"], pos["auth"])
	assert.Less(t, pos["auth"], pos["web"])
}

func TestBatched_CycleBecomesResidualBatch(t *testing.T) {
	loader := &recordingLoader{}
	b := NewBatched(2, nil)

	result, err := b.Load(context.Background(), []*manifest.Manifest{
		mf("solo"),
		mf("a", "b"),
		mf("b", "a"),
	}, loader.load)
	require.NoError(t, err)

	// The cycle members still get a load attempt in the residual batch.
	assert.ElementsMatch(t, []string{"solo", "a", "b"}, result.Loaded)
	assert.NotEmpty(t, result.Warnings)
}

func TestBatched_ContextCancellationStopsBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBatched(1, nil)

	loads := 0
	load := func(_ context.Context, _ *manifest.Manifest) error {
		loads++
		cancel()
		return nil
	}

	_, err := b.Load(ctx, []*manifest.Manifest{
		mf("cache"),
		mf("auth", "cache"),
	}, load)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, loads)
}

package resolver

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pluginhub-dev/pluginhub/internal/application/apperrors"
	"github.com/pluginhub-dev/pluginhub/internal/host/state"
	"github.com/pluginhub-dev/pluginhub/internal/infrastructure/events"
)

func newResolver(t *testing.T) (*Resolver, *state.Machine, *events.Bus) {
	t.Helper()
	bus := events.NewBus(nil)
	machine := state.NewMachine(bus, nil)
	r := New(machine, bus, nil)
	t.Cleanup(func() {
		r.Close()
		bus.Close()
	})
	return r, machine, bus
}

func loadPlugin(t *testing.T, m *state.Machine, name string) {
	t.Helper()
	require.NoError(t, m.Transition(name, state.StateDiscovered, "test", nil))
	require.NoError(t, m.Transition(name, state.StateLoading, "test", nil))
	require.NoError(t, m.Transition(name, state.StateLoaded, "test", nil))
}

func TestResolver_FastPathAllLoaded(t *testing.T) {
	r, machine, _ := newResolver(t)
	loadPlugin(t, machine, "cache")
	loadPlugin(t, machine, "db")

	res, err := r.WaitForDependencies(context.Background(), "auth", []string{"cache", "db"}, Options{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cache", "db"}, res.Resolved)
	assert.False(t, res.Partial)
}

func TestResolver_EventDrivenResolution(t *testing.T) {
	r, machine, _ := newResolver(t)

	done := make(chan struct{})
	var res *Resolution
	var err error
	go func() {
		res, err = r.WaitForDependencies(context.Background(), "auth", []string{"cache"}, Options{MaxWaitTime: 5 * time.Second})
		close(done)
	}()

	// Give the waiter time to park before the dependency loads.
	time.Sleep(50 * time.Millisecond)
	loadPlugin(t, machine, "cache")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never resolved")
	}
	require.NoError(t, err)
	assert.Equal(t, []string{"cache"}, res.Resolved)
}

func TestResolver_Timeout(t *testing.T) {
	r, _, _ := newResolver(t)

	_, err := r.WaitForDependencies(context.Background(), "auth", []string{"cache", "db"}, Options{MaxWaitTime: 100 * time.Millisecond})
	var timeoutErr *apperrors.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.ElementsMatch(t, []string{"cache", "db"}, timeoutErr.Pending)

	// No waiter or retry state survives the call.
	waiters, retries := r.Waiting()
	assert.Zero(t, waiters)
	assert.Zero(t, retries)
}

func TestResolver_PartialResolution(t *testing.T) {
	r, machine, _ := newResolver(t)
	loadPlugin(t, machine, "cache")

	res, err := r.WaitForDependencies(context.Background(), "auth", []string{"cache", "metrics"}, Options{
		MaxWaitTime: 200 * time.Millisecond,
		Partial: PartialPolicy{
			Enabled:              true,
			MinRequired:          1,
			RequiredDependencies: []string{"cache"},
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, []string{"cache"}, res.Resolved)
	assert.Equal(t, []string{"metrics"}, res.Pending)
	assert.NotEmpty(t, res.Warnings)
}

func TestResolver_PartialRequiresNamedDependencies(t *testing.T) {
	r, machine, _ := newResolver(t)
	loadPlugin(t, machine, "metrics")

	// MinRequired is met, but the required dependency is not loaded.
	_, err := r.WaitForDependencies(context.Background(), "auth", []string{"cache", "metrics"}, Options{
		MaxWaitTime: 150 * time.Millisecond,
		Partial: PartialPolicy{
			Enabled:              true,
			MinRequired:          1,
			RequiredDependencies: []string{"cache"},
		},
	})
	var timeoutErr *apperrors.TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestResolver_FailedDependency(t *testing.T) {
	r, machine, _ := newResolver(t)
	require.NoError(t, machine.Transition("cache", state.StateFailed, "load", assert.AnError))

	_, err := r.WaitForDependencies(context.Background(), "auth", []string{"cache"}, Options{MaxWaitTime: time.Second})
	var serr *apperrors.SecurityError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, err.Error(), "FAILED")
}

func TestResolver_DependencyFailsWhileWaiting(t *testing.T) {
	r, machine, _ := newResolver(t)

	done := make(chan error, 1)
	go func() {
		_, err := r.WaitForDependencies(context.Background(), "auth", []string{"cache"}, Options{MaxWaitTime: 5 * time.Second})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, machine.Transition("cache", state.StateFailed, "load", assert.AnError))

	select {
	case err := <-done:
		var serr *apperrors.SecurityError
		assert.ErrorAs(t, err, &serr)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never failed")
	}
}

func TestResolver_GracefulTimeoutRetries(t *testing.T) {
	r, machine, _ := newResolver(t)

	done := make(chan error, 1)
	go func() {
		_, err := r.WaitForDependencies(context.Background(), "auth", []string{"cache"}, Options{
			MaxWaitTime: 200 * time.Millisecond,
			Graceful: GracefulTimeout{
				Enabled:      true,
				MaxRetries:   3,
				CleanupDelay: 20 * time.Millisecond,
			},
		})
		done <- err
	}()

	// Load the dependency after the first round has timed out; the retry
	// round picks it up.
	time.Sleep(300 * time.Millisecond)
	loadPlugin(t, machine, "cache")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("graceful retry never resolved")
	}

	_, retries := r.Waiting()
	assert.Zero(t, retries, "retry counters must be cleared when the call ends")
}

func TestResolver_GracefulTimeoutExhaustsRetries(t *testing.T) {
	r, _, _ := newResolver(t)

	_, err := r.WaitForDependencies(context.Background(), "auth", []string{"ghost"}, Options{
		MaxWaitTime: 80 * time.Millisecond,
		Graceful: GracefulTimeout{
			Enabled:      true,
			MaxRetries:   2,
			CleanupDelay: 10 * time.Millisecond,
		},
	})
	var timeoutErr *apperrors.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)

	waiters, retries := r.Waiting()
	assert.Zero(t, waiters)
	assert.Zero(t, retries)
}

func TestResolver_SettlePrefersDeliveredOutcome(t *testing.T) {
	r, _, _ := newResolver(t)

	w := &waiter{
		plugin:   "auth",
		pending:  map[string]bool{"cache": true},
		resolved: map[string]bool{"cache": false},
		done:     make(chan outcome, 1),
	}
	r.mu.Lock()
	r.waiters[w] = struct{}{}
	r.mu.Unlock()

	// A resolution lands just before the timeout would be forced; the
	// delivered outcome wins over the forced error.
	w.finish(outcome{resolution: &Resolution{Resolved: []string{"cache"}}})
	o := r.settle(w, outcome{err: apperrors.NewTimeoutError("resolve", "deadline")})
	require.NoError(t, o.err)
	assert.Equal(t, []string{"cache"}, o.resolution.Resolved)

	waiters, _ := r.Waiting()
	assert.Zero(t, waiters)
}

func TestResolver_ContextCancellation(t *testing.T) {
	r, _, _ := newResolver(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.WaitForDependencies(ctx, "auth", []string{"cache"}, Options{MaxWaitTime: 10 * time.Second})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		var timeoutErr *apperrors.TimeoutError
		assert.ErrorAs(t, err, &timeoutErr)
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation not observed")
	}
}

func TestResolver_CleanupHandlersRunOnEveryExit(t *testing.T) {
	r, _, _ := newResolver(t)

	ran := make(chan struct{}, 1)
	go func() {
		// Register once the waiter is parked.
		time.Sleep(50 * time.Millisecond)
		r.OnCleanup("auth", func() { ran <- struct{}{} })
	}()

	_, err := r.WaitForDependencies(context.Background(), "auth", []string{"ghost"}, Options{MaxWaitTime: 300 * time.Millisecond})
	require.Error(t, err)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("cleanup handler did not run")
	}
}

func TestResolver_HealthProbeEvents(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()
	machine := state.NewMachine(bus, nil)
	r := New(machine, bus, nil)
	defer r.Close()

	unhealthy := bus.Subscribe(events.KindDependencyUnhealthy)
	defer unhealthy.Close()
	recovered := bus.Subscribe(events.KindDependencyRecovered)
	defer recovered.Close()

	var healthy atomic.Bool
	r.SetProbe(func(_ context.Context, _ string) error {
		if healthy.Load() {
			return nil
		}
		return assert.AnError
	}, 20*time.Millisecond, 2)

	// Park a waiter so the probe loop has a dependency to watch.
	go r.WaitForDependencies(context.Background(), "auth", []string{"cache"}, Options{MaxWaitTime: 3 * time.Second}) //nolint:errcheck

	select {
	case ev := <-unhealthy.Events():
		assert.Equal(t, "cache", ev.PluginName)
	case <-time.After(3 * time.Second):
		t.Fatal("unhealthy event not published")
	}

	healthy.Store(true)
	select {
	case ev := <-recovered.Events():
		assert.Equal(t, "cache", ev.PluginName)
	case <-time.After(3 * time.Second):
		t.Fatal("recovered event not published")
	}
}

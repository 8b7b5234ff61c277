package resources

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTracker(t *testing.T) *Tracker {
	t.Helper()
	// Long interval so tests drive sweeps explicitly.
	tr := NewTracker(nil, WithSweepInterval(time.Hour))
	t.Cleanup(tr.Close)
	return tr
}

func TestTracker_CleanupStopsEverything(t *testing.T) {
	tr := newTracker(t)

	timer := time.NewTimer(time.Hour)
	ticker := time.NewTicker(time.Hour)
	var removed atomic.Int32

	instance := any("plugin instance")
	tr.Track("auth", &instance)
	tr.AddTimer("auth", timer)
	tr.AddTicker("auth", ticker)
	tr.AddListener("auth", Listener{
		Target: "bus",
		Event:  "request",
		Remove: func() { removed.Add(1) },
	})
	tr.Own("auth", "sessionCache", map[string]string{})

	require.True(t, tr.Tracked("auth"))
	tr.Cleanup("auth")

	assert.False(t, tr.Tracked("auth"))
	assert.Equal(t, int32(1), removed.Load())
	// A stopped timer reports false from Stop.
	assert.False(t, timer.Stop())

	// Cleaning an unknown plugin is a no-op.
	tr.Cleanup("ghost")
}

func TestTracker_SweepReclaimsDeadInstances(t *testing.T) {
	tr := newTracker(t)

	live := any("live")
	tr.Track("alive", &live)

	func() {
		dead := any("dead")
		tr.Track("gone", &dead)
	}()
	runtime.GC()
	runtime.GC()

	reclaimed := tr.Sweep()
	assert.Contains(t, reclaimed, "gone")
	assert.False(t, tr.Tracked("gone"))
	assert.True(t, tr.Tracked("alive"))
	runtime.KeepAlive(&live)
}

func TestTracker_SweepIgnoresPluginsWithoutInstance(t *testing.T) {
	tr := newTracker(t)

	// Resources registered without a tracked instance are never swept.
	tr.AddTimer("timer-only", time.NewTimer(time.Hour))
	runtime.GC()

	assert.Empty(t, tr.Sweep())
	assert.True(t, tr.Tracked("timer-only"))
}

func TestTracker_CloseReclaimsAll(t *testing.T) {
	tr := NewTracker(nil, WithSweepInterval(time.Hour))

	var removed atomic.Int32
	tr.AddListener("a", Listener{Remove: func() { removed.Add(1) }})
	tr.AddListener("b", Listener{Remove: func() { removed.Add(1) }})

	tr.Close()
	assert.Equal(t, int32(2), removed.Load())
	assert.False(t, tr.Tracked("a"))

	// Close is idempotent.
	tr.Close()
}

package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pluginhub-dev/pluginhub/internal/application/ports"
)

func collect(t *testing.T, sub ports.Subscription, n int) []ports.Event {
	t.Helper()
	out := make([]ports.Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "channel closed before %d events arrived", n)
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
	return out
}

func TestBus_DeliveryPreservesOrder(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe()
	defer sub.Close()

	for _, name := range []string{"a", "b", "c"} {
		bus.Publish(ports.Event{Kind: KindPluginStored, PluginName: name})
	}

	got := collect(t, sub, 3)
	assert.Equal(t, "a", got[0].PluginName)
	assert.Equal(t, "b", got[1].PluginName)
	assert.Equal(t, "c", got[2].PluginName)
	assert.False(t, got[0].Timestamp.IsZero(), "publish stamps missing timestamps")
}

func TestBus_KindFiltering(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	stored := bus.Subscribe(KindPluginStored)
	defer stored.Close()
	all := bus.Subscribe()
	defer all.Close()

	bus.Publish(ports.Event{Kind: KindPluginDeleted, PluginName: "x"})
	bus.Publish(ports.Event{Kind: KindPluginStored, PluginName: "y"})

	got := collect(t, stored, 1)
	assert.Equal(t, KindPluginStored, got[0].Kind)
	select {
	case extra := <-stored.Events():
		t.Fatalf("filtered subscriber received %s", extra.Kind)
	default:
	}

	assert.Len(t, collect(t, all, 2), 2)
}

func TestBus_SubscriptionCloseEndsRange(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe(KindPluginLoaded)
	sub.Close()
	sub.Close() // idempotent

	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Publishing after the subscriber left must not panic or block.
	bus.Publish(ports.Event{Kind: KindPluginLoaded})
}

func TestBus_CloseClosesSubscribers(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe()

	bus.Close()
	bus.Close() // idempotent

	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Subscribing to a closed bus yields an already-closed channel.
	late := bus.Subscribe()
	_, ok = <-late.Events()
	assert.False(t, ok)

	bus.Publish(ports.Event{Kind: KindPluginStored})
}

func TestBus_SlowSubscriberDropsOldest(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe()
	defer sub.Close()

	total := defaultBufferSize + 10
	for i := 0; i < total; i++ {
		bus.Publish(ports.Event{Kind: KindIngestPhase, Data: map[string]any{"seq": i}})
	}

	// The oldest 10 were dropped; what remains is still in order.
	got := collect(t, sub, defaultBufferSize)
	first := got[0].Data["seq"].(int)
	assert.Equal(t, 10, first)
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1].Data["seq"].(int)+1, got[i].Data["seq"].(int))
	}
}

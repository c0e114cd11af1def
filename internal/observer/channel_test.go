package observer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gregd453/agentic-sdlc-sub009/pkg/clock"
)

func TestAttachReceivesBroadcastInOrder(t *testing.T) {
	c := New(50 * time.Millisecond)
	ch, detach := c.Attach(4)
	defer detach()

	c.Broadcast(Event{Type: EventJobStateChange, Payload: 1})
	c.Broadcast(Event{Type: EventJobStateChange, Payload: 2})
	c.Broadcast(Event{Type: EventJobStateChange, Payload: 3})

	require.Equal(t, 1, (<-ch).Payload)
	require.Equal(t, 2, (<-ch).Payload)
	require.Equal(t, 3, (<-ch).Payload)
}

func TestDetachStopsDelivery(t *testing.T) {
	c := New(50 * time.Millisecond)
	ch, detach := c.Attach(2)
	detach()

	c.Broadcast(Event{Type: EventMetricSnapshot})

	_, ok := <-ch
	require.False(t, ok)
}

func TestBroadcastDropsSlowSubscriber(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	c := New(10*time.Millisecond, WithClock(fake))
	ch, _ := c.Attach(1)

	// Fill the buffer so the broadcaster task's delivery of the second
	// event must wait on the deadline.
	c.Broadcast(Event{Type: EventMetricSnapshot, Payload: "first"})
	c.Broadcast(Event{Type: EventMetricSnapshot, Payload: "second"})

	require.Eventually(t, func() bool {
		return fake.WaiterCount() == 1
	}, time.Second, time.Millisecond, "broadcaster task never registered its deadline wait")
	fake.Advance(10 * time.Millisecond)

	require.Eventually(t, func() bool {
		return c.Subscribers() == 0
	}, time.Second, time.Millisecond, "slow subscriber was never dropped")
	// The event already buffered before the drop is still readable; the
	// channel reads as closed after it.
	first := <-ch
	require.Equal(t, "first", first.Payload)
	_, ok := <-ch
	require.False(t, ok)
}

func TestShutdownClosesAllAndRefusesAttach(t *testing.T) {
	c := New(50 * time.Millisecond)
	ch1, _ := c.Attach(1)
	ch2, _ := c.Attach(1)

	c.Shutdown()
	c.Shutdown() // idempotent

	_, ok1 := <-ch1
	_, ok2 := <-ch2
	require.False(t, ok1)
	require.False(t, ok2)

	got, detach := c.Attach(1)
	defer detach()
	require.Nil(t, got)
}

func TestBroadcastAfterShutdownIsNoop(t *testing.T) {
	c := New(50 * time.Millisecond)
	c.Shutdown()
	require.NotPanics(t, func() {
		c.Broadcast(Event{Type: EventMetricSnapshot})
	})
}

package bus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrynode/sentryd/internal/bus"
	"github.com/sentrynode/sentryd/internal/event"
)

func TestEmitNextFIFOOrder(t *testing.T) {
	b := bus.New()
	b.Emit(event.DoorOpen{})
	b.Emit(event.DoorClose{})

	e1, ok := b.Next()
	require.True(t, ok)
	assert.IsType(t, event.DoorOpen{}, e1)

	e2, ok := b.Next()
	require.True(t, ok)
	assert.IsType(t, event.DoorClose{}, e2)
}

func TestNextBlocksUntilEmit(t *testing.T) {
	b := bus.New()
	done := make(chan event.Event, 1)
	go func() {
		e, ok := b.Next()
		if ok {
			done <- e
		}
	}()

	select {
	case <-done:
		t.Fatal("Next returned before any event was emitted")
	case <-time.After(20 * time.Millisecond):
	}

	b.Emit(event.DoorOpen{})
	select {
	case e := <-done:
		assert.IsType(t, event.DoorOpen{}, e)
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock after Emit")
	}
}

func TestCloseUnblocksNext(t *testing.T) {
	b := bus.New()
	done := make(chan bool, 1)
	go func() {
		_, ok := b.Next()
		done <- ok
	}()

	b.Close()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock after Close")
	}
}

func TestBroadcastFansOutToAllSubscribers(t *testing.T) {
	b := bus.New()
	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	env := event.Envelope{Event: event.DoorOpen{}}
	b.Broadcast(env)

	select {
	case got := <-ch1:
		assert.Equal(t, env, got)
	case <-time.After(time.Second):
		t.Fatal("subscriber 1 did not receive broadcast")
	}
	select {
	case got := <-ch2:
		assert.Equal(t, env, got)
	case <-time.After(time.Second):
		t.Fatal("subscriber 2 did not receive broadcast")
	}
}

func TestBroadcastDropsOldestWhenFull(t *testing.T) {
	b := bus.New(bus.WithRingDepth(100))
	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < 101; i++ {
		b.Broadcast(event.Envelope{ClientID: string(rune('a' + i%26))})
	}

	// The buffer holds 100; the oldest entry should have been evicted to
	// make room for the 101st.
	assert.Len(t, ch, 100)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := bus.New()
	ch, cancel := b.Subscribe()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
}

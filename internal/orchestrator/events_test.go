package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusEmitsInRegistrationOrder(t *testing.T) {
	bus := newEventBus()
	var order []string

	bus.add(EventShotDetected, func(Event) { order = append(order, "first") })
	bus.add(EventShotDetected, func(Event) { order = append(order, "second") })
	bus.add(EventShotDetected, func(Event) { order = append(order, "third") })

	bus.emit(Event{Type: EventShotDetected})
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestEventBusListenerPanicDoesNotStopDelivery(t *testing.T) {
	bus := newEventBus()
	var order []string

	bus.add(EventError, func(Event) { order = append(order, "before") })
	bus.add(EventError, func(Event) { panic("listener bug") })
	bus.add(EventError, func(Event) { order = append(order, "after") })

	assert.NotPanics(t, func() { bus.emit(Event{Type: EventError}) })
	assert.Equal(t, []string{"before", "after"}, order)
}

func TestEventBusRemoveListener(t *testing.T) {
	bus := newEventBus()
	var count int

	id := bus.add(EventFrameUpdated, func(Event) { count++ })
	keep := 0
	bus.add(EventFrameUpdated, func(Event) { keep++ })

	bus.emit(Event{Type: EventFrameUpdated})
	bus.remove(EventFrameUpdated, id)
	bus.emit(Event{Type: EventFrameUpdated})

	assert.Equal(t, 1, count)
	assert.Equal(t, 2, keep)

	// Removing twice or with a bogus id is harmless.
	bus.remove(EventFrameUpdated, id)
	bus.remove(EventFrameUpdated, 9999)
}

func TestEventBusChannelsAreIndependent(t *testing.T) {
	bus := newEventBus()
	var shots, frames int

	bus.add(EventShotDetected, func(Event) { shots++ })
	bus.add(EventFrameUpdated, func(Event) { frames++ })

	bus.emit(Event{Type: EventShotDetected})
	bus.emit(Event{Type: EventShotDetected})
	bus.emit(Event{Type: EventFrameUpdated})

	assert.Equal(t, 2, shots)
	assert.Equal(t, 1, frames)
}

func TestEventBusStampsTimestamp(t *testing.T) {
	bus := newEventBus()
	var got Event

	bus.add(EventError, func(e Event) { got = e })
	bus.emit(Event{Type: EventError})

	require.False(t, got.Timestamp.IsZero())
	assert.WithinDuration(t, time.Now(), got.Timestamp, time.Second)
}

package orchestrator

import (
	"sync"
	"time"

	"gmshoot-go/internal/core/models"

	log "github.com/sirupsen/logrus"
)

// EventType names one channel of the orchestrator's event bus. The set is
// closed; consumers switch over these constants.
type EventType string

const (
	EventDeviceConnected      EventType = "deviceConnected"
	EventDeviceDisconnected   EventType = "deviceDisconnected"
	EventSessionStarted       EventType = "sessionStarted"
	EventSessionEnded         EventType = "sessionEnded"
	EventSessionStatusChanged EventType = "sessionStatusChanged"
	EventShotDetected         EventType = "shotDetected"
	EventFrameUpdated         EventType = "frameUpdated"
	EventPushConnected        EventType = "pushConnected"
	EventPushDisconnected     EventType = "pushDisconnected"
	EventError                EventType = "error"
)

// Event is one notification on the bus. Exactly the fields relevant to the
// event type are set; the rest are nil.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Device    *models.Device  `json:"device,omitempty"`
	Session   *models.Session `json:"session,omitempty"`
	Shot      *models.Shot    `json:"shot,omitempty"`
	Frame     *models.Frame   `json:"frame,omitempty"`
	Message   string          `json:"message,omitempty"` // Error text on the error channel
}

// Listener consumes events for one channel. Listeners run synchronously on
// the emitting goroutine, in registration order.
type Listener func(Event)

type listenerReg struct {
	id int
	fn Listener
}

// eventBus dispatches events to per-channel listener lists. A panicking
// listener is recovered and logged so subsequent listeners on the same emit
// still run.
type eventBus struct {
	mu        sync.Mutex
	nextID    int
	listeners map[EventType][]listenerReg
}

func newEventBus() *eventBus {
	return &eventBus{listeners: make(map[EventType][]listenerReg)}
}

func (b *eventBus) add(t EventType, fn Listener) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.listeners[t] = append(b.listeners[t], listenerReg{id: b.nextID, fn: fn})
	return b.nextID
}

func (b *eventBus) remove(t EventType, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.listeners[t]
	for i, reg := range regs {
		if reg.id == id {
			b.listeners[t] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

func (b *eventBus) emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	regs := make([]listenerReg, len(b.listeners[e.Type]))
	copy(regs, b.listeners[e.Type])
	b.mu.Unlock()

	for _, reg := range regs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("Event listener for %s panicked: %v", e.Type, r)
				}
			}()
			reg.fn(e)
		}()
	}
}

// AddEventListener registers a callback for one event channel and returns a
// handle for removal.
func (o *Orchestrator) AddEventListener(t EventType, fn Listener) int {
	return o.bus.add(t, fn)
}

// RemoveEventListener unregisters a previously added callback.
func (o *Orchestrator) RemoveEventListener(t EventType, id int) {
	o.bus.remove(t, id)
}

package core

import "sync"

// EventType identifies the kind of event fired on the bus.
type EventType int

const (
	EventRegionRefreshed EventType = iota
	EventRegionFailed
	EventRegionRemoved
	EventConfigReloaded
	EventCycleFinished
)

// Event carries data about something that happened in the system.
type Event struct {
	Type    EventType
	Payload any
}

// RegionOutcomePayload is the payload for EventRegionRefreshed / EventRegionFailed.
type RegionOutcomePayload struct {
	Region string
	// Detail is a short human-readable reason. Never contains secret material.
	Detail string
}

// CycleFinishedPayload is the payload for EventCycleFinished.
type CycleFinishedPayload struct {
	Regions int
	Failed  int
}

// Handler is a callback for bus subscribers.
type Handler func(Event)

// EventBus provides pub/sub between system components.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates a ready-to-use event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for a given event type.
func (eb *EventBus) Subscribe(t EventType, h Handler) {
	eb.mu.Lock()
	eb.handlers[t] = append(eb.handlers[t], h)
	eb.mu.Unlock()
}

// Publish fires an event to all subscribed handlers synchronously.
func (eb *EventBus) Publish(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// PublishAsync fires an event to all subscribed handlers in goroutines.
func (eb *EventBus) PublishAsync(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		go h(e)
	}
}

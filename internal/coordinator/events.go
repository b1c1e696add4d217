package coordinator

import (
	"log/slog"
	"sync"
	"time"
)

// Event types
const (
	EventOutputUpdate = "output_update"
	EventCatalog      = "catalog"
	EventAvailability = "availability"
	EventCommand      = "command"
)

// Event represents a coordinator event.
type Event struct {
	Type string      `json:"type"`
	Time time.Time   `json:"time"`
	Data interface{} `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for coordinator events.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

func (eb *EventBus) register(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eventType == "" {
		eb.allHandlers[id] = handler
	} else {
		if eb.handlers[eventType] == nil {
			eb.handlers[eventType] = make(map[uint64]EventHandler)
		}
		eb.handlers[eventType][id] = handler
	}
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		if eventType == "" {
			delete(eb.allHandlers, id)
		} else {
			delete(eb.handlers[eventType], id)
		}
	}
}

// On registers a handler for one event type and returns its unsubscribe func.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.register(eventType, handler)
}

// OnAll registers a handler that receives every event.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.register("", handler)
}

// Emit delivers an event synchronously; a panicking handler is recovered.
// A zero Time is stamped with the current time.
func (eb *EventBus) Emit(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}

package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventJobStarted  = "job_started"
	EventJobFinished = "job_finished"
	EventPageFetched = "page_fetched"
	EventPageFailed  = "page_failed"
	EventRowInserted = "row_inserted"
	EventRowFailed   = "row_failed"
)

// JobEventPayload is the minimal job snapshot for event consumers.
type JobEventPayload struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status,omitempty"`
	Environment string `json:"environment,omitempty"`
	RowIndex    int    `json:"row_index,omitempty"`
	Offset      int    `json:"offset,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish delivers an event to every subscriber synchronously. Handler
// errors are collected but do not stop delivery.
func (b *EventBus) Publish(event *Event) []error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	var errs []error
	for _, handler := range handlers {
		if err := handler(event); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// PublishJobEvent encodes a payload and publishes it under eventType.
func (b *EventBus) PublishJobEvent(eventType string, payload JobEventPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	b.Publish(&Event{Type: eventType, Payload: data})
}

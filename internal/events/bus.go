// Package events is the in-process broadcast bus. Components publish
// alert and subscription events; sinks such as the status API and the
// notification manager subscribe.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the different kinds of events in the system.
type EventType string

const (
	EventAlertCreated        EventType = "ALERT_CREATED"
	EventAlertUpdated        EventType = "ALERT_UPDATED"
	EventSubscriptionUpdated EventType = "SUBSCRIPTION_UPDATED"
	EventStreamConnected     EventType = "STREAM_CONNECTED"
	EventStreamDisconnected  EventType = "STREAM_DISCONNECTED"
	EventBackfillCompleted   EventType = "BACKFILL_COMPLETED"
)

// Event is one published event. ID is assigned on publish so sinks can
// deduplicate across redelivery.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscriber handles published events.
type Subscriber func(Event)

// Bus fans events out to subscribers. Delivery is asynchronous so a
// slow subscriber never blocks a publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a subscriber for one event type.
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for every event.
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all matching subscribers.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishSubscriptionUpdated reports a reconciliation outcome. pending
// counts desired symbols that are not yet subscribed; it is nonzero
// when a subscribe batch failed partway through.
func (b *Bus) PublishSubscriptionUpdated(total, subscribed, pending int, added, removed []string) {
	b.Publish(Event{
		Type: EventSubscriptionUpdated,
		Data: map[string]any{
			"total":      total,
			"subscribed": subscribed,
			"pending":    pending,
			"added":      added,
			"removed":    removed,
		},
	})
}

package events

import (
	"sync"
	"time"
)

const (
	TopicConnectivity   = "connectivity_changed"
	TopicSyncProposed   = "sync_proposed"
	TopicSyncCompleted  = "sync_completed"
	TopicOpQueued       = "operation_queued"
	TopicOpVolatile     = "operation_not_durable"
	TopicOpFailed       = "operation_failed"
	TopicOpConflict     = "operation_conflict"
	TopicDeliverySynced = "delivery_synced"
	TopicDeliveryStatus = "delivery_status"
	TopicLocation       = "location_update"
)

// Event is a lightweight in-process notification.
type Event struct {
	Topic   string
	Payload any
	At      time.Time
}

// Handler reacts to an event. Handlers run synchronously on the
// publisher's goroutine; subscribers decide their own concurrency.
type Handler func(Event)

// Bus is a topic-keyed subscription table. Subscribe returns the
// matching unsubscribe, so no handler is ever leaked in a global list.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[int64]Handler
	nextID int64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int64]Handler)}
}

// Subscribe registers a handler for a topic and returns its unsubscribe
// function. Calling it more than once is harmless.
func (b *Bus) Subscribe(topic string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int64]Handler)
	}
	b.nextID++
	id := b.nextID
	b.subs[topic][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}
}

// Publish delivers the payload to every handler of the topic.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	ev := Event{Topic: topic, Payload: payload, At: time.Now()}
	for _, handler := range handlers {
		handler(ev)
	}
}

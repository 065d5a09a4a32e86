// Package eventbus provides a local, in-process publish/subscribe bus used
// for internal lifecycle events such as notification.sent. It is
// independent of the webhook dispatcher's own externally-facing EventType
// bus.
package eventbus

import (
	"sync"
	"time"
)

// Event is a single message published to the bus.
type Event struct {
	Topic     string
	Timestamp time.Time
	Data      map[string]interface{}
}

// Handler receives events published to a topic it subscribed to.
type Handler func(Event)

// Bus is a thread-safe local pub/sub dispatcher keyed by topic string.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers handler to be invoked for every event published to
// topic.
func (b *Bus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// Unsubscribe removes every handler registered for topic.
func (b *Bus) Unsubscribe(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, topic)
}

// Publish delivers event to every handler subscribed to event.Topic,
// synchronously and in registration order. A panicking handler does not
// prevent later handlers from running.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[event.Topic]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invokeSafely(h, event)
	}
}

func (b *Bus) invokeSafely(h Handler, event Event) {
	defer func() { _ = recover() }()
	h(event)
}

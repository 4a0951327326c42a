package fanout

import (
	"context"
	"encoding/json"
	"sync"
)

// Event is one room event crossing instance boundaries. Origin names
// the publishing instance so subscribers can skip their own events.
type Event struct {
	RoomID string          `json:"roomId"`
	Origin string          `json:"origin"`
	Kind   string          `json:"kind"`
	Data   json.RawMessage `json:"data"`
}

// Handler receives events delivered by a bus subscription.
type Handler func(Event)

// Bus carries room events to every subscribed instance, including the
// publisher itself.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(handler Handler)
	Close() error
}

// Memory is a process-local bus. Publish delivers synchronously to
// every handler.
type Memory struct {
	mu       sync.Mutex
	handlers []Handler
	closed   bool
}

// NewMemory creates an in-memory bus.
func NewMemory() *Memory {
	return &Memory{}
}

// Publish delivers the event to every subscribed handler.
func (m *Memory) Publish(_ context.Context, event Event) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
	return nil
}

// Subscribe registers a handler for every future event.
func (m *Memory) Subscribe(handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Close stops delivery.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.handlers = nil
	return nil
}

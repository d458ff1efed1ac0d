package events

import (
	"context"
	"sync"
	"time"
)

// MemoryBus dispatches events synchronously inside one process. It is the
// default bus for a single worker and for tests.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

var _ Bus = (*MemoryBus)(nil)

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for one event type. "*" receives everything.
func (b *MemoryBus) Subscribe(eventType string, h Handler) {
	if eventType == "" || h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Publish stamps the event and invokes matching handlers in order.
func (b *MemoryBus) Publish(_ context.Context, evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[evt.Type])+len(b.handlers["*"]))
	handlers = append(handlers, b.handlers[evt.Type]...)
	handlers = append(handlers, b.handlers["*"]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(evt)
	}
	return nil
}

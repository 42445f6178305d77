// Package bus carries chat lines and adapter signals from ingestion
// adapters to the agent pool, and server events to presentation clients.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

const defaultInboundBuffer = 256

// MessageBus is an in-process implementation of InboundRouter and EventPublisher.
type MessageBus struct {
	inbound chan Inbound

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// New creates a MessageBus with the default inbound buffer.
func New() *MessageBus {
	return NewWithBuffer(defaultInboundBuffer)
}

// NewWithBuffer creates a MessageBus with an explicit inbound buffer size.
func NewWithBuffer(size int) *MessageBus {
	if size <= 0 {
		size = defaultInboundBuffer
	}
	return &MessageBus{
		inbound:  make(chan Inbound, size),
		handlers: make(map[string]EventHandler),
	}
}

// PublishChat enqueues a chat line. Blocks when the buffer is full so that
// arrival order is preserved.
func (b *MessageBus) PublishChat(ev ChatEvent) {
	b.inbound <- Inbound{Chat: &ev}
}

// PublishSignal enqueues an adapter signal.
func (b *MessageBus) PublishSignal(sig Signal) {
	b.inbound <- Inbound{Signal: &sig}
}

// ConsumeInbound blocks until an inbound item is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (Inbound, bool) {
	select {
	case in := <-b.inbound:
		return in, true
	case <-ctx.Done():
		return Inbound{}, false
	}
}

// Subscribe registers an event handler under id, replacing any previous one.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers event to every subscriber synchronously.
// Handlers must not block; slow consumers buffer on their side.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
	slog.Debug("bus event broadcast", "event", event.Name, "subscribers", len(handlers))
}

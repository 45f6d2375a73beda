// Package memory provides an in-process implementation of events.Bus.
package memory

import (
	"context"
	"sync"

	"github.com/open62541-go/pubsub-core/pkg/events"
	"github.com/open62541-go/pubsub-core/pkg/logger"
)

// Bus dispatches events synchronously to every handler subscribed on a
// topic, in the calling goroutine of Publish.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]events.Handler
	closed   bool
}

// New creates an empty, ready-to-use Bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]events.Handler)}
}

func (b *Bus) Subscribe(ctx context.Context, topic string, handler events.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return events.ErrBusClosed
	}
	b.handlers[topic] = append(b.handlers[topic], handler)
	return nil
}

// Publish invokes every handler subscribed to topic in turn. A handler error
// is logged and does not prevent remaining handlers from running; Publish
// returns the first error encountered, if any.
func (b *Bus) Publish(ctx context.Context, topic string, event events.Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return events.ErrBusClosed
	}
	handlers := make([]events.Handler, len(b.handlers[topic]))
	copy(handlers, b.handlers[topic])
	b.mu.RUnlock()

	var firstErr error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			logger.L().ErrorContext(ctx, "event handler failed", "topic", topic, "event_type", event.Type, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = nil
	return nil
}

// Package events is the Core's embedded event bus: a small,
// typed pub/sub used for observability (cdp:command/cdp:response/cdp:event)
// and for state-shape-driven notifications (extension/client lifecycle).
// It is deliberately synchronous and in-process; the Core has no durable
// event log.
package events

import (
	"sync"

	"github.com/google/uuid"
)

// Kind enumerates the event types the Core emits.
type Kind string

const (
	KindCDPCommand            Kind = "cdp:command"
	KindCDPResponse           Kind = "cdp:response"
	KindCDPEvent              Kind = "cdp:event"
	KindExtensionConnected    Kind = "extension:connected"
	KindExtensionDisconnected Kind = "extension:disconnected"
	KindExtensionReplaced     Kind = "extension:replaced"
	KindClientConnected       Kind = "client:connected"
	KindClientRebound         Kind = "client:rebound"
	KindClientDisconnected    Kind = "client:disconnected"
)

// Event is one emitted item. Payload is intentionally opaque (any) since
// each Kind carries a different shape; consumers type-assert.
type Event struct {
	ID      string
	Kind    Kind
	Payload any
}

// Handler receives emitted events. It must not block for long; the bus
// calls handlers synchronously on the emitting goroutine.
type Handler func(Event)

// Bus is a minimal synchronous pub/sub.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers h for every emitted event. It returns an
// unsubscribe function; short-lived subscribers (e.g. a single
// Runtime.enable wait) must call it to avoid growing the handler list
// without bound.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
	token := len(b.handlers) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if token < len(b.handlers) {
			b.handlers[token] = nil
		}
	}
}

// Emit dispatches an event of the given kind and payload to all
// subscribers.
func (b *Bus) Emit(kind Kind, payload any) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	ev := Event{ID: uuid.NewString(), Kind: kind, Payload: payload}
	for _, h := range handlers {
		if h != nil {
			h(ev)
		}
	}
}

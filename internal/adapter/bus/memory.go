package bus

import (
	"context"
	"sync"

	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/internal/event"

	"github.com/rs/zerolog"
)

// MemoryBus dispatches envelopes synchronously to subscribers in
// registration order. Handler errors are logged, not retried; it exists for
// single-process deployments and deterministic end-to-end tests, where a
// publish returning means every downstream effect has been applied.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]ports.EventHandler
	log      zerolog.Logger
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus(log zerolog.Logger) *MemoryBus {
	return &MemoryBus{
		handlers: make(map[string][]ports.EventHandler),
		log:      log,
	}
}

// Subscribe registers a handler for a topic.
func (b *MemoryBus) Subscribe(_ context.Context, topic string, handler ports.EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	return nil
}

// Publish delivers the envelope to every subscriber before returning.
func (b *MemoryBus) Publish(ctx context.Context, topic string, env *event.Envelope) error {
	b.mu.RLock()
	handlers := b.handlers[topic]
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, env); err != nil {
			b.log.Error().Err(err).
				Str("topic", topic).
				Str("event_type", env.EventType).
				Str("payment_id", env.PaymentID).
				Msg("handler failed")
		}
	}
	return nil
}

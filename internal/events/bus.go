// README: In-process event bus; synchronous subscribers plus an optional outbound publisher.
package events

import (
	"context"
	"log/slog"
	"sync"

	"swiftride/internal/observability"
)

type Handler func(ctx context.Context, e Event) error

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type subscriber struct {
	name string
	fn   Handler
}

type Bus struct {
	mu       sync.RWMutex
	subs     []subscriber
	outbound Publisher
	log      *slog.Logger
}

func NewBus(log *slog.Logger, outbound Publisher) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{outbound: outbound, log: log}
}

func (b *Bus) Subscribe(name string, fn Handler) {
	b.mu.Lock()
	b.subs = append(b.subs, subscriber{name: name, fn: fn})
	b.mu.Unlock()
}

// Publish runs every subscriber in registration order, then forwards to the outbound publisher.
// Subscriber errors are logged and never stop delivery to the rest; each subscriber owns its retries.
// Handlers may publish further events.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if err := s.fn(ctx, e); err != nil {
			b.log.Error("event subscriber failed", "subscriber", s.name, "event", e.Name(), "key", e.Key(), "error", err)
		}
	}

	if b.outbound == nil {
		return
	}
	if err := b.outbound.Publish(ctx, e); err != nil {
		observability.EventsPublished.WithLabelValues(e.Name(), "error").Inc()
		b.log.Warn("outbound publish failed", "event", e.Name(), "key", e.Key(), "error", err)
		return
	}
	observability.EventsPublished.WithLabelValues(e.Name(), "ok").Inc()
}

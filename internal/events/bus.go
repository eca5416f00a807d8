package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sink receives emitted events.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// Bus decouples emitters from the sink with a buffered channel and a
// background worker. Emission never blocks the pipeline: when the buffer is
// full the event is dropped and counted, because notification delivery is
// best-effort by contract.
type Bus struct {
	sink   Sink
	inbox  chan Event
	clock  func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	dropped int
}

// BusOption configures the Bus.
type BusOption func(*Bus)

// WithBuffer sets the inbox capacity.
func WithBuffer(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.inbox = make(chan Event, n)
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) BusOption {
	return func(b *Bus) { b.clock = clock }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// NewBus creates a bus in front of a sink.
func NewBus(sink Sink, opts ...BusOption) *Bus {
	b := &Bus{
		sink:   sink,
		inbox:  make(chan Event, 256),
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit enqueues an event for background publication.
func (b *Bus) Emit(event Event) {
	if event.At.IsZero() {
		event.At = b.clock().UTC()
	}
	select {
	case b.inbox <- event:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		b.logger.Warn("event dropped, bus buffer full", slog.String("type", string(event.Type)))
	}
}

// Dropped reports how many events were discarded on a full buffer.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Run drains the inbox into the sink until the context ends. Publish errors
// are logged, not fatal: a broker outage must not stop the pipeline.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-b.inbox:
			if err := b.sink.Publish(ctx, event); err != nil {
				b.logger.ErrorContext(ctx, "event publish failed",
					slog.String("type", string(event.Type)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

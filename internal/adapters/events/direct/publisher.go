// Package direct provides the in-process event bus.
//
// Handlers run on their own goroutines, so Publish never blocks on or fails
// because of a slow or broken subscriber. Handler errors and panics are
// logged and go no further.
package direct

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("event bus closed")

// Handler receives events.
type Handler func(ctx context.Context, event domain.Event) error

type subscription struct {
	name string
	fn   Handler
}

// Publisher implements ports.EventPublisher as an in-process typed bus.
// This is the default implementation for single-instance deployments.
type Publisher struct {
	logger *slog.Logger

	mu       sync.RWMutex
	byType   map[string][]subscription
	wildcard []subscription
	closed   bool

	inflight sync.WaitGroup
}

// NewPublisher creates a new event bus.
func NewPublisher(logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		logger: logger,
		byType: make(map[string][]subscription),
	}
}

// Subscribe registers fn for the concrete event type T. T must be a value
// type whose zero value reports its EventType.
func Subscribe[T domain.Event](p *Publisher, name string, fn func(ctx context.Context, event T) error) {
	var zero T
	eventType := zero.EventType()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.byType[eventType] = append(p.byType[eventType], subscription{
		name: name,
		fn: func(ctx context.Context, event domain.Event) error {
			typed, ok := event.(T)
			if !ok {
				return fmt.Errorf("event %s has type %T", eventType, event)
			}
			return fn(ctx, typed)
		},
	})
}

// SubscribeAll registers fn for every event.
func (p *Publisher) SubscribeAll(name string, fn Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wildcard = append(p.wildcard, subscription{name: name, fn: fn})
}

// Publish hands event to every matching handler and returns immediately.
func (p *Publisher) Publish(ctx context.Context, event domain.Event) error {
	if event == nil {
		return fmt.Errorf("event required")
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	typed := p.byType[event.EventType()]
	subs := make([]subscription, 0, len(typed)+len(p.wildcard))
	subs = append(subs, typed...)
	subs = append(subs, p.wildcard...)
	p.inflight.Add(len(subs))
	p.mu.RUnlock()

	// Handlers outlive the publishing request.
	hctx := context.WithoutCancel(ctx)
	for _, sub := range subs {
		go p.run(hctx, sub, event)
	}
	return nil
}

func (p *Publisher) run(ctx context.Context, sub subscription, event domain.Event) {
	defer p.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("event handler panicked",
				slog.String("handler", sub.name),
				slog.String("event", event.EventType()),
				slog.Any("panic", r))
		}
	}()

	if err := sub.fn(ctx, event); err != nil {
		p.logger.Error("event handler failed",
			slog.String("handler", sub.name),
			slog.String("event", event.EventType()),
			slog.String("error", err.Error()))
	}
}

// Close stops accepting events and waits for running handlers.
func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.inflight.Wait()
	return nil
}

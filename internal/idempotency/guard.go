// Package idempotency makes write tools safe to retry.
//
// A Guard checks the store before running a write, collapses concurrent calls
// for the same key onto one execution, and stores the result before returning
// it. Within one process a key's backend mutation happens at most once; across
// processes sharing a store the guarantee is idempotent-on-completion.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/ports"
)

const (
	// DefaultTTL is used when no TTL is configured.
	DefaultTTL = 24 * time.Hour
	// DefaultExecutionTimeout bounds one guarded execution.
	DefaultExecutionTimeout = time.Minute
)

// Guard wraps an IdempotencyStore with per-key in-flight deduplication.
type Guard struct {
	store   ports.IdempotencyStore
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
	flights singleflight.Group
}

// Option configures a Guard.
type Option func(*Guard)

// WithExecutionTimeout overrides DefaultExecutionTimeout.
func WithExecutionTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// NewGuard creates a Guard.
func NewGuard(store ports.IdempotencyStore, ttl time.Duration, logger *slog.Logger, opts ...Option) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{store: store, ttl: ttl, timeout: DefaultExecutionTimeout, logger: logger}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do returns the stored result for key if there is one. Otherwise it runs fn,
// stores its result under key and returns it. replayed reports whether the
// result came from an earlier or concurrent execution. Errors from fn are not
// stored, so a failed write may be retried. An empty key runs fn unguarded.
//
// A caller whose ctx ends stops waiting, but the shared execution carries on
// for the other callers, bounded by the execution timeout.
func (g *Guard) Do(ctx context.Context, key string, fn func(ctx context.Context) (json.RawMessage, error)) (result json.RawMessage, replayed bool, err error) {
	if key == "" {
		result, err = fn(ctx)
		return result, false, err
	}

	if cached, ok, err := g.store.Get(ctx, key); err != nil {
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	} else if ok {
		return cached, true, nil
	}

	executed := false
	ch := g.flights.DoChan(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()

		if cached, ok, err := g.store.Get(ctx, key); err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		} else if ok {
			return json.RawMessage(cached), nil
		}

		executed = true
		out, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if err := g.store.Set(ctx, key, out, g.ttl); err != nil {
			// The mutation already happened, so the caller still gets its result.
			g.logger.Error("failed to store idempotency record",
				slog.String("idempotency_key", key),
				slog.String("error", err.Error()))
		}
		return out, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, false, r.Err
		}
		return r.Val.(json.RawMessage), !executed, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Exists reports whether a result is stored for key.
func (g *Guard) Exists(ctx context.Context, key string) (bool, error) {
	return g.store.Exists(ctx, key)
}

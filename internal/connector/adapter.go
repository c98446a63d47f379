package connector

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tjfontaine/erp-mcp-gateway/internal/circuit"
)

// Mode selects which transport is tried first.
type Mode string

const (
	// ModeHTTP tries the primary transport first and falls back without
	// remembering the fallback.
	ModeHTTP Mode = "http"
	// ModeAlt always tries the alternate transport first.
	ModeAlt Mode = "alt"
	// ModeAuto tries the primary first until it fails over once, then keeps
	// preferring the alternate.
	ModeAuto Mode = "auto"
)

// ParseMode parses a configured transport mode. Empty means ModeAuto.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeHTTP, ModeAlt:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown transport mode %q (want http, alt or auto)", s)
	}
}

// FallbackError is returned when both transports failed.
type FallbackError struct {
	First, Second       string
	FirstErr, SecondErr error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("%s failed (%v); fallback %s failed: %v", e.First, e.FirstErr, e.Second, e.SecondErr)
}

// Unwrap exposes the fallback error ahead of the original.
func (e *FallbackError) Unwrap() []error {
	return []error{e.SecondErr, e.FirstErr}
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(logger *slog.Logger) AdapterOption {
	return func(a *Adapter) { a.logger = logger }
}

// WithBreakerOptions passes options to both transport breakers.
func WithBreakerOptions(opts ...circuit.Option) AdapterOption {
	return func(a *Adapter) { a.breakerOpts = append(a.breakerOpts, opts...) }
}

// WithFallbackHook registers a callback invoked on every fallback.
func WithFallbackHook(fn func(from, to string)) AdapterOption {
	return func(a *Adapter) { a.onFallback = fn }
}

type guarded struct {
	transport Transport
	breaker   *circuit.Breaker
}

// Adapter routes backend calls across a primary and an alternate transport.
type Adapter struct {
	primary     guarded
	alternate   *guarded
	mode        Mode
	preferAlt   atomic.Bool
	logger      *slog.Logger
	breakerOpts []circuit.Option
	onFallback  func(from, to string)
}

// NewAdapter creates an Adapter. alternate may be nil, in which case no
// fallback is possible. breaker is the template for both breakers; each is
// named after its transport.
func NewAdapter(primary, alternate Transport, mode Mode, breaker circuit.Config, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		mode:   mode,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}

	newBreaker := func(t Transport) *circuit.Breaker {
		cfg := breaker
		cfg.Name = t.Name()
		bopts := append([]circuit.Option{circuit.WithFailurePredicate(countsAsFailure)}, a.breakerOpts...)
		return circuit.New(cfg, bopts...)
	}

	a.primary = guarded{transport: primary, breaker: newBreaker(primary)}
	if alternate != nil {
		a.alternate = &guarded{transport: alternate, breaker: newBreaker(alternate)}
	}
	a.preferAlt.Store(mode == ModeAlt && alternate != nil)
	return a
}

// Call executes req on the preferred transport, falling back to the other one
// on a transport-level failure.
func (a *Adapter) Call(ctx context.Context, req *Request) (*Response, error) {
	if a.alternate == nil {
		return a.invoke(ctx, a.primary, req)
	}

	if a.mode == ModeAlt || a.preferAlt.Load() {
		return a.callWithFallback(ctx, *a.alternate, a.primary, req, false)
	}
	return a.callWithFallback(ctx, a.primary, *a.alternate, req, a.mode == ModeAuto)
}

func (a *Adapter) callWithFallback(ctx context.Context, first, second guarded, req *Request, sticky bool) (*Response, error) {
	resp, err := a.invoke(ctx, first, req)
	if err == nil {
		return resp, nil
	}
	if !IsTransportError(err) || ctx.Err() != nil {
		return nil, err
	}

	from, to := first.transport.Name(), second.transport.Name()
	a.logger.Warn("transport failed, falling back",
		slog.String("transport", from),
		slog.String("fallback", to),
		slog.String("service", req.Service),
		slog.String("operation", req.Operation),
		slog.String("correlation_id", req.CorrelationID),
		slog.String("error", err.Error()),
	)
	if a.onFallback != nil {
		a.onFallback(from, to)
	}

	resp, err2 := a.invoke(ctx, second, req)
	if err2 != nil {
		return nil, &FallbackError{First: from, Second: to, FirstErr: err, SecondErr: err2}
	}
	if sticky && !a.preferAlt.Swap(true) {
		a.logger.Info("preferring alternate transport", slog.String("transport", to))
	}
	return resp, nil
}

func (a *Adapter) invoke(ctx context.Context, g guarded, req *Request) (*Response, error) {
	var resp *Response
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		r, err := g.transport.Call(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// PrefersAlternate reports whether the alternate transport is tried first.
func (a *Adapter) PrefersAlternate() bool {
	return a.mode == ModeAlt || a.preferAlt.Load()
}

// ResetPreference clears the sticky preference so the primary is tried first again.
// It has no effect in ModeAlt.
func (a *Adapter) ResetPreference() {
	if a.mode != ModeAlt {
		a.preferAlt.Store(false)
	}
}

// Breakers returns the per-transport breakers, primary first.
func (a *Adapter) Breakers() []*circuit.Breaker {
	out := []*circuit.Breaker{a.primary.breaker}
	if a.alternate != nil {
		out = append(out, a.alternate.breaker)
	}
	return out
}

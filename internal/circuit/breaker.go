// Package circuit implements the circuit breaker that guards every outbound
// backend call.
//
// A Breaker starts Closed. Consecutive counted failures reaching the threshold
// move it to Open, where calls are rejected with an *OpenError without touching
// the backend. Once the open duration has elapsed the next call is admitted as
// the single HalfOpen probe: success closes the breaker, failure re-opens it and
// restarts the timer. A call the caller abandoned says nothing about the
// backend: it neither resets the failure count nor closes the breaker.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the state of a Breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrOpen matches every *OpenError via errors.Is.
var ErrOpen = errors.New("circuit breaker is open")

// OpenError is returned when a call is rejected without being attempted.
type OpenError struct {
	Name string
	// RetryAfter is the time left until a probe will be admitted. Zero while
	// a probe is already in flight.
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (retry after %s)", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Is reports whether target is ErrOpen.
func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// Config holds breaker parameters.
type Config struct {
	Name             string
	FailureThreshold int
	OpenDuration     time.Duration
	// CallTimeout bounds each wrapped call independently of the caller's deadline.
	// Zero disables the per-call timeout.
	CallTimeout time.Duration
}

// DefaultConfig returns the defaults used when configuration leaves values unset.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		OpenDuration:     30 * time.Second,
		CallTimeout:      10 * time.Second,
	}
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithFailurePredicate sets which errors count toward opening the breaker.
// Other errors are passed through. They count as a success, since the backend
// answered, unless the caller's context is done or the error is a
// cancellation, in which case the outcome is ignored.
func WithFailurePredicate(counts func(error) bool) Option {
	return func(b *Breaker) { b.counts = counts }
}

// WithStateChange registers a callback invoked after every transition. The
// callback runs outside the breaker lock.
func WithStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = append(b.onChange, fn) }
}

// Breaker is a circuit breaker guarding one dependency.
type Breaker struct {
	cfg      Config
	now      func() time.Time
	counts   func(error) bool
	onChange []func(name string, from, to State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a Breaker in the Closed state.
func New(cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig(cfg.Name)
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = def.OpenDuration
	}
	b := &Breaker{
		cfg:    cfg,
		now:    time.Now,
		counts: func(err error) bool { return err != nil },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// Execute runs fn if the breaker admits the call. fn receives a context bounded
// by the call timeout.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := b.admit(); err != nil {
		return err
	}

	callCtx := ctx
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			b.complete(outcomeFailure)
			panic(r)
		}
	}()

	err = fn(callCtx)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("circuit %q call timeout after %s: %w", b.cfg.Name, b.cfg.CallTimeout, err)
	}
	b.complete(b.classify(ctx, err))
	return err
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	// outcomeNeutral leaves the failure count and state untouched, except
	// that an abandoned probe returns the breaker to Open.
	outcomeNeutral
)

func (b *Breaker) classify(ctx context.Context, err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case ctx.Err() != nil:
		return outcomeNeutral
	case b.counts(err):
		return outcomeFailure
	case errors.Is(err, context.Canceled):
		return outcomeNeutral
	default:
		return outcomeSuccess
	}
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	var from State
	changed := false

	switch b.state {
	case StateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cfg.OpenDuration {
			b.mu.Unlock()
			return &OpenError{Name: b.cfg.Name, RetryAfter: b.cfg.OpenDuration - elapsed}
		}
		from, changed = b.state, true
		b.state = StateHalfOpen
		b.probing = true
	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return &OpenError{Name: b.cfg.Name}
		}
		b.probing = true
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, StateHalfOpen)
	}
	return nil
}

func (b *Breaker) complete(o outcome) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateClosed:
		switch o {
		case outcomeSuccess:
			b.failures = 0
		case outcomeFailure:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.state = StateOpen
				b.openedAt = b.now()
			}
		}
	case StateHalfOpen:
		b.probing = false
		switch o {
		case outcomeSuccess:
			b.state = StateClosed
			b.failures = 0
		case outcomeFailure:
			b.state = StateOpen
			b.openedAt = b.now()
		case outcomeNeutral:
			// openedAt is kept, so the next call is admitted as a new probe.
			b.state = StateOpen
		}
	case StateOpen:
		// A call admitted before the breaker opened; its outcome is stale.
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

func (b *Breaker) notify(from, to State) {
	for _, fn := range b.onChange {
		fn(b.cfg.Name, from, to)
	}
}

// State returns the current state. Open is reported until the next call is
// admitted as a probe.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view of a breaker for health reporting.
type Snapshot struct {
	Name       string        `json:"name"`
	State      string        `json:"state"`
	Failures   int           `json:"failures"`
	OpenedAt   *time.Time    `json:"openedAt,omitempty"`
	RetryAfter time.Duration `json:"retryAfterNs,omitempty"`
}

// Snapshot returns the breaker's current view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{Name: b.cfg.Name, State: b.state.String(), Failures: b.failures}
	if b.state != StateClosed {
		opened := b.openedAt
		s.OpenedAt = &opened
	}
	if b.state == StateOpen {
		if left := b.cfg.OpenDuration - b.now().Sub(b.openedAt); left > 0 {
			s.RetryAfter = left
		}
	}
	return s
}

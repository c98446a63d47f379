// Package healing watches circuit breakers and connection pools and counts
// automatic recoveries.
package healing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tjfontaine/erp-mcp-gateway/internal/circuit"
	"github.com/tjfontaine/erp-mcp-gateway/internal/webhook"
)

// RecoveryKind says what recovered.
type RecoveryKind string

const (
	RecoveryBreaker RecoveryKind = "breaker"
	RecoveryPool    RecoveryKind = "pool"
)

// RecoveryEvent records one automatic recovery.
type RecoveryEvent struct {
	Kind     RecoveryKind  `json:"kind"`
	Name     string        `json:"name"`
	At       time.Time     `json:"at"`
	Downtime time.Duration `json:"downtimeNs,omitempty"`
}

// BreakerSource is anything that reports a breaker snapshot.
type BreakerSource interface {
	Snapshot() circuit.Snapshot
}

// RetryStatsSource reports webhook retry counters.
type RetryStatsSource interface {
	Stats() webhook.RetryStats
}

const recentRecoveries = 20

// Status is the monitor's health report.
type Status struct {
	Status           string              `json:"status"`
	Breakers         []circuit.Snapshot  `json:"breakers"`
	Pools            []PoolSnapshot      `json:"pools"`
	AutoRecoveries   int64               `json:"auto_recoveries"`
	LastRecoveryAt   *time.Time          `json:"last_recovery_at,omitempty"`
	RecentRecoveries []RecoveryEvent     `json:"recent_recoveries,omitempty"`
	RetryStats       *webhook.RetryStats `json:"retry_stats,omitempty"`
}

// Monitor polls breakers on a fixed interval and counts Open to Closed
// transitions. Pool recoveries reported by a PoolMonitor are counted too.
type Monitor struct {
	breakers []BreakerSource
	pools    *PoolMonitor
	retries  RetryStatsSource
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	hook     func(RecoveryEvent)

	mu         sync.Mutex
	last       map[string]circuit.State
	openedAt   map[string]time.Time
	recoveries int64
	lastAt     *time.Time
	recent     []RecoveryEvent
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithPools attaches a pool monitor and subscribes to its recoveries.
func WithPools(p *PoolMonitor) Option {
	return func(m *Monitor) { m.pools = p }
}

// WithRetryStats includes webhook retry counters in Status.
func WithRetryStats(src RetryStatsSource) Option {
	return func(m *Monitor) { m.retries = src }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithRecoveryHook is called for every counted recovery.
func WithRecoveryHook(fn func(RecoveryEvent)) Option {
	return func(m *Monitor) { m.hook = fn }
}

// NewMonitor creates a Monitor over breakers.
func NewMonitor(breakers []BreakerSource, interval time.Duration, opts ...Option) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m := &Monitor{
		breakers: breakers,
		interval: interval,
		logger:   slog.Default(),
		now:      time.Now,
		last:     make(map[string]circuit.State),
		openedAt: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.pools != nil {
		m.pools.OnRecovery(m.record)
	}
	return m
}

// Poll samples every breaker once.
func (m *Monitor) Poll() {
	now := m.now()
	for _, b := range m.breakers {
		snap := b.Snapshot()
		state := parseState(snap.State)

		m.mu.Lock()
		prev, seen := m.last[snap.Name]
		m.last[snap.Name] = state
		if state == circuit.StateOpen && (!seen || prev == circuit.StateClosed) {
			at := now
			if snap.OpenedAt != nil {
				at = *snap.OpenedAt
			}
			m.openedAt[snap.Name] = at
		}
		var downtime time.Duration
		recovered := seen && prev != circuit.StateClosed && state == circuit.StateClosed
		if recovered {
			if at, ok := m.openedAt[snap.Name]; ok {
				downtime = now.Sub(at)
			}
			delete(m.openedAt, snap.Name)
		}
		m.mu.Unlock()

		if recovered {
			m.record(RecoveryEvent{Kind: RecoveryBreaker, Name: snap.Name, At: now, Downtime: downtime})
		}
	}
}

// parseState maps a snapshot state name back to a circuit.State.
func parseState(s string) circuit.State {
	switch s {
	case circuit.StateOpen.String():
		return circuit.StateOpen
	case circuit.StateHalfOpen.String():
		return circuit.StateHalfOpen
	default:
		return circuit.StateClosed
	}
}

func (m *Monitor) record(ev RecoveryEvent) {
	m.mu.Lock()
	m.recoveries++
	at := ev.At
	m.lastAt = &at
	m.recent = append(m.recent, ev)
	if len(m.recent) > recentRecoveries {
		m.recent = m.recent[len(m.recent)-recentRecoveries:]
	}
	m.mu.Unlock()

	m.logger.Info("auto-recovery detected",
		slog.String("kind", string(ev.Kind)),
		slog.String("name", ev.Name),
		slog.Duration("downtime", ev.Downtime))
	if m.hook != nil {
		m.hook(ev)
	}
}

// Run polls until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.Poll()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll()
		}
	}
}

// AutoRecoveries returns the number of recoveries counted so far.
func (m *Monitor) AutoRecoveries() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recoveries
}

// Status returns a snapshot of breakers, pools and recovery counters.
// The overall status is "degraded" if any breaker is open or any
// pool is degraded.
func (m *Monitor) Status() Status {
	st := Status{Status: "ok", Breakers: make([]circuit.Snapshot, 0, len(m.breakers))}
	for _, b := range m.breakers {
		snap := b.Snapshot()
		if snap.State == circuit.StateOpen.String() {
			st.Status = "degraded"
		}
		st.Breakers = append(st.Breakers, snap)
	}
	if m.pools != nil {
		st.Pools = m.pools.Snapshot()
		if m.pools.Degraded() {
			st.Status = "degraded"
		}
	}
	if m.retries != nil {
		rs := m.retries.Stats()
		st.RetryStats = &rs
	}

	m.mu.Lock()
	st.AutoRecoveries = m.recoveries
	if m.lastAt != nil {
		t := *m.lastAt
		st.LastRecoveryAt = &t
	}
	st.RecentRecoveries = append([]RecoveryEvent(nil), m.recent...)
	m.mu.Unlock()

	return st
}

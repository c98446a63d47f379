package healing

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// PoolStatus is the health of a connection pool.
type PoolStatus string

const (
	PoolHealthy  PoolStatus = "healthy"
	PoolDegraded PoolStatus = "degraded"
)

// Probe checks whether a pool can serve traffic again.
type Probe func(ctx context.Context) error

// PoolSnapshot is a point-in-time view of one pool.
type PoolSnapshot struct {
	Name                string     `json:"name"`
	Status              PoolStatus `json:"status"`
	Successes           int64      `json:"successes"`
	Failures            int64      `json:"failures"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastError           string     `json:"lastError,omitempty"`
	DegradedSince       *time.Time `json:"degradedSince,omitempty"`
	LastRecoveryAt      *time.Time `json:"lastRecoveryAt,omitempty"`
}

type poolState struct {
	snap  PoolSnapshot
	probe Probe
}

// PoolMonitor tracks outcomes per named connection pool, marks a pool
// degraded after a run of failures and probes degraded pools on a timer.
type PoolMonitor struct {
	threshold int
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	pools      map[string]*poolState
	onRecovery func(RecoveryEvent)
}

// PoolOption configures a PoolMonitor.
type PoolOption func(*PoolMonitor)

// WithPoolLogger sets the logger.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(m *PoolMonitor) { m.logger = logger }
}

// WithPoolClock overrides the time source.
func WithPoolClock(now func() time.Time) PoolOption {
	return func(m *PoolMonitor) { m.now = now }
}

// NewPoolMonitor creates a PoolMonitor. threshold is the number of
// consecutive failures that degrades a pool; interval is how often degraded
// pools are probed.
func NewPoolMonitor(threshold int, interval time.Duration, opts ...PoolOption) *PoolMonitor {
	if threshold <= 0 {
		threshold = 3
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	m := &PoolMonitor{
		threshold: threshold,
		interval:  interval,
		logger:    slog.Default(),
		now:       time.Now,
		pools:     make(map[string]*poolState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a pool with an optional recovery probe.
func (m *PoolMonitor) Register(name string, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(name)
	st.probe = probe
}

// OnRecovery sets the callback invoked when a degraded pool recovers.
func (m *PoolMonitor) OnRecovery(fn func(RecoveryEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRecovery = fn
}

func (m *PoolMonitor) stateLocked(name string) *poolState {
	st, ok := m.pools[name]
	if !ok {
		st = &poolState{snap: PoolSnapshot{Name: name, Status: PoolHealthy}}
		m.pools[name] = st
	}
	return st
}

// RecordSuccess notes a successful use of the pool. A degraded pool that
// serves a request successfully is considered recovered.
func (m *PoolMonitor) RecordSuccess(pool string) {
	m.mu.Lock()
	st := m.stateLocked(pool)
	st.snap.Successes++
	st.snap.ConsecutiveFailures = 0
	ev, recovered := m.recoverLocked(st)
	cb := m.onRecovery
	m.mu.Unlock()

	if recovered {
		m.emit(cb, ev)
	}
}

// RecordFailure notes a failed use of the pool.
func (m *PoolMonitor) RecordFailure(pool string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateLocked(pool)
	st.snap.Failures++
	st.snap.ConsecutiveFailures++
	if err != nil {
		st.snap.LastError = err.Error()
	}
	if st.snap.Status == PoolHealthy && st.snap.ConsecutiveFailures >= m.threshold {
		now := m.now()
		st.snap.Status = PoolDegraded
		st.snap.DegradedSince = &now
		m.logger.Warn("connection pool degraded",
			slog.String("pool", pool),
			slog.Int("consecutive_failures", st.snap.ConsecutiveFailures))
	}
}

func (m *PoolMonitor) recoverLocked(st *poolState) (RecoveryEvent, bool) {
	if st.snap.Status != PoolDegraded {
		return RecoveryEvent{}, false
	}
	now := m.now()
	ev := RecoveryEvent{Kind: RecoveryPool, Name: st.snap.Name, At: now}
	if st.snap.DegradedSince != nil {
		ev.Downtime = now.Sub(*st.snap.DegradedSince)
	}
	st.snap.Status = PoolHealthy
	st.snap.DegradedSince = nil
	st.snap.ConsecutiveFailures = 0
	st.snap.LastRecoveryAt = &now
	return ev, true
}

func (m *PoolMonitor) emit(cb func(RecoveryEvent), ev RecoveryEvent) {
	m.logger.Info("connection pool recovered",
		slog.String("pool", ev.Name),
		slog.Duration("downtime", ev.Downtime))
	if cb != nil {
		cb(ev)
	}
}

// AttemptRecovery probes every degraded pool that has a probe and returns
// how many recovered.
func (m *PoolMonitor) AttemptRecovery(ctx context.Context) int {
	m.mu.Lock()
	var degraded []*poolState
	for _, st := range m.pools {
		if st.snap.Status == PoolDegraded && st.probe != nil {
			degraded = append(degraded, st)
		}
	}
	m.mu.Unlock()

	recovered := 0
	for _, st := range degraded {
		err := st.probe(ctx)

		m.mu.Lock()
		var ev RecoveryEvent
		ok := false
		if err == nil {
			ev, ok = m.recoverLocked(st)
		} else {
			st.snap.LastError = err.Error()
		}
		cb := m.onRecovery
		m.mu.Unlock()

		if err != nil {
			m.logger.Debug("pool recovery probe failed",
				slog.String("pool", st.snap.Name),
				slog.String("error", err.Error()))
			continue
		}
		if ok {
			recovered++
			m.emit(cb, ev)
		}
	}
	return recovered
}

// Run probes degraded pools every interval until ctx is done.
func (m *PoolMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.AttemptRecovery(ctx)
		}
	}
}

// Snapshot returns every pool sorted by name.
func (m *PoolMonitor) Snapshot() []PoolSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PoolSnapshot, 0, len(m.pools))
	for _, st := range m.pools {
		out = append(out, st.snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Degraded reports whether any pool is degraded.
func (m *PoolMonitor) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.pools {
		if st.snap.Status == PoolDegraded {
			return true
		}
	}
	return false
}

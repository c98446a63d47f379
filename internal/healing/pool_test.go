package healing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/erp-mcp-gateway/internal/connector/wcf"
)

var _ wcf.PoolReporter = (*PoolMonitor)(nil)

func TestPoolMonitor_DegradesAfterThreshold(t *testing.T) {
	m := NewPoolMonitor(3, time.Minute, WithPoolLogger(quietLogger()))
	errDown := errors.New("connection refused")

	m.RecordFailure("wcf", errDown)
	m.RecordFailure("wcf", errDown)
	assert.False(t, m.Degraded())

	m.RecordFailure("wcf", errDown)
	assert.True(t, m.Degraded())

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, PoolDegraded, snap[0].Status)
	assert.Equal(t, int64(3), snap[0].Failures)
	assert.Equal(t, "connection refused", snap[0].LastError)
	assert.NotNil(t, snap[0].DegradedSince)
}

func TestPoolMonitor_SuccessResetsRun(t *testing.T) {
	m := NewPoolMonitor(2, time.Minute, WithPoolLogger(quietLogger()))

	m.RecordFailure("wcf", nil)
	m.RecordSuccess("wcf")
	m.RecordFailure("wcf", nil)
	assert.False(t, m.Degraded())
}

func TestPoolMonitor_AttemptRecovery(t *testing.T) {
	m := NewPoolMonitor(1, time.Minute, WithPoolLogger(quietLogger()))

	healthy := false
	m.Register("wcf", func(ctx context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("still down")
	})

	var events []RecoveryEvent
	m.OnRecovery(func(ev RecoveryEvent) { events = append(events, ev) })

	m.RecordFailure("wcf", errors.New("reset"))
	require.True(t, m.Degraded())

	assert.Equal(t, 0, m.AttemptRecovery(context.Background()))
	assert.True(t, m.Degraded())

	healthy = true
	assert.Equal(t, 1, m.AttemptRecovery(context.Background()))
	assert.False(t, m.Degraded())
	require.Len(t, events, 1)
	assert.Equal(t, RecoveryPool, events[0].Kind)
	assert.Equal(t, "wcf", events[0].Name)

	snap := m.Snapshot()
	assert.NotNil(t, snap[0].LastRecoveryAt)
}

func TestPoolMonitor_Run(t *testing.T) {
	m := NewPoolMonitor(1, 5*time.Millisecond, WithPoolLogger(quietLogger()))
	m.Register("wcf", func(ctx context.Context) error { return nil })
	m.RecordFailure("wcf", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool { return !m.Degraded() }, time.Second, 5*time.Millisecond)
}

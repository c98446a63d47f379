package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/erp-mcp-gateway/internal/adapters/idempotency/memory"
)

func TestGuard_SecondCallReplays(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(memory.New(), time.Hour, nil)

	var mutations atomic.Int32
	write := func(context.Context) (json.RawMessage, error) {
		n := mutations.Add(1)
		return json.Marshal(map[string]any{"orderId": "SO-1", "seq": n})
	}

	first, replayed, err := g.Do(ctx, "key-1", write)
	require.NoError(t, err)
	assert.False(t, replayed)

	second, replayed, err := g.Do(ctx, "key-1", write)
	require.NoError(t, err)
	assert.True(t, replayed)

	assert.Equal(t, string(first), string(second), "results must be byte-identical")
	assert.Equal(t, int32(1), mutations.Load())

	exists, err := g.Exists(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestGuard_ConcurrentCallsMutateOnce(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(memory.New(), time.Hour, nil)

	var mutations atomic.Int32
	release := make(chan struct{})
	write := func(context.Context) (json.RawMessage, error) {
		mutations.Add(1)
		<-release
		return json.RawMessage(`{"paymentId":"P-9"}`), nil
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make([]string, callers)
	var replays atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, replayed, err := g.Do(ctx, "pay-1", write)
			assert.NoError(t, err)
			results[i] = string(out)
			if replayed {
				replays.Add(1)
			}
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), mutations.Load())
	assert.Equal(t, int32(callers-1), replays.Load())
	for _, r := range results {
		assert.Equal(t, `{"paymentId":"P-9"}`, r)
	}
}

func TestGuard_CancelledLeaderDoesNotFailFollowers(t *testing.T) {
	g := NewGuard(memory.New(), time.Hour, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	write := func(ctx context.Context) (json.RawMessage, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"orderId":"SO-7"}`), nil
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := g.Do(leaderCtx, "order-7", write)
		leaderErr <- err
	}()
	<-started

	type result struct {
		out      json.RawMessage
		replayed bool
		err      error
	}
	follower := make(chan result, 1)
	go func() {
		out, replayed, err := g.Do(context.Background(), "order-7", write)
		follower <- result{out, replayed, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)
	close(release)

	r := <-follower
	require.NoError(t, r.err)
	assert.True(t, r.replayed)
	assert.JSONEq(t, `{"orderId":"SO-7"}`, string(r.out))

	exists, err := g.Exists(context.Background(), "order-7")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestGuard_ExecutionTimeout(t *testing.T) {
	g := NewGuard(memory.New(), time.Hour, nil, WithExecutionTimeout(20*time.Millisecond))

	_, _, err := g.Do(context.Background(), "slow-1", func(ctx context.Context) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGuard_ErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(memory.New(), time.Hour, nil)

	boom := errors.New("erp unavailable")
	_, _, err := g.Do(ctx, "k", func(context.Context) (json.RawMessage, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	out, replayed, err := g.Do(ctx, "k", func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.JSONEq(t, `{"ok":true}`, string(out))
}

func TestGuard_EmptyKeyRunsEveryTime(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(memory.New(), time.Hour, nil)

	var calls int
	for i := 0; i < 3; i++ {
		_, replayed, err := g.Do(ctx, "", func(context.Context) (json.RawMessage, error) {
			calls++
			return json.RawMessage(`{}`), nil
		})
		require.NoError(t, err)
		assert.False(t, replayed)
	}
	assert.Equal(t, 3, calls)
}

func TestGuard_ExpiredKeyExecutesAgain(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := memory.New(memory.WithClock(func() time.Time { return now }))
	g := NewGuard(store, time.Minute, nil)

	var calls int
	write := func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{}`), nil
	}
	_, _, _ = g.Do(ctx, "k", write)
	now = now.Add(2 * time.Minute)
	_, replayed, err := g.Do(ctx, "k", write)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 2, calls)
}

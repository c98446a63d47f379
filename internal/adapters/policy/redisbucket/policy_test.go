package redisbucket

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/ports"
)

func newTestClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	addr := os.Getenv("ERPGW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ERPGW_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewPolicy_InvalidConfig(t *testing.T) {
	_, err := NewPolicy(nil, Config{Capacity: 0, Interval: time.Second})
	assert.Error(t, err)
}

func TestCheckRequest_SharedBucket(t *testing.T) {
	client := newTestClient(t)
	prefix := "erpgw:test:" + uuid.NewString() + ":"

	a, err := NewPolicy(client, Config{Capacity: 3, Interval: time.Minute, KeyPrefix: prefix})
	require.NoError(t, err)
	b, err := NewPolicy(client, Config{Capacity: 3, Interval: time.Minute, KeyPrefix: prefix})
	require.NoError(t, err)

	req := &ports.PolicyRequest{UserID: "alice"}
	allowed := 0
	for i := 0; i < 6; i++ {
		p := a
		if i%2 == 1 {
			p = b
		}
		d, err := p.CheckRequest(context.Background(), req)
		require.NoError(t, err)
		if d.Allow {
			allowed++
		} else {
			assert.Positive(t, d.RetryAfter)
		}
	}
	assert.Equal(t, 3, allowed, "instances share one bucket")
}

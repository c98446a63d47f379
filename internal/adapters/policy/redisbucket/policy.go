// Package redisbucket provides a token bucket policy shared by every gateway
// instance through redis. The refill-and-consume step runs as one Lua script
// so concurrent instances never race on a bucket.
package redisbucket

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/ports"
)

// tokenBucketScript refills and consumes atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = now (unix seconds, microsecond precision)
// ARGV[4] = key ttl (seconds)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return {allowed, tostring(tokens)}
`)

// Config holds the bucket parameters and key prefix.
type Config struct {
	Capacity  int
	Interval  time.Duration
	KeyPrefix string
}

// Policy implements ports.QualityPolicy on top of redis.
type Policy struct {
	client   redis.UniversalClient
	capacity int
	interval time.Duration
	rate     float64
	prefix   string
	now      func() time.Time
}

// NewPolicy creates a redis-backed token bucket policy.
func NewPolicy(client redis.UniversalClient, cfg Config) (*Policy, error) {
	if cfg.Capacity <= 0 || cfg.Interval <= 0 {
		return nil, fmt.Errorf("invalid token bucket config: capacity=%d interval=%s", cfg.Capacity, cfg.Interval)
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "erpgw:ratelimit:"
	}
	return &Policy{
		client:   client,
		capacity: cfg.Capacity,
		interval: cfg.Interval,
		rate:     float64(cfg.Capacity) / cfg.Interval.Seconds(),
		prefix:   cfg.KeyPrefix,
		now:      time.Now,
	}, nil
}

// CheckRequest consumes one token from the caller's shared bucket.
func (p *Policy) CheckRequest(ctx context.Context, req *ports.PolicyRequest) (*ports.PolicyDecision, error) {
	identity := ""
	if req != nil {
		identity = req.UserID
	}

	now := p.now()
	ttl := int64(math.Ceil(p.interval.Seconds())) * 2
	if ttl < 1 {
		ttl = 1
	}
	res, err := tokenBucketScript.Run(ctx, p.client, []string{p.prefix + identity},
		p.rate, p.capacity, float64(now.UnixMicro())/1e6, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis rate limiter: %w", err)
	}

	results, ok := res.([]any)
	if !ok || len(results) != 2 {
		return nil, fmt.Errorf("redis rate limiter: unexpected script result %T", res)
	}
	allowed, _ := results[0].(int64)
	var tokens float64
	if s, ok := results[1].(string); ok {
		_, _ = fmt.Sscanf(s, "%g", &tokens)
	}

	info := &ports.RateLimitInfo{
		Limit:     p.capacity,
		Remaining: int(math.Max(0, math.Floor(tokens))),
		ResetAt:   now.Add(time.Duration((float64(p.capacity) - tokens) / p.rate * float64(time.Second))).Unix(),
	}
	if allowed == 1 {
		return &ports.PolicyDecision{Allow: true, RateLimitInfo: info}, nil
	}
	return &ports.PolicyDecision{
		Allow:         false,
		Reason:        fmt.Sprintf("rate limit of %d requests per %s exceeded", p.capacity, p.interval),
		RetryAfter:    int(math.Ceil((1 - tokens) / p.rate)),
		RateLimitInfo: info,
	}, nil
}

// Package tokenbucket provides an in-process per-identity token bucket policy.
//
// Each identity gets a bucket holding up to Capacity tokens that refills
// continuously at Capacity tokens per Interval. A request consumes one token
// or is denied. Buckets are created lazily and kept in a bounded LRU so a
// flood of distinct identities cannot grow memory without limit.
package tokenbucket

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/ports"
)

// DefaultMaxIdentities bounds the bucket registry when not configured.
const DefaultMaxIdentities = 10000

// Config holds token bucket parameters.
type Config struct {
	Capacity      int
	Interval      time.Duration
	MaxIdentities int
}

// Option configures a Policy.
type Option func(*Policy)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) { p.now = now }
}

// Policy implements ports.QualityPolicy with per-identity token buckets.
type Policy struct {
	capacity int
	interval time.Duration
	limit    rate.Limit
	now      func() time.Time

	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
}

// NewPolicy creates a token bucket policy.
func NewPolicy(cfg Config, opts ...Option) (*Policy, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("token bucket capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("token bucket interval must be positive, got %s", cfg.Interval)
	}
	if cfg.MaxIdentities <= 0 {
		cfg.MaxIdentities = DefaultMaxIdentities
	}

	buckets, err := lru.New[string, *rate.Limiter](cfg.MaxIdentities)
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket registry: %w", err)
	}

	p := &Policy{
		capacity: cfg.Capacity,
		interval: cfg.Interval,
		limit:    rate.Limit(float64(cfg.Capacity) / cfg.Interval.Seconds()),
		now:      time.Now,
		buckets:  buckets,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Policy) bucket(identity string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.buckets.Get(identity); ok {
		return l
	}
	l := rate.NewLimiter(p.limit, p.capacity)
	p.buckets.Add(identity, l)
	return l
}

// CheckRequest consumes one token from the caller's bucket.
func (p *Policy) CheckRequest(ctx context.Context, req *ports.PolicyRequest) (*ports.PolicyDecision, error) {
	identity := ""
	if req != nil {
		identity = req.UserID
	}

	now := p.now()
	l := p.bucket(identity)
	allowed := l.AllowN(now, 1)
	tokens := l.TokensAt(now)

	info := &ports.RateLimitInfo{
		Limit:     p.capacity,
		Remaining: int(math.Max(0, math.Floor(tokens))),
		ResetAt:   now.Add(p.untilFull(tokens)).Unix(),
	}

	if allowed {
		return &ports.PolicyDecision{Allow: true, RateLimitInfo: info}, nil
	}

	wait := time.Duration((1 - tokens) / float64(p.limit) * float64(time.Second))
	return &ports.PolicyDecision{
		Allow:         false,
		Reason:        fmt.Sprintf("rate limit of %d requests per %s exceeded", p.capacity, p.interval),
		RetryAfter:    int(math.Ceil(wait.Seconds())),
		RateLimitInfo: info,
	}, nil
}

func (p *Policy) untilFull(tokens float64) time.Duration {
	missing := float64(p.capacity) - tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / float64(p.limit) * float64(time.Second))
}

// Len returns the number of tracked identities.
func (p *Policy) Len() int {
	return p.buckets.Len()
}

package ports

import (
	"context"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based (default).
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// AuthProvider resolves presented credentials to an identity.
// Implementations: API key (default), JWT, none.
type AuthProvider interface {
	Authenticate(ctx context.Context, token string) (*domain.Identity, error)
}

// StorageProvider manages all persistent gateway state.
// Implementations: SQLite (default), PostgreSQL, in-memory.
type StorageProvider interface {
	WebhookStore
	AuditStore
	IdempotencyRecordStore

	Close() error
}

// EventPublisher publishes domain events.
// Implementations: in-process bus (default).
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
	Close() error
}

// QualityPolicy enforces per-identity rate limits.
// Implementations: basic (no limits), token bucket, redis token bucket.
type QualityPolicy interface {
	CheckRequest(ctx context.Context, req *PolicyRequest) (*PolicyDecision, error)
}

// PolicyRequest contains request context for policy checks.
type PolicyRequest struct {
	UserID string
	Tool   string
}

// PolicyDecision is the result of a policy check.
type PolicyDecision struct {
	Allow         bool
	Reason        string
	RetryAfter    int // seconds
	RateLimitInfo *RateLimitInfo
}

// RateLimitInfo contains rate limit information.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	ResetAt   int64 // Unix timestamp
}

package ports

import (
	"context"
	"errors"
	"time"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// WebhookStore persists webhook subscriptions and deliveries.
type WebhookStore interface {
	// CreateSubscription stores a new subscription.
	CreateSubscription(ctx context.Context, sub *domain.WebhookSubscription) error

	// GetSubscription retrieves a subscription by ID, active or not.
	GetSubscription(ctx context.Context, id string) (*domain.WebhookSubscription, error)

	// ListSubscriptions lists all subscriptions, newest first.
	ListSubscriptions(ctx context.Context, opts ListOptions) ([]*domain.WebhookSubscription, error)

	// ListActiveSubscriptions returns active subscriptions for an event type.
	ListActiveSubscriptions(ctx context.Context, eventType string) ([]*domain.WebhookSubscription, error)

	// DeactivateSubscription soft-deletes a subscription.
	DeactivateSubscription(ctx context.Context, id string) error

	// RecordSubscriptionOutcome bumps the success or failure counter and the
	// last-triggered timestamp after a terminal delivery attempt.
	RecordSubscriptionOutcome(ctx context.Context, id string, success bool, at time.Time) error

	// CreateDelivery stores a new delivery row.
	CreateDelivery(ctx context.Context, d *domain.WebhookDelivery) error

	// UpdateDelivery overwrites the status, attempt, HTTP status and error of a delivery.
	UpdateDelivery(ctx context.Context, d *domain.WebhookDelivery) error

	// GetDelivery retrieves a delivery by ID.
	GetDelivery(ctx context.Context, id string) (*domain.WebhookDelivery, error)

	// ListDeliveries lists deliveries for a subscription, newest first.
	ListDeliveries(ctx context.Context, subscriptionID string, opts ListOptions) ([]*domain.WebhookDelivery, error)
}

// AuditStore persists audit records.
type AuditStore interface {
	SaveAuditRecord(ctx context.Context, record *domain.AuditRecord) error
	ListAuditRecords(ctx context.Context, opts AuditListOptions) ([]*domain.AuditRecord, error)
}

// IdempotencyRecordStore is the durable backing for IdempotencyStore.
type IdempotencyRecordStore interface {
	GetIdempotencyRecord(ctx context.Context, key string) ([]byte, time.Time, error)
	PutIdempotencyRecord(ctx context.Context, key string, value []byte, expiresAt time.Time) error
	DeleteIdempotencyRecord(ctx context.Context, key string) error
	PurgeExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error)
}

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// AuditListOptions defines options for listing audit records.
type AuditListOptions struct {
	Tool   string
	UserID string
	Limit  int
	Offset int
}

package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/ports"
)

type subscriptionRow struct {
	ID              string       `db:"id"`
	EventType       string       `db:"event_type"`
	URL             string       `db:"url"`
	Secret          string       `db:"secret"`
	Filter          string       `db:"filter_expr"`
	MaxRetries      int          `db:"max_retries"`
	BackoffMs       int64        `db:"backoff_ms"`
	Exponential     bool         `db:"exponential"`
	Active          bool         `db:"active"`
	SuccessCount    int64        `db:"success_count"`
	FailureCount    int64        `db:"failure_count"`
	LastTriggeredAt sql.NullTime `db:"last_triggered_at"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
}

func (r subscriptionRow) domain() *domain.WebhookSubscription {
	sub := &domain.WebhookSubscription{
		ID:        r.ID,
		EventType: r.EventType,
		URL:       r.URL,
		Secret:    r.Secret,
		Filter:    r.Filter,
		RetryPolicy: domain.RetryPolicy{
			MaxRetries:  r.MaxRetries,
			Backoff:     time.Duration(r.BackoffMs) * time.Millisecond,
			Exponential: r.Exponential,
		},
		Active:       r.Active,
		SuccessCount: r.SuccessCount,
		FailureCount: r.FailureCount,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.LastTriggeredAt.Valid {
		t := r.LastTriggeredAt.Time
		sub.LastTriggeredAt = &t
	}
	return sub
}

const subscriptionColumns = `id, event_type, url, secret, filter_expr, max_retries, backoff_ms, exponential, active,
success_count, failure_count, last_triggered_at, created_at, updated_at`

type deliveryRow struct {
	ID             string    `db:"id"`
	SubscriptionID string    `db:"subscription_id"`
	EventType      string    `db:"event_type"`
	Payload        []byte    `db:"payload"`
	Status         string    `db:"status"`
	Attempt        int       `db:"attempt"`
	HTTPStatus     int       `db:"http_status"`
	Error          string    `db:"error"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r deliveryRow) domain() *domain.WebhookDelivery {
	return &domain.WebhookDelivery{
		ID:             r.ID,
		SubscriptionID: r.SubscriptionID,
		EventType:      r.EventType,
		Payload:        r.Payload,
		Status:         domain.DeliveryStatus(r.Status),
		Attempt:        r.Attempt,
		HTTPStatus:     r.HTTPStatus,
		Error:          r.Error,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

const deliveryColumns = `id, subscription_id, event_type, payload, status, attempt, http_status, error, created_at, updated_at`

func (s *Store) CreateSubscription(ctx context.Context, sub *domain.WebhookSubscription) error {
	now := s.now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	query := s.dialect.Rebind(`INSERT INTO webhook_subscriptions (` + subscriptionColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	var last sql.NullTime
	if sub.LastTriggeredAt != nil {
		last = sql.NullTime{Time: *sub.LastTriggeredAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query,
		sub.ID, sub.EventType, sub.URL, sub.Secret, sub.Filter,
		sub.RetryPolicy.MaxRetries, sub.RetryPolicy.Backoff.Milliseconds(), sub.RetryPolicy.Exponential,
		sub.Active, sub.SuccessCount, sub.FailureCount, last, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, id string) (*domain.WebhookSubscription, error) {
	var row subscriptionRow
	query := s.dialect.Rebind(`SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, notFound("subscription", id, err)
	}
	return row.domain(), nil
}

func (s *Store) ListSubscriptions(ctx context.Context, opts ports.ListOptions) ([]*domain.WebhookSubscription, error) {
	var rows []subscriptionRow
	query := s.dialect.Rebind(`SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions
ORDER BY created_at DESC LIMIT ? OFFSET ?`)
	if err := s.db.SelectContext(ctx, &rows, query, limitOf(opts.Limit), opts.Offset); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subscriptions(rows), nil
}

func (s *Store) ListActiveSubscriptions(ctx context.Context, eventType string) ([]*domain.WebhookSubscription, error) {
	var rows []subscriptionRow
	query := s.dialect.Rebind(`SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions
WHERE event_type = ? AND active = ? ORDER BY created_at ASC`)
	if err := s.db.SelectContext(ctx, &rows, query, eventType, true); err != nil {
		return nil, fmt.Errorf("failed to list active subscriptions: %w", err)
	}
	return subscriptions(rows), nil
}

func subscriptions(rows []subscriptionRow) []*domain.WebhookSubscription {
	out := make([]*domain.WebhookSubscription, len(rows))
	for i, r := range rows {
		out[i] = r.domain()
	}
	return out
}

func (s *Store) DeactivateSubscription(ctx context.Context, id string) error {
	query := s.dialect.Rebind(`UPDATE webhook_subscriptions SET active = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, false, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate subscription: %w", err)
	}
	return affected(res, "subscription", id)
}

func (s *Store) RecordSubscriptionOutcome(ctx context.Context, id string, success bool, at time.Time) error {
	column := "failure_count"
	if success {
		column = "success_count"
	}
	query := s.dialect.Rebind(`UPDATE webhook_subscriptions SET ` + column + ` = ` + column + ` + 1,
last_triggered_at = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, at.UTC(), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record subscription outcome: %w", err)
	}
	return affected(res, "subscription", id)
}

func (s *Store) CreateDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	now := s.now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	query := s.dialect.Rebind(`INSERT INTO webhook_deliveries (` + deliveryColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.SubscriptionID, d.EventType, []byte(d.Payload), string(d.Status),
		d.Attempt, d.HTTPStatus, d.Error, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create delivery: %w", err)
	}
	return nil
}

func (s *Store) UpdateDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	d.UpdatedAt = s.now().UTC()
	query := s.dialect.Rebind(`UPDATE webhook_deliveries SET status = ?, attempt = ?, http_status = ?, error = ?, updated_at = ?
WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, string(d.Status), d.Attempt, d.HTTPStatus, d.Error, d.UpdatedAt, d.ID)
	if err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	return affected(res, "delivery", d.ID)
}

func (s *Store) GetDelivery(ctx context.Context, id string) (*domain.WebhookDelivery, error) {
	var row deliveryRow
	query := s.dialect.Rebind(`SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, notFound("delivery", id, err)
	}
	return row.domain(), nil
}

func (s *Store) ListDeliveries(ctx context.Context, subscriptionID string, opts ports.ListOptions) ([]*domain.WebhookDelivery, error) {
	var rows []deliveryRow
	query := s.dialect.Rebind(`SELECT ` + deliveryColumns + ` FROM webhook_deliveries
WHERE subscription_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`)
	if err := s.db.SelectContext(ctx, &rows, query, subscriptionID, limitOf(opts.Limit), opts.Offset); err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	out := make([]*domain.WebhookDelivery, len(rows))
	for i, r := range rows {
		out[i] = r.domain()
	}
	return out, nil
}

// Package memory provides an in-memory StorageProvider for tests and
// single-process deployments that do not need durable webhook state.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/ports"
)

type idempotencyRecord struct {
	value     []byte
	expiresAt time.Time
}

// Store is an in-memory implementation of ports.StorageProvider.
// Values handed in and out are copied so callers never share state with the store.
type Store struct {
	mu            sync.RWMutex
	subscriptions map[string]*domain.WebhookSubscription
	deliveries    map[string]*domain.WebhookDelivery
	audit         []*domain.AuditRecord
	idempotency   map[string]idempotencyRecord
	now           func() time.Time
}

// New creates a new in-memory store
func New() *Store {
	return &Store{
		subscriptions: make(map[string]*domain.WebhookSubscription),
		deliveries:    make(map[string]*domain.WebhookDelivery),
		idempotency:   make(map[string]idempotencyRecord),
		now:           time.Now,
	}
}

func copySubscription(s *domain.WebhookSubscription) *domain.WebhookSubscription {
	c := *s
	if s.LastTriggeredAt != nil {
		t := *s.LastTriggeredAt
		c.LastTriggeredAt = &t
	}
	return &c
}

func copyDelivery(d *domain.WebhookDelivery) *domain.WebhookDelivery {
	c := *d
	c.Payload = slices.Clone(d.Payload)
	return &c
}

func page[T any](items []T, opts ports.ListOptions) []T {
	start := opts.Offset
	if start >= len(items) {
		return []T{}
	}
	end := start + opts.Limit
	if opts.Limit == 0 || end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func (s *Store) CreateSubscription(ctx context.Context, sub *domain.WebhookSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ID]; exists {
		return fmt.Errorf("subscription %s already exists", sub.ID)
	}
	now := s.now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	s.subscriptions[sub.ID] = copySubscription(sub)
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, id string) (*domain.WebhookSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, ports.ErrNotFound)
	}
	return copySubscription(sub), nil
}

func (s *Store) ListSubscriptions(ctx context.Context, opts ports.ListOptions) ([]*domain.WebhookSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.WebhookSubscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		result = append(result, copySubscription(sub))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return page(result, opts), nil
}

func (s *Store) ListActiveSubscriptions(ctx context.Context, eventType string) ([]*domain.WebhookSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.WebhookSubscription
	for _, sub := range s.subscriptions {
		if sub.Active && sub.EventType == eventType {
			result = append(result, copySubscription(sub))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) DeactivateSubscription(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return fmt.Errorf("subscription %s: %w", id, ports.ErrNotFound)
	}
	sub.Active = false
	sub.UpdatedAt = s.now()
	return nil
}

func (s *Store) RecordSubscriptionOutcome(ctx context.Context, id string, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return fmt.Errorf("subscription %s: %w", id, ports.ErrNotFound)
	}
	if success {
		sub.SuccessCount++
	} else {
		sub.FailureCount++
	}
	sub.LastTriggeredAt = &at
	sub.UpdatedAt = at
	return nil
}

func (s *Store) CreateDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.deliveries[d.ID]; exists {
		return fmt.Errorf("delivery %s already exists", d.ID)
	}
	now := s.now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	s.deliveries[d.ID] = copyDelivery(d)
	return nil
}

func (s *Store) UpdateDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.deliveries[d.ID]
	if !ok {
		return fmt.Errorf("delivery %s: %w", d.ID, ports.ErrNotFound)
	}
	existing.Status = d.Status
	existing.Attempt = d.Attempt
	existing.HTTPStatus = d.HTTPStatus
	existing.Error = d.Error
	existing.UpdatedAt = s.now()
	d.UpdatedAt = existing.UpdatedAt
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, id string) (*domain.WebhookDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", id, ports.ErrNotFound)
	}
	return copyDelivery(d), nil
}

func (s *Store) ListDeliveries(ctx context.Context, subscriptionID string, opts ports.ListOptions) ([]*domain.WebhookDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.WebhookDelivery
	for _, d := range s.deliveries {
		if d.SubscriptionID == subscriptionID {
			result = append(result, copyDelivery(d))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return page(result, opts), nil
}

func (s *Store) SaveAuditRecord(ctx context.Context, record *domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *record
	s.audit = append(s.audit, &c)
	return nil
}

func (s *Store) ListAuditRecords(ctx context.Context, opts ports.AuditListOptions) ([]*domain.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.AuditRecord
	for i := len(s.audit) - 1; i >= 0; i-- {
		r := s.audit[i]
		if opts.Tool != "" && r.Tool != opts.Tool {
			continue
		}
		if opts.UserID != "" && !strings.EqualFold(r.UserID, opts.UserID) {
			continue
		}
		c := *r
		result = append(result, &c)
	}
	return page(result, ports.ListOptions{Limit: opts.Limit, Offset: opts.Offset}), nil
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, key string) ([]byte, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.idempotency[key]
	if !ok {
		return nil, time.Time{}, fmt.Errorf("idempotency key %s: %w", key, ports.ErrNotFound)
	}
	return slices.Clone(rec.value), rec.expiresAt, nil
}

func (s *Store) PutIdempotencyRecord(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.idempotency[key] = idempotencyRecord{value: slices.Clone(value), expiresAt: expiresAt}
	return nil
}

func (s *Store) DeleteIdempotencyRecord(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.idempotency, key)
	return nil
}

func (s *Store) PurgeExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, rec := range s.idempotency {
		if !now.Before(rec.expiresAt) {
			delete(s.idempotency, key)
			n++
		}
	}
	return n, nil
}

func (s *Store) Close() error {
	return nil
}

var _ ports.StorageProvider = (*Store)(nil)

// Package webhook implements webhook subscriptions and their asynchronous,
// signed, retried delivery.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/ports"
	"github.com/tjfontaine/erp-mcp-gateway/internal/pkg/predicate"
)

// SubscribeRequest is the input to Service.Subscribe.
type SubscribeRequest struct {
	EventType   string              `json:"eventType"`
	URL         string              `json:"url"`
	Secret      string              `json:"secret,omitempty"`
	Filter      string              `json:"filter,omitempty"`
	RetryPolicy *domain.RetryPolicy `json:"retryPolicy,omitempty"`
}

// RetryCanceller drops retries scheduled for a subscription.
type RetryCanceller interface {
	CancelRetries(subscriptionID string) int
}

// Service manages subscriptions.
type Service struct {
	store     ports.WebhookStore
	filters   *predicate.Evaluator
	defaults  domain.RetryPolicy
	maxTries  int
	canceller RetryCanceller
	logger    *slog.Logger
	now       func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithRetryCanceller makes Unsubscribe cancel pending retries.
func WithRetryCanceller(c RetryCanceller) ServiceOption {
	return func(s *Service) { s.canceller = c }
}

// WithMaxRetries overrides domain.DefaultMaxRetryAttempts as the largest
// accepted retryPolicy.maxRetries.
func WithMaxRetries(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxTries = n
		}
	}
}

// WithServiceLogger sets the logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a subscription service. defaults applies to
// subscriptions that do not carry their own retry policy.
func NewService(store ports.WebhookStore, filters *predicate.Evaluator, defaults domain.RetryPolicy, opts ...ServiceOption) *Service {
	if filters == nil {
		filters = predicate.New()
	}
	s := &Service{
		store:    store,
		filters:  filters,
		defaults: defaults,
		maxTries: domain.DefaultMaxRetryAttempts,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe validates and stores a new active subscription.
func (s *Service) Subscribe(ctx context.Context, req SubscribeRequest) (*domain.WebhookSubscription, error) {
	if !slices.Contains(domain.KnownEventTypes, req.EventType) {
		return nil, domain.ValidationError("unknown event type %q", req.EventType)
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, domain.ValidationError("url must be an absolute http(s) URL")
	}
	if req.Filter != "" {
		if err := s.filters.Compile(req.Filter); err != nil {
			return nil, domain.ValidationError("invalid filter: %v", err)
		}
	}

	policy := s.defaults
	if req.RetryPolicy != nil {
		policy = *req.RetryPolicy
	}
	if policy.MaxRetries < 1 {
		return nil, domain.ValidationError("retryPolicy.maxRetries must be at least 1")
	}
	if policy.MaxRetries > s.maxTries {
		return nil, domain.ValidationError("retryPolicy.maxRetries must be at most %d", s.maxTries)
	}
	if policy.Backoff < 0 || policy.Backoff > domain.MaxRetryBackoff {
		return nil, domain.ValidationError("retryPolicy.backoffMs must be between 0 and %d", domain.MaxRetryBackoff.Milliseconds())
	}

	now := s.now().UTC()
	sub := &domain.WebhookSubscription{
		ID:          uuid.NewString(),
		EventType:   req.EventType,
		URL:         req.URL,
		Secret:      req.Secret,
		Filter:      req.Filter,
		RetryPolicy: policy,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	s.logger.Info("webhook subscribed",
		slog.String("subscription_id", sub.ID),
		slog.String("event", sub.EventType))
	return sub, nil
}

// Unsubscribe deactivates a subscription. Its history is kept and any
// scheduled retries are cancelled.
func (s *Service) Unsubscribe(ctx context.Context, id string) error {
	if err := s.store.DeactivateSubscription(ctx, id); err != nil {
		return err
	}
	cancelled := 0
	if s.canceller != nil {
		cancelled = s.canceller.CancelRetries(id)
	}
	s.logger.Info("webhook unsubscribed",
		slog.String("subscription_id", id),
		slog.Int("cancelled_retries", cancelled))
	return nil
}

// Get returns a subscription by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.WebhookSubscription, error) {
	return s.store.GetSubscription(ctx, id)
}

// List returns subscriptions, newest first.
func (s *Service) List(ctx context.Context, opts ports.ListOptions) ([]*domain.WebhookSubscription, error) {
	return s.store.ListSubscriptions(ctx, opts)
}

// Deliveries returns the delivery history of a subscription.
func (s *Service) Deliveries(ctx context.Context, id string, opts ports.ListOptions) ([]*domain.WebhookDelivery, error) {
	if _, err := s.store.GetSubscription(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListDeliveries(ctx, id, opts)
}

// IsNotFound reports whether err means the subscription does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ports.ErrNotFound)
}

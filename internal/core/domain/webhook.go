package domain

import (
	"encoding/json"
	"time"
)

// Bounds applied to subscription retry policies.
const (
	// DefaultMaxRetryAttempts caps RetryPolicy.MaxRetries unless configured.
	DefaultMaxRetryAttempts = 10
	// MaxRetryBackoff is the longest delay Delay returns.
	MaxRetryBackoff = time.Hour
)

// RetryPolicy controls how failed webhook deliveries are retried.
type RetryPolicy struct {
	// MaxRetries is the total attempt budget for one logical delivery.
	MaxRetries int `json:"maxRetries"`
	// Backoff is the base delay before the next attempt.
	Backoff time.Duration `json:"backoffMs"`
	// Exponential doubles the delay on every subsequent attempt.
	Exponential bool `json:"exponential"`
}

// Delay returns how long to wait after the given failed attempt (1-based),
// never more than MaxRetryBackoff.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := min(max(p.Backoff, 0), MaxRetryBackoff)
	if !p.Exponential || d == 0 {
		return d
	}
	for i := 1; i < attempt && d < MaxRetryBackoff; i++ {
		d *= 2
	}
	return min(d, MaxRetryBackoff)
}

// MarshalJSON renders Backoff in milliseconds.
func (p RetryPolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		MaxRetries  int   `json:"maxRetries"`
		BackoffMs   int64 `json:"backoffMs"`
		Exponential bool  `json:"exponential"`
	}{p.MaxRetries, p.Backoff.Milliseconds(), p.Exponential})
}

// UnmarshalJSON reads Backoff from milliseconds.
func (p *RetryPolicy) UnmarshalJSON(data []byte) error {
	var raw struct {
		MaxRetries  int   `json:"maxRetries"`
		BackoffMs   int64 `json:"backoffMs"`
		Exponential bool  `json:"exponential"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.MaxRetries = raw.MaxRetries
	p.Backoff = time.Duration(raw.BackoffMs) * time.Millisecond
	p.Exponential = raw.Exponential
	return nil
}

// WebhookSubscription is a subscriber's registration for one event type.
// Subscriptions are never hard-deleted; unsubscribe clears Active.
type WebhookSubscription struct {
	ID              string      `json:"id"`
	EventType       string      `json:"eventType"`
	URL             string      `json:"url"`
	Secret          string      `json:"-"`
	Filter          string      `json:"filter,omitempty"`
	RetryPolicy     RetryPolicy `json:"retryPolicy"`
	Active          bool        `json:"active"`
	SuccessCount    int64       `json:"successCount"`
	FailureCount    int64       `json:"failureCount"`
	LastTriggeredAt *time.Time  `json:"lastTriggeredAt,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// HasSecret reports whether deliveries for this subscription are signed.
func (s *WebhookSubscription) HasSecret() bool {
	return s.Secret != ""
}

// DeliveryStatus is the state of a WebhookDelivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// WebhookDelivery tracks one logical delivery across all of its attempts.
// Attempt increments in place on retry.
type WebhookDelivery struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscriptionId"`
	EventType      string          `json:"eventType"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	Attempt        int             `json:"attempt"`
	HTTPStatus     int             `json:"httpStatus,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/ports"
	"github.com/tjfontaine/erp-mcp-gateway/internal/pkg/predicate"
	"github.com/tjfontaine/erp-mcp-gateway/internal/pkg/safehttp"
)

// ErrClosed is returned by HandleEvent after Close.
var ErrClosed = errors.New("webhook engine closed")

const maxResponseDrain = 64 << 10

// Config configures an Engine.
type Config struct {
	// Concurrency bounds in-flight POSTs across all subscriptions.
	Concurrency int
	// Timeout bounds a single POST.
	Timeout time.Duration
	// AllowPrivateTargets permits subscriber URLs on private networks.
	AllowPrivateTargets bool
}

// RetryStats summarizes delivery retry activity.
type RetryStats struct {
	Scheduled int64 `json:"scheduled"`
	Pending   int64 `json:"pending"`
	Retried   int64 `json:"retried"`
	Delivered int64 `json:"delivered"`
	Exhausted int64 `json:"exhausted"`
	Cancelled int64 `json:"cancelled"`
}

type scheduledRetry struct {
	timer    *time.Timer
	delivery *domain.WebhookDelivery
}

// Engine delivers events to matching subscriptions. Deliveries run in the
// background; the global semaphore is the only backpressure on outbound POSTs.
type Engine struct {
	store     ports.WebhookStore
	client    *http.Client
	sem       *semaphore.Weighted
	timeout   time.Duration
	filters   *predicate.Evaluator
	logger    *slog.Logger
	now       func() time.Time
	onOutcome func(status domain.DeliveryStatus)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	pending map[string]map[string]*scheduledRetry

	scheduled atomic.Int64
	retried   atomic.Int64
	delivered atomic.Int64
	exhausted atomic.Int64
	cancelled atomic.Int64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithHTTPClient replaces the SSRF-guarded default client.
func WithHTTPClient(c *http.Client) EngineOption {
	return func(e *Engine) { e.client = c }
}

// WithEngineLogger sets the logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithFilters shares a predicate cache with the subscription service.
func WithFilters(f *predicate.Evaluator) EngineOption {
	return func(e *Engine) { e.filters = f }
}

// WithOutcomeHook is called once per terminal delivery outcome.
func WithOutcomeHook(fn func(status domain.DeliveryStatus)) EngineOption {
	return func(e *Engine) { e.onOutcome = fn }
}

// NewEngine creates a delivery engine.
func NewEngine(store ports.WebhookStore, cfg Config, opts ...EngineOption) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:   store,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		timeout: cfg.Timeout,
		logger:  slog.Default(),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]map[string]*scheduledRetry),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.client == nil {
		e.client = safehttp.NewClient(safehttp.Options{
			Timeout:      cfg.Timeout,
			AllowPrivate: cfg.AllowPrivateTargets,
		})
	}
	if e.filters == nil {
		e.filters = predicate.New()
	}
	return e
}

// HandleEvent starts a delivery to every active subscription for the
// event's type whose filter matches. It returns once deliveries are queued.
func (e *Engine) HandleEvent(ctx context.Context, event domain.Event) error {
	subs, err := e.store.ListActiveSubscriptions(ctx, event.EventType())
	if err != nil {
		return fmt.Errorf("list subscriptions for %s: %w", event.EventType(), err)
	}
	if len(subs) == 0 {
		return nil
	}

	payload, err := BuildPayload(event, e.now())
	if err != nil {
		return err
	}

	var env map[string]any
	for _, sub := range subs {
		if sub.Filter != "" {
			if env == nil {
				if env, err = filterEnv(payload); err != nil {
					return fmt.Errorf("decode payload for filters: %w", err)
				}
			}
			match, err := e.filters.Evaluate(sub.Filter, env)
			if err != nil {
				e.logger.Warn("webhook filter failed",
					slog.String("subscription_id", sub.ID),
					slog.String("error", err.Error()))
				continue
			}
			if !match {
				continue
			}
		}

		if !e.track() {
			return ErrClosed
		}
		go func(sub *domain.WebhookSubscription) {
			defer e.wg.Done()
			e.start(sub, event.EventType(), payload)
		}(sub)
	}
	return nil
}

func (e *Engine) track() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	return true
}

func (e *Engine) start(sub *domain.WebhookSubscription, eventType string, payload []byte) {
	d := &domain.WebhookDelivery{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		EventType:      eventType,
		Payload:        payload,
		Status:         domain.DeliveryPending,
		Attempt:        1,
	}
	if err := e.store.CreateDelivery(e.ctx, d); err != nil {
		e.logger.Error("failed to record webhook delivery",
			slog.String("subscription_id", sub.ID),
			slog.String("error", err.Error()))
		return
	}
	e.attempt(sub, d)
}

func (e *Engine) attempt(sub *domain.WebhookSubscription, d *domain.WebhookDelivery) {
	if err := e.sem.Acquire(e.ctx, 1); err != nil {
		return
	}
	status, err := e.send(sub, d)
	e.sem.Release(1)

	d.HTTPStatus = status
	log := e.logger.With(
		slog.String("subscription_id", sub.ID),
		slog.String("delivery_id", d.ID),
		slog.Int("attempt", d.Attempt))

	if err == nil {
		d.Status = domain.DeliveryDelivered
		d.Error = ""
		e.update(d)
		e.finish(sub.ID, true)
		log.Info("webhook delivered", slog.Int("status", status))
		return
	}

	d.Status = domain.DeliveryFailed
	d.Error = err.Error()
	e.update(d)

	if d.Attempt < sub.RetryPolicy.MaxRetries {
		delay := sub.RetryPolicy.Delay(d.Attempt)
		if e.schedule(sub.ID, d, delay) {
			log.Warn("webhook delivery failed, retry scheduled",
				slog.String("error", err.Error()),
				slog.Duration("delay", delay))
			return
		}
	}

	e.finish(sub.ID, false)
	log.Error("webhook delivery failed permanently", slog.String("error", err.Error()))
}

func (e *Engine) send(sub *domain.WebhookSubscription, d *domain.WebhookDelivery) (int, error) {
	ctx, cancel := context.WithTimeout(e.ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "erp-mcp-gateway-webhooks")
	req.Header.Set(EventHeader, d.EventType)
	req.Header.Set(DeliveryHeader, d.ID)
	req.Header.Set("X-Webhook-Attempt", strconv.Itoa(d.Attempt))
	if sub.HasSecret() {
		req.Header.Set(SignatureHeader, Sign(sub.Secret, d.Payload))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post to subscriber: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("subscriber returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (e *Engine) update(d *domain.WebhookDelivery) {
	if err := e.store.UpdateDelivery(e.ctx, d); err != nil {
		e.logger.Error("failed to update webhook delivery",
			slog.String("delivery_id", d.ID),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) finish(subscriptionID string, success bool) {
	status := domain.DeliveryFailed
	if success {
		status = domain.DeliveryDelivered
		e.delivered.Add(1)
	} else {
		e.exhausted.Add(1)
	}
	if err := e.store.RecordSubscriptionOutcome(e.ctx, subscriptionID, success, e.now().UTC()); err != nil {
		e.logger.Error("failed to record subscription outcome",
			slog.String("subscription_id", subscriptionID),
			slog.String("error", err.Error()))
	}
	if e.onOutcome != nil {
		e.onOutcome(status)
	}
}

func (e *Engine) schedule(subscriptionID string, d *domain.WebhookDelivery, delay time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}

	e.wg.Add(1)
	r := &scheduledRetry{delivery: d}
	r.timer = time.AfterFunc(delay, func() {
		defer e.wg.Done()
		if e.claim(subscriptionID, d.ID) {
			e.retry(subscriptionID, d)
		}
	})

	bySub := e.pending[subscriptionID]
	if bySub == nil {
		bySub = make(map[string]*scheduledRetry)
		e.pending[subscriptionID] = bySub
	}
	bySub[d.ID] = r
	e.scheduled.Add(1)
	return true
}

// claim removes a fired retry from the pending set. It reports false if the
// retry was cancelled first.
func (e *Engine) claim(subscriptionID, deliveryID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	bySub := e.pending[subscriptionID]
	if _, ok := bySub[deliveryID]; !ok {
		return false
	}
	delete(bySub, deliveryID)
	if len(bySub) == 0 {
		delete(e.pending, subscriptionID)
	}
	return true
}

func (e *Engine) retry(subscriptionID string, d *domain.WebhookDelivery) {
	sub, err := e.store.GetSubscription(e.ctx, subscriptionID)
	if err != nil {
		e.logger.Error("failed to load subscription for retry",
			slog.String("subscription_id", subscriptionID),
			slog.String("error", err.Error()))
		return
	}
	if !sub.Active {
		e.abandon(d, "subscription inactive")
		return
	}

	d.Attempt++
	d.Status = domain.DeliveryPending
	d.HTTPStatus = 0
	d.Error = ""
	e.update(d)
	e.retried.Add(1)
	e.attempt(sub, d)
}

func (e *Engine) abandon(d *domain.WebhookDelivery, reason string) {
	d.Status = domain.DeliveryFailed
	d.Error = reason
	e.update(d)
	e.cancelled.Add(1)
}

// CancelRetries stops every retry scheduled for a subscription and returns
// how many were stopped.
func (e *Engine) CancelRetries(subscriptionID string) int {
	e.mu.Lock()
	stopped := e.stopLocked(e.pending[subscriptionID])
	delete(e.pending, subscriptionID)
	e.mu.Unlock()

	for _, r := range stopped {
		e.abandon(r.delivery, "retry cancelled: subscription deactivated")
	}
	return len(stopped)
}

func (e *Engine) stopLocked(retries map[string]*scheduledRetry) []*scheduledRetry {
	var stopped []*scheduledRetry
	for _, r := range retries {
		if r.timer.Stop() {
			e.wg.Done()
			stopped = append(stopped, r)
		}
	}
	return stopped
}

// Stats returns retry counters.
func (e *Engine) Stats() RetryStats {
	e.mu.Lock()
	var pending int64
	for _, bySub := range e.pending {
		pending += int64(len(bySub))
	}
	e.mu.Unlock()

	return RetryStats{
		Scheduled: e.scheduled.Load(),
		Pending:   pending,
		Retried:   e.retried.Load(),
		Delivered: e.delivered.Load(),
		Exhausted: e.exhausted.Load(),
		Cancelled: e.cancelled.Load(),
	}
}

// Close stops accepting events, drops scheduled retries and waits for
// in-flight deliveries.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	var stopped []*scheduledRetry
	for _, bySub := range e.pending {
		stopped = append(stopped, e.stopLocked(bySub)...)
	}
	e.pending = make(map[string]map[string]*scheduledRetry)
	e.mu.Unlock()

	for _, r := range stopped {
		e.abandon(r.delivery, "delivery engine stopped")
	}

	e.wg.Wait()
	e.cancel()
	return nil
}

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/ports"
	"github.com/tjfontaine/erp-mcp-gateway/internal/tools"
)

const tracerName = "github.com/tjfontaine/erp-mcp-gateway/internal/pipeline"

// Call is one tool invocation.
type Call struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Config tunes the executor.
type Config struct {
	// MaxPayloadBytes caps audited input and output.
	MaxPayloadBytes int
	// BatchConcurrency caps concurrent inner calls of one batch.
	BatchConcurrency int
	// MaxBatchCalls caps the number of inner calls of one batch.
	MaxBatchCalls int
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		MaxPayloadBytes:  4096,
		BatchConcurrency: 4,
		MaxBatchCalls:    50,
	}
}

// Observer receives one notification per finished call. code is empty on success.
type Observer func(tool string, code domain.ErrorCode, d time.Duration)

// RateLimitHook receives the limiter's view of the caller's bucket after
// every check, allowed or not.
type RateLimitHook func(ctx context.Context, info *ports.RateLimitInfo)

// Executor runs tool calls through the pipeline.
type Executor struct {
	registry *tools.Registry
	auth     ports.AuthProvider
	anon     []string
	limiter  ports.QualityPolicy
	authz    ports.Authorizer
	audit    ports.AuditSink
	tracer   trace.Tracer
	logger   *slog.Logger
	observe  Observer
	onLimit  RateLimitHook
	cfg      Config
	now      func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithAuthProvider resolves presented credentials. Without one every
// caller is anonymous.
func WithAuthProvider(p ports.AuthProvider) Option {
	return func(e *Executor) { e.auth = p }
}

// WithAnonymousRoles grants roles to callers that present no credentials.
func WithAnonymousRoles(roles ...string) Option {
	return func(e *Executor) { e.anon = slices.Clone(roles) }
}

// WithRateLimiter sets the per-identity rate limiter.
func WithRateLimiter(p ports.QualityPolicy) Option {
	return func(e *Executor) { e.limiter = p }
}

// WithAuthorizer sets the role check.
func WithAuthorizer(a ports.Authorizer) Option {
	return func(e *Executor) { e.authz = a }
}

// WithAuditSink sets where audit records go.
func WithAuditSink(s ports.AuditSink) Option {
	return func(e *Executor) { e.audit = s }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithObserver registers a per-call callback, used for metrics.
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observe = o }
}

// WithRateLimitHook registers a callback for bucket state, used for
// response headers.
func WithRateLimitHook(h RateLimitHook) Option {
	return func(e *Executor) { e.onLimit = h }
}

// WithConfig overrides DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(e *Executor) { e.cfg = cfg }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an executor over registry.
func NewExecutor(registry *tools.Registry, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		logger:   slog.Default(),
		cfg:      DefaultConfig(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	def := DefaultConfig()
	if e.cfg.MaxPayloadBytes <= 0 {
		e.cfg.MaxPayloadBytes = def.MaxPayloadBytes
	}
	if e.cfg.BatchConcurrency <= 0 {
		e.cfg.BatchConcurrency = def.BatchConcurrency
	}
	if e.cfg.MaxBatchCalls <= 0 {
		e.cfg.MaxBatchCalls = def.MaxBatchCalls
	}
	return e
}

// Registry returns the tool registry.
func (e *Executor) Registry() *tools.Registry {
	return e.registry
}

// identityResolver produces the caller identity for a call.
type identityResolver func(ctx context.Context) (domain.Identity, error)

// Execute runs one call for the holder of credentials. Empty credentials
// mean anonymous.
func (e *Executor) Execute(ctx context.Context, credentials string, call Call) *domain.ToolResponse {
	return e.execute(ctx, call, func(ctx context.Context) (domain.Identity, error) {
		return e.authenticate(ctx, credentials)
	})
}

// ExecuteAs runs one call for an already resolved identity.
func (e *Executor) ExecuteAs(ctx context.Context, identity domain.Identity, call Call) *domain.ToolResponse {
	return e.execute(ctx, call, func(context.Context) (domain.Identity, error) {
		return identity, nil
	})
}

func (e *Executor) authenticate(ctx context.Context, credentials string) (domain.Identity, error) {
	if credentials == "" || e.auth == nil {
		return e.anonymous(), nil
	}
	id, err := e.auth.Authenticate(ctx, credentials)
	if err != nil {
		e.logger.Debug("authentication failed", slog.String("error", err.Error()))
		return domain.Identity{}, domain.ForbiddenError("authentication failed")
	}
	if id == nil {
		return e.anonymous(), nil
	}
	return *id, nil
}

func (e *Executor) anonymous() domain.Identity {
	id := domain.Anonymous()
	id.Roles = slices.Clone(e.anon)
	return id
}

func (e *Executor) execute(ctx context.Context, call Call, resolve identityResolver) *domain.ToolResponse {
	start := e.now()
	rc := domain.NewRequestContext(domain.Anonymous())

	ctx, span := e.tracer.Start(ctx, "tool "+call.Tool, trace.WithAttributes(
		attribute.String("tool", call.Tool),
		attribute.String("correlation_id", rc.CorrelationID()),
	))
	defer span.End()

	result, err := e.run(ctx, &rc, call, resolve)

	var resp *domain.ToolResponse
	if err != nil {
		te := Classify(err)
		if te.Code == domain.CodeInternal {
			e.logger.Error("tool failed",
				slog.String("tool", call.Tool),
				slog.String("correlation_id", rc.CorrelationID()),
				slog.String("error", err.Error()))
		}
		resp = domain.Failed(te)
		span.SetStatus(codes.Error, string(te.Code))
	} else {
		resp = domain.Succeeded(result)
	}
	resp.CorrelationID = rc.CorrelationID()

	duration := e.now().Sub(start)
	e.record(ctx, start, duration, rc, call, resp)

	var code domain.ErrorCode
	if resp.Error != nil {
		code = resp.Error.Code
	}
	span.SetAttributes(attribute.String("user_id", rc.UserID()), attribute.Bool("success", resp.Success))
	if e.observe != nil {
		e.observe(call.Tool, code, duration)
	}
	e.logger.Debug("tool call finished",
		slog.String("tool", call.Tool),
		slog.String("correlation_id", rc.CorrelationID()),
		slog.String("user_id", rc.UserID()),
		slog.Bool("success", resp.Success),
		slog.Duration("duration", duration))
	return resp
}

// run performs steps 1 through 6. rc is replaced once the identity is known.
func (e *Executor) run(ctx context.Context, rc **domain.RequestContext, call Call, resolve identityResolver) (json.RawMessage, error) {
	if err := nestedBatch(ctx, call); err != nil {
		return nil, err
	}
	entry, ok := e.registry.Lookup(call.Tool)
	if !ok {
		return nil, domain.NewToolError(domain.CodeNotFound, fmt.Sprintf("tool %q not found", call.Tool))
	}

	input, args, err := entry.Decode(call.Arguments)
	if err != nil {
		return nil, err
	}
	if err := entry.Validate(args); err != nil {
		return nil, err
	}

	identity, err := resolve(ctx)
	if err != nil {
		return nil, err
	}
	*rc = (*rc).WithIdentity(identity)

	if e.limiter != nil {
		decision, err := e.limiter.CheckRequest(ctx, &ports.PolicyRequest{UserID: identity.UserID, Tool: entry.Name()})
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		if e.onLimit != nil && decision.RateLimitInfo != nil {
			e.onLimit(ctx, decision.RateLimitInfo)
		}
		if !decision.Allow {
			msg := decision.Reason
			if decision.RetryAfter > 0 {
				msg = fmt.Sprintf("%s; retry after %ds", msg, decision.RetryAfter)
			}
			return nil, domain.NewToolError(domain.CodeRateLimitExceeded, msg)
		}
	}

	if e.authz != nil {
		if err := e.authz.Authorize(ctx, *rc, entry.Tool.RequiredRoles()); err != nil {
			return nil, err
		}
	}

	ctx = domain.WithRequestContext(ctx, *rc)
	out, err := e.invoke(ctx, *rc, entry, input)
	if err != nil {
		return nil, err
	}
	if raw, ok := out.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal %s result: %w", call.Tool, err)
	}
	return raw, nil
}

func (e *Executor) invoke(ctx context.Context, rc *domain.RequestContext, entry *tools.Entry, input any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return entry.Tool.Execute(ctx, rc, input)
}

func (e *Executor) record(ctx context.Context, start time.Time, d time.Duration, rc *domain.RequestContext, call Call, resp *domain.ToolResponse) {
	if e.audit == nil {
		return
	}
	rec := &domain.AuditRecord{
		ID:            uuid.NewString(),
		Tool:          call.Tool,
		UserID:        rc.UserID(),
		CorrelationID: rc.CorrelationID(),
		Timestamp:     start.UTC(),
		Success:       resp.Success,
		Duration:      d,
		Input:         domain.Truncate(call.Arguments, e.cfg.MaxPayloadBytes),
		Output:        domain.Truncate(resp.Result, e.cfg.MaxPayloadBytes),
	}
	if resp.Error != nil {
		rec.ErrorCode = resp.Error.Code
		rec.ErrorMessage = resp.Error.Message
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("audit sink panicked",
				slog.String("correlation_id", rc.CorrelationID()),
				slog.Any("panic", r))
		}
	}()
	if err := e.audit.Record(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Warn("failed to record audit",
			slog.String("tool", call.Tool),
			slog.String("correlation_id", rc.CorrelationID()),
			slog.String("error", err.Error()))
	}
}

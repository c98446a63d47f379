// Package ports defines the core interfaces for the gateway.
// This file contains the collaborators consulted by the tool execution pipeline.
package ports

import (
	"context"
	"time"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
)

// Authorizer decides whether a caller may invoke a tool.
// Implementations: role-based (default).
type Authorizer interface {
	// Authorize returns a FORBIDDEN *domain.ToolError when the caller lacks
	// the required roles. An empty requiredRoles set always passes.
	Authorize(ctx context.Context, rc *domain.RequestContext, requiredRoles []string) error
}

// AuditSink accepts one record per tool invocation.
// Failures are logged by the pipeline and never reach the caller.
type AuditSink interface {
	Record(ctx context.Context, record *domain.AuditRecord) error
}

// IdempotencyStore maps an idempotency key to a serialized result with a TTL.
// Implementations: in-memory (default), redis, SQL.
type IdempotencyStore interface {
	// Get returns the stored value for key. Expired entries are reported
	// as missing and purged.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value with an absolute expiry of now+ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Exists reports whether an unexpired entry exists for key.
	Exists(ctx context.Context, key string) (bool, error)
}

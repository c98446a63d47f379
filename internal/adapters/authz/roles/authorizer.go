// Package roles provides the default role-based authorizer.
package roles

import (
	"context"
	"fmt"
	"strings"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
)

// DefaultSuperRole satisfies every role requirement.
const DefaultSuperRole = "admin"

// Authorizer admits a caller holding any one of the required roles.
type Authorizer struct {
	superRole string
}

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithSuperRole changes the role that passes every check. An empty role
// disables the override.
func WithSuperRole(role string) Option {
	return func(a *Authorizer) { a.superRole = role }
}

// New creates an Authorizer.
func New(opts ...Option) *Authorizer {
	a := &Authorizer{superRole: DefaultSuperRole}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize implements ports.Authorizer.
func (a *Authorizer) Authorize(_ context.Context, rc *domain.RequestContext, required []string) error {
	if len(required) == 0 {
		return nil
	}
	if rc == nil {
		return domain.ForbiddenError("no caller identity")
	}
	id := rc.Identity()
	if a.superRole != "" && id.HasRole(a.superRole) {
		return nil
	}
	for _, role := range required {
		if id.HasRole(role) {
			return nil
		}
	}
	return domain.ForbiddenError(fmt.Sprintf("user %s lacks required role (one of: %s)", rc.UserID(), strings.Join(required, ", ")))
}

package domain

import (
	"context"
	"slices"

	"github.com/google/uuid"
)

// AnonymousUserID is the identity assumed when a caller presents no credentials.
const AnonymousUserID = "anonymous"

// Identity is what the authentication collaborator resolves credentials to.
type Identity struct {
	UserID string   `json:"userId"`
	Roles  []string `json:"roles"`
}

// Anonymous returns the default identity used when no credentials are presented.
func Anonymous() Identity {
	return Identity{UserID: AnonymousUserID}
}

// HasRole reports whether the identity holds role.
func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

// RequestContext describes a single tool invocation. It is created fresh for every
// call (including each inner call of a batch) and cannot be modified afterwards.
type RequestContext struct {
	userID        string
	roles         []string
	correlationID string
}

// NewRequestContext builds a RequestContext for identity with a newly generated correlation id.
func NewRequestContext(identity Identity) *RequestContext {
	return &RequestContext{
		userID:        identity.UserID,
		roles:         slices.Clone(identity.Roles),
		correlationID: uuid.NewString(),
	}
}

// UserID returns the caller's user id.
func (rc *RequestContext) UserID() string { return rc.userID }

// Roles returns a copy of the caller's roles.
func (rc *RequestContext) Roles() []string { return slices.Clone(rc.roles) }

// CorrelationID returns the per-call correlation id.
func (rc *RequestContext) CorrelationID() string { return rc.correlationID }

// Identity returns the identity the context was built from.
func (rc *RequestContext) Identity() Identity {
	return Identity{UserID: rc.userID, Roles: rc.Roles()}
}

// WithIdentity returns a new RequestContext for identity that keeps rc's correlation id.
func (rc *RequestContext) WithIdentity(identity Identity) *RequestContext {
	return &RequestContext{
		userID:        identity.UserID,
		roles:         slices.Clone(identity.Roles),
		correlationID: rc.correlationID,
	}
}

type requestContextKey struct{}

// WithRequestContext stores rc in ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom retrieves the RequestContext from ctx.
// Returns nil if none is set.
func RequestContextFrom(ctx context.Context) *RequestContext {
	if rc, ok := ctx.Value(requestContextKey{}).(*RequestContext); ok {
		return rc
	}
	return nil
}

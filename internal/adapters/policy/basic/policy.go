// Package basic provides a basic quality policy with no rate limiting.
package basic

import (
	"context"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/ports"
)

// Policy implements ports.QualityPolicy with no restrictions.
// It backs rate_limit.enabled=false.
type Policy struct{}

// NewPolicy creates a new basic policy.
func NewPolicy() *Policy {
	return &Policy{}
}

// CheckRequest always allows requests (no rate limiting).
func (p *Policy) CheckRequest(ctx context.Context, req *ports.PolicyRequest) (*ports.PolicyDecision, error) {
	return &ports.PolicyDecision{
		Allow:  true,
		Reason: "basic policy allows all requests",
	}, nil
}

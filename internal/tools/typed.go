package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
)

// Typed adapts a function over a concrete input type to Tool.
type Typed[In any] struct {
	Def    mcp.Tool
	Roles  []string
	Checks []Rule
	Run    func(ctx context.Context, rc *domain.RequestContext, in In) (any, error)
}

func (t *Typed[In]) Definition() mcp.Tool    { return t.Def }
func (t *Typed[In]) RequiredRoles() []string { return t.Roles }
func (t *Typed[In]) Rules() []Rule           { return t.Checks }

// Decode strictly unmarshals raw into In.
func (t *Typed[In]) Decode(raw json.RawMessage) (any, error) {
	var in In
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return nil, err
	}
	return in, nil
}

// Execute runs the tool body with a value produced by Decode.
func (t *Typed[In]) Execute(ctx context.Context, rc *domain.RequestContext, input any) (any, error) {
	in, ok := input.(In)
	if !ok {
		return nil, fmt.Errorf("tool %s: unexpected input type %T", t.Def.Name, input)
	}
	return t.Run(ctx, rc, in)
}

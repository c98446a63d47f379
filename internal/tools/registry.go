// Package tools holds the tool registry and the ERP tools served by the gateway.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/pkg/predicate"
)

// Tool is one invokable operation.
type Tool interface {
	// Definition is what tools/list advertises.
	Definition() mcp.Tool
	// RequiredRoles lists roles of which the caller needs any one. Empty means public.
	RequiredRoles() []string
	// Rules are boolean expressions over the arguments that must all hold.
	Rules() []Rule
	// Decode parses raw arguments into the tool's typed input.
	Decode(raw json.RawMessage) (any, error)
	// Execute runs the tool body.
	Execute(ctx context.Context, rc *domain.RequestContext, input any) (any, error)
}

// Rule is a declared validation rule. Expr is an expr-lang boolean
// expression evaluated with the argument object as its environment.
type Rule struct {
	Expr    string
	Message string
}

// Entry is a registered tool with its compiled schema.
type Entry struct {
	Tool   Tool
	name   string
	schema *jsonschema.Schema
	rules  *predicate.Evaluator
}

// Name returns the tool name.
func (e *Entry) Name() string { return e.name }

// Decode validates raw against the input schema and decodes it into the
// tool's typed input. It also returns the generic argument object for rules.
func (e *Entry) Decode(raw json.RawMessage) (any, map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = json.RawMessage("{}")
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, domain.ValidationError("arguments are not valid JSON: %v", err)
	}
	args, ok := doc.(map[string]any)
	if !ok {
		return nil, nil, domain.ValidationError("arguments must be a JSON object")
	}

	if err := e.schema.Validate(doc); err != nil {
		return nil, nil, domain.ValidationError("%s", schemaViolations(err))
	}

	input, err := e.Tool.Decode(raw)
	if err != nil {
		return nil, nil, domain.ValidationError("invalid arguments: %v", err)
	}
	return input, args, nil
}

// Validate runs every declared rule and reports all violations in one error.
func (e *Entry) Validate(args map[string]any) error {
	var violations []string
	for _, r := range e.Tool.Rules() {
		ok, err := e.rules.Evaluate(r.Expr, args)
		switch {
		case err != nil:
			violations = append(violations, fmt.Sprintf("%s (%v)", r.Message, err))
		case !ok:
			violations = append(violations, r.Message)
		}
	}
	if len(violations) > 0 {
		return domain.ValidationError("%s", strings.Join(violations, "; "))
	}
	return nil
}

func schemaViolations(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var msgs []string
	var walk func(v *jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			loc := v.InstanceLocation
			if loc == "" {
				loc = "arguments"
			}
			msgs = append(msgs, fmt.Sprintf("%s: %s", loc, v.Message))
			return
		}
		for _, c := range v.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(msgs, "; ")
}

// Registry holds the registered tools in registration order.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
	rules   *predicate.Evaluator
}

// NewRegistry creates an empty registry.
func NewRegistry(rules *predicate.Evaluator) *Registry {
	if rules == nil {
		rules = predicate.New()
	}
	return &Registry{
		entries: make(map[string]*Entry),
		rules:   rules,
	}
}

// Register compiles the tool's schema and rules and adds it.
func (r *Registry) Register(t Tool) error {
	def := t.Definition()
	if def.Name == "" {
		return fmt.Errorf("tool name required")
	}

	schemaDoc, err := json.Marshal(def.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %s: marshal input schema: %w", def.Name, err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://erp-mcp-gateway.local/tools/%s.schema.json", def.Name)
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaDoc)); err != nil {
		return fmt.Errorf("tool %s: load input schema: %w", def.Name, err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("tool %s: compile input schema: %w", def.Name, err)
	}

	for _, rule := range t.Rules() {
		if err := r.rules.Compile(rule.Expr); err != nil {
			return fmt.Errorf("tool %s: rule %q: %w", def.Name, rule.Expr, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	r.entries[def.Name] = &Entry{Tool: t, name: def.Name, schema: schema, rules: r.rules}
	r.order = append(r.order, def.Name)
	return nil
}

// Lookup returns the entry for name.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// List returns the definitions of every tool in registration order.
func (r *Registry) List() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].Tool.Definition())
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

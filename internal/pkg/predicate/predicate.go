// Package predicate compiles and evaluates boolean expr-lang expressions.
// It backs tool validation rules and webhook subscription filters.
package predicate

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"
)

// CacheSize bounds the number of compiled programs kept. Webhook filters are
// caller-supplied, so the cache must not grow with them.
const CacheSize = 1024

// Evaluator caches compiled programs by source text. Safe for concurrent use.
type Evaluator struct {
	cache *lru.Cache[string, *vm.Program]
}

// New creates a new Evaluator.
func New() *Evaluator {
	cache, _ := lru.New[string, *vm.Program](CacheSize)
	return &Evaluator{cache: cache}
}

// Compile checks that expression parses and yields a boolean.
func (e *Evaluator) Compile(expression string) error {
	_, err := e.compile(expression)
	return err
}

// Evaluate runs expression against env. An empty expression is true.
func (e *Evaluator) Evaluate(expression string, env map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, fmt.Errorf("compile %q: %w", expression, err)
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", expression, err)
	}

	ok, isBool := result.(bool)
	if !isBool {
		return false, fmt.Errorf("expression %q returned %T, want bool", expression, result)
	}
	return ok, nil
}

// Len returns the number of cached programs.
func (e *Evaluator) Len() int {
	return e.cache.Len()
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	if prog, ok := e.cache.Get(expression); ok {
		return prog, nil
	}

	prog, err := expr.Compile(expression,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.cache.Add(expression, prog)
	return prog, nil
}

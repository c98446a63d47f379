package pipeline

import (
	"context"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/tools"
)

// BatchToolName is the name the batch tool is registered under.
const BatchToolName = "execute_batch"

// BatchRequest is the input of one batch.
type BatchRequest struct {
	Calls       []Call `json:"calls"`
	StopOnError bool   `json:"stop_on_error,omitempty"`
	// MaxConcurrency lowers the configured concurrency cap for this batch.
	MaxConcurrency int `json:"max_concurrency,omitempty"`
}

// BatchResult holds one response per executed call, in input order.
type BatchResult struct {
	Results []*domain.ToolResponse `json:"results"`
	// Truncated is set when StopOnError cut the list after a failure.
	Truncated bool `json:"truncated"`
}

type batchKey struct{}

func inBatch(ctx context.Context) bool {
	v, _ := ctx.Value(batchKey{}).(bool)
	return v
}

// ExecuteBatch runs every call through the pipeline as identity. Calls run
// concurrently up to the concurrency cap but results keep input order. With
// StopOnError no further calls are started after a failure and the results
// end at the lowest failing index; calls already running still finish.
func (e *Executor) ExecuteBatch(ctx context.Context, identity domain.Identity, req BatchRequest) (*BatchResult, error) {
	if len(req.Calls) == 0 {
		return nil, domain.ValidationError("calls must not be empty")
	}
	if len(req.Calls) > e.cfg.MaxBatchCalls {
		return nil, domain.ValidationError("batch has %d calls, at most %d allowed", len(req.Calls), e.cfg.MaxBatchCalls)
	}

	limit := e.cfg.BatchConcurrency
	if req.MaxConcurrency > 0 && req.MaxConcurrency < limit {
		limit = req.MaxConcurrency
	}

	ctx = context.WithValue(ctx, batchKey{}, true)
	results := make([]*domain.ToolResponse, len(req.Calls))

	var (
		mu        sync.Mutex
		firstFail = -1
	)
	stopped := func(i int) bool {
		mu.Lock()
		defer mu.Unlock()
		return firstFail >= 0 && i > firstFail
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, call := range req.Calls {
		if req.StopOnError && stopped(i) {
			break
		}
		g.Go(func() error {
			if req.StopOnError && stopped(i) {
				return nil
			}
			resp := e.ExecuteAs(ctx, identity, call)
			results[i] = resp
			if !resp.Success {
				mu.Lock()
				if firstFail < 0 || i < firstFail {
					firstFail = i
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	out := &BatchResult{Results: results}
	if req.StopOnError && firstFail >= 0 && firstFail < len(results)-1 {
		out.Results = results[:firstFail+1]
		out.Truncated = true
	}
	return out, nil
}

// BatchTool exposes ExecuteBatch as a tool. Inner calls are authorized one
// by one, so the batch itself requires no role.
func BatchTool(e *Executor) tools.Tool {
	return &tools.Typed[BatchRequest]{
		Def: mcp.NewTool(BatchToolName,
			mcp.WithDescription("Run several tool calls in one request. Results are returned in call order."),
			mcp.WithArray("calls", mcp.Required(), mcp.Description("Tool calls to run"), mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tool":      map[string]any{"type": "string", "minLength": 1},
					"arguments": map[string]any{"type": "object"},
				},
				"required":             []string{"tool"},
				"additionalProperties": false,
			})),
			mcp.WithBoolean("stop_on_error", mcp.Description("Stop starting calls after the first failure")),
			mcp.WithNumber("max_concurrency", mcp.Description("Upper bound on calls running at once"), mcp.Min(1)),
		),
		Checks: []tools.Rule{
			{Expr: "len(calls) > 0", Message: "calls must not be empty"},
		},
		Run: func(ctx context.Context, rc *domain.RequestContext, in BatchRequest) (any, error) {
			return e.ExecuteBatch(ctx, rc.Identity(), in)
		},
	}
}

// RegisterBatch adds the batch tool to the executor's registry.
func RegisterBatch(e *Executor) error {
	return e.registry.Register(BatchTool(e))
}

func nestedBatch(ctx context.Context, call Call) error {
	if call.Tool == BatchToolName && inBatch(ctx) {
		return domain.ValidationError("%s cannot be nested", BatchToolName)
	}
	return nil
}

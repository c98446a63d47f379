package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/tools"
)

var alice = domain.Identity{UserID: "alice", Roles: []string{"sales"}}

func TestExecuteBatch_KeepsInputOrder(t *testing.T) {
	h := newHarness(t)

	var calls []Call
	for i := 1; i <= 8; i++ {
		calls = append(calls, call("order", fmt.Sprintf(`{"qty":%d}`, i)))
	}
	res, err := h.exec.ExecuteBatch(context.Background(), alice, BatchRequest{Calls: calls})
	require.NoError(t, err)

	require.Len(t, res.Results, 8)
	assert.False(t, res.Truncated)
	seen := map[string]bool{}
	for i, r := range res.Results {
		require.True(t, r.Success)
		assert.JSONEq(t, fmt.Sprintf(`{"qty":%d,"user":"alice"}`, i+1), string(r.Result))
		assert.False(t, seen[r.CorrelationID], "correlation ids are per call")
		seen[r.CorrelationID] = true
	}
	assert.Len(t, h.audit.all(), 8)
}

func TestExecuteBatch_StopOnError(t *testing.T) {
	h := newHarness(t)

	res, err := h.exec.ExecuteBatch(context.Background(), alice, BatchRequest{
		Calls: []Call{
			call("order", `{"qty":1}`),
			call("order", `{"qty":1,"fail":"business"}`),
			call("order", `{"qty":1}`),
		},
		StopOnError:    true,
		MaxConcurrency: 1,
	})
	require.NoError(t, err)

	require.LessOrEqual(t, len(res.Results), 2)
	require.Len(t, res.Results, 2)
	assert.True(t, res.Results[0].Success)
	assert.False(t, res.Results[1].Success)
	assert.Equal(t, domain.CodeCustomerBlocked, res.Results[1].Error.Code)
	assert.True(t, res.Truncated)
}

func TestExecuteBatch_StopOnErrorConcurrent(t *testing.T) {
	h := newHarness(t)

	res, err := h.exec.ExecuteBatch(context.Background(), alice, BatchRequest{
		Calls: []Call{
			call("order", `{"qty":1}`),
			call("order", `{"qty":1,"fail":"business"}`),
			call("order", `{"qty":1}`),
		},
		StopOnError: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.False(t, res.Results[1].Success)
}

func TestExecuteBatch_WithoutStopRunsEverything(t *testing.T) {
	h := newHarness(t)

	res, err := h.exec.ExecuteBatch(context.Background(), alice, BatchRequest{
		Calls: []Call{
			call("order", `{"qty":1,"fail":"business"}`),
			call("order", `{"qty":1}`),
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.False(t, res.Results[0].Success)
	assert.True(t, res.Results[1].Success)
}

func TestExecuteBatch_ConcurrencyCap(t *testing.T) {
	var running, peak atomic.Int32
	reg := tools.NewRegistry(nil)
	require.NoError(t, reg.Register(&tools.Typed[struct{}]{
		Def: mcp.NewTool("slow"),
		Run: func(context.Context, *domain.RequestContext, struct{}) (any, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return "ok", nil
		},
	}))
	exec := NewExecutor(reg, WithConfig(Config{BatchConcurrency: 3}))

	calls := make([]Call, 12)
	for i := range calls {
		calls[i] = Call{Tool: "slow"}
	}
	res, err := exec.ExecuteBatch(context.Background(), domain.Anonymous(), BatchRequest{Calls: calls})
	require.NoError(t, err)
	require.Len(t, res.Results, 12)
	assert.LessOrEqual(t, peak.Load(), int32(3))

	peak.Store(0)
	_, err = exec.ExecuteBatch(context.Background(), domain.Anonymous(), BatchRequest{Calls: calls, MaxConcurrency: 1})
	require.NoError(t, err)
	assert.Equal(t, int32(1), peak.Load())
}

func TestExecuteBatch_Limits(t *testing.T) {
	h := newHarness(t, WithConfig(Config{MaxBatchCalls: 2}))

	_, err := h.exec.ExecuteBatch(context.Background(), alice, BatchRequest{})
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))

	calls := []Call{call("order", `{"qty":1}`), call("order", `{"qty":1}`), call("order", `{"qty":1}`)}
	_, err = h.exec.ExecuteBatch(context.Background(), alice, BatchRequest{Calls: calls})
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))
}

func TestBatchTool_SharesOuterIdentity(t *testing.T) {
	h := newHarness(t)

	args := `{"calls":[{"tool":"order","arguments":{"qty":3}},{"tool":"order","arguments":{"qty":4}}]}`
	resp := h.exec.Execute(context.Background(), "sales-token", call(BatchToolName, args))
	require.True(t, resp.Success, "error: %+v", resp.Error)

	var out BatchResult
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	require.Len(t, out.Results, 2)
	for _, r := range out.Results {
		assert.True(t, r.Success)
		assert.Contains(t, string(r.Result), `"user":"alice"`)
		assert.NotEqual(t, resp.CorrelationID, r.CorrelationID)
	}

	recs := h.audit.all()
	require.Len(t, recs, 3, "two inner calls and the batch itself")
	assert.Equal(t, BatchToolName, recs[2].Tool)
}

func TestBatchTool_RejectsNesting(t *testing.T) {
	h := newHarness(t)

	args := `{"calls":[{"tool":"execute_batch","arguments":{"calls":[{"tool":"order","arguments":{"qty":1}}]}}]}`
	resp := h.exec.Execute(context.Background(), "sales-token", call(BatchToolName, args))
	require.True(t, resp.Success, "outer batch itself succeeds")

	var out BatchResult
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	require.Len(t, out.Results, 1)
	require.False(t, out.Results[0].Success)
	assert.Equal(t, domain.CodeValidation, out.Results[0].Error.Code)
	assert.NotContains(t, h.tr.get(), "execute")
}

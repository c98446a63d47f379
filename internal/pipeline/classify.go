package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tjfontaine/erp-mcp-gateway/internal/circuit"
	"github.com/tjfontaine/erp-mcp-gateway/internal/connector"
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
)

// Classify maps any error to the caller-facing taxonomy. Errors it does not
// recognise become INTERNAL_ERROR with the generic message.
func Classify(err error) *domain.ToolError {
	if err == nil {
		return nil
	}

	var te *domain.ToolError
	if errors.As(err, &te) {
		return te
	}

	var be *connector.BusinessError
	if errors.As(err, &be) {
		return be.ToolError()
	}

	var oe *circuit.OpenError
	if errors.As(err, &oe) {
		return domain.NewToolError(domain.CodeCircuitOpen,
			fmt.Sprintf("backend %s is unavailable, retry after %s", oe.Name, oe.RetryAfter.Round(time.Second)))
	}
	if errors.Is(err, circuit.ErrOpen) {
		return domain.NewToolError(domain.CodeCircuitOpen, "backend is unavailable")
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewToolError(domain.CodeERP, "backend request timed out")
	}
	if connector.IsTransportError(err) {
		return domain.NewToolError(domain.CodeERP, "backend request failed")
	}

	return domain.InternalError()
}

// panicError carries a recovered panic value.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

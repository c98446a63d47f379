// Package domain provides the canonical types shared by every layer of the gateway.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a member of the closed error taxonomy surfaced to callers.
type ErrorCode string

const (
	// CodeValidation indicates bad input. Never retried automatically.
	CodeValidation ErrorCode = "VALIDATION_ERROR"

	// CodeCircuitOpen indicates a backend dependency is unavailable and the caller should back off.
	CodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"

	// CodeRateLimitExceeded indicates the caller's token bucket is empty.
	CodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// CodeForbidden indicates an authentication or authorization failure.
	CodeForbidden ErrorCode = "FORBIDDEN"

	// CodeInternal indicates an unexpected failure. The message is deliberately generic.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// Domain codes passed through from backend operations.
	CodeNotFound            ErrorCode = "NOT_FOUND_ERROR"
	CodeCustomerBlocked     ErrorCode = "CUSTOMER_BLOCKED_ERROR"
	CodeCreditLimitExceeded ErrorCode = "CREDIT_LIMIT_EXCEEDED_ERROR"
	CodeInsufficientStock   ErrorCode = "INSUFFICIENT_STOCK_ERROR"
	CodeERP                 ErrorCode = "ERP_ERROR"
)

// internalMessage is what callers see for CodeInternal; details stay in the logs.
const internalMessage = "an internal error occurred"

// ToolError is the error carried by a failed ToolResponse.
type ToolError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatusCode returns the HTTP status used by the REST surface for this error.
func (e *ToolError) HTTPStatusCode() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeForbidden:
		return http.StatusForbidden
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeCircuitOpen:
		return http.StatusServiceUnavailable
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

// NewToolError creates a new tool error.
func NewToolError(code ErrorCode, message string) *ToolError {
	return &ToolError{Code: code, Message: message}
}

// ValidationError creates a VALIDATION_ERROR.
func ValidationError(format string, args ...any) *ToolError {
	return &ToolError{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// ForbiddenError creates a FORBIDDEN error.
func ForbiddenError(message string) *ToolError {
	return &ToolError{Code: CodeForbidden, Message: message}
}

// InternalError creates an INTERNAL_ERROR with the generic message.
func InternalError() *ToolError {
	return &ToolError{Code: CodeInternal, Message: internalMessage}
}

// CodeOf returns the taxonomy code carried by err, or CodeInternal if err is not a ToolError.
func CodeOf(err error) ErrorCode {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeInternal
}

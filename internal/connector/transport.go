// Package connector talks to the ERP backend through interchangeable transports.
//
// Every transport speaks the same capability interface: a service operation
// with an XML-marshalable request body and an XML response body. The Adapter
// picks a transport, guards each call with that transport's circuit breaker and
// falls back to the other transport on transport-level failures.
package connector

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/tjfontaine/erp-mcp-gateway/internal/circuit"
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
)

// Request is one backend service operation.
type Request struct {
	Service   string
	Operation string
	// Body is marshaled with encoding/xml.
	Body any
	// CorrelationID is forwarded to the backend for tracing.
	CorrelationID string
}

// Action returns the SOAP action URI for the request.
func (r *Request) Action() string {
	return fmt.Sprintf("http://schemas.microsoft.com/dynamics/2008/01/services/%s/%s", r.Service, r.Operation)
}

// Response carries the raw XML body returned by the backend.
type Response struct {
	Transport string
	Body      []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if err := xml.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", r.Transport, err)
	}
	return nil
}

// Transport is one way of reaching the backend.
type Transport interface {
	Name() string
	Call(ctx context.Context, req *Request) (*Response, error)
}

// TransportErrorKind classifies a transport failure.
type TransportErrorKind string

const (
	KindTimeout    TransportErrorKind = "timeout"
	KindConnection TransportErrorKind = "connection"
	KindFault      TransportErrorKind = "fault"
)

// TransportError is a failure to reach the backend or a backend-side fault.
// It is eligible for transport fallback and counts against the breaker.
type TransportError struct {
	Transport string
	Kind      TransportErrorKind
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport %s: %v", e.Transport, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BusinessError is a rejection by the backend's business logic. It proves the
// backend is reachable, so it never triggers fallback or trips a breaker.
type BusinessError struct {
	Code    domain.ErrorCode
	Message string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ToolError converts the business error to the caller-facing taxonomy.
func (e *BusinessError) ToolError() *domain.ToolError {
	return domain.NewToolError(e.Code, e.Message)
}

// IsBusinessError reports whether err is a backend business rejection.
func IsBusinessError(err error) bool {
	var be *BusinessError
	return errors.As(err, &be)
}

// IsTransportError reports whether err is a transport-level failure: a timeout,
// a connection problem, a backend fault or an open circuit.
func IsTransportError(err error) bool {
	if err == nil || IsBusinessError(err) {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, circuit.ErrOpen) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// countsAsFailure is the breaker predicate: everything except business
// rejections and caller cancellation counts.
func countsAsFailure(err error) bool {
	return err != nil && !IsBusinessError(err) && !errors.Is(err, context.Canceled)
}

// Classify wraps a raw error from a network client as a TransportError.
func Classify(transport string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) || IsBusinessError(err) {
		return err
	}
	kind := KindConnection
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = KindTimeout
	}
	return &TransportError{Transport: transport, Kind: kind, Err: err}
}

// BusinessCode maps a backend error code to the caller-facing taxonomy.
func BusinessCode(erpCode string) domain.ErrorCode {
	switch strings.ToUpper(strings.TrimSpace(erpCode)) {
	case "NOT_FOUND", "RECORD_NOT_FOUND":
		return domain.CodeNotFound
	case "CUSTOMER_BLOCKED", "BLOCKED":
		return domain.CodeCustomerBlocked
	case "CREDIT_LIMIT_EXCEEDED", "CREDIT_EXCEEDED":
		return domain.CodeCreditLimitExceeded
	case "INSUFFICIENT_STOCK", "OUT_OF_STOCK":
		return domain.CodeInsufficientStock
	case "VALIDATION", "INVALID_ARGUMENT":
		return domain.CodeValidation
	default:
		return domain.CodeERP
	}
}

package domain

import "encoding/json"

// ToolResponse is the uniform envelope returned for every tool invocation.
// Clients branch on Success; failures are data, never panics or raw errors.
type ToolResponse struct {
	Success       bool            `json:"success"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *ToolError      `json:"error,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// Succeeded builds a successful response carrying result.
func Succeeded(result json.RawMessage) *ToolResponse {
	return &ToolResponse{Success: true, Result: result}
}

// Failed builds a failed response carrying err.
func Failed(err *ToolError) *ToolResponse {
	return &ToolResponse{Success: false, Error: err}
}

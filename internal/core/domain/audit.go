package domain

import (
	"encoding/json"
	"time"
)

// AuditRecord is emitted exactly once for every tool invocation, success or failure.
type AuditRecord struct {
	ID            string          `json:"id"`
	Tool          string          `json:"tool"`
	UserID        string          `json:"userId"`
	CorrelationID string          `json:"correlationId"`
	Timestamp     time.Time       `json:"timestamp"`
	Success       bool            `json:"success"`
	Duration      time.Duration   `json:"durationNs"`
	Input         json.RawMessage `json:"input,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	ErrorCode     ErrorCode       `json:"errorCode,omitempty"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`
}

// Truncate returns b cut to at most limit bytes. Truncated payloads are no longer
// valid JSON, so they are re-encoded as a JSON string.
func Truncate(b json.RawMessage, limit int) json.RawMessage {
	if limit <= 0 || len(b) <= limit {
		return b
	}
	s, err := json.Marshal(string(b[:limit]) + "...(truncated)")
	if err != nil {
		return nil
	}
	return s
}

// Package logsink writes audit records to a structured logger.
package logsink

import (
	"context"
	"log/slog"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
)

// Sink implements ports.AuditSink on top of slog.
type Sink struct {
	logger *slog.Logger
}

// New creates a Sink. A nil logger uses slog.Default.
func New(logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{logger: logger.With(slog.String("component", "audit"))}
}

// Record logs one audit line. Failed calls are logged at Warn.
func (s *Sink) Record(ctx context.Context, r *domain.AuditRecord) error {
	attrs := []slog.Attr{
		slog.String("audit_id", r.ID),
		slog.String("tool", r.Tool),
		slog.String("user_id", r.UserID),
		slog.String("correlation_id", r.CorrelationID),
		slog.Bool("success", r.Success),
		slog.Duration("duration", r.Duration),
	}
	level := slog.LevelInfo
	if !r.Success {
		level = slog.LevelWarn
		attrs = append(attrs,
			slog.String("error_code", string(r.ErrorCode)),
			slog.String("error_message", r.ErrorMessage))
	}
	s.logger.LogAttrs(ctx, level, "tool invocation", attrs...)
	return nil
}

package logsink

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
)

func TestSink_Record(t *testing.T) {
	var buf bytes.Buffer
	sink := New(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := sink.Record(context.Background(), &domain.AuditRecord{
		ID:            "a1",
		Tool:          "create_sales_order",
		UserID:        "alice",
		CorrelationID: "c1",
		Success:       false,
		Duration:      time.Millisecond,
		ErrorCode:     domain.CodeCreditLimitExceeded,
		ErrorMessage:  "over limit",
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", line["level"])
	}
	if line["tool"] != "create_sales_order" || line["user_id"] != "alice" || line["error_code"] != string(domain.CodeCreditLimitExceeded) {
		t.Errorf("unexpected fields: %v", line)
	}
	if line["component"] != "audit" {
		t.Errorf("component = %v", line["component"])
	}
}

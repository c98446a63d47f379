package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
)

// Payload is the body POSTed to subscribers.
type Payload struct {
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// BuildPayload renders event as a delivery body. The timestamp is the
// event's own occurrence time, or now if the event carries none.
func BuildPayload(event domain.Event, now time.Time) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", event.EventType(), err)
	}
	ts := event.OccurredAt()
	if ts.IsZero() {
		ts = now
	}
	return json.Marshal(Payload{
		Event:     event.EventType(),
		Timestamp: ts.UTC(),
		Data:      data,
	})
}

// filterEnv exposes a payload to subscription filters as {event, data}.
func filterEnv(payload []byte) (map[string]any, error) {
	var p struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	return map[string]any{"event": p.Event, "data": p.Data}, nil
}

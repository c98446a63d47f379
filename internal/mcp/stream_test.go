package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/tools"
)

// lineWriter collects reply lines and signals when a reply for id arrives.
type lineWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	watchID string
	seen    chan struct{}
	once    sync.Once
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen != nil && bytes.Contains(p, []byte(`"id":`+w.watchID)) {
		w.once.Do(func() { close(w.seen) })
	}
	return w.buf.Write(p)
}

func (w *lineWriter) lines(t *testing.T) []map[string]any {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(w.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestStreamServer_RepliesPerRequest(t *testing.T) {
	d := newDispatcher(t)
	in := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		``,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"greet","arguments":{"name":"bo"}}}`,
		`not json`,
	}, "\n")
	w := &lineWriter{}

	err := NewStreamServer(d, "", nil).Serve(context.Background(), strings.NewReader(in), w)
	require.NoError(t, err)

	lines := w.lines(t)
	require.Len(t, lines, 3)
	ids := map[any]bool{}
	for _, l := range lines {
		ids[l["id"]] = true
	}
	assert.Equal(t, map[any]bool{float64(1): true, float64(2): true, nil: true}, ids)
}

func TestStreamServer_SlowCallDoesNotBlockReading(t *testing.T) {
	release := make(chan struct{})
	slow := &tools.Typed[struct{}]{
		Def: mcp.NewTool("slow"),
		Run: func(ctx context.Context, _ *domain.RequestContext, _ struct{}) (any, error) {
			select {
			case <-release:
				return "done", nil
			case <-time.After(2 * time.Second):
				return nil, errors.New("slow call was never released")
			}
		},
	}
	d := newDispatcher(t, slow)
	w := &lineWriter{watchID: "2", seen: release}

	in := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"slow"}}` + "\n" +
		`{"jsonrpc":"2.0","id":2,"method":"ping"}` + "\n"
	require.NoError(t, NewStreamServer(d, "", nil).Serve(context.Background(), strings.NewReader(in), w))

	lines := w.lines(t)
	require.Len(t, lines, 2)
	assert.Equal(t, float64(2), lines[0]["id"], "ping answered while the slow call was running")
	assert.Equal(t, float64(1), lines[1]["id"])
	assert.Contains(t, lines[1], "result")
}

func TestStreamServer_CancelWhileInputIdle(t *testing.T) {
	d := newDispatcher(t)
	pr, pw := io.Pipe()
	defer pw.Close()
	w := &lineWriter{watchID: "1", seen: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewStreamServer(d, "", nil).Serve(ctx, pr, w) }()

	_, err := io.WriteString(pw, `{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n")
	require.NoError(t, err)
	select {
	case <-w.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("no reply to ping")
	}

	// Nothing more is written, so the reader stays blocked on the pipe.
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation with idle input")
	}
}

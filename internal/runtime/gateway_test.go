package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/erp-mcp-gateway/internal/adapters/auth/apikey"
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/ports"
	"github.com/tjfontaine/erp-mcp-gateway/internal/pipeline"
	"github.com/tjfontaine/erp-mcp-gateway/internal/pkg/config"
	"github.com/tjfontaine/erp-mcp-gateway/internal/storage/memory"
	"github.com/tjfontaine/erp-mcp-gateway/internal/webhook"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	cfg.Storage.Driver = "memory"
	cfg.ERP.Backend = "stub"
	cfg.Auth.Mode = "none"
	return cfg
}

func newGateway(t *testing.T, cfg *config.Config, opts ...Option) *Gateway {
	t.Helper()
	gw, err := New(append([]Option{WithConfig(cfg)}, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { gw.Close() })
	return gw
}

func call(tool, args string) pipeline.Call {
	return pipeline.Call{Tool: tool, Arguments: json.RawMessage(args)}
}

func TestGateway_New_StubBackend(t *testing.T) {
	store := memory.New()
	gw := newGateway(t, testConfig(t), WithStorageProvider(store))

	if got := gw.Executor().Registry().Len(); got != 6 {
		t.Errorf("expected 5 ERP tools plus batch, got %d", got)
	}

	resp := gw.Executor().Execute(context.Background(), "", call("get_customer", `{"customer_id":"C-1001"}`))
	if !resp.Success {
		t.Fatalf("get_customer failed: %+v", resp.Error)
	}
	if !strings.Contains(string(resp.Result), "Contoso") {
		t.Errorf("unexpected result: %s", resp.Result)
	}

	records, err := store.ListAuditRecords(context.Background(), ports.AuditListOptions{})
	if err != nil {
		t.Fatalf("ListAuditRecords failed: %v", err)
	}
	if len(records) != 1 || records[0].Tool != "get_customer" {
		t.Errorf("expected one audit record for get_customer, got %+v", records)
	}
}

func TestGateway_New_AnonymousCannotWrite(t *testing.T) {
	gw := newGateway(t, testConfig(t))

	resp := gw.Executor().Execute(context.Background(), "", call("adjust_inventory",
		`{"item_id":"ITEM-100","delta":5,"reason":"recount"}`))
	if resp.Success {
		t.Fatal("expected anonymous write to be rejected")
	}
	if resp.Error.Code != domain.CodeForbidden {
		t.Errorf("expected %s, got %s", domain.CodeForbidden, resp.Error.Code)
	}
}

func TestGateway_New_InvalidSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"storage driver", func(c *config.Config) { c.Storage.Driver = "mysql" }},
		{"erp backend", func(c *config.Config) { c.ERP.Backend = "mainframe" }},
		{"transport mode", func(c *config.Config) { c.ERP.Transport = "carrier-pigeon" }},
		{"auth mode", func(c *config.Config) { c.Auth.Mode = "kerberos" }},
		{"jwt without secret", func(c *config.Config) { c.Auth.Mode = "jwt"; c.Auth.JWT.Secret = "" }},
		{"idempotency backend", func(c *config.Config) { c.Idempotency.Backend = "etcd" }},
		{"rate limit backend", func(c *config.Config) { c.RateLimit.Enabled = true; c.RateLimit.Backend = "memcached" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			if _, err := New(WithConfig(cfg)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestGateway_New_SQLiteStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.DSN = filepath.Join(t.TempDir(), "gw.db")
	cfg.Idempotency.Backend = "sql"

	gw := newGateway(t, cfg)
	resp := gw.Executor().Execute(context.Background(), "", call("check_inventory", `{"item_id":"ITEM-100"}`))
	if !resp.Success {
		t.Fatalf("check_inventory failed: %+v", resp.Error)
	}
}

func TestGateway_APIKeyAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Mode = "apikey"
	cfg.Auth.APIKeys = []config.APIKeyConfig{
		{KeyHash: apikey.HashAPIKey("sk-warehouse"), UserID: "dana", Roles: []string{"warehouse"}},
	}
	gw := newGateway(t, cfg)
	ctx := context.Background()
	adjust := call("adjust_inventory", `{"item_id":"ITEM-100","delta":5,"reason":"recount"}`)

	if resp := gw.Executor().Execute(ctx, "sk-wrong", adjust); resp.Success || resp.Error.Code != domain.CodeForbidden {
		t.Errorf("expected unknown key to be forbidden, got %+v", resp)
	}
	if resp := gw.Executor().Execute(ctx, "sk-warehouse", adjust); !resp.Success {
		t.Errorf("expected warehouse key to adjust stock, got %+v", resp.Error)
	}
}

func TestGateway_RateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.Backend = "memory"
	cfg.RateLimit.Capacity = 1
	cfg.RateLimit.Interval = time.Hour
	gw := newGateway(t, cfg)

	ctx := context.Background()
	get := call("get_customer", `{"customer_id":"C-1001"}`)
	if resp := gw.Executor().Execute(ctx, "", get); !resp.Success {
		t.Fatalf("first call failed: %+v", resp.Error)
	}
	resp := gw.Executor().Execute(ctx, "", get)
	if resp.Success || resp.Error.Code != domain.CodeRateLimitExceeded {
		t.Errorf("expected second call to be rate limited, got %+v", resp)
	}
}

func TestGateway_ServeStdio(t *testing.T) {
	gw := newGateway(t, testConfig(t))

	in := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"get_customer","arguments":{"customer_id":"C-1002"}}}`,
	}, "\n") + "\n"

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- gw.ServeStdio(context.Background(), strings.NewReader(in), pw)
		pw.Close()
	}()

	seen := map[float64]string{}
	scanner := bufio.NewScanner(pr)
	for scanner.Scan() {
		var env map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			t.Fatalf("invalid reply %q: %v", scanner.Text(), err)
		}
		id, _ := env["id"].(float64)
		seen[id] = scanner.Text()
	}
	if err := <-done; err != nil {
		t.Fatalf("ServeStdio failed: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("expected 2 replies, got %d: %v", len(seen), seen)
	}
	if !strings.Contains(seen[1], ServiceName) {
		t.Errorf("initialize reply missing server name: %s", seen[1])
	}
	if !strings.Contains(seen[2], "Fabrikam") {
		t.Errorf("tools/call reply missing customer: %s", seen[2])
	}
}

func TestGateway_ReloadsAPIKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	write := func(key string) {
		t.Helper()
		content := "storage:\n  driver: memory\nauth:\n  mode: apikey\n  api_keys:\n" +
			"    - key_hash: " + apikey.HashAPIKey(key) + "\n      user_id: ops\n      roles: [admin]\n"
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	write("sk-old")

	gw, err := New(WithFileConfig(path))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer gw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.start(ctx)

	get := call("get_customer", `{"customer_id":"C-1001"}`)
	if resp := gw.Executor().Execute(ctx, "sk-old", get); !resp.Success {
		t.Fatalf("old key rejected before reload: %+v", resp.Error)
	}

	write("sk-new")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if resp := gw.Executor().Execute(ctx, "sk-new", get); resp.Success {
			if resp := gw.Executor().Execute(ctx, "sk-old", get); resp.Success {
				t.Error("old key still accepted after reload")
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("new key not accepted after config change")
}

// gatedStore holds subscription lookups until release is closed.
type gatedStore struct {
	*memory.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) ListActiveSubscriptions(ctx context.Context, eventType string) ([]*domain.WebhookSubscription, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.Store.ListActiveSubscriptions(ctx, eventType)
}

func TestGateway_CloseDeliversInFlightEvents(t *testing.T) {
	var hits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer target.Close()

	cfg := testConfig(t)
	cfg.Webhooks.AllowPrivateTargets = true
	store := &gatedStore{Store: memory.New(), entered: make(chan struct{}), release: make(chan struct{})}
	gw, err := New(WithConfig(cfg), WithStorageProvider(store))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	if _, err := gw.Webhooks().Subscribe(ctx, webhook.SubscribeRequest{
		EventType: domain.EventOrderCreated,
		URL:       target.URL,
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := gw.Events().Publish(ctx, domain.OrderCreated{OrderID: "SO-1", At: time.Now()}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	<-store.entered

	closed := make(chan error, 1)
	go func() { closed <- gw.Close() }()
	time.Sleep(50 * time.Millisecond)
	close(store.release)

	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("expected the in-flight event to be delivered before shutdown, got %d deliveries", got)
	}
}

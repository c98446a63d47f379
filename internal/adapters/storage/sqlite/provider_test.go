package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/ports"
)

func TestNewProvider(t *testing.T) {
	provider, err := NewProvider(":memory:")
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	defer provider.Close()

	var _ ports.StorageProvider = provider
}

func TestNewProvider_InvalidPath(t *testing.T) {
	_, err := NewProvider("/invalid/path/that/does/not/exist/test.db")
	if err == nil {
		t.Error("Expected error for invalid path")
	}
}

func TestProvider_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "erpgw.db")
	ctx := context.Background()

	p, err := NewProvider(path)
	if err != nil {
		t.Fatal(err)
	}
	sub := &domain.WebhookSubscription{ID: "sub-1", EventType: domain.EventOrderCreated, URL: "https://example.com", Active: true}
	if err := p.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	p, err = NewProvider(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p.Close()
	if _, err := p.GetSubscription(ctx, "sub-1"); err != nil {
		t.Errorf("subscription lost after reopen: %v", err)
	}
}

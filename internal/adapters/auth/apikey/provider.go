// Package apikey provides API key-based authentication.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"slices"
	"sync"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/pkg/config"
)

// ErrInvalidKey is returned for unknown or empty keys.
var ErrInvalidKey = errors.New("invalid API key")

// Provider implements ports.AuthProvider by looking up the SHA-256 hash of a
// presented key in the configured key table.
type Provider struct {
	mu   sync.RWMutex
	keys map[string]domain.Identity // keyHash -> identity
}

// NewProvider creates a provider for keys.
func NewProvider(keys []config.APIKeyConfig) *Provider {
	p := &Provider{}
	p.load(keys)
	return p
}

// Authenticate resolves an API key to the identity it was issued to.
func (p *Provider) Authenticate(ctx context.Context, token string) (*domain.Identity, error) {
	if token == "" {
		return nil, ErrInvalidKey
	}
	keyHash := HashAPIKey(token)

	p.mu.RLock()
	defer p.mu.RUnlock()

	for hash, id := range p.keys {
		if subtle.ConstantTimeCompare([]byte(keyHash), []byte(hash)) == 1 {
			return &domain.Identity{UserID: id.UserID, Roles: slices.Clone(id.Roles)}, nil
		}
	}
	return nil, ErrInvalidKey
}

// ReloadFromConfig replaces the key table. It is called when the config file
// changes.
func (p *Provider) ReloadFromConfig(cfg *config.Config) error {
	p.load(cfg.Auth.APIKeys)
	return nil
}

func (p *Provider) load(keys []config.APIKeyConfig) {
	m := make(map[string]domain.Identity, len(keys))
	for _, k := range keys {
		if k.KeyHash == "" || k.UserID == "" {
			continue
		}
		m[k.KeyHash] = domain.Identity{UserID: k.UserID, Roles: slices.Clone(k.Roles)}
	}

	p.mu.Lock()
	p.keys = m
	p.mu.Unlock()
}

// HashAPIKey creates a SHA-256 hash of an API key for storage.
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

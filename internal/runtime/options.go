package runtime

import (
	"fmt"
	"log/slog"

	"github.com/tjfontaine/erp-mcp-gateway/internal/adapters/config/file"
	"github.com/tjfontaine/erp-mcp-gateway/internal/connector"
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/ports"
	"github.com/tjfontaine/erp-mcp-gateway/internal/pkg/config"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig loads configuration from path and reloads API keys when the
// file changes.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		provider, err := file.NewProvider(path, g.logger)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		g.source = provider
		return nil
	}
}

// WithConfig uses an already loaded configuration. No reload happens.
func WithConfig(cfg *config.Config) Option {
	return func(g *Gateway) error {
		g.cfg = cfg
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(g *Gateway) error {
		g.source = provider
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithAuthProvider replaces the provider selected by auth.mode.
func WithAuthProvider(provider ports.AuthProvider) Option {
	return func(g *Gateway) error {
		g.auth = provider
		return nil
	}
}

// WithStorageProvider replaces the store selected by storage.driver.
func WithStorageProvider(provider ports.StorageProvider) Option {
	return func(g *Gateway) error {
		g.storage = provider
		return nil
	}
}

// WithQualityPolicy replaces the rate limiter selected by rate_limit.backend.
func WithQualityPolicy(policy ports.QualityPolicy) Option {
	return func(g *Gateway) error {
		g.policy = policy
		return nil
	}
}

// WithIdempotencyStore replaces the store selected by idempotency.backend.
func WithIdempotencyStore(store ports.IdempotencyStore) Option {
	return func(g *Gateway) error {
		g.idem = store
		return nil
	}
}

// WithTransports replaces the ERP transports selected by erp.backend.
// alternate may be nil.
func WithTransports(primary, alternate connector.Transport) Option {
	return func(g *Gateway) error {
		if primary == nil {
			return fmt.Errorf("primary transport required")
		}
		g.primary, g.alternate = primary, alternate
		return nil
	}
}

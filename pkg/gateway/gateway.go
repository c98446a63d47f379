// Package gateway provides the public API for embedding the ERP MCP gateway.
// This is the stable API for external consumers.
package gateway

import (
	"github.com/tjfontaine/erp-mcp-gateway/internal/runtime"
)

// Gateway owns the gateway's components and their lifecycle.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithFileConfig("config.yaml"),
//	)
//	if err != nil { ... }
//	defer gw.Close()
//	err = gw.Run(ctx)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfig         = runtime.WithConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Component overrides
	WithLogger           = runtime.WithLogger
	WithAuthProvider     = runtime.WithAuthProvider
	WithStorageProvider  = runtime.WithStorageProvider
	WithQualityPolicy    = runtime.WithQualityPolicy
	WithIdempotencyStore = runtime.WithIdempotencyStore
	WithTransports       = runtime.WithTransports
)

// Package sqlite provides the default durable StorageProvider.
package sqlite

import (
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/ports"
	"github.com/tjfontaine/erp-mcp-gateway/internal/storage/sqldb"
)

// Provider implements ports.StorageProvider on a SQLite file.
type Provider struct {
	*sqldb.Store
}

// NewProvider opens (creating if needed) the database at path.
func NewProvider(path string) (*Provider, error) {
	store, err := sqldb.NewSQLite(path)
	if err != nil {
		return nil, err
	}
	return &Provider{Store: store}, nil
}

var _ ports.StorageProvider = (*Provider)(nil)

// Package storesink persists audit records and fans them out to other sinks.
package storesink

import (
	"context"
	"errors"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/ports"
)

// Sink implements ports.AuditSink by saving to an AuditStore.
type Sink struct {
	store ports.AuditStore
}

// New creates a Sink backed by store.
func New(store ports.AuditStore) *Sink {
	return &Sink{store: store}
}

func (s *Sink) Record(ctx context.Context, r *domain.AuditRecord) error {
	return s.store.SaveAuditRecord(ctx, r)
}

// Multi records to every sink and joins their errors.
type Multi []ports.AuditSink

func (m Multi) Record(ctx context.Context, r *domain.AuditRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

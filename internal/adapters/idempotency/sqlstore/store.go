// Package sqlstore adapts the relational idempotency table to ports.IdempotencyStore.
package sqlstore

import (
	"context"
	"errors"
	"time"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/ports"
)

// Store implements ports.IdempotencyStore on top of a ports.IdempotencyRecordStore.
type Store struct {
	records ports.IdempotencyRecordStore
	now     func() time.Time
}

// New creates a Store.
func New(records ports.IdempotencyRecordStore) *Store {
	return &Store{records: records, now: time.Now}
}

// Get returns the value for key if present and unexpired, purging it otherwise.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, expiresAt, err := s.records.GetIdempotencyRecord(ctx, key)
	if errors.Is(err, ports.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !s.now().Before(expiresAt) {
		if err := s.records.DeleteIdempotencyRecord(ctx, key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return v, true, nil
}

// Set stores value until now+ttl.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.records.PutIdempotencyRecord(ctx, key, value, s.now().Add(ttl))
}

// Exists reports whether an unexpired entry exists for key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

// Sweep deletes every expired record.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	return s.records.PurgeExpiredIdempotencyRecords(ctx, s.now())
}

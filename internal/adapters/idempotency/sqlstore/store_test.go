package sqlstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/ports"
)

type record struct {
	value     []byte
	expiresAt time.Time
}

type fakeRecords struct {
	mu      sync.Mutex
	records map[string]record
	deleted []string
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{records: make(map[string]record)}
}

func (f *fakeRecords) GetIdempotencyRecord(_ context.Context, key string) ([]byte, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[key]
	if !ok {
		return nil, time.Time{}, ports.ErrNotFound
	}
	return r.value, r.expiresAt, nil
}

func (f *fakeRecords) PutIdempotencyRecord(_ context.Context, key string, value []byte, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[key] = record{value: value, expiresAt: expiresAt}
	return nil
}

func (f *fakeRecords) DeleteIdempotencyRecord(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeRecords) PurgeExpiredIdempotencyRecords(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k, r := range f.records {
		if !now.Before(r.expiresAt) {
			delete(f.records, k)
			n++
		}
	}
	return n, nil
}

func TestStore_ExpiryPurgesRecord(t *testing.T) {
	ctx := context.Background()
	records := newFakeRecords()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(records)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"k"}, records.deleted)
}

func TestStore_Sweep(t *testing.T) {
	ctx := context.Background()
	records := newFakeRecords()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(records)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), time.Hour))
	now = now.Add(time.Minute)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

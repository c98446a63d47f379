package sqldb

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/storage/dialect"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	d, err := dialect.New(dialect.Postgres)
	require.NoError(t, err)
	return NewWithDB(sqlx.NewDb(db, "postgres"), d), mock
}

func TestPostgres_PutIdempotencyRecordUsesUpsert(t *testing.T) {
	store, mock := newMockStore(t)
	expires := time.Now().Add(time.Hour)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO idempotency_records (key, value, expires_at) VALUES ($1, $2, $3) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`)).
		WithArgs("create_sales_order:alice:k1", []byte(`{"orderId":"SO-1"}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.PutIdempotencyRecord(context.Background(), "create_sales_order:alice:k1", []byte(`{"orderId":"SO-1"}`), expires)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RecordSubscriptionOutcome(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Now()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE webhook_subscriptions SET failure_count = failure_count + 1`)).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "sub-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE webhook_subscriptions SET success_count = success_count + 1`)).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "sub-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.RecordSubscriptionOutcome(context.Background(), "sub-1", false, at))
	assert.Error(t, store.RecordSubscriptionOutcome(context.Background(), "sub-2", true, at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListActiveSubscriptions(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "event_type", "url", "secret", "filter_expr", "max_retries", "backoff_ms", "exponential", "active",
		"success_count", "failure_count", "last_triggered_at", "created_at", "updated_at",
	}).AddRow("sub-1", domain.EventInventoryAdjusted, "https://example.com", "", "", 5, int64(1000), false, true, int64(2), int64(0), nil, now, now)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM webhook_subscriptions
WHERE event_type = $1 AND active = $2`)).
		WithArgs(domain.EventInventoryAdjusted, true).
		WillReturnRows(rows)

	subs, err := store.ListActiveSubscriptions(context.Background(), domain.EventInventoryAdjusted)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, time.Second, subs[0].RetryPolicy.Backoff)
	assert.Equal(t, 5, subs[0].RetryPolicy.MaxRetries)
	assert.Nil(t, subs[0].LastTriggeredAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MigrateUsesDialectTypes(t *testing.T) {
	store, mock := newMockStore(t)
	mock.MatchExpectationsInOrder(true)

	mock.ExpectExec(`(?s)CREATE TABLE IF NOT EXISTS webhook_subscriptions .*exponential BOOLEAN.*TIMESTAMP WITH TIME ZONE`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`(?s)CREATE TABLE IF NOT EXISTS webhook_deliveries .*payload BYTEA`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	for range schema[2:] {
		mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, store.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

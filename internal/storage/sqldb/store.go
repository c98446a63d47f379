// Package sqldb is the relational StorageProvider. It runs on SQLite or
// PostgreSQL through the dialect package.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/ports"
	"github.com/tjfontaine/erp-mcp-gateway/internal/storage/dialect"
)

// DefaultListLimit bounds list queries that do not set a limit.
const DefaultListLimit = 100

// Store is a SQL implementation of ports.StorageProvider.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
	now     func() time.Time
}

var _ ports.StorageProvider = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // sqlite or postgres
	DSN    string // data source name / connection string
}

// New opens the database described by cfg and creates the schema.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d.Name() == string(dialect.SQLite) {
		// One writer avoids SQLITE_BUSY under concurrent webhook updates.
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := NewWithDB(db, d)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewSQLite opens a SQLite database at path.
func NewSQLite(path string) (*Store, error) {
	return New(Config{Driver: string(dialect.SQLite), DSN: path})
}

// NewWithDB wraps an already open database. The schema is not touched.
func NewWithDB(db *sqlx.DB, d dialect.Dialect) *Store {
	return &Store{db: db, dialect: d, now: time.Now}
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	r := strings.NewReplacer(
		"{{bool}}", s.dialect.BooleanType(),
		"{{ts}}", s.dialect.TimestampType(),
		"{{blob}}", s.dialect.BlobType(),
	)
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, r.Replace(stmt)); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
id TEXT PRIMARY KEY,
event_type TEXT NOT NULL,
url TEXT NOT NULL,
secret TEXT NOT NULL DEFAULT '',
filter_expr TEXT NOT NULL DEFAULT '',
max_retries INTEGER NOT NULL,
backoff_ms BIGINT NOT NULL,
exponential {{bool}} NOT NULL,
active {{bool}} NOT NULL,
success_count BIGINT NOT NULL DEFAULT 0,
failure_count BIGINT NOT NULL DEFAULT 0,
last_triggered_at {{ts}},
created_at {{ts}} NOT NULL,
updated_at {{ts}} NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
id TEXT PRIMARY KEY,
subscription_id TEXT NOT NULL REFERENCES webhook_subscriptions(id),
event_type TEXT NOT NULL,
payload {{blob}} NOT NULL,
status TEXT NOT NULL,
attempt INTEGER NOT NULL,
http_status INTEGER NOT NULL DEFAULT 0,
error TEXT NOT NULL DEFAULT '',
created_at {{ts}} NOT NULL,
updated_at {{ts}} NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS audit_records (
id TEXT PRIMARY KEY,
tool TEXT NOT NULL,
user_id TEXT NOT NULL,
correlation_id TEXT NOT NULL,
ts {{ts}} NOT NULL,
success {{bool}} NOT NULL,
duration_ns BIGINT NOT NULL,
input {{blob}},
output {{blob}},
error_code TEXT NOT NULL DEFAULT '',
error_message TEXT NOT NULL DEFAULT ''
)`,
	`CREATE TABLE IF NOT EXISTS idempotency_records (
key TEXT PRIMARY KEY,
value {{blob}} NOT NULL,
expires_at {{ts}} NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_subscriptions_event ON webhook_subscriptions(event_type, active)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_subscription ON webhook_deliveries(subscription_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_records_tool ON audit_records(tool, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_records_user ON audit_records(user_id, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires ON idempotency_records(expires_at)`,
}

func limitOf(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	return n
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, ports.ErrNotFound)
	}
	return fmt.Errorf("failed to get %s: %w", kind, err)
}

func affected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ports.ErrNotFound)
	}
	return nil
}

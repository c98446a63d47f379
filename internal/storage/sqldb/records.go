package sqldb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/ports"
)

type auditRow struct {
	ID            string    `db:"id"`
	Tool          string    `db:"tool"`
	UserID        string    `db:"user_id"`
	CorrelationID string    `db:"correlation_id"`
	Timestamp     time.Time `db:"ts"`
	Success       bool      `db:"success"`
	DurationNs    int64     `db:"duration_ns"`
	Input         []byte    `db:"input"`
	Output        []byte    `db:"output"`
	ErrorCode     string    `db:"error_code"`
	ErrorMessage  string    `db:"error_message"`
}

const auditColumns = `id, tool, user_id, correlation_id, ts, success, duration_ns, input, output, error_code, error_message`

func (s *Store) SaveAuditRecord(ctx context.Context, r *domain.AuditRecord) error {
	query := s.dialect.Rebind(`INSERT INTO audit_records (` + auditColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Tool, r.UserID, r.CorrelationID, r.Timestamp.UTC(), r.Success, int64(r.Duration),
		[]byte(r.Input), []byte(r.Output), string(r.ErrorCode), r.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to save audit record: %w", err)
	}
	return nil
}

func (s *Store) ListAuditRecords(ctx context.Context, opts ports.AuditListOptions) ([]*domain.AuditRecord, error) {
	var where []string
	var args []any
	if opts.Tool != "" {
		where = append(where, "tool = ?")
		args = append(args, opts.Tool)
	}
	if opts.UserID != "" {
		where = append(where, "LOWER(user_id) = LOWER(?)")
		args = append(args, opts.UserID)
	}

	query := `SELECT ` + auditColumns + ` FROM audit_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC LIMIT ? OFFSET ?"
	args = append(args, limitOf(opts.Limit), opts.Offset)

	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	out := make([]*domain.AuditRecord, len(rows))
	for i, r := range rows {
		out[i] = &domain.AuditRecord{
			ID:            r.ID,
			Tool:          r.Tool,
			UserID:        r.UserID,
			CorrelationID: r.CorrelationID,
			Timestamp:     r.Timestamp,
			Success:       r.Success,
			Duration:      time.Duration(r.DurationNs),
			Input:         r.Input,
			Output:        r.Output,
			ErrorCode:     domain.ErrorCode(r.ErrorCode),
			ErrorMessage:  r.ErrorMessage,
		}
	}
	return out, nil
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, key string) ([]byte, time.Time, error) {
	var row struct {
		Value     []byte    `db:"value"`
		ExpiresAt time.Time `db:"expires_at"`
	}
	query := s.dialect.Rebind(`SELECT value, expires_at FROM idempotency_records WHERE key = ?`)
	if err := s.db.GetContext(ctx, &row, query, key); err != nil {
		return nil, time.Time{}, notFound("idempotency key", key, err)
	}
	return row.Value, row.ExpiresAt, nil
}

func (s *Store) PutIdempotencyRecord(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	query := s.dialect.Rebind(`INSERT INTO idempotency_records (key, value, expires_at) VALUES (?, ?, ?) ` +
		s.dialect.UpsertClause("key", []string{"value", "expires_at"}))
	if _, err := s.db.ExecContext(ctx, query, key, value, expiresAt.UTC()); err != nil {
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}
	return nil
}

func (s *Store) DeleteIdempotencyRecord(ctx context.Context, key string) error {
	query := s.dialect.Rebind(`DELETE FROM idempotency_records WHERE key = ?`)
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to delete idempotency record: %w", err)
	}
	return nil
}

func (s *Store) PurgeExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error) {
	query := s.dialect.Rebind(`DELETE FROM idempotency_records WHERE expires_at <= ?`)
	res, err := s.db.ExecContext(ctx, query, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency records: %w", err)
	}
	return res.RowsAffected()
}

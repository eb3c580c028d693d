// File: internal/store/store.go

// Package store persists the request/response audit trail to PostgreSQL.
// Auditing is optional; a disabled store is a no-op so callers never need a
// nil check.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/hexforge/promptbridge/api/schemas"
)

// DBPool abstracts pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Close()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS automation_requests (
    correlation_id TEXT PRIMARY KEY,
    prompt         TEXT NOT NULL,
    target_url     TEXT NOT NULL DEFAULT '',
    received_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS automation_responses (
    id             BIGSERIAL PRIMARY KEY,
    correlation_id TEXT NOT NULL,
    status         TEXT NOT NULL,
    detail         TEXT NOT NULL DEFAULT '',
    sent_at        TIMESTAMPTZ NOT NULL
);`

// Store is the PostgreSQL audit recorder.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New verifies connectivity, ensures the audit schema exists, and returns a
// ready store.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return nil, fmt.Errorf("failed to ensure audit schema: %w", err)
	}
	return &Store{pool: pool, log: logger.Named("store")}, nil
}

// RecordRequest persists an accepted automation request.
func (s *Store) RecordRequest(ctx context.Context, correlationID, prompt, targetURL string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO automation_requests (correlation_id, prompt, target_url, received_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (correlation_id) DO NOTHING`,
		correlationID, prompt, targetURL, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}
	return nil
}

// RecordResponse persists a terminal response.
func (s *Store) RecordResponse(ctx context.Context, correlationID string, status schemas.ResponseStatus, detail string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO automation_responses (correlation_id, status, detail, sent_at)
		 VALUES ($1, $2, $3, $4)`,
		correlationID, string(status), detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record response: %w", err)
	}
	return nil
}

// AuditRecord is one audit-trail row for a correlation id.
type AuditRecord struct {
	CorrelationID string
	Kind          string
	Detail        string
	At            time.Time
}

// History returns the audit trail for one correlation id, oldest first. The
// request row (when recorded) precedes its responses.
func (s *Store) History(ctx context.Context, correlationID string) ([]AuditRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT correlation_id, 'request' AS kind, prompt AS detail, received_at AS at
		   FROM automation_requests WHERE correlation_id = $1
		 UNION ALL
		 SELECT correlation_id, 'response', status || ': ' || detail, sent_at
		   FROM automation_responses WHERE correlation_id = $1
		 ORDER BY at`,
		correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit history: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		if err := rows.Scan(&rec.CorrelationID, &rec.Kind, &rec.Detail, &rec.At); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit history: %w", err)
	}
	return out, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Disabled is the no-op recorder used when auditing is turned off.
type Disabled struct{}

// RecordRequest implements the request recorder with no effect.
func (Disabled) RecordRequest(context.Context, string, string, string) error { return nil }

// RecordResponse implements the response recorder with no effect.
func (Disabled) RecordResponse(context.Context, string, schemas.ResponseStatus, string) error {
	return nil
}

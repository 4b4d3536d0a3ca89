package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Log(ctx context.Context, r *Record) error {
	query := `
		INSERT INTO usage_logs (tenant_id, request_id, credential_id, model, stream, attempts, chunks, output_chars, outcome, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		r.TenantID, r.RequestID, r.CredentialID, r.Model, r.Stream,
		r.Attempts, r.Chunks, r.OutputChars, r.Outcome, r.LatencyMs,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*Record, error) {
	query := `
		SELECT id, tenant_id, request_id, credential_id, model, stream, attempts, chunks, output_chars, outcome, latency_ms, created_at
		FROM usage_logs
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.ID, &r.TenantID, &r.RequestID, &r.CredentialID, &r.Model, &r.Stream,
			&r.Attempts, &r.Chunks, &r.OutputChars, &r.Outcome, &r.LatencyMs, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage log: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage logs: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Summarize(ctx context.Context, tenantID string, from, to time.Time) (*Summary, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE outcome <> 'success'),
		       COALESCE(SUM(output_chars), 0)
		FROM usage_logs
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var sum Summary
	if err := s.db.QueryRow(ctx, query, tenantID, from, to).Scan(&sum.Requests, &sum.Failed, &sum.OutputChars); err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	return &sum, nil
}

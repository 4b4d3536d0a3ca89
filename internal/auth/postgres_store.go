package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	selectActiveKey = `
		SELECT id, tenant_id, key_hash, rate_limit, active, created_at
		FROM api_keys
		WHERE key_hash = $1 AND active = true
	`
	upsertKey = `
		INSERT INTO api_keys (tenant_id, key_hash, rate_limit, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key_hash) DO UPDATE
		SET active = EXCLUDED.active, rate_limit = EXCLUDED.rate_limit
		RETURNING id, created_at
	`
	deactivateOthers = `
		UPDATE api_keys SET active = false
		WHERE tenant_id = $1 AND active = true AND NOT (key_hash = ANY($2))
	`
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore keeps only key hashes; plaintext keys never reach the
// database.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetByKey(ctx context.Context, key string) (*APIKey, error) {
	var k APIKey
	err := s.db.QueryRow(ctx, selectActiveKey, HashKey(key)).Scan(
		&k.ID, &k.TenantID, &k.KeyHash, &k.RateLimit, &k.Active, &k.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return &k, nil
}

// Create stores apiKey, or refreshes the rate limit and active flag of an
// existing row with the same hash.
func (s *PostgresStore) Create(ctx context.Context, apiKey *APIKey) error {
	if apiKey.KeyHash == "" {
		return fmt.Errorf("key_hash is required")
	}
	err := s.db.QueryRow(ctx, upsertKey,
		apiKey.TenantID, apiKey.KeyHash, apiKey.RateLimit, apiKey.Active,
	).Scan(&apiKey.ID, &apiKey.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// DeactivateExcept turns off every active key of tenantID whose hash is not
// in keep, returning how many were turned off.
func (s *PostgresStore) DeactivateExcept(ctx context.Context, tenantID string, keep []string) (int64, error) {
	if keep == nil {
		keep = []string{}
	}
	tag, err := s.db.Exec(ctx, deactivateOthers, tenantID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate api keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

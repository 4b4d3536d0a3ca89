package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRow struct {
	err  error
	scan func(dest ...any) error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return r.scan(dest...)
}

type stubDB struct {
	row      stubRow
	execTag  pgconn.CommandTag
	execErr  error
	lastSQL  string
	lastArgs []any
}

func (d *stubDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	d.lastSQL, d.lastArgs = sql, args
	return d.row
}

func (d *stubDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.lastSQL, d.lastArgs = sql, args
	return d.execTag, d.execErr
}

func TestPostgresStoreGetByKeyLooksUpHash(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	db := &stubDB{row: stubRow{scan: func(dest ...any) error {
		*dest[0].(*string) = "key-1"
		*dest[1].(*string) = "tenant-1"
		*dest[2].(*string) = HashKey("sk-test")
		*dest[3].(*int64) = 60
		*dest[4].(*bool) = true
		*dest[5].(*time.Time) = created
		return nil
	}}}
	store := NewPostgresStore(db)

	k, err := store.GetByKey(context.Background(), "sk-test")

	require.NoError(t, err)
	assert.Equal(t, "tenant-1", k.TenantID)
	assert.Equal(t, int64(60), k.RateLimit)
	assert.Equal(t, created, k.CreatedAt)
	require.Len(t, db.lastArgs, 1)
	assert.Equal(t, HashKey("sk-test"), db.lastArgs[0], "plaintext key must not be sent to the database")
}

func TestPostgresStoreGetByKeyNotFound(t *testing.T) {
	store := NewPostgresStore(&stubDB{row: stubRow{err: pgx.ErrNoRows}})

	_, err := store.GetByKey(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	store = NewPostgresStore(&stubDB{row: stubRow{err: errors.New("conn reset")}})
	_, err = store.GetByKey(context.Background(), "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrKeyNotFound)
}

func TestPostgresStoreCreateRequiresHash(t *testing.T) {
	store := NewPostgresStore(&stubDB{})
	assert.Error(t, store.Create(context.Background(), &APIKey{TenantID: "t"}))
}

func TestPostgresStoreDeactivateExcept(t *testing.T) {
	db := &stubDB{execTag: pgconn.NewCommandTag("UPDATE 2")}
	store := NewPostgresStore(db)

	n, err := store.DeactivateExcept(context.Background(), "tenant-1", nil)

	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.Len(t, db.lastArgs, 2)
	assert.Equal(t, []string{}, db.lastArgs[1])
}

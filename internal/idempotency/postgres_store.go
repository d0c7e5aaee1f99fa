package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key         TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	claim_token UUID NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_idempotency_keys_expires_at ON idempotency_keys (expires_at);
`

// claimSQL inserts a processing row, or takes over an expired one. The row
// lock taken by ON CONFLICT DO UPDATE serializes concurrent claimers; the
// returned token tells the caller whether its own claim won.
const claimSQL = `
INSERT INTO idempotency_keys (key, status, claim_token, expires_at)
VALUES ($1, $2, $3, now() + make_interval(secs => $4::float8))
ON CONFLICT (key) DO UPDATE SET
	status      = CASE WHEN idempotency_keys.expires_at <= now() THEN EXCLUDED.status      ELSE idempotency_keys.status      END,
	claim_token = CASE WHEN idempotency_keys.expires_at <= now() THEN EXCLUDED.claim_token ELSE idempotency_keys.claim_token END,
	expires_at  = CASE WHEN idempotency_keys.expires_at <= now() THEN EXCLUDED.expires_at  ELSE idempotency_keys.expires_at  END
RETURNING status, claim_token = $3
`

const compareAndSetSQL = `
UPDATE idempotency_keys
SET status = $3, expires_at = now() + make_interval(secs => $4::float8)
WHERE key = $1 AND status = $2 AND expires_at > now()
`

const purgeSQL = `DELETE FROM idempotency_keys WHERE expires_at <= now()`

// DBTX is the subset of pgxpool.Pool used by PostgresStore.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresStore keeps idempotency state in the idempotency_keys table. Rows
// past expires_at are treated as absent and removed by Purge.
type PostgresStore struct {
	db DBTX
}

// NewPostgresStore creates a PostgresStore over db.
func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the idempotency_keys table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create idempotency_keys table: %w", err)
	}
	return nil
}

// ClaimIfAbsent implements Store.
func (s *PostgresStore) ClaimIfAbsent(ctx context.Context, key string, ttl time.Duration) (Status, error) {
	var (
		status string
		won    bool
	)
	err := s.db.QueryRow(ctx, claimSQL, key, string(StatusProcessing), uuid.New(), ttl.Seconds()).
		Scan(&status, &won)
	if err != nil {
		return StatusUnclaimed, fmt.Errorf("postgres claim %s: %w", key, err)
	}
	if won {
		return StatusUnclaimed, nil
	}
	return Status(status), nil
}

// CompareAndSet implements Store.
func (s *PostgresStore) CompareAndSet(ctx context.Context, key string, from, to Status, ttl time.Duration) (bool, error) {
	tag, err := s.db.Exec(ctx, compareAndSetSQL, key, string(from), string(to), ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("postgres compare-and-set %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Purge deletes expired rows and returns how many were removed.
func (s *PostgresStore) Purge(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, purgeSQL)
	if err != nil {
		return 0, fmt.Errorf("purge expired idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	maestroerrors "maestro/internal/errors"
	"maestro/internal/logging"
)

const checkpointTable = "maestro_checkpoints"

// PostgresStore keeps checkpoints in one table keyed by (namespace, key).
// The upsert path gives last-writer-wins semantics; the database serializes
// concurrent writers to the same row.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// OpenPool connects a pgx pool to the given URL and verifies the connection.
// The supervisor shares one pool between this store and the entity store.
func OpenPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, &maestroerrors.StoreUnavailableError{Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &maestroerrors.StoreUnavailableError{Err: err}
	}
	return pool, nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool, logger logging.Logger) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logging.WithComponent(logger, "CheckpointPostgresStore"),
	}
}

// EnsureSchema creates the checkpoint table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return &maestroerrors.StoreUnavailableError{Err: fmt.Errorf("checkpoint store not initialized")}
	}

	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    namespace TEXT NOT NULL,
    key TEXT NOT NULL,
    blob BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (namespace, key)
);
CREATE INDEX IF NOT EXISTS idx_maestro_checkpoints_updated_at ON %s (updated_at DESC);
`, checkpointTable, checkpointTable)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return &maestroerrors.StoreUnavailableError{Err: err}
	}
	return nil
}

// Put upserts one blob.
func (s *PostgresStore) Put(ctx context.Context, ns Namespace, key string, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (namespace, key, blob, created_at, updated_at)
VALUES ($1, $2, $3, now(), now())
ON CONFLICT (namespace, key) DO UPDATE SET blob = EXCLUDED.blob, updated_at = now()
`, checkpointTable)

	if _, err := s.pool.Exec(ctx, query, ns.String(), key, blob); err != nil {
		s.logger.Error("Failed to persist checkpoint %s/%s: %v", ns.String(), key, err)
		return &maestroerrors.StoreUnavailableError{Err: err}
	}
	return nil
}

// Get reads the latest committed blob.
func (s *PostgresStore) Get(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT blob FROM %s WHERE namespace = $1 AND key = $2`, checkpointTable)

	var blob []byte
	err := s.pool.QueryRow(ctx, query, ns.String(), key).Scan(&blob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, &maestroerrors.StoreUnavailableError{Err: err}
	}
	return blob, nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *PostgresStore) Delete(ctx context.Context, ns Namespace, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE namespace = $1 AND key = $2`, checkpointTable)
	if _, err := s.pool.Exec(ctx, query, ns.String(), key); err != nil {
		return &maestroerrors.StoreUnavailableError{Err: err}
	}
	return nil
}

// List returns the keys in a namespace, newest first.
func (s *PostgresStore) List(ctx context.Context, ns Namespace) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT key FROM %s WHERE namespace = $1 ORDER BY updated_at DESC`, checkpointTable)

	rows, err := s.pool.Query(ctx, query, ns.String())
	if err != nil {
		return nil, &maestroerrors.StoreUnavailableError{Err: err}
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, &maestroerrors.StoreUnavailableError{Err: err}
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, &maestroerrors.StoreUnavailableError{Err: err}
	}
	return keys, nil
}

// Ping verifies database reachability.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return &maestroerrors.StoreUnavailableError{Err: fmt.Errorf("checkpoint store not initialized")}
	}
	if err := s.pool.Ping(ctx); err != nil {
		return &maestroerrors.StoreUnavailableError{Err: err}
	}
	return nil
}

// Pool exposes the shared connection pool so the entity store can ride the
// same database.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the pool. The supervisor owns the pool and closes it once.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

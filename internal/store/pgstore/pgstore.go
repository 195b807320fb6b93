// Package pgstore implements store.StateStore with one row per key in a
// Postgres table, using an upsert so Save is atomic with respect to
// concurrent Load. Grounded on jordigilh-kubernaut's direct dependency on
// jackc/pgx/v5 for its relational persistence layer.
package pgstore

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS nexus_state_documents (
	key        TEXT PRIMARY KEY,
	document   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store is a Postgres-backed StateStore.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres at dsn and ensures the backing table exists.
// Schema evolution beyond the initial table lives in store/pgstore/migrations
// and is applied by the goose runner in cmd/nexuscored.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to ping postgres")
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to ensure state documents table")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Load(ctx context.Context, key string) (json.RawMessage, error) {
	var doc json.RawMessage
	err := s.pool.QueryRow(ctx, `SELECT document FROM nexus_state_documents WHERE key = $1`, key).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to load state store key %q", key)
	}
	return doc, nil
}

func (s *Store) Save(ctx context.Context, key string, document any) error {
	data, err := json.Marshal(document)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal state store document %q", key)
	}

	const upsert = `
		INSERT INTO nexus_state_documents (key, document, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET document = EXCLUDED.document, updated_at = now()`

	if _, err := s.pool.Exec(ctx, upsert, key, data); err != nil {
		return errors.Wrapf(err, "failed to save state store key %q", key)
	}
	return nil
}

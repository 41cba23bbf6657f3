package store

import (
	"context"
	"errors"

	"github.com/andresmejia3/facetag/internal/errs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore manages the PostgreSQL connection pool and pgvector columns.
// Each embedding is one row keyed by (identity_id, position).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres establishes a connection pool and ensures the schema is initialized.
func OpenPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeStoreOpenFailure, "creating connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.Wrap(err, errs.CodeStoreOpenFailure, "pinging database")
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, errs.Wrap(err, errs.CodeStoreOpenFailure, "initializing database schema")
	}

	return &PostgresStore{pool: pool}, nil
}

// initSchema creates the tables and vector extension if they don't exist.
// The embedding column has no fixed dimension; the embedder owns it.
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS identities (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS identity_embeddings (
			identity_id TEXT NOT NULL REFERENCES identities(id),
			position INT NOT NULL,
			embedding VECTOR NOT NULL,
			PRIMARY KEY (identity_id, position)
		);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Put replaces the identity's embeddings wholesale inside one transaction.
func (s *PostgresStore) Put(ctx context.Context, identity Identity) error {
	if err := validate(identity); err != nil {
		return err
	}
	key := identity.ID.String()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Wrap(err, errs.CodeStoreDatabase, "beginning transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `INSERT INTO identities (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, key); err != nil {
		return errs.Wrap(err, errs.CodeStoreDatabase, "inserting identity", errs.FieldIdentity(key))
	}
	// FOR UPDATE locks the row so a concurrent append waits for this overwrite
	if _, err := tx.Exec(ctx, `SELECT id FROM identities WHERE id = $1 FOR UPDATE`, key); err != nil {
		return errs.Wrap(err, errs.CodeStoreDatabase, "locking identity", errs.FieldIdentity(key))
	}
	if _, err := tx.Exec(ctx, `DELETE FROM identity_embeddings WHERE identity_id = $1`, key); err != nil {
		return errs.Wrap(err, errs.CodeStoreDatabase, "clearing embeddings", errs.FieldIdentity(key))
	}

	batch := &pgx.Batch{}
	for i, vec := range identity.Embeddings {
		batch.Queue(`INSERT INTO identity_embeddings (identity_id, position, embedding) VALUES ($1, $2, $3::vector)`,
			key, i, pgvector.NewVector(vec))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return errs.Wrap(err, errs.CodeStoreDatabase, "inserting embeddings", errs.FieldIdentity(key))
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.Wrap(err, errs.CodeStoreDatabase, "committing identity", errs.FieldIdentity(key))
	}
	return nil
}

// ScanAll reads every identity in one statement, so the result is a single
// consistent snapshot. COLLATE "C" gives byte order on the id string.
func (s *PostgresStore) ScanAll(ctx context.Context) ([]Identity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.identity_id, e.embedding::text
		FROM identity_embeddings e
		ORDER BY e.identity_id COLLATE "C", e.position
	`)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeStoreDatabase, "scanning identities")
	}
	defer rows.Close()

	identities := []Identity{}
	for rows.Next() {
		var key, literal string
		if err := rows.Scan(&key, &literal); err != nil {
			return nil, errs.Wrap(err, errs.CodeStoreDatabase, "reading embedding row")
		}
		var vec pgvector.Vector
		if err := vec.Scan(literal); err != nil {
			return nil, errs.Wrap(err, errs.CodeStoreDatabase, "parsing embedding", errs.FieldIdentity(key))
		}

		n := len(identities)
		if n == 0 || identities[n-1].ID.String() != key {
			id, err := uuid.Parse(key)
			if err != nil {
				return nil, errs.Wrap(err, errs.CodeStoreDatabase, "parsing identity id", errs.FieldIdentity(key))
			}
			identities = append(identities, Identity{ID: id})
			n++
		}
		identities[n-1].Embeddings = append(identities[n-1].Embeddings, vec.Slice())
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(err, errs.CodeStoreDatabase, "iterating identities")
	}

	return identities, nil
}

// AppendEmbedding adds vec at the next position. Unknown ids are a no-op.
func (s *PostgresStore) AppendEmbedding(ctx context.Context, id uuid.UUID, vec []float32) error {
	key := id.String()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Wrap(err, errs.CodeStoreDatabase, "beginning transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM identities WHERE id = $1 FOR UPDATE`, key).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return errs.Wrap(err, errs.CodeStoreDatabase, "loading identity", errs.FieldIdentity(key))
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO identity_embeddings (identity_id, position, embedding)
		SELECT $1, COALESCE(MAX(position) + 1, 0), $2::vector
		FROM identity_embeddings WHERE identity_id = $1
	`, key, pgvector.NewVector(vec))
	if err != nil {
		return errs.Wrap(err, errs.CodeStoreDatabase, "appending embedding", errs.FieldIdentity(key))
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.Wrap(err, errs.CodeStoreDatabase, "committing embedding", errs.FieldIdentity(key))
	}
	return nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM identities`).Scan(&n); err != nil {
		return 0, errs.Wrap(err, errs.CodeStoreDatabase, "counting identities")
	}
	return n, nil
}

// Close terminates the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/andresmejia3/facetag/internal/errs"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore keeps every identity as one JSON record keyed by its id string
// in a single database file. Write transactions start with BEGIN IMMEDIATE,
// so writers queue on the file lock instead of failing mid-transaction.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the store file at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errs.New(errs.CodeStoreOpenFailure, "store path must not be empty")
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeStoreOpenFailure, "opening sqlite db", errs.FieldPath(path))
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(err, errs.CodeStoreOpenFailure, "pinging sqlite db", errs.FieldPath(path))
	}

	if err := migrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(err, errs.CodeStoreOpenFailure, "migrating identities table", errs.FieldPath(path))
	}

	return &SQLiteStore{db: db}, nil
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS identities (
	id     TEXT PRIMARY KEY,
	record BLOB NOT NULL
)`
	_, err := db.ExecContext(ctx, ddl)
	return err
}

// Put inserts or replaces the full record for identity.ID.
func (s *SQLiteStore) Put(ctx context.Context, identity Identity) error {
	if err := validate(identity); err != nil {
		return err
	}

	key := identity.ID.String()
	record, err := json.Marshal(identity)
	if err != nil {
		return errs.Wrap(err, errs.CodeStoreDatabase, "serializing identity", errs.FieldIdentity(key))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(err, errs.CodeStoreDatabase, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	const q = `INSERT INTO identities(id, record) VALUES (?, ?)
ON CONFLICT(id) DO UPDATE SET record = excluded.record`
	if _, err := tx.ExecContext(ctx, q, key, record); err != nil {
		return errs.Wrap(err, errs.CodeStoreDatabase, "upserting identity", errs.FieldIdentity(key))
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(err, errs.CodeStoreDatabase, "committing identity", errs.FieldIdentity(key))
	}
	return nil
}

// ScanAll reads every identity ordered by id (BINARY collation).
func (s *SQLiteStore) ScanAll(ctx context.Context) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, record FROM identities ORDER BY id`)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeStoreDatabase, "scanning identities")
	}
	defer func() { _ = rows.Close() }()

	identities := []Identity{}
	for rows.Next() {
		var key string
		var record []byte
		if err := rows.Scan(&key, &record); err != nil {
			return nil, errs.Wrap(err, errs.CodeStoreDatabase, "reading identity row")
		}

		var identity Identity
		if err := json.Unmarshal(record, &identity); err != nil {
			return nil, errs.Wrap(err, errs.CodeStoreDatabase, "decoding identity", errs.FieldIdentity(key))
		}
		identities = append(identities, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(err, errs.CodeStoreDatabase, "iterating identities")
	}

	return identities, nil
}

// AppendEmbedding loads, extends and rewrites the record inside one
// transaction. Unknown ids leave the store untouched and return nil.
func (s *SQLiteStore) AppendEmbedding(ctx context.Context, id uuid.UUID, vec []float32) error {
	key := id.String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(err, errs.CodeStoreDatabase, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var record []byte
	err = tx.QueryRowContext(ctx, `SELECT record FROM identities WHERE id = ?`, key).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return errs.Wrap(err, errs.CodeStoreDatabase, "loading identity", errs.FieldIdentity(key))
	}

	var identity Identity
	if err := json.Unmarshal(record, &identity); err != nil {
		return errs.Wrap(err, errs.CodeStoreDatabase, "decoding identity", errs.FieldIdentity(key))
	}
	identity.Embeddings = append(identity.Embeddings, vec)

	updated, err := json.Marshal(identity)
	if err != nil {
		return errs.Wrap(err, errs.CodeStoreDatabase, "serializing identity", errs.FieldIdentity(key))
	}
	if _, err := tx.ExecContext(ctx, `UPDATE identities SET record = ? WHERE id = ?`, updated, key); err != nil {
		return errs.Wrap(err, errs.CodeStoreDatabase, "updating identity", errs.FieldIdentity(key))
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(err, errs.CodeStoreDatabase, "committing embedding", errs.FieldIdentity(key))
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM identities`).Scan(&n); err != nil {
		return 0, errs.Wrap(err, errs.CodeStoreDatabase, "counting identities")
	}
	return n, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

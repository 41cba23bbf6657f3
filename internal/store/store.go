// Package store persists identity records: one identity id mapped to the
// ordered set of face embeddings observed for that person.
//
// Two backends implement Store. The default is a single SQLite file; a
// postgres:// DSN selects a PostgreSQL database with the pgvector extension.
// Both serialize writers, expose only committed data to readers, and return
// identities ordered by their stringified id.
package store

import (
	"context"
	"strings"

	"github.com/andresmejia3/facetag/internal/errs"
	"github.com/google/uuid"
)

// Identity is one recognized person and every embedding attributed to them.
type Identity struct {
	ID         uuid.UUID   `json:"id"`
	Embeddings [][]float32 `json:"embeddings"`
}

// Store is the transactional identity store.
type Store interface {
	// Put inserts or fully overwrites the record for identity.ID.
	Put(ctx context.Context, identity Identity) error
	// ScanAll returns every identity ordered by id string. An empty store
	// yields an empty slice and no error.
	ScanAll(ctx context.Context) ([]Identity, error)
	// AppendEmbedding adds vec to the identity's embeddings in one
	// read-modify-write transaction. A missing id is a silent no-op.
	AppendEmbedding(ctx context.Context, id uuid.UUID, vec []float32) error
	// Count returns the number of stored identities.
	Count(ctx context.Context) (int, error)
	Close() error
}

// Open opens or creates the store described by dsn.
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		return OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	default:
		return OpenSQLite(ctx, dsn)
	}
}

func validate(identity Identity) error {
	if identity.ID == uuid.Nil {
		return errs.New(errs.CodeStoreInvalidInput, "identity id must not be nil")
	}
	if len(identity.Embeddings) == 0 {
		return errs.New(errs.CodeStoreInvalidInput, "identity must hold at least one embedding",
			errs.FieldIdentity(identity.ID.String()))
	}
	return nil
}

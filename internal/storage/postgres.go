package storage

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/xerrors"
)

const (
	createMetadataTable = `
CREATE TABLE IF NOT EXISTS document_metadata (
	document_id      TEXT PRIMARY KEY,
	last_modified_by TEXT NOT NULL,
	last_modified_at TIMESTAMPTZ NOT NULL
)`

	upsertMetadata = `
INSERT INTO document_metadata (document_id, last_modified_by, last_modified_at)
VALUES ($1, $2, $3)
ON CONFLICT (document_id) DO UPDATE
SET last_modified_by = EXCLUDED.last_modified_by,
    last_modified_at = EXCLUDED.last_modified_at`
)

type PostgresMetadataStore struct {
	pool *pgxpool.Pool
}

func NewPostgresMetadataStore(ctx context.Context, url string) (*PostgresMetadataStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, xerrors.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, xerrors.Errorf("unable to reach database: %w", err)
	}
	return &PostgresMetadataStore{pool: pool}, nil
}

// Migrate creates the metadata table if it does not exist.
func (s *PostgresMetadataStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createMetadataTable); err != nil {
		return xerrors.Errorf("failed to create document_metadata: %w", err)
	}
	return nil
}

func (s *PostgresMetadataStore) Update(ctx context.Context, documentID string, m Modification) error {
	if _, err := s.pool.Exec(ctx, upsertMetadata, documentID, m.LastModifiedBy, m.LastModifiedAt); err != nil {
		return xerrors.Errorf("failed to update metadata for %s: %w", documentID, err)
	}
	return nil
}

func (s *PostgresMetadataStore) Close() {
	s.pool.Close()
}

var _ MetadataStore = (*PostgresMetadataStore)(nil)

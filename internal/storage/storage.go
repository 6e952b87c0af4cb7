// Package storage holds the collaborators the editing engine reads initial
// content from and flushes saves to: a blob store for document bodies and a
// metadata store for modification records.
package storage

import (
	"context"
	"time"

	"golang.org/x/xerrors"
)

var ErrNotFound = xerrors.New("storage: not found")

// BlobStore holds document bodies under opaque storage keys.
type BlobStore interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, content []byte, mimeType string) error
}

// Modification is recorded against a document on every successful save.
type Modification struct {
	LastModifiedBy string    `bson:"lastModifiedBy" json:"lastModifiedBy"`
	LastModifiedAt time.Time `bson:"lastModifiedAt" json:"lastModifiedAt"`
}

// MetadataStore records who last modified a document and when.
type MetadataStore interface {
	Update(ctx context.Context, documentID string, m Modification) error
}

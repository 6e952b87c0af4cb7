package storage

import (
	"context"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

// BoltBlobStore keeps blobs in a single bbolt file, for single-node
// deployments without an object store.
type BoltBlobStore struct {
	db     *bolt.DB
	bucket []byte
	mimes  []byte
}

func NewBoltBlobStore(path, bucket string) (*BoltBlobStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, xerrors.Errorf("failed to open bolt db %s: %w", path, err)
	}

	mimes := bucket + "_mime"
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(mimes))
		return err
	})
	if err != nil {
		db.Close()
		return nil, xerrors.Errorf("failed to create bucket %s: %w", bucket, err)
	}

	return &BoltBlobStore{db: db, bucket: []byte(bucket), mimes: []byte(mimes)}, nil
}

func (s *BoltBlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(s.bucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// v is only valid inside the transaction
		data = append([]byte{}, v...)
		return nil
	})
	return data, err
}

func (s *BoltBlobStore) Write(ctx context.Context, key string, content []byte, mimeType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(s.bucket).Put([]byte(key), content); err != nil {
			return err
		}
		return tx.Bucket(s.mimes).Put([]byte(key), []byte(mimeType))
	})
}

// MimeType returns the type the blob was last written with.
func (s *BoltBlobStore) MimeType(key string) (string, error) {
	var mime string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(s.mimes).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		mime = string(v)
		return nil
	})
	return mime, err
}

func (s *BoltBlobStore) Close() error {
	return s.db.Close()
}

var _ BlobStore = (*BoltBlobStore)(nil)

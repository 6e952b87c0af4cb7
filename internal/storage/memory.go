package storage

import (
	"context"
	"sync"
)

type object struct {
	data     []byte
	mimeType string
}

// MemoryBlobStore keeps blobs in process. Useful for tests and development.
type MemoryBlobStore struct {
	mu      sync.RWMutex
	objects map[string]object
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{objects: make(map[string]object)}
}

func (m *MemoryBlobStore) Read(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte{}, obj.data...), nil
}

func (m *MemoryBlobStore) Write(_ context.Context, key string, content []byte, mimeType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[key] = object{data: append([]byte{}, content...), mimeType: mimeType}
	return nil
}

// MimeType returns the type the blob was last written with.
func (m *MemoryBlobStore) MimeType(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.objects[key].mimeType
}

// MemoryMetadataStore keeps modification records in process.
type MemoryMetadataStore struct {
	mu      sync.RWMutex
	records map[string]Modification
}

func NewMemoryMetadataStore() *MemoryMetadataStore {
	return &MemoryMetadataStore{records: make(map[string]Modification)}
}

func (m *MemoryMetadataStore) Update(_ context.Context, documentID string, mod Modification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[documentID] = mod
	return nil
}

func (m *MemoryMetadataStore) Get(documentID string) (Modification, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mod, ok := m.records[documentID]
	return mod, ok
}

var (
	_ BlobStore     = (*MemoryBlobStore)(nil)
	_ MetadataStore = (*MemoryMetadataStore)(nil)
)

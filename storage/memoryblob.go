package storage

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vaultmesh/recovery-service-backend/interfaces"
)

// MemoryBlobBackend implements a blob backend entirely in memory. It is used
// for tests and single-process deployments where durability isn't required.
type MemoryBlobBackend struct {
	mu    sync.RWMutex
	blobs map[blobKey][]byte
	log   *slog.Logger
}

type blobKey struct {
	id   interfaces.ContentID
	kind interfaces.BlobKind
}

// NewMemoryBlobBackend creates an empty in-memory blob backend.
func NewMemoryBlobBackend(log *slog.Logger) *MemoryBlobBackend {
	if log == nil {
		log = slog.Default()
	}
	return &MemoryBlobBackend{
		blobs: make(map[blobKey][]byte),
		log:   log,
	}
}

// Fetch retrieves a sealed payload by content ID and kind.
func (b *MemoryBlobBackend) Fetch(ctx context.Context, id interfaces.ContentID, kind interfaces.BlobKind) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.blobs[blobKey{id: id, kind: kind}]
	if !ok {
		return nil, interfaces.ErrContentNotFound
	}

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Store saves a sealed payload and returns its content ID.
func (b *MemoryBlobBackend) Store(ctx context.Context, data []byte, kind interfaces.BlobKind) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)

	stored := make([]byte, len(data))
	copy(stored, data)

	b.mu.Lock()
	b.blobs[blobKey{id: id, kind: kind}] = stored
	b.mu.Unlock()

	return id, nil
}

// Available always reports true for the in-memory backend.
func (b *MemoryBlobBackend) Available(ctx context.Context) bool { return true }

// Name returns a unique identifier for this blob backend.
func (b *MemoryBlobBackend) Name() string { return "memory" }

// LocationURI returns the URI that identifies this blob backend.
func (b *MemoryBlobBackend) LocationURI() string { return "memory://" }

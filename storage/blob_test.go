package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultmesh/recovery-service-backend/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFileBackend(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)

	data := []byte("sealed shard payload")
	id, err := backend.Store(ctx, data, interfaces.ShardBlob)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ComputeID(data), id)

	fetched, err := backend.Fetch(ctx, id, interfaces.ShardBlob)
	require.NoError(t, err)
	assert.Equal(t, data, fetched)

	// Kinds are separate namespaces.
	_, err = backend.Fetch(ctx, id, interfaces.ArchiveBlob)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	_, err = backend.Fetch(ctx, interfaces.ComputeID([]byte("other")), interfaces.ShardBlob)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	assert.True(t, backend.Available(ctx))
}

func TestMemoryBlobBackend(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBlobBackend(testLogger())

	data := []byte("payload")
	id, err := backend.Store(ctx, data, interfaces.ArchiveBlob)
	require.NoError(t, err)

	fetched, err := backend.Fetch(ctx, id, interfaces.ArchiveBlob)
	require.NoError(t, err)
	assert.Equal(t, data, fetched)

	// Mutating the returned slice must not corrupt the stored blob.
	fetched[0] = 'X'
	again, err := backend.Fetch(ctx, id, interfaces.ArchiveBlob)
	require.NoError(t, err)
	assert.Equal(t, data, again)

	_, err = backend.Fetch(ctx, id, interfaces.ShardBlob)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
}

func TestMultiBlobBackendFallback(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryBlobBackend(testLogger())
	secondary := NewMemoryBlobBackend(testLogger())
	multi := NewMultiBlobBackend([]interfaces.BlobBackend{primary, secondary}, testLogger())

	data := []byte("replicated payload")
	id, err := multi.Store(ctx, data, interfaces.ShardBlob)
	require.NoError(t, err)

	// Both members hold the blob after a store.
	for _, b := range []interfaces.BlobBackend{primary, secondary} {
		got, err := b.Fetch(ctx, id, interfaces.ShardBlob)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}

	// A blob present in only one member is still fetchable.
	soloData := []byte("solo")
	soloID, err := secondary.Store(ctx, soloData, interfaces.ShardBlob)
	require.NoError(t, err)
	got, err := multi.Fetch(ctx, soloID, interfaces.ShardBlob)
	require.NoError(t, err)
	assert.Equal(t, soloData, got)

	_, err = multi.Fetch(ctx, interfaces.ComputeID([]byte("missing")), interfaces.ShardBlob)
	assert.Error(t, err)

	assert.True(t, multi.Available(ctx))
}

func TestBlobBackendFactory(t *testing.T) {
	factory := NewBlobBackendFactory(testLogger())

	t.Run("memory", func(t *testing.T) {
		loc, err := interfaces.NewBlobBackendLocation("memory://")
		require.NoError(t, err)
		backend, err := factory.BackendFor(loc)
		require.NoError(t, err)
		assert.Equal(t, "memory", backend.Name())
	})

	t.Run("file", func(t *testing.T) {
		dir := t.TempDir()
		loc, err := interfaces.NewBlobBackendLocation("file://" + dir)
		require.NoError(t, err)
		backend, err := factory.BackendFor(loc)
		require.NoError(t, err)
		assert.Contains(t, backend.LocationURI(), dir)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := interfaces.NewBlobBackendLocation("ftp://example.com/blobs")
		assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
	})

	t.Run("vault requires token", func(t *testing.T) {
		loc, err := interfaces.NewBlobBackendLocation("vault://vault.example.com:8200/secret/recovery")
		require.NoError(t, err)
		_, err = factory.BackendFor(loc)
		assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
	})

	t.Run("multi", func(t *testing.T) {
		locs := []interfaces.BlobBackendLocation{}
		for _, uri := range []string{"memory://", "file://" + t.TempDir()} {
			loc, err := interfaces.NewBlobBackendLocation(uri)
			require.NoError(t, err)
			locs = append(locs, loc)
		}
		backend, err := factory.CreateMultiBackend(locs)
		require.NoError(t, err)
		assert.Contains(t, backend.Name(), "multi")
	})
}

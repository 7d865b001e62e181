package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/vaultmesh/recovery-service-backend/interfaces"
)

// IPFSBackend implements a blob backend using the InterPlanetary File System.
// Sealed payloads are written into the node's mutable file system under a
// deterministic path so they can be fetched back by content ID.
type IPFSBackend struct {
	shell       *shell.Shell
	host        string
	port        string
	rootDir     string
	log         *slog.Logger
	locationURI string
}

// NewIPFSBackend creates a new IPFS blob backend connected to the specified
// host and port of an IPFS node API.
func NewIPFSBackend(host, port, rootDir, timeout string, log *slog.Logger) (*IPFSBackend, error) {
	apiURL := fmt.Sprintf("%s:%s", host, port)

	if rootDir == "" {
		rootDir = "/recovery"
	}
	rootDir = "/" + strings.Trim(rootDir, "/")

	return &IPFSBackend{
		shell:       shell.NewShell(apiURL),
		host:        host,
		port:        port,
		rootDir:     rootDir,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s/?timeout=%s", apiURL, rootDir, timeout),
	}, nil
}

// Fetch retrieves a sealed payload from IPFS by its content ID and kind.
// Returns ErrContentNotFound if the content doesn't exist or
// ErrBackendUnavailable if the IPFS node is not accessible.
func (b *IPFSBackend) Fetch(ctx context.Context, id interfaces.ContentID, kind interfaces.BlobKind) ([]byte, error) {
	start := time.Now()
	path := b.getFilesPath(id, kind)
	contentIDStr := fmt.Sprintf("%x", id[:8])

	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable",
			slog.String("host", b.host),
			slog.String("port", b.port))
		return nil, interfaces.ErrBackendUnavailable
	}

	reader, err := b.shell.FilesRead(ctx, path)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			b.log.Debug("Content not found in IPFS",
				slog.String("path", path),
				slog.String("content_id", contentIDStr),
				slog.Duration("duration", time.Since(start)))
			return nil, interfaces.ErrContentNotFound
		}

		b.log.Error("Failed to fetch data from IPFS",
			slog.String("path", path),
			slog.String("content_id", contentIDStr),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("failed to fetch data from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}

	b.log.Debug("Fetched content from IPFS",
		slog.String("path", path),
		slog.String("content_id", contentIDStr),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

// Store adds a sealed payload to IPFS and returns its content ID.
// The identifier is the SHA-256 hash of the data, independent of the CID the
// node assigns. Returns ErrBackendUnavailable if the node is not accessible.
func (b *IPFSBackend) Store(ctx context.Context, data []byte, kind interfaces.BlobKind) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	path := b.getFilesPath(id, kind)

	if !b.shell.IsUp() {
		return id, interfaces.ErrBackendUnavailable
	}

	err := b.shell.FilesWrite(ctx, path, bytes.NewReader(data),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return id, fmt.Errorf("failed to write data to IPFS: %w", err)
	}

	b.log.Debug("Stored content in IPFS",
		slog.String("path", path),
		slog.String("content_id", id.String()))

	return id, nil
}

// Available checks if the IPFS node is accessible.
func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

// Name returns a unique identifier for this blob backend.
func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

// LocationURI returns the URI that identifies this blob backend.
func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}

// getFilesPath generates a mutable-filesystem path for a content ID and kind.
func (b *IPFSBackend) getFilesPath(id interfaces.ContentID, kind interfaces.BlobKind) string {
	return fmt.Sprintf("%s/%s/%s", b.rootDir, kind, id)
}

package storage

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/vaultmesh/recovery-service-backend/interfaces"
)

// BlobBackendFactory creates blob backends from URI strings and manages
// multi-backend configurations for redundant sealed-payload storage.
type BlobBackendFactory struct {
	log *slog.Logger
}

// NewBlobBackendFactory creates a new factory instance.
func NewBlobBackendFactory(logger *slog.Logger) *BlobBackendFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &BlobBackendFactory{log: logger}
}

// BackendFor creates a blob backend from a parsed location.
//
// Supported schemes:
//   - memory:// - In-process storage (tests, single-node deployments)
//   - file:// - Local filesystem storage
//   - s3:// - Amazon S3 or compatible object storage
//   - vault:// - HashiCorp Vault KV v2 secrets engine
//   - ipfs:// - IPFS node mutable file system
//
// Returns an error if the scheme is unsupported.
func (f *BlobBackendFactory) BackendFor(loc interfaces.BlobBackendLocation) (interfaces.BlobBackend, error) {
	switch strings.ToLower(loc.Scheme) {
	case "memory":
		return NewMemoryBlobBackend(f.log), nil
	case "file":
		return f.createFileBackend(loc)
	case "s3":
		return f.createS3Backend(loc)
	case "vault":
		return f.createVaultBackend(loc)
	case "ipfs":
		return f.createIPFSBackend(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %q", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiBackend creates a multi-blob backend from a list of locations.
// The multi-backend aggregates all valid backends, providing redundancy: it
// stores payloads to all available backends and fetches from the first one
// that has the content. Returns an error if no valid backend could be created.
func (f *BlobBackendFactory) CreateMultiBackend(locs []interfaces.BlobBackendLocation) (interfaces.BlobBackend, error) {
	backends := make([]interfaces.BlobBackend, 0, len(locs))

	for _, loc := range locs {
		backend, err := f.BackendFor(loc)
		if err != nil {
			f.log.Warn("Failed to create blob backend",
				"err", err,
				slog.String("location_uri", loc.String()))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid blob backends created")
	}

	if len(backends) == 1 {
		return backends[0], nil
	}

	return NewMultiBlobBackend(backends, f.log), nil
}

// createFileBackend creates a filesystem backend.
// URI format: file:///var/lib/recovery/blobs
func (f *BlobBackendFactory) createFileBackend(loc interfaces.BlobBackendLocation) (interfaces.BlobBackend, error) {
	f.log.Debug("Creating file backend", slog.String("uri", loc.String()))

	baseDir := loc.Path
	if loc.Host != "" {
		// Relative form file://dir/path
		baseDir = loc.Host + loc.Path
	}
	if baseDir == "" {
		return nil, fmt.Errorf("%w: file URI missing path", interfaces.ErrInvalidLocationURI)
	}

	return NewFileBackend(baseDir, f.log)
}

// createS3Backend creates an S3 or S3-compatible backend.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/prefix/?region=us-west-2&endpoint=custom.s3.com
func (f *BlobBackendFactory) createS3Backend(loc interfaces.BlobBackendLocation) (interfaces.BlobBackend, error) {
	f.log.Debug("Creating S3 backend", slog.String("uri", loc.String()))

	bucketName := loc.Host
	if bucketName == "" {
		return nil, fmt.Errorf("%w: s3 URI missing bucket name", interfaces.ErrInvalidLocationURI)
	}

	prefix := strings.TrimPrefix(loc.Path, "/")

	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := loc.GetParam("endpoint")

	var accessKey, secretKey string
	if loc.Auth != "" {
		accessKey, secretKey, _ = strings.Cut(loc.Auth, ":")
	}

	return NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey, f.log)
}

// createVaultBackend creates a HashiCorp Vault backend.
// URI format: vault://host:8200/mount/path?token=...&tls=true
func (f *BlobBackendFactory) createVaultBackend(loc interfaces.BlobBackendLocation) (interfaces.BlobBackend, error) {
	f.log.Debug("Creating Vault backend", slog.String("uri", loc.String()))

	scheme := "https"
	if loc.GetParam("tls") == "false" {
		scheme = "http"
	}
	address := fmt.Sprintf("%s://%s", scheme, loc.Host)

	parts := strings.SplitN(strings.Trim(loc.Path, "/"), "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: vault URI requires /mount/path", interfaces.ErrInvalidLocationURI)
	}

	token := loc.GetParam("token")
	if token == "" {
		return nil, fmt.Errorf("%w: vault URI missing token parameter", interfaces.ErrInvalidLocationURI)
	}

	return NewVaultBackend(address, parts[0], parts[1], token, f.log)
}

// createIPFSBackend creates an IPFS backend.
// URI format: ipfs://host:port/rootdir/?timeout=30s
func (f *BlobBackendFactory) createIPFSBackend(loc interfaces.BlobBackendLocation) (interfaces.BlobBackend, error) {
	f.log.Debug("Creating IPFS backend", slog.String("uri", loc.String()))

	host, port, ok := strings.Cut(loc.Host, ":")
	if !ok || port == "" {
		port = "5001" // Default IPFS API port
	}

	timeout := loc.GetParam("timeout")
	if timeout == "" {
		timeout = "30s"
	}

	return NewIPFSBackend(host, port, strings.TrimSuffix(loc.Path, "/"), timeout, f.log)
}

var _ interfaces.BlobBackendFactory = (*BlobBackendFactory)(nil)

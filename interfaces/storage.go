package interfaces

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ContentID is a 32-byte SHA-256 hash addressing a sealed payload in a blob
// backend.
type ContentID [32]byte

// NewContentIDFromBytes converts a raw 32-byte slice into a ContentID.
func NewContentIDFromBytes(source []byte) (ContentID, error) {
	if len(source) != 32 {
		return ContentID{}, errors.New("invalid ContentID conversion from bytes: incorrect length")
	}
	var id ContentID
	copy(id[:], source)
	return id, nil
}

// NewContentIDFromHex parses a 64-character hex string into a ContentID.
func NewContentIDFromHex(source string) (ContentID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ContentID{}, errors.New("invalid content ID length: hex string must be 64 characters")
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return ContentID{}, fmt.Errorf("invalid hex format: %w", err)
	}
	var id ContentID
	copy(id[:], raw)
	return id, nil
}

// ComputeID calculates the content ID of data.
func ComputeID(data []byte) ContentID {
	return ContentID(sha256.Sum256(data))
}

// String returns the hex representation.
func (id ContentID) String() string { return hex.EncodeToString(id[:]) }

// Bytes returns the raw 32-byte hash.
func (id ContentID) Bytes() []byte { return id[:] }

// Equal compares two content IDs.
func (id ContentID) Equal(other ContentID) bool { return bytes.Equal(id[:], other[:]) }

// BlobKind indicates the blob storage namespace.
type BlobKind int

const (
	// ShardBlob holds sealed shard payloads.
	ShardBlob BlobKind = iota
	// ArchiveBlob holds audit chain archives.
	ArchiveBlob
)

// String returns the namespace name.
func (k BlobKind) String() string {
	switch k {
	case ShardBlob:
		return "shards"
	case ArchiveBlob:
		return "archive"
	default:
		return "unknown"
	}
}

var (
	// ErrContentNotFound is returned when a blob cannot be found in the backend.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a blob backend is not accessible.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a backend location URI is
	// malformed or its scheme unsupported.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// BlobBackend provides content-addressed storage for sealed payloads. Shard
// payloads and audit archives are opaque ciphertext to the backend.
type BlobBackend interface {
	// Fetch retrieves data by content ID and kind.
	Fetch(ctx context.Context, id ContentID, kind BlobKind) ([]byte, error)

	// Store saves data and returns its content ID.
	Store(ctx context.Context, data []byte, kind BlobKind) (ContentID, error)

	// Available checks whether the backend is accessible.
	Available(ctx context.Context) bool

	// Name returns an identifier for logging.
	Name() string

	// LocationURI returns the URI identifying this backend.
	LocationURI() string
}

// BlobBackendLocation is a parsed backend URI.
type BlobBackendLocation struct {
	Raw    string
	Scheme string
	Host   string
	Path   string
	Query  url.Values
	Auth   string
}

// NewBlobBackendLocation parses and validates a backend URI.
// Supported schemes: file, s3, vault, ipfs, memory.
func NewBlobBackendLocation(uri string) (BlobBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return BlobBackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "file", "s3", "vault", "ipfs", "memory":
	default:
		return BlobBackendLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return BlobBackendLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI.
func (loc BlobBackendLocation) String() string { return loc.Raw }

// GetParam returns a query parameter value.
func (loc BlobBackendLocation) GetParam(name string) string { return loc.Query.Get(name) }

// BlobBackendFactory creates blob backends from URIs.
type BlobBackendFactory interface {
	// BackendFor creates a backend from a parsed location.
	BackendFor(loc BlobBackendLocation) (BlobBackend, error)

	// CreateMultiBackend aggregates several backends for redundant storage.
	CreateMultiBackend(locs []BlobBackendLocation) (BlobBackend, error)
}

// SetupStore persists recovery setups.
type SetupStore interface {
	CreateSetup(ctx context.Context, setup *Setup) error
	GetSetup(ctx context.Context, id SetupID) (*Setup, error)
	// GetSetupByAccount returns ErrNotFound for unknown accounts; callers
	// must not surface the distinction to requesters.
	GetSetupByAccount(ctx context.Context, account AccountID) (*Setup, error)
	UpdateSetup(ctx context.Context, setup *Setup) error
}

// ShardStore persists shard records. (setup_id, index) is unique.
type ShardStore interface {
	PutShard(ctx context.Context, rec *ShardRecord) error
	GetShard(ctx context.Context, setup SetupID, index int) (*ShardRecord, error)
	ListShards(ctx context.Context, setup SetupID) ([]*ShardRecord, error)
	// UpdateShard persists access bookkeeping changes.
	UpdateShard(ctx context.Context, rec *ShardRecord) error
}

// GuardianStore persists guardian enrollments.
type GuardianStore interface {
	CreateGuardian(ctx context.Context, g *Guardian) error
	GetGuardian(ctx context.Context, id GuardianID) (*Guardian, error)
	GetGuardianByToken(ctx context.Context, token string) (*Guardian, error)
	ListGuardians(ctx context.Context, setup SetupID) ([]*Guardian, error)
	UpdateGuardian(ctx context.Context, g *Guardian) error
}

// AttemptStore persists recovery attempts. UpdateAttempt must enforce the
// optimistic version (returning ErrVersionConflict on mismatch) and reject
// any write against a row whose stored status is terminal
// (ErrAttemptTerminal). Those two checks carry the linearizability and
// terminal-is-final invariants.
type AttemptStore interface {
	CreateAttempt(ctx context.Context, a *Attempt) error
	GetAttempt(ctx context.Context, id AttemptID) (*Attempt, error)
	UpdateAttempt(ctx context.Context, a *Attempt) error
	// ListAttempts returns all attempts for a setup, newest first.
	ListAttempts(ctx context.Context, setup SetupID) ([]*Attempt, error)
	// ListStaleAttempts returns non-terminal attempts whose expires_at is
	// before now, for the periodic sweep.
	ListStaleAttempts(ctx context.Context, now time.Time) ([]*Attempt, error)
}

// ChallengeStore persists temporal challenges.
type ChallengeStore interface {
	CreateChallenges(ctx context.Context, batch []*Challenge) error
	GetChallenge(ctx context.Context, id ChallengeID) (*Challenge, error)
	ListChallenges(ctx context.Context, attempt AttemptID) ([]*Challenge, error)
	UpdateChallenge(ctx context.Context, c *Challenge) error
	// ListDueChallenges returns scheduled challenges whose send time has
	// passed, for idempotent delivery handlers.
	ListDueChallenges(ctx context.Context, now time.Time) ([]*Challenge, error)
}

// ApprovalStore persists guardian approvals. UpdateApproval writes status
// and shard_released in one mutation.
type ApprovalStore interface {
	CreateApprovals(ctx context.Context, batch []*Approval) error
	GetApprovalByToken(ctx context.Context, token string) (*Approval, error)
	ListApprovals(ctx context.Context, attempt AttemptID) ([]*Approval, error)
	UpdateApproval(ctx context.Context, a *Approval) error
}

// AuditStore persists the append-only audit chain. AppendAudit is the only
// mutator; entries are never updated or deleted.
type AuditStore interface {
	AppendAudit(ctx context.Context, e *AuditEntry) error
	LastAudit(ctx context.Context, account AccountID) (*AuditEntry, error)
	ListAudit(ctx context.Context, account AccountID) ([]*AuditEntry, error)
}

// Store aggregates every entity store the coordinator needs.
type Store interface {
	SetupStore
	ShardStore
	GuardianStore
	AttemptStore
	ChallengeStore
	ApprovalStore
	AuditStore
}

package interfaces

import (
	"errors"
	"fmt"
	"time"

	"github.com/vaultmesh/recovery-service-backend/cryptoutils"
)

// ErrorKind is the structured classification carried on every error the core
// returns. Clients use it to decide whether a fallback path can be offered;
// the HTTP layer maps it to a status code. Kinds never leak secret material
// or account existence.
type ErrorKind string

const (
	KindValidation            ErrorKind = "validation_error"
	KindNotFound              ErrorKind = "not_found"
	KindInsufficientShares    ErrorKind = "insufficient_shares"
	KindAuthenticationFailed  ErrorKind = "authentication_failed"
	KindOutsideApprovalWindow ErrorKind = "outside_approval_window"
	KindVideoRequired         ErrorKind = "video_verification_required"
	KindSecurityViolation     ErrorKind = "security_violation"
	KindRateLimited           ErrorKind = "rate_limited"
	KindExpired               ErrorKind = "expired"
	KindConflict              ErrorKind = "conflict"
	KindInternal              ErrorKind = "internal"
)

// Sentinel errors for the recovery core. Components return these (wrapped
// with context via %w) so callers can branch with errors.Is.
var (
	// ErrNotFound covers unknown setups, attempts, and tokens. It is
	// deliberately indistinguishable from "exists but unauthorized".
	ErrNotFound = errors.New("recovery: not found")

	// ErrInsufficientShares indicates fewer than threshold distinct shares
	// were supplied for reconstruction.
	ErrInsufficientShares = errors.New("threshold: insufficient shares")

	// ErrAuthenticationFailed indicates an AEAD tag or AAD binding mismatch.
	// It signals tampering or a wrong key, never partial plaintext. Aliased
	// from cryptoutils so errors.Is matches across package boundaries.
	ErrAuthenticationFailed = cryptoutils.ErrAuthenticationFailed

	// ErrOutsideApprovalWindow indicates a guardian acted outside their
	// randomized approval window.
	ErrOutsideApprovalWindow = errors.New("guardian: outside approval window")

	// ErrVideoVerificationRequired indicates the guardian's policy demands
	// video proof and none was supplied.
	ErrVideoVerificationRequired = errors.New("guardian: video verification required")

	// ErrSecurityViolation indicates honeypot access or equivalent attack
	// signal. Always fatal to the attempt, always audited, always alerts.
	ErrSecurityViolation = errors.New("recovery: security violation")

	// ErrExpired indicates the entity's expires_at has passed.
	ErrExpired = errors.New("recovery: expired")

	// ErrAttemptTerminal indicates a write against an attempt already in a
	// terminal state.
	ErrAttemptTerminal = errors.New("recovery: attempt is terminal")

	// ErrVersionConflict indicates an optimistic concurrency failure in the
	// attempt store; the caller should reload and retry.
	ErrVersionConflict = errors.New("storage: version conflict")

	// ErrShardExists indicates a (setup, index) uniqueness violation.
	ErrShardExists = errors.New("storage: shard index already exists")

	// ErrShardNotReleased indicates a guardian shard was requested before
	// its approval released it.
	ErrShardNotReleased = errors.New("shardvault: guardian shard not released")
)

// ValidationError reports bad request parameters, e.g. a threshold larger
// than the shard count.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Msg)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// NewValidationError creates a ValidationError for a named parameter.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Msg: msg}
}

// RateLimitedError carries the retry-after hint imposed by the lockout guard.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

// KindOf classifies any error returned by the core into its ErrorKind.
func KindOf(err error) ErrorKind {
	var ve *ValidationError
	var rle *RateLimitedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &rle):
		return KindRateLimited
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInsufficientShares):
		return KindInsufficientShares
	case errors.Is(err, ErrAuthenticationFailed):
		return KindAuthenticationFailed
	case errors.Is(err, ErrOutsideApprovalWindow):
		return KindOutsideApprovalWindow
	case errors.Is(err, ErrVideoVerificationRequired):
		return KindVideoRequired
	case errors.Is(err, ErrSecurityViolation):
		return KindSecurityViolation
	case errors.Is(err, ErrExpired):
		return KindExpired
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrAttemptTerminal),
		errors.Is(err, ErrShardExists), errors.Is(err, ErrShardNotReleased):
		return KindConflict
	default:
		return KindInternal
	}
}

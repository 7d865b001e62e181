// Package threshold implements (k, n) secret sharing for recovery
// credentials, plus honeypot decoy shares.
//
// Sharing is Shamir's scheme over GF(2^8) as implemented by
// hashicorp/vault/shamir: any k of the n shares reconstruct the secret via
// Lagrange interpolation, and any k-1 shares reveal nothing about it. Each
// share embeds its x-coordinate as the trailing byte; the coordinate is
// never zero, which is what makes honeypot detection exact.
package threshold

import (
	"bytes"
	"fmt"
	"io"

	"github.com/hashicorp/vault/shamir"

	"github.com/vaultmesh/recovery-service-backend/cryptoutils"
	"github.com/vaultmesh/recovery-service-backend/interfaces"
)

const (
	// MinShares and MaxShares bound n for a setup.
	MinShares = 3
	MaxShares = 10

	// MinThreshold bounds k. A threshold of 1 would make sharing pointless.
	MinThreshold = 2

	// honeypotTagSize is the length of the keyed marker embedded in decoys.
	honeypotTagSize = 8

	// MinHoneypotSize is the smallest decoy CreateHoneypot will produce:
	// tag + x-coordinate byte + some body.
	MinHoneypotSize = honeypotTagSize + 2
)

// Share is one secret share as handed to shard storage. Index is unique
// within a split and never zero for a real share.
type Share struct {
	Index int
	Bytes []byte
}

// Store splits and reconstructs secrets. It is explicitly constructed and
// injected (never a process-wide singleton) so tests can drive it with a
// fixed randomness source.
type Store struct {
	rand io.Reader
}

// NewStore creates a secret store reading randomness from rand.
func NewStore(rand io.Reader) *Store {
	return &Store{rand: rand}
}

// Split shares secret into n parts with reconstruction threshold k.
// Shares are indexed 1..n; index 0 is reserved for the honeypot decoy.
func (s *Store) Split(secret []byte, n, k int) ([]Share, error) {
	if len(secret) == 0 {
		return nil, interfaces.NewValidationError("secret", "must not be empty")
	}
	if n < MinShares || n > MaxShares {
		return nil, interfaces.NewValidationError("total_shards", fmt.Sprintf("must be between %d and %d", MinShares, MaxShares))
	}
	if k < MinThreshold || k > n {
		return nil, interfaces.NewValidationError("threshold_shards", fmt.Sprintf("must be between %d and total_shards", MinThreshold))
	}

	parts, err := shamir.Split(secret, n, k)
	if err != nil {
		return nil, fmt.Errorf("split secret: %w", err)
	}

	shares := make([]Share, len(parts))
	for i, p := range parts {
		shares[i] = Share{Index: i + 1, Bytes: p}
	}
	return shares, nil
}

// Reconstruct recovers the secret from any k or more distinct shares of a
// split. Every valid subset of size >= k yields the identical secret.
// Returns ErrInsufficientShares when fewer than k distinct indices are
// supplied, and ErrSecurityViolation if a honeypot is among the shares.
func (s *Store) Reconstruct(shares []Share, k int) ([]byte, error) {
	if k < MinThreshold {
		return nil, interfaces.NewValidationError("threshold", "must be at least 2")
	}

	seen := make(map[int]bool, len(shares))
	parts := make([][]byte, 0, len(shares))
	for _, sh := range shares {
		if IsHoneypot(sh.Bytes) {
			return nil, fmt.Errorf("reconstruct: honeypot share supplied: %w", interfaces.ErrSecurityViolation)
		}
		if seen[sh.Index] {
			continue
		}
		seen[sh.Index] = true
		parts = append(parts, sh.Bytes)
	}

	if len(parts) < k {
		return nil, fmt.Errorf("reconstruct: have %d distinct shares, need %d: %w",
			len(parts), k, interfaces.ErrInsufficientShares)
	}

	secret, err := shamir.Combine(parts)
	if err != nil {
		return nil, fmt.Errorf("reconstruct: %w", err)
	}
	return secret, nil
}

// CreateHoneypot produces a decoy share of the given total size. The decoy
// matches the framing of a real share but its trailing x-coordinate byte is
// zero, a value shamir.Split never emits, and its body carries a keyed
// marker so detection is deterministic.
func (s *Store) CreateHoneypot(size int) ([]byte, error) {
	if size < MinHoneypotSize {
		return nil, interfaces.NewValidationError("size", fmt.Sprintf("honeypot must be at least %d bytes", MinHoneypotSize))
	}

	decoy := make([]byte, size)
	body := decoy[:size-honeypotTagSize-1]
	if _, err := io.ReadFull(s.rand, body); err != nil {
		return nil, fmt.Errorf("create honeypot: %w", err)
	}

	tag, err := honeypotTag(body)
	if err != nil {
		return nil, err
	}
	copy(decoy[size-honeypotTagSize-1:size-1], tag)
	decoy[size-1] = 0
	return decoy, nil
}

// IsHoneypot reports whether data is a decoy produced by CreateHoneypot.
// Real shares always carry a nonzero trailing x-coordinate, so the check
// has zero false positives on genuinely split shares.
func IsHoneypot(data []byte) bool {
	if len(data) < MinHoneypotSize {
		return false
	}
	if data[len(data)-1] != 0 {
		return false
	}
	body := data[:len(data)-honeypotTagSize-1]
	tag, err := honeypotTag(body)
	if err != nil {
		return false
	}
	return bytes.Equal(tag, data[len(data)-honeypotTagSize-1:len(data)-1])
}

// ShareSize returns the share length produced for a secret of secretLen
// bytes. Honeypots are created at this size so they are indistinguishable
// by length.
func ShareSize(secretLen int) int { return secretLen + 1 }

func honeypotTag(body []byte) ([]byte, error) {
	return cryptoutils.DeriveKey("recovery-honeypot-v1", body, honeypotTagSize)
}

// Package audit provides the append-only, tamper-evident audit log and the
// progressive lockout guard that observe every recovery event.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vaultmesh/recovery-service-backend/interfaces"
)

// ErrChainBroken is returned by VerifyChain when an entry's hash or link to
// its predecessor does not verify.
var ErrChainBroken = errors.New("audit: hash chain broken")

// Log appends hash-chained entries to the audit store. Each entry carries
// the SHA-256 hash of its predecessor, so any entry in an account's chain
// can be verified and any mutation or deletion is detectable.
//
// Append is the only mutator; nothing in this package updates or removes
// entries.
type Log struct {
	store interfaces.AuditStore
	clock interfaces.Clock
	log   *slog.Logger
}

// NewLog creates an audit log writing through store.
func NewLog(store interfaces.AuditStore, clock interfaces.Clock, log *slog.Logger) *Log {
	return &Log{store: store, clock: clock, log: log}
}

// Append records one event on the account's chain. The chain link only
// depends on the immediately preceding entry for that account, so appends
// need no cross-entry coordination.
func (l *Log) Append(ctx context.Context, account interfaces.AccountID, event interfaces.AuditEvent, detail string, attemptID string, secCtx interfaces.SecurityContext) error {
	prev, err := l.store.LastAudit(ctx, account)
	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return fmt.Errorf("audit append: %w", err)
	}

	entry := &interfaces.AuditEntry{
		AccountID: account,
		Event:     event,
		Detail:    detail,
		AttemptID: attemptID,
		Context:   secCtx,
		Timestamp: l.clock.Now().UTC(),
	}
	if prev != nil {
		entry.Sequence = prev.Sequence + 1
		entry.PrevHash = prev.Hash
	}

	hash, err := entryHash(entry)
	if err != nil {
		return fmt.Errorf("audit append: %w", err)
	}
	entry.Hash = hash

	if err := l.store.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("audit append: %w", err)
	}

	l.log.Debug("audit entry appended",
		"account", string(account),
		"event", string(event),
		"sequence", entry.Sequence)
	return nil
}

// Chain returns the full chain for an account, oldest first. Authorization
// rules for who may read a chain live outside this core; reads here never
// filter or redact.
func (l *Log) Chain(ctx context.Context, account interfaces.AccountID) ([]*interfaces.AuditEntry, error) {
	return l.store.ListAudit(ctx, account)
}

// VerifyChain re-hashes every entry and checks its link to the predecessor.
// Returns ErrChainBroken naming the first bad sequence number.
func VerifyChain(entries []*interfaces.AuditEntry) error {
	prevHash := ""
	for i, e := range entries {
		if e.PrevHash != prevHash {
			return fmt.Errorf("%w: entry %d prev_hash mismatch", ErrChainBroken, e.Sequence)
		}
		want, err := entryHash(e)
		if err != nil {
			return err
		}
		if e.Hash != want {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, e.Sequence)
		}
		if i > 0 && e.Sequence != entries[i-1].Sequence+1 {
			return fmt.Errorf("%w: entry %d out of sequence", ErrChainBroken, e.Sequence)
		}
		prevHash = e.Hash
	}
	return nil
}

// entryHash computes the canonical hash of an entry, excluding its own Hash
// field. AuditEntry contains only structs and scalars, so json.Marshal
// field order is deterministic and the hash is reproducible.
func entryHash(e *interfaces.AuditEntry) (string, error) {
	shadow := *e
	shadow.Hash = ""
	raw, err := json.Marshal(&shadow)
	if err != nil {
		return "", fmt.Errorf("audit hash: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

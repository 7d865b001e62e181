// Package shardvault owns encrypted shard records and their sealed payloads.
// Records live in the entity store; payload ciphertext is content-addressed
// in a blob backend. The vault enforces guardian release gating and turns
// honeypot access into an explicit security signal.
package shardvault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vaultmesh/recovery-service-backend/interfaces"
)

// ReleaseChecker reports whether the guardian gating a shard index has
// released it for a given attempt. The guardian protocol implements this.
type ReleaseChecker interface {
	ShardReleased(ctx context.Context, attemptID interfaces.AttemptID, setupID interfaces.SetupID, shardIndex int) (bool, error)
}

// Vault stores and releases shards for recovery attempts.
type Vault struct {
	shards   interfaces.ShardStore
	blobs    interfaces.BlobBackend
	releases ReleaseChecker
	clock    interfaces.Clock
	log      *slog.Logger
}

// NewVault creates a shard vault.
func NewVault(shards interfaces.ShardStore, blobs interfaces.BlobBackend, releases ReleaseChecker, clock interfaces.Clock, log *slog.Logger) *Vault {
	if log == nil {
		log = slog.Default()
	}
	return &Vault{
		shards:   shards,
		blobs:    blobs,
		releases: releases,
		clock:    clock,
		log:      log,
	}
}

// Store seals a shard into the vault: the payload ciphertext goes to the
// blob backend, the bookkeeping record to the shard store. (setup, index)
// uniqueness is enforced by the store.
func (v *Vault) Store(ctx context.Context, setupID interfaces.SetupID, index int, sctx interfaces.ShardContext, sealedPayload []byte) (*interfaces.ShardRecord, error) {
	if sctx == nil {
		return nil, interfaces.NewValidationError("context", "shard context is required")
	}
	typ := sctx.ShardType()
	isHoneypot := typ == interfaces.ShardTypeHoneypot
	if isHoneypot != (index == interfaces.HoneypotShardIndex) {
		return nil, interfaces.NewValidationError("index", "decoy shards and only decoy shards use the reserved index")
	}

	payloadID, err := v.blobs.Store(ctx, sealedPayload, interfaces.ShardBlob)
	if err != nil {
		return nil, fmt.Errorf("failed to store shard payload: %w", err)
	}

	rec := &interfaces.ShardRecord{
		SetupID:     setupID,
		Index:       index,
		Type:        typ,
		Context:     sctx,
		IsHoneypot:  isHoneypot,
		PayloadID:   payloadID,
		PayloadSize: len(sealedPayload),
		CreatedAt:   v.clock.Now().UTC(),
	}
	if err := v.shards.PutShard(ctx, rec); err != nil {
		return nil, err
	}

	v.log.Debug("shard stored",
		"setup", setupID.String(),
		"index", index,
		"type", string(typ))
	return rec, nil
}

// Retrieve fetches one shard's sealed payload for an attempt. Every call
// counts as an access, legitimate or not. Honeypot access never returns
// payload data: it returns ErrSecurityViolation, which the recovery state
// machine treats as fatal. Guardian shards require a released approval.
func (v *Vault) Retrieve(ctx context.Context, attemptID interfaces.AttemptID, setupID interfaces.SetupID, index int) ([]byte, *interfaces.ShardRecord, error) {
	rec, err := v.shards.GetShard(ctx, setupID, index)
	if err != nil {
		return nil, nil, err
	}

	if err := v.touch(ctx, rec); err != nil {
		return nil, nil, err
	}

	if rec.IsHoneypot {
		v.log.Warn("honeypot shard accessed",
			"setup", setupID.String(),
			"attempt", attemptID.String(),
			"index", index)
		return nil, rec, interfaces.ErrSecurityViolation
	}

	if rec.Type == interfaces.ShardTypeGuardian {
		released, err := v.releases.ShardReleased(ctx, attemptID, setupID, index)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to check shard release: %w", err)
		}
		if !released {
			return nil, rec, interfaces.ErrShardNotReleased
		}
	}

	payload, err := v.blobs.Fetch(ctx, rec.PayloadID, interfaces.ShardBlob)
	if err != nil {
		if errors.Is(err, interfaces.ErrContentNotFound) {
			return nil, nil, fmt.Errorf("shard payload missing from blob backend: %w", err)
		}
		return nil, nil, fmt.Errorf("failed to fetch shard payload: %w", err)
	}
	return payload, rec, nil
}

// Collectible reports whether a shard could currently be retrieved for an
// attempt, without fetching the payload or bumping access counters. The
// honeypot is never collectible.
func (v *Vault) Collectible(ctx context.Context, attemptID interfaces.AttemptID, rec *interfaces.ShardRecord) (bool, error) {
	if rec.IsHoneypot {
		return false, nil
	}
	if rec.Type == interfaces.ShardTypeGuardian {
		return v.releases.ShardReleased(ctx, attemptID, rec.SetupID, rec.Index)
	}
	return true, nil
}

// CountCollectible counts how many real shards are currently addressable
// for an attempt. The coordinator compares this against the setup's
// threshold to drive state transitions.
func (v *Vault) CountCollectible(ctx context.Context, attemptID interfaces.AttemptID, setupID interfaces.SetupID) (int, error) {
	recs, err := v.shards.ListShards(ctx, setupID)
	if err != nil {
		return 0, err
	}
	var n int
	for _, rec := range recs {
		ok, err := v.Collectible(ctx, attemptID, rec)
		if err != nil {
			return 0, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// touch increments the access counter and stamps last access.
func (v *Vault) touch(ctx context.Context, rec *interfaces.ShardRecord) error {
	now := v.clock.Now().UTC()
	rec.AccessCount++
	rec.LastAccessedAt = &now
	if err := v.shards.UpdateShard(ctx, rec); err != nil {
		return fmt.Errorf("failed to record shard access: %w", err)
	}
	return nil
}

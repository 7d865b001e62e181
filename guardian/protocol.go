// Package guardian manages guardian enrollment and the anti-collusion
// approval protocol: each guardian gets an independently randomized approval
// window, and approval and shard release are committed together.
package guardian

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vaultmesh/recovery-service-backend/interfaces"
)

// Approval window randomization: start lands uniformly within
// maxStartDelay of opening, and the window stays open for windowLength.
// Independent draws per guardian are the anti-collusion property.
const (
	maxStartDelay = 12 * time.Hour
	windowLength  = 24 * time.Hour
)

// tokenBytes is the entropy in invite and approval capability tokens.
const tokenBytes = 32

// Protocol drives guardian enrollment and per-attempt approvals.
type Protocol struct {
	guardians interfaces.GuardianStore
	approvals interfaces.ApprovalStore
	rand      io.Reader
	clock     interfaces.Clock
	log       *slog.Logger
}

// NewProtocol creates a guardian protocol instance.
func NewProtocol(guardians interfaces.GuardianStore, approvals interfaces.ApprovalStore, rand io.Reader, clock interfaces.Clock, log *slog.Logger) *Protocol {
	if log == nil {
		log = slog.Default()
	}
	return &Protocol{
		guardians: guardians,
		approvals: approvals,
		rand:      rand,
		clock:     clock,
		log:       log,
	}
}

// Invite enrolls a pending guardian bound to one shard index and returns the
// record carrying the invite token.
func (p *Protocol) Invite(ctx context.Context, setupID interfaces.SetupID, shardIndex int, encryptedIdentity []byte, requireVideo, requireInPerson bool, inviteTTL time.Duration) (*interfaces.Guardian, error) {
	if shardIndex == interfaces.HoneypotShardIndex {
		return nil, interfaces.NewValidationError("shard_index", "guardians cannot hold the reserved decoy index")
	}
	token, err := randomToken(p.rand)
	if err != nil {
		return nil, err
	}

	now := p.clock.Now().UTC()
	g := &interfaces.Guardian{
		ID:                uuid.New(),
		SetupID:           setupID,
		ShardIndex:        shardIndex,
		EncryptedIdentity: encryptedIdentity,
		Status:            interfaces.GuardianPending,
		InviteToken:       token,
		InviteExpiresAt:   now.Add(inviteTTL),
		RequireVideo:      requireVideo,
		RequireInPerson:   requireInPerson,
		CreatedAt:         now,
	}
	if err := p.guardians.CreateGuardian(ctx, g); err != nil {
		return nil, fmt.Errorf("failed to create guardian: %w", err)
	}
	return g, nil
}

// AcceptInvite activates a pending guardian by invite token.
func (p *Protocol) AcceptInvite(ctx context.Context, token string) (*interfaces.Guardian, error) {
	return p.resolveInvite(ctx, token, interfaces.GuardianActive)
}

// DeclineInvite marks a pending guardian declined by invite token.
func (p *Protocol) DeclineInvite(ctx context.Context, token string) (*interfaces.Guardian, error) {
	return p.resolveInvite(ctx, token, interfaces.GuardianDeclined)
}

func (p *Protocol) resolveInvite(ctx context.Context, token string, next interfaces.GuardianStatus) (*interfaces.Guardian, error) {
	g, err := p.guardians.GetGuardianByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if g.Status != interfaces.GuardianPending {
		return nil, interfaces.NewValidationError("token", "invite already resolved")
	}
	now := p.clock.Now().UTC()
	if now.After(g.InviteExpiresAt) {
		return nil, interfaces.ErrExpired
	}

	g.Status = next
	g.RespondedAt = &now
	if err := p.guardians.UpdateGuardian(ctx, g); err != nil {
		return nil, fmt.Errorf("failed to update guardian: %w", err)
	}
	return g, nil
}

// Revoke marks a guardian revoked. Revoked guardians are excluded from
// future approval rounds; in-flight approvals for them expire naturally.
func (p *Protocol) Revoke(ctx context.Context, id interfaces.GuardianID) error {
	g, err := p.guardians.GetGuardian(ctx, id)
	if err != nil {
		return err
	}
	g.Status = interfaces.GuardianRevoked
	if err := p.guardians.UpdateGuardian(ctx, g); err != nil {
		return fmt.Errorf("failed to update guardian: %w", err)
	}
	return nil
}

// ActiveGuardians returns the currently active guardians for a setup.
func (p *Protocol) ActiveGuardians(ctx context.Context, setupID interfaces.SetupID) ([]*interfaces.Guardian, error) {
	all, err := p.guardians.ListGuardians(ctx, setupID)
	if err != nil {
		return nil, err
	}
	var active []*interfaces.Guardian
	for _, g := range all {
		if g.Status == interfaces.GuardianActive {
			active = append(active, g)
		}
	}
	return active, nil
}

// OpenApprovals creates one pending approval per guardian for an attempt,
// each with its own randomized window. Returns the created approvals.
func (p *Protocol) OpenApprovals(ctx context.Context, attemptID interfaces.AttemptID, guardians []*interfaces.Guardian) ([]*interfaces.Approval, error) {
	now := p.clock.Now().UTC()
	batch := make([]*interfaces.Approval, 0, len(guardians))

	for _, g := range guardians {
		token, err := randomToken(p.rand)
		if err != nil {
			return nil, err
		}
		delay, err := randomDuration(p.rand, maxStartDelay)
		if err != nil {
			return nil, err
		}
		start := now.Add(delay)

		batch = append(batch, &interfaces.Approval{
			ID:          uuid.New(),
			AttemptID:   attemptID,
			GuardianID:  g.ID,
			Token:       token,
			WindowStart: start,
			WindowEnd:   start.Add(windowLength),
			Status:      interfaces.ApprovalPending,
		})
	}

	if err := p.approvals.CreateApprovals(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to create approvals: %w", err)
	}

	p.log.Info("approval windows opened",
		"attempt", attemptID.String(),
		"guardians", len(batch))
	return batch, nil
}

// Approve accepts a guardian's approval by capability token. It enforces
// the window and the guardian's extra-verification policy, then commits
// approval and shard release in one write. The released shard is what makes
// the guardian's shard collectible for reconstruction.
func (p *Protocol) Approve(ctx context.Context, token, videoProofRef string) (*interfaces.Approval, error) {
	a, err := p.approvals.GetApprovalByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if a.Status != interfaces.ApprovalPending {
		return nil, interfaces.NewValidationError("token", "approval already resolved")
	}

	now := p.clock.Now().UTC()
	if !a.InWindow(now) {
		if now.After(a.WindowEnd) {
			p.expireApproval(ctx, a, now)
		}
		return nil, interfaces.ErrOutsideApprovalWindow
	}

	g, err := p.guardians.GetGuardian(ctx, a.GuardianID)
	if err != nil {
		return nil, err
	}
	if g.RequireVideo && videoProofRef == "" {
		return nil, interfaces.ErrVideoVerificationRequired
	}

	a.Status = interfaces.ApprovalApproved
	a.ShardReleased = true
	a.VideoProofRef = videoProofRef
	a.RespondedAt = &now
	if err := p.approvals.UpdateApproval(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to commit approval: %w", err)
	}

	p.log.Info("guardian approved",
		"attempt", a.AttemptID.String(),
		"guardian", g.ID.String())
	return a, nil
}

// Deny records a guardian's denial without releasing the shard. Denial does
// not by itself fail the attempt; the coordinator decides whether enough
// approval paths remain.
func (p *Protocol) Deny(ctx context.Context, token string) (*interfaces.Approval, error) {
	a, err := p.approvals.GetApprovalByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if a.Status != interfaces.ApprovalPending {
		return nil, interfaces.NewValidationError("token", "approval already resolved")
	}

	now := p.clock.Now().UTC()
	a.Status = interfaces.ApprovalDenied
	a.RespondedAt = &now
	if err := p.approvals.UpdateApproval(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to commit denial: %w", err)
	}
	return a, nil
}

// ExpireApprovals sweeps an attempt's pending approvals whose window has
// closed. Returns how many were expired.
func (p *Protocol) ExpireApprovals(ctx context.Context, attemptID interfaces.AttemptID) (int, error) {
	all, err := p.approvals.ListApprovals(ctx, attemptID)
	if err != nil {
		return 0, err
	}

	now := p.clock.Now().UTC()
	var n int
	for _, a := range all {
		if a.Status == interfaces.ApprovalPending && now.After(a.WindowEnd) {
			if err := p.expireApproval(ctx, a, now); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func (p *Protocol) expireApproval(ctx context.Context, a *interfaces.Approval, now time.Time) error {
	a.Status = interfaces.ApprovalExpired
	a.RespondedAt = &now
	if err := p.approvals.UpdateApproval(ctx, a); err != nil {
		return fmt.Errorf("failed to expire approval: %w", err)
	}
	return nil
}

// Tally summarizes an attempt's approvals for the coordinator.
type Tally struct {
	Approved int
	Denied   int
	Pending  int
	Expired  int
}

// Achievable is how many approvals could still be reached.
func (t Tally) Achievable() int { return t.Approved + t.Pending }

// TallyApprovals counts an attempt's approvals by status.
func (p *Protocol) TallyApprovals(ctx context.Context, attemptID interfaces.AttemptID) (Tally, error) {
	all, err := p.approvals.ListApprovals(ctx, attemptID)
	if err != nil {
		return Tally{}, err
	}
	var t Tally
	for _, a := range all {
		switch a.Status {
		case interfaces.ApprovalApproved:
			t.Approved++
		case interfaces.ApprovalDenied:
			t.Denied++
		case interfaces.ApprovalPending:
			t.Pending++
		case interfaces.ApprovalExpired:
			t.Expired++
		}
	}
	return t, nil
}

// ShardReleased reports whether the guardian gating shardIndex has released
// it for this attempt.
func (p *Protocol) ShardReleased(ctx context.Context, attemptID interfaces.AttemptID, setupID interfaces.SetupID, shardIndex int) (bool, error) {
	guardians, err := p.guardians.ListGuardians(ctx, setupID)
	if err != nil {
		return false, err
	}
	var owner *interfaces.Guardian
	for _, g := range guardians {
		if g.ShardIndex == shardIndex {
			owner = g
			break
		}
	}
	if owner == nil {
		return false, errors.New("no guardian holds this shard index")
	}

	approvals, err := p.approvals.ListApprovals(ctx, attemptID)
	if err != nil {
		return false, err
	}
	for _, a := range approvals {
		if a.GuardianID == owner.ID {
			return a.ShardReleased, nil
		}
	}
	return false, nil
}

func randomToken(rand io.Reader) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(rand, buf); err != nil {
		return "", fmt.Errorf("failed to draw token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func randomDuration(rand io.Reader, span time.Duration) (time.Duration, error) {
	if span <= 0 {
		return 0, nil
	}
	var buf [8]byte
	if _, err := io.ReadFull(rand, buf[:]); err != nil {
		return 0, fmt.Errorf("failed to draw window offset: %w", err)
	}
	v := binary.BigEndian.Uint64(buf[:])
	return time.Duration(v % uint64(span)), nil
}

package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vaultmesh/recovery-service-backend/cryptoutils"
	"github.com/vaultmesh/recovery-service-backend/interfaces"
	"github.com/vaultmesh/recovery-service-backend/threshold"
)

// InitiateResult is the uniform acknowledgement for an initiation request.
// The shape is identical whether or not an attempt was actually created, so
// the endpoint cannot be used to probe which accounts have recovery set up.
type InitiateResult struct {
	AttemptID interfaces.AttemptID `json:"attempt_id"`

	// Declined marks a decoy acknowledgement. It never crosses the wire;
	// callers use it for internal accounting only, so the response stays
	// indistinguishable from a real one.
	Declined bool `json:"-"`
}

// ChallengeOutcome reports the effect of one challenge response.
type ChallengeOutcome struct {
	Correct    bool                     `json:"correct"`
	TrustScore float64                  `json:"trust_score"`
	Status     interfaces.AttemptStatus `json:"status"`
}

// Initiate starts a recovery attempt for an account. On any policy
// rejection (unknown account, inactive setup, travel lock, rate caps,
// attempt already running) it returns a decoy acknowledgement instead of an
// error; only the requester's own lockout surfaces as RateLimitedError.
func (s *Service) Initiate(ctx context.Context, account interfaces.AccountID, secCtx interfaces.SecurityContext) (*InitiateResult, error) {
	if err := s.lockout.Check(secCtx.DeviceFingerprint); err != nil {
		return nil, err
	}

	setup, err := s.store.GetSetupByAccount(ctx, account)
	if errors.Is(err, interfaces.ErrNotFound) {
		s.lockout.RecordFailure(secCtx.DeviceFingerprint)
		s.log.Info("initiation for unknown account declined", "fingerprint", secCtx.DeviceFingerprint)
		return decoyAck(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load setup: %w", err)
	}

	now := s.clock.Now().UTC()

	if !setup.IsActive {
		s.log.Info("initiation against inactive setup declined", "setup", setup.ID.String())
		return decoyAck(), nil
	}
	if setup.TravelLocked(now) {
		s.audit(ctx, setup, interfaces.AuditSecurityAlert, "initiation attempted during travel lock", "", secCtx)
		return decoyAck(), nil
	}
	if reason := s.attemptCapViolation(ctx, setup, now); reason != "" {
		s.audit(ctx, setup, interfaces.AuditSecurityAlert, reason, "", secCtx)
		return decoyAck(), nil
	}

	policy := setup.Policy
	required, err := s.resolveApprovalsRequired(ctx, setup)
	if err != nil {
		return nil, err
	}

	attempt := &interfaces.Attempt{
		ID:                uuid.New(),
		SetupID:           setup.ID,
		Status:            interfaces.AttemptInitiated,
		Context:           secCtx,
		ShardsRequired:    setup.ThresholdShards,
		ApprovalsRequired: required,
		CanarySentAt:      now,
		CanaryWindowEnds:  now.Add(time.Duration(policy.CanaryWindowHours) * time.Hour),
		ExpiresAt:         now.Add(policy.AttemptTTL),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to create attempt: %w", err)
	}
	s.audit(ctx, setup, interfaces.AuditAttemptInitiated,
		fmt.Sprintf("from=%s device=%s", secCtx.IPAddress, secCtx.DeviceFingerprint),
		attempt.ID.String(), secCtx)

	s.sendCanary(ctx, setup, attempt)

	challenges, err := s.scheduleChallenges(ctx, setup, attempt)
	if err != nil {
		return nil, err
	}
	if err := s.sched.ScheduleAt(ctx, attempt.ExpiresAt, interfaces.TaskSweepAttempt, attempt.ID.String()); err != nil {
		s.log.Warn("failed to schedule attempt sweep", "attempt", attempt.ID.String(), "err", err)
	}

	if err := s.transition(ctx, setup, attempt, interfaces.AttemptChallengePhase,
		fmt.Sprintf("challenges=%d", len(challenges))); err != nil {
		return nil, err
	}
	if len(challenges) == 0 {
		// Nothing to wait on; the phase resolves immediately and the
		// remaining gates fall to guardians and shard factors.
		if err := s.evaluateProgress(ctx, setup, attempt); err != nil {
			return nil, err
		}
	}

	s.log.Info("recovery attempt initiated",
		"attempt", attempt.ID.String(),
		"setup", setup.ID.String(),
		"challenges", len(challenges),
		"approvals_required", required)
	return &InitiateResult{AttemptID: attempt.ID}, nil
}

// decoyAck fabricates an acknowledgement indistinguishable from a real one.
// The returned ID maps to nothing; any later lookup with it behaves exactly
// like a lookup with an expired attempt ID.
func decoyAck() *InitiateResult {
	return &InitiateResult{AttemptID: uuid.New(), Declined: true}
}

// attemptCapViolation checks the rolling monthly cap, the post-failure
// cooldown, and the one-running-attempt rule. Returns an audit detail when
// a cap is hit, empty string otherwise.
func (s *Service) attemptCapViolation(ctx context.Context, setup *interfaces.Setup, now time.Time) string {
	attempts, err := s.store.ListAttempts(ctx, setup.ID)
	if err != nil {
		s.log.Error("failed to list attempts for cap check", "setup", setup.ID.String(), "err", err)
		return "attempt history unavailable"
	}

	windowStart := now.Add(-30 * 24 * time.Hour)
	cooldown := time.Duration(setup.Policy.CooldownDays) * 24 * time.Hour

	recent := 0
	for _, a := range attempts {
		if !a.Status.Terminal() && now.Before(a.ExpiresAt) {
			return "initiation while another attempt is running"
		}
		if a.CreatedAt.After(windowStart) {
			recent++
		}
		if a.Status == interfaces.AttemptFailed && now.Sub(a.UpdatedAt) < cooldown {
			return "initiation inside post-failure cooldown"
		}
	}
	if setup.Policy.MaxAttemptsPerMonth > 0 && recent >= setup.Policy.MaxAttemptsPerMonth {
		return "monthly attempt cap reached"
	}
	return ""
}

// resolveApprovalsRequired pins the approval quorum at attempt creation.
// Guardians revoked later do not lower the bar for a running attempt.
func (s *Service) resolveApprovalsRequired(ctx context.Context, setup *interfaces.Setup) (int, error) {
	if setup.Policy.GuardianApprovalsRequired > 0 {
		return setup.Policy.GuardianApprovalsRequired, nil
	}
	active, err := s.guardians.ActiveGuardians(ctx, setup.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve approval quorum: %w", err)
	}
	if len(active) < 2 {
		return len(active), nil
	}
	return 2, nil
}

// sendCanary delivers the "recovery was started for your account" alert on
// the setup's verified contact channel. Best effort; a dead channel must
// not block the attempt, the canary window runs regardless.
func (s *Service) sendCanary(ctx context.Context, setup *interfaces.Setup, attempt *interfaces.Attempt) {
	msg := fmt.Sprintf(
		"A recovery attempt for your account was started from %s. If this was not you, cancel it before %s using reference %s.",
		attempt.Context.IPAddress,
		attempt.CanaryWindowEnds.Format(time.RFC3339),
		attempt.ID.String())
	if err := s.notifier.Send(ctx, setup.ContactChannel, setup.ContactRef, msg); err != nil {
		s.log.Warn("canary alert delivery failed",
			"attempt", attempt.ID.String(),
			"channel", setup.ContactChannel,
			"err", err)
		return
	}
	s.audit(ctx, setup, interfaces.AuditCanaryAlertSent, "", attempt.ID.String(), attempt.Context)
}

// scheduleChallenges generates the challenge set, persists it, and registers
// the delivery and sweep tasks.
func (s *Service) scheduleChallenges(ctx context.Context, setup *interfaces.Setup, attempt *interfaces.Attempt) ([]*interfaces.Challenge, error) {
	sig, err := s.signals.Signals(ctx, setup.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account signals: %w", err)
	}

	challenges, err := s.engine.GenerateSet(sig, s.cfg.MaxChallenges, attempt.ID, setup.KEMPublicKey, setup.ContactChannel)
	if err != nil {
		return nil, err
	}
	if len(challenges) == 0 {
		return nil, nil
	}
	if err := s.engine.Schedule(challenges, setup.Policy.ChallengeDistributionDays); err != nil {
		return nil, err
	}
	if err := s.store.CreateChallenges(ctx, challenges); err != nil {
		return nil, fmt.Errorf("failed to persist challenges: %w", err)
	}

	var lastExpiry time.Time
	for _, c := range challenges {
		if err := s.sched.ScheduleAt(ctx, c.ScheduledSendAt, interfaces.TaskSendChallenge, c.ID.String()); err != nil {
			s.log.Warn("failed to schedule challenge delivery", "challenge", c.ID.String(), "err", err)
		}
		if c.ExpiresAt.After(lastExpiry) {
			lastExpiry = c.ExpiresAt
		}
	}
	if err := s.sched.ScheduleAt(ctx, lastExpiry, interfaces.TaskSweepChallenges, attempt.ID.String()); err != nil {
		s.log.Warn("failed to schedule challenge sweep", "attempt", attempt.ID.String(), "err", err)
	}
	return challenges, nil
}

// RespondToChallenge scores an answer to a delivered challenge, updates the
// attempt's counters and trust score, and advances the state machine when
// the challenge phase resolves.
func (s *Service) RespondToChallenge(ctx context.Context, attemptID interfaces.AttemptID, challengeID interfaces.ChallengeID, answer string) (*ChallengeOutcome, error) {
	unlock := s.locks.lock(attemptID)
	defer unlock()

	setup, attempt, err := s.loadRunningAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	c, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if c.AttemptID != attemptID {
		return nil, interfaces.ErrNotFound
	}

	now := s.clock.Now().UTC()
	if c.Status == interfaces.ChallengeAnswered || c.Status == interfaces.ChallengeLapsed {
		return nil, interfaces.NewValidationError("challenge", "already resolved")
	}
	if c.Status == interfaces.ChallengeScheduled {
		return nil, interfaces.NewValidationError("challenge", "not yet delivered")
	}
	if now.After(c.WindowEnd) {
		c.Status = interfaces.ChallengeLapsed
		if err := s.store.UpdateChallenge(ctx, c); err != nil {
			return nil, err
		}
		attempt.ChallengesFailed++
		if err := s.rescore(ctx, setup, attempt); err != nil {
			return nil, err
		}
		if err := s.store.UpdateAttempt(ctx, attempt); err != nil {
			return nil, err
		}
		s.audit(ctx, setup, interfaces.AuditChallengeExpired, "response window closed", attemptID.String(), attempt.Context)
		return nil, fmt.Errorf("challenge response window closed: %w", interfaces.ErrExpired)
	}

	sk, err := s.unwrapPrivateKey(setup)
	if err != nil {
		return nil, err
	}
	defer sk.Close()

	res, err := s.engine.ScoreResponse(c, answer, now, sk.Bytes())
	if err != nil {
		return nil, err
	}

	c.Status = interfaces.ChallengeAnswered
	c.Correct = &res.Correct
	c.ResponseLatency = res.Latency
	c.RespondedAt = &now
	if err := s.store.UpdateChallenge(ctx, c); err != nil {
		return nil, err
	}

	if res.Correct {
		attempt.ChallengesCompleted++
		s.lockout.RecordSuccess(attempt.Context.DeviceFingerprint)
	} else {
		attempt.ChallengesFailed++
		s.lockout.RecordFailure(attempt.Context.DeviceFingerprint)
	}
	if err := s.rescore(ctx, setup, attempt); err != nil {
		return nil, err
	}
	// The counters and the recomputed score must survive the next reload,
	// not just ride along until a phase transition happens to persist them.
	if err := s.store.UpdateAttempt(ctx, attempt); err != nil {
		return nil, err
	}
	s.audit(ctx, setup, interfaces.AuditChallengeAnswered,
		fmt.Sprintf("type=%s correct=%t latency=%s", c.Type, res.Correct, res.Latency),
		attemptID.String(), attempt.Context)

	if err := s.evaluateProgress(ctx, setup, attempt); err != nil {
		return nil, err
	}

	return &ChallengeOutcome{
		Correct:    res.Correct,
		TrustScore: attempt.TrustScore,
		Status:     attempt.Status,
	}, nil
}

// GuardianApprove records a guardian approval by capability token and
// advances the attempt when the quorum is met. Window, video, and pending
// checks live in the guardian protocol.
func (s *Service) GuardianApprove(ctx context.Context, token, videoProofRef string) (*interfaces.Approval, error) {
	pending, err := s.store.GetApprovalByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(pending.AttemptID)
	defer unlock()

	setup, attempt, err := s.loadRunningAttempt(ctx, pending.AttemptID)
	if err != nil {
		return nil, err
	}

	approval, err := s.guardians.Approve(ctx, token, videoProofRef)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, setup, interfaces.AuditGuardianApproved,
		fmt.Sprintf("guardian=%s", approval.GuardianID.String()),
		attempt.ID.String(), attempt.Context)

	if err := s.evaluateProgress(ctx, setup, attempt); err != nil {
		return nil, err
	}
	return approval, nil
}

// GuardianDeny records a guardian denial. A denial can make the quorum
// unreachable, which fails the attempt.
func (s *Service) GuardianDeny(ctx context.Context, token string) (*interfaces.Approval, error) {
	pending, err := s.store.GetApprovalByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(pending.AttemptID)
	defer unlock()

	setup, attempt, err := s.loadRunningAttempt(ctx, pending.AttemptID)
	if err != nil {
		return nil, err
	}

	approval, err := s.guardians.Deny(ctx, token)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, setup, interfaces.AuditGuardianDenied,
		fmt.Sprintf("guardian=%s", approval.GuardianID.String()),
		attempt.ID.String(), attempt.Context)

	if err := s.evaluateProgress(ctx, setup, attempt); err != nil {
		return nil, err
	}
	return approval, nil
}

// CollectShard exercises one shard's release path for an attempt: it bumps
// the shard's access bookkeeping and reports its record, without ever
// handing out payload ciphertext. Requesting the reserved decoy index trips
// the honeypot and fails the attempt permanently.
func (s *Service) CollectShard(ctx context.Context, attemptID interfaces.AttemptID, index int) (*interfaces.ShardRecord, error) {
	unlock := s.locks.lock(attemptID)
	defer unlock()

	setup, attempt, err := s.loadRunningAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	switch attempt.Status {
	case interfaces.AttemptShardCollection, interfaces.AttemptGuardianApproval, interfaces.AttemptFinalVerification:
	default:
		return nil, interfaces.NewValidationError("attempt", "shard collection has not started")
	}

	payload, rec, err := s.vault.Retrieve(ctx, attemptID, setup.ID, index)
	if errors.Is(err, interfaces.ErrSecurityViolation) {
		return nil, s.honeypotTripped(ctx, setup, attempt, index)
	}
	if err != nil {
		return nil, err
	}
	cryptoutils.Wipe(payload)

	s.audit(ctx, setup, interfaces.AuditShardAccessed,
		fmt.Sprintf("index=%d type=%s", index, rec.Type), attemptID.String(), attempt.Context)

	if err := s.evaluateProgress(ctx, setup, attempt); err != nil {
		return nil, err
	}
	return rec, nil
}

// Complete finalizes a recovery attempt: verifies the trust floor, collects
// the released shards, and reconstructs the credential. Touching the
// honeypot fails the attempt permanently and raises a security alert. At
// most one Complete call ever succeeds per attempt; the per-attempt lock
// orders callers in-process and the store's version check catches races
// across processes.
func (s *Service) Complete(ctx context.Context, attemptID interfaces.AttemptID) ([]byte, error) {
	unlock := s.locks.lock(attemptID)
	defer unlock()

	setup, attempt, err := s.loadRunningAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	// Pull in any quorum reached since the last event before gating on state.
	if err := s.evaluateProgress(ctx, setup, attempt); err != nil {
		return nil, err
	}
	if attempt.Status.Terminal() {
		return nil, interfaces.ErrAttemptTerminal
	}
	if attempt.Status != interfaces.AttemptFinalVerification {
		return nil, interfaces.NewValidationError("attempt", "not in final verification")
	}

	if attempt.ChallengesSent > 0 && attempt.TrustScore < setup.Policy.MinChallengeSuccessRate {
		s.failAttempt(ctx, setup, attempt, fmt.Sprintf("trust score %.2f below policy floor %.2f",
			attempt.TrustScore, setup.Policy.MinChallengeSuccessRate))
		return nil, fmt.Errorf("recovery denied: trust below policy floor: %w", interfaces.ErrSecurityViolation)
	}

	records, err := s.store.ListShards(ctx, setup.ID)
	if err != nil {
		return nil, err
	}

	sk, err := s.unwrapPrivateKey(setup)
	if err != nil {
		return nil, err
	}
	defer sk.Close()

	var (
		shares  []threshold.Share
		indices []int
	)
	for _, rec := range records {
		if rec.IsHoneypot {
			continue
		}
		ok, err := s.vault.Collectible(ctx, attemptID, rec)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		payload, _, err := s.vault.Retrieve(ctx, attemptID, setup.ID, rec.Index)
		if errors.Is(err, interfaces.ErrSecurityViolation) {
			return nil, s.honeypotTripped(ctx, setup, attempt, rec.Index)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve shard %d: %w", rec.Index, err)
		}

		plain, err := cryptoutils.Open(s.kem, sk.Bytes(), payload, shardAAD(setup.ID, rec.Index))
		if err != nil {
			// A shard that fails authentication at finalization means
			// tampering or corruption; the attempt is unrecoverable.
			s.failAttempt(ctx, setup, attempt, fmt.Sprintf("shard %d failed authentication", rec.Index))
			return nil, fmt.Errorf("failed to open shard %d: %w", rec.Index, err)
		}
		shares = append(shares, threshold.Share{Index: rec.Index, Bytes: plain})
		indices = append(indices, rec.Index)
	}

	secret, err := s.shares.Reconstruct(shares, setup.ThresholdShards)
	if errors.Is(err, interfaces.ErrSecurityViolation) {
		return nil, s.honeypotTripped(ctx, setup, attempt, -1)
	}
	if err != nil {
		s.failAttempt(ctx, setup, attempt, fmt.Sprintf("reconstruction failed: %v", err))
		return nil, err
	}

	now := s.clock.Now().UTC()
	attempt.Status = interfaces.AttemptCompleted
	attempt.ShardsCollected = len(shares)
	attempt.CompletedAt = &now
	if err := s.store.UpdateAttempt(ctx, attempt); err != nil {
		cryptoutils.Wipe(secret)
		return nil, fmt.Errorf("failed to finalize attempt: %w", err)
	}

	s.audit(ctx, setup, interfaces.AuditShardAccessed,
		fmt.Sprintf("collected=%v", indices), attemptID.String(), attempt.Context)
	s.audit(ctx, setup, interfaces.AuditAttemptCompleted,
		fmt.Sprintf("shards=%d trust=%.2f", len(shares), attempt.TrustScore),
		attemptID.String(), attempt.Context)
	s.lockout.RecordSuccess(attempt.Context.DeviceFingerprint)

	s.log.Info("recovery completed",
		"attempt", attemptID.String(),
		"shards", len(shares),
		"trust", attempt.TrustScore)
	return secret, nil
}

// honeypotTripped handles decoy shard access: the attempt fails
// permanently, exactly one security alert enters the audit chain, and the
// account owner is told someone reached deep into their recovery.
func (s *Service) honeypotTripped(ctx context.Context, setup *interfaces.Setup, attempt *interfaces.Attempt, index int) error {
	attempt.HoneypotTriggered = true
	attempt.SuspiciousActivity = true

	detail := "honeypot shard accessed"
	if index >= 0 {
		detail = fmt.Sprintf("honeypot shard accessed at index %d", index)
	}
	s.audit(ctx, setup, interfaces.AuditSecurityAlert, detail, attempt.ID.String(), attempt.Context)
	s.failAttempt(ctx, setup, attempt, "honeypot triggered")

	msg := fmt.Sprintf("Security alert: a recovery attempt for your account touched a decoy shard and was blocked. Reference %s.", attempt.ID.String())
	if err := s.notifier.Send(ctx, setup.ContactChannel, setup.ContactRef, msg); err != nil {
		s.log.Warn("honeypot alert delivery failed", "attempt", attempt.ID.String(), "err", err)
	}
	return fmt.Errorf("honeypot triggered: %w", interfaces.ErrSecurityViolation)
}

// Cancel terminates a running attempt. Inside the canary window the
// cancellation is treated as the owner's veto: it is flagged, alerted, and
// the requester's fingerprint is penalized.
func (s *Service) Cancel(ctx context.Context, attemptID interfaces.AttemptID) (*interfaces.Attempt, error) {
	unlock := s.locks.lock(attemptID)
	defer unlock()

	setup, attempt, err := s.loadRunningAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	byOwner := !now.After(attempt.CanaryWindowEnds)

	attempt.Status = interfaces.AttemptCancelled
	attempt.CancelledByOwner = byOwner
	if byOwner {
		attempt.SuspiciousActivity = true
	}
	if err := s.store.UpdateAttempt(ctx, attempt); err != nil {
		return nil, err
	}

	if byOwner {
		s.audit(ctx, setup, interfaces.AuditSecurityAlert, "owner vetoed attempt inside canary window", attemptID.String(), attempt.Context)
		s.lockout.RecordFailure(attempt.Context.DeviceFingerprint)
	}
	s.audit(ctx, setup, interfaces.AuditAttemptCancelled,
		fmt.Sprintf("by_owner=%t", byOwner), attemptID.String(), attempt.Context)

	return attempt, nil
}

// Status returns the attempt as stored, applying lazy expiry first.
func (s *Service) Status(ctx context.Context, attemptID interfaces.AttemptID) (*interfaces.Attempt, error) {
	unlock := s.locks.lock(attemptID)
	defer unlock()

	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.Status.Terminal() {
		return attempt, nil
	}

	setup, err := s.store.GetSetup(ctx, attempt.SetupID)
	if err != nil {
		return nil, err
	}
	if s.clock.Now().UTC().After(attempt.ExpiresAt) {
		s.expireAttempt(ctx, setup, attempt)
	}
	return attempt, nil
}

// loadRunningAttempt loads the attempt and its setup, expiring the attempt
// lazily when its lifetime has passed. Terminal attempts come back as
// ErrAttemptTerminal. Callers must hold the attempt lock.
func (s *Service) loadRunningAttempt(ctx context.Context, attemptID interfaces.AttemptID) (*interfaces.Setup, *interfaces.Attempt, error) {
	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, nil, err
	}
	if attempt.Status.Terminal() {
		return nil, nil, interfaces.ErrAttemptTerminal
	}

	setup, err := s.store.GetSetup(ctx, attempt.SetupID)
	if err != nil {
		return nil, nil, err
	}

	if s.clock.Now().UTC().After(attempt.ExpiresAt) {
		s.expireAttempt(ctx, setup, attempt)
		return nil, nil, fmt.Errorf("attempt lifetime exceeded: %w", interfaces.ErrExpired)
	}
	return setup, attempt, nil
}

// rescore recomputes the composite trust score from the attempt's full
// challenge history.
func (s *Service) rescore(ctx context.Context, setup *interfaces.Setup, attempt *interfaces.Attempt) error {
	challenges, err := s.store.ListChallenges(ctx, attempt.ID)
	if err != nil {
		return err
	}
	breakdown, err := s.scorer.Score(ctx, setup, attempt, challenges)
	if err != nil {
		return err
	}
	attempt.TrustScore = breakdown.Composite
	return nil
}

// evaluateProgress advances the attempt through its phases as far as the
// current evidence allows, persisting once per transition. It is idempotent
// and safe to call after any event. Callers must hold the attempt lock.
func (s *Service) evaluateProgress(ctx context.Context, setup *interfaces.Setup, attempt *interfaces.Attempt) error {
	if attempt.Status == interfaces.AttemptChallengePhase {
		resolved, total, err := s.challengesResolved(ctx, attempt.ID)
		if err != nil {
			return err
		}
		trustMet := total > 0 && attempt.TrustScore >= setup.Policy.MinChallengeSuccessRate
		if resolved == total || trustMet {
			if err := s.enterShardCollection(ctx, setup, attempt); err != nil {
				return err
			}
		}
	}

	if attempt.Status == interfaces.AttemptShardCollection || attempt.Status == interfaces.AttemptGuardianApproval {
		collectible, err := s.vault.CountCollectible(ctx, attempt.ID, setup.ID)
		if err != nil {
			return err
		}
		tally, err := s.guardians.TallyApprovals(ctx, attempt.ID)
		if err != nil {
			return err
		}

		changed := collectible != attempt.ShardsCollected || tally.Approved != attempt.ApprovalsReceived
		attempt.ShardsCollected = collectible
		attempt.ApprovalsReceived = tally.Approved

		if tally.Achievable() < attempt.ApprovalsRequired {
			s.failAttempt(ctx, setup, attempt, "guardian approval quorum unreachable")
			return nil
		}

		if attempt.Status == interfaces.AttemptShardCollection && collectible >= attempt.ShardsRequired {
			if err := s.transition(ctx, setup, attempt, interfaces.AttemptGuardianApproval,
				fmt.Sprintf("collectible=%d required=%d", collectible, attempt.ShardsRequired)); err != nil {
				return err
			}
			changed = false
		}
		if attempt.Status == interfaces.AttemptGuardianApproval && attempt.ApprovalsReceived >= attempt.ApprovalsRequired {
			return s.transition(ctx, setup, attempt, interfaces.AttemptFinalVerification,
				fmt.Sprintf("approvals=%d required=%d", attempt.ApprovalsReceived, attempt.ApprovalsRequired))
		}
		if changed {
			return s.store.UpdateAttempt(ctx, attempt)
		}
	}
	return nil
}

// challengesResolved counts challenges that can no longer change state.
func (s *Service) challengesResolved(ctx context.Context, attemptID interfaces.AttemptID) (resolved, total int, err error) {
	challenges, err := s.store.ListChallenges(ctx, attemptID)
	if err != nil {
		return 0, 0, err
	}
	for _, c := range challenges {
		if c.Status == interfaces.ChallengeAnswered || c.Status == interfaces.ChallengeLapsed {
			resolved++
		}
	}
	return resolved, len(challenges), nil
}

// enterShardCollection transitions out of the challenge phase and opens the
// guardians' randomized approval windows. Approvals open here, not at
// guardian_approval entry, because released guardian shards count toward
// leaving shard collection.
func (s *Service) enterShardCollection(ctx context.Context, setup *interfaces.Setup, attempt *interfaces.Attempt) error {
	if err := s.transition(ctx, setup, attempt, interfaces.AttemptShardCollection,
		fmt.Sprintf("trust=%.2f", attempt.TrustScore)); err != nil {
		return err
	}

	active, err := s.guardians.ActiveGuardians(ctx, setup.ID)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}

	approvals, err := s.guardians.OpenApprovals(ctx, attempt.ID, active)
	if err != nil {
		return fmt.Errorf("failed to open guardian approvals: %w", err)
	}

	var lastEnd time.Time
	for _, a := range approvals {
		if a.WindowEnd.After(lastEnd) {
			lastEnd = a.WindowEnd
		}
	}
	if err := s.sched.ScheduleAt(ctx, lastEnd, interfaces.TaskSweepApprovals, attempt.ID.String()); err != nil {
		s.log.Warn("failed to schedule approval sweep", "attempt", attempt.ID.String(), "err", err)
	}
	return nil
}

// transition moves the attempt to next, persists it, and audits the edge.
func (s *Service) transition(ctx context.Context, setup *interfaces.Setup, attempt *interfaces.Attempt, next interfaces.AttemptStatus, detail string) error {
	prev := attempt.Status
	attempt.Status = next
	if err := s.store.UpdateAttempt(ctx, attempt); err != nil {
		attempt.Status = prev
		return fmt.Errorf("failed to transition attempt to %s: %w", next, err)
	}
	s.audit(ctx, setup, interfaces.AuditStateTransition,
		fmt.Sprintf("%s -> %s: %s", prev, next, detail),
		attempt.ID.String(), attempt.Context)
	s.log.Info("attempt state transition",
		"attempt", attempt.ID.String(),
		"from", string(prev),
		"to", string(next))
	return nil
}

// failAttempt moves the attempt to failed and penalizes the requester.
// Errors are logged, not returned: failure paths run inside other error
// handling and must not mask the original condition.
func (s *Service) failAttempt(ctx context.Context, setup *interfaces.Setup, attempt *interfaces.Attempt, reason string) {
	attempt.Status = interfaces.AttemptFailed
	attempt.FailureReason = reason
	if err := s.store.UpdateAttempt(ctx, attempt); err != nil {
		s.log.Error("failed to persist attempt failure", "attempt", attempt.ID.String(), "err", err)
		return
	}
	s.audit(ctx, setup, interfaces.AuditAttemptFailed, reason, attempt.ID.String(), attempt.Context)
	s.lockout.RecordFailure(attempt.Context.DeviceFingerprint)
}

// expireAttempt applies lazy expiry to a non-terminal attempt.
func (s *Service) expireAttempt(ctx context.Context, setup *interfaces.Setup, attempt *interfaces.Attempt) {
	attempt.Status = interfaces.AttemptExpired
	if err := s.store.UpdateAttempt(ctx, attempt); err != nil {
		s.log.Error("failed to persist attempt expiry", "attempt", attempt.ID.String(), "err", err)
		return
	}
	s.audit(ctx, setup, interfaces.AuditAttemptExpired, "", attempt.ID.String(), attempt.Context)
}

// audit appends to the account's hash chain. Audit failures are logged and
// swallowed; the protocol does not stall because the chain write failed,
// but the gap is loud in the logs.
func (s *Service) audit(ctx context.Context, setup *interfaces.Setup, event interfaces.AuditEvent, detail, attemptID string, secCtx interfaces.SecurityContext) {
	if err := s.auditLog.Append(ctx, setup.AccountID, event, detail, attemptID, secCtx); err != nil {
		s.log.Error("audit append failed",
			"account", string(setup.AccountID),
			"event", string(event),
			"err", err)
	}
}

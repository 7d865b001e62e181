package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/vaultmesh/recovery-service-backend/interfaces"
)

// HandleTask dispatches fired scheduler tasks. Handlers are idempotent: the
// scheduler guarantees at-least-once delivery, and the sweeps also run from
// the periodic SweepStale pass, so every handler re-checks state before
// acting.
func (s *Service) HandleTask(ctx context.Context, task interfaces.Task, payload string) error {
	id, err := uuid.Parse(payload)
	if err != nil {
		return fmt.Errorf("malformed task payload %q: %w", payload, err)
	}

	switch task {
	case interfaces.TaskSendChallenge:
		return s.deliverChallenge(ctx, id)
	case interfaces.TaskSweepChallenges:
		return s.sweepChallenges(ctx, id)
	case interfaces.TaskSweepAttempt:
		return s.sweepAttempt(ctx, id)
	case interfaces.TaskSweepApprovals:
		return s.sweepApprovals(ctx, id)
	default:
		return fmt.Errorf("unknown task %q", task)
	}
}

var _ interfaces.TaskHandler = (*Service)(nil)

// deliverChallenge sends one scheduled challenge on its channel and opens
// its response window bookkeeping.
func (s *Service) deliverChallenge(ctx context.Context, challengeID interfaces.ChallengeID) error {
	c, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(c.AttemptID)
	defer unlock()

	// Re-read under the lock: the scheduler delivers at least once, and a
	// concurrent delivery may have sent this challenge already.
	c, err = s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return err
	}
	if c.Status != interfaces.ChallengeScheduled {
		return nil
	}

	setup, attempt, err := s.loadRunningAttempt(ctx, c.AttemptID)
	if errors.Is(err, interfaces.ErrAttemptTerminal) || errors.Is(err, interfaces.ErrExpired) {
		// The attempt ended before delivery; the challenge just lapses later.
		return nil
	}
	if err != nil {
		return err
	}

	sk, err := s.unwrapPrivateKey(setup)
	if err != nil {
		return err
	}
	question, err := s.engine.Question(c, sk.Bytes())
	sk.Close()
	if err != nil {
		return err
	}

	if err := s.notifier.Send(ctx, c.Channel, setup.ContactRef, question); err != nil {
		// Leave the row scheduled so a redelivery can retry.
		return fmt.Errorf("failed to deliver challenge %s: %w", challengeID.String(), err)
	}

	now := s.clock.Now().UTC()
	c.Status = interfaces.ChallengeSent
	c.SentAt = &now
	if err := s.store.UpdateChallenge(ctx, c); err != nil {
		return err
	}

	attempt.ChallengesSent++
	if err := s.store.UpdateAttempt(ctx, attempt); err != nil {
		return err
	}
	s.audit(ctx, setup, interfaces.AuditChallengeSent, fmt.Sprintf("type=%s", c.Type), attempt.ID.String(), attempt.Context)
	return nil
}

// sweepChallenges lapses expired challenges for an attempt and re-evaluates
// the state machine, since an all-resolved challenge set unblocks the phase.
func (s *Service) sweepChallenges(ctx context.Context, attemptID interfaces.AttemptID) error {
	unlock := s.locks.lock(attemptID)
	defer unlock()

	setup, attempt, err := s.loadRunningAttempt(ctx, attemptID)
	if errors.Is(err, interfaces.ErrAttemptTerminal) || errors.Is(err, interfaces.ErrExpired) {
		return nil
	}
	if err != nil {
		return err
	}

	challenges, err := s.store.ListChallenges(ctx, attemptID)
	if err != nil {
		return err
	}

	now := s.clock.Now().UTC()
	lapsed := 0
	for _, c := range challenges {
		if !s.engine.Expire(c, now) {
			continue
		}
		if err := s.store.UpdateChallenge(ctx, c); err != nil {
			return err
		}
		lapsed++
		s.audit(ctx, setup, interfaces.AuditChallengeExpired, fmt.Sprintf("type=%s", c.Type), attemptID.String(), attempt.Context)
	}
	if lapsed > 0 {
		// An ignored challenge counts as a failed one; the trust penalty
		// applies whether the claimant answered wrong or went silent.
		attempt.ChallengesFailed += lapsed
		if err := s.rescore(ctx, setup, attempt); err != nil {
			return err
		}
		if err := s.store.UpdateAttempt(ctx, attempt); err != nil {
			return err
		}
	}
	return s.evaluateProgress(ctx, setup, attempt)
}

// sweepAttempt expires a single attempt whose lifetime has passed. The
// expiry itself happens inside loadRunningAttempt.
func (s *Service) sweepAttempt(ctx context.Context, attemptID interfaces.AttemptID) error {
	unlock := s.locks.lock(attemptID)
	defer unlock()

	_, _, err := s.loadRunningAttempt(ctx, attemptID)
	if errors.Is(err, interfaces.ErrAttemptTerminal) || errors.Is(err, interfaces.ErrExpired) {
		return nil
	}
	return err
}

// sweepApprovals expires lapsed guardian windows and fails the attempt when
// the quorum can no longer be reached.
func (s *Service) sweepApprovals(ctx context.Context, attemptID interfaces.AttemptID) error {
	unlock := s.locks.lock(attemptID)
	defer unlock()

	setup, attempt, err := s.loadRunningAttempt(ctx, attemptID)
	if errors.Is(err, interfaces.ErrAttemptTerminal) || errors.Is(err, interfaces.ErrExpired) {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := s.guardians.ExpireApprovals(ctx, attemptID); err != nil {
		return err
	}
	return s.evaluateProgress(ctx, setup, attempt)
}

// SweepStale is the periodic safety net behind the per-attempt timers: it
// expires every overdue attempt in one pass. Run it from a ticker in the
// server main loop.
func (s *Service) SweepStale(ctx context.Context) (int, error) {
	stale, err := s.store.ListStaleAttempts(ctx, s.clock.Now().UTC())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, a := range stale {
		if err := s.sweepAttempt(ctx, a.ID); err != nil {
			s.log.Error("stale attempt sweep failed", "attempt", a.ID.String(), "err", err)
			continue
		}
		expired++
	}
	return expired, nil
}

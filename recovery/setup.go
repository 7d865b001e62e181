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

// defaultInviteTTL is how long a guardian invite stays redeemable.
const defaultInviteTTL = 14 * 24 * time.Hour

// GuardianSpec describes one guardian to enroll at setup time. The identity
// blob arrives already encrypted by the client; the service never sees
// guardian contact details in the clear.
type GuardianSpec struct {
	EncryptedIdentity []byte
	RequireVideo      bool
	RequireInPerson   bool
}

// SetupRequest carries everything needed to create a recovery setup.
type SetupRequest struct {
	AccountID interfaces.AccountID

	// Credential is the secret the shards reconstruct. The service splits,
	// seals, and forgets it; it is never stored whole.
	Credential []byte

	TotalShards     int
	ThresholdShards int

	Guardians         []GuardianSpec
	GuardianInviteTTL time.Duration

	// Optional non-guardian shard bindings. Empty values fall through to
	// temporal shards.
	DeviceFingerprintHash string
	BiometricBaselineRef  string
	BehavioralBaselineRef string

	ContactChannel string
	ContactRef     string

	// Policy overrides the defaults when non-nil.
	Policy *interfaces.RecoveryPolicy
}

// SetupResult is the outcome of CreateSetup. Guardian invite tokens are
// surfaced exactly once, here; they are not retrievable later.
type SetupResult struct {
	Setup     *interfaces.Setup
	Guardians []*interfaces.Guardian
}

// CreateSetup provisions recovery for an account: generates the setup's KEM
// key pair, splits the credential into sealed shards plus a honeypot decoy,
// stores everything, and issues guardian invites.
func (s *Service) CreateSetup(ctx context.Context, req SetupRequest) (*SetupResult, error) {
	if req.AccountID == "" {
		return nil, interfaces.NewValidationError("account_id", "must not be empty")
	}
	if len(req.Credential) == 0 {
		return nil, interfaces.NewValidationError("credential", "must not be empty")
	}
	if len(req.Guardians) > req.TotalShards {
		return nil, interfaces.NewValidationError("guardians", "cannot exceed total_shards")
	}

	existing, err := s.store.GetSetupByAccount(ctx, req.AccountID)
	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("failed to check for existing setup: %w", err)
	}
	if existing != nil && existing.IsActive {
		return nil, interfaces.NewValidationError("account_id", "an active recovery setup already exists")
	}

	pk, sk, err := s.kem.GenerateKeyPair(s.rand)
	if err != nil {
		return nil, fmt.Errorf("failed to generate setup key pair: %w", err)
	}
	defer cryptoutils.Wipe(sk)

	now := s.clock.Now().UTC()
	setupID := uuid.New()

	wrapped, err := s.wrapPrivateKey(setupID, sk)
	if err != nil {
		return nil, err
	}

	policy := interfaces.DefaultPolicy()
	if req.Policy != nil {
		policy = *req.Policy
	}

	setup := &interfaces.Setup{
		ID:                     setupID,
		AccountID:              req.AccountID,
		TotalShards:            req.TotalShards,
		ThresholdShards:        req.ThresholdShards,
		KEMPublicKey:           pk,
		EncryptedKEMPrivateKey: wrapped,
		Policy:                 policy,
		IsActive:               true,
		ContactChannel:         req.ContactChannel,
		ContactRef:             req.ContactRef,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	// Split validates the (k, n) bounds, so run it before persisting anything.
	shares, err := s.shares.Split(req.Credential, req.TotalShards, req.ThresholdShards)
	if err != nil {
		return nil, err
	}
	honeypot, err := s.shares.CreateHoneypot(threshold.ShareSize(len(req.Credential)))
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateSetup(ctx, setup); err != nil {
		return nil, fmt.Errorf("failed to persist setup: %w", err)
	}

	inviteTTL := req.GuardianInviteTTL
	if inviteTTL <= 0 {
		inviteTTL = defaultInviteTTL
	}

	// Guardians gate the low-numbered shards; the rest bind to whatever
	// non-guardian factors the request supplied.
	guardians := make([]*interfaces.Guardian, 0, len(req.Guardians))
	contexts := make(map[int]interfaces.ShardContext, req.TotalShards)
	for i, spec := range req.Guardians {
		index := i + 1
		g, err := s.guardians.Invite(ctx, setupID, index, spec.EncryptedIdentity, spec.RequireVideo, spec.RequireInPerson, inviteTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to invite guardian for shard %d: %w", index, err)
		}
		guardians = append(guardians, g)
		contexts[index] = interfaces.GuardianShardContext{GuardianID: g.ID}
	}
	assignFactorContexts(contexts, req, len(req.Guardians)+1, req.TotalShards)

	for _, share := range shares {
		sealed, err := cryptoutils.Seal(s.kem, s.rand, pk, share.Bytes, shardAAD(setupID, share.Index))
		if err != nil {
			return nil, fmt.Errorf("failed to seal shard %d: %w", share.Index, err)
		}
		if _, err := s.vault.Store(ctx, setupID, share.Index, contexts[share.Index], sealed); err != nil {
			return nil, fmt.Errorf("failed to store shard %d: %w", share.Index, err)
		}
	}

	sealedDecoy, err := cryptoutils.Seal(s.kem, s.rand, pk, honeypot, shardAAD(setupID, interfaces.HoneypotShardIndex))
	if err != nil {
		return nil, fmt.Errorf("failed to seal honeypot shard: %w", err)
	}
	if _, err := s.vault.Store(ctx, setupID, interfaces.HoneypotShardIndex, interfaces.HoneypotShardContext{}, sealedDecoy); err != nil {
		return nil, fmt.Errorf("failed to store honeypot shard: %w", err)
	}

	detail := fmt.Sprintf("shards=%d threshold=%d guardians=%d", req.TotalShards, req.ThresholdShards, len(guardians))
	if err := s.auditLog.Append(ctx, req.AccountID, interfaces.AuditSetupCreated, detail, "", interfaces.SecurityContext{}); err != nil {
		return nil, err
	}

	s.log.Info("recovery setup created",
		"setup", setupID.String(),
		"shards", req.TotalShards,
		"threshold", req.ThresholdShards,
		"guardians", len(guardians))

	return &SetupResult{Setup: setup, Guardians: guardians}, nil
}

// assignFactorContexts fills shard contexts for the non-guardian indices
// [from, to]. Device, biometric, and behavioral bindings are used once each
// when present; remaining shards are temporal.
func assignFactorContexts(contexts map[int]interfaces.ShardContext, req SetupRequest, from, to int) {
	factors := make([]interfaces.ShardContext, 0, 3)
	if req.DeviceFingerprintHash != "" {
		factors = append(factors, interfaces.DeviceShardContext{FingerprintHash: req.DeviceFingerprintHash})
	}
	if req.BiometricBaselineRef != "" {
		factors = append(factors, interfaces.BiometricShardContext{BaselineRef: req.BiometricBaselineRef})
	}
	if req.BehavioralBaselineRef != "" {
		factors = append(factors, interfaces.BehavioralShardContext{BaselineRef: req.BehavioralBaselineRef})
	}

	for index := from; index <= to; index++ {
		if len(factors) > 0 {
			contexts[index] = factors[0]
			factors = factors[1:]
			continue
		}
		contexts[index] = interfaces.TemporalShardContext{}
	}
}

// EnableTravelLock blocks new recovery attempts for the account until
// now + duration. Running attempts are unaffected.
func (s *Service) EnableTravelLock(ctx context.Context, account interfaces.AccountID, duration time.Duration) (*interfaces.Setup, error) {
	if duration <= 0 {
		return nil, interfaces.NewValidationError("duration", "must be positive")
	}

	setup, err := s.store.GetSetupByAccount(ctx, account)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	until := now.Add(duration)
	setup.TravelLockUntil = &until
	setup.UpdatedAt = now
	if err := s.store.UpdateSetup(ctx, setup); err != nil {
		return nil, fmt.Errorf("failed to persist travel lock: %w", err)
	}

	detail := fmt.Sprintf("until=%s", until.Format(time.RFC3339))
	if err := s.auditLog.Append(ctx, account, interfaces.AuditTravelLockEnabled, detail, "", interfaces.SecurityContext{}); err != nil {
		return nil, err
	}
	return setup, nil
}

// DeactivateSetup soft-disables recovery for the account. Shard records and
// the audit chain are retained.
func (s *Service) DeactivateSetup(ctx context.Context, account interfaces.AccountID) error {
	setup, err := s.store.GetSetupByAccount(ctx, account)
	if err != nil {
		return err
	}
	if !setup.IsActive {
		return nil
	}

	setup.IsActive = false
	setup.UpdatedAt = s.clock.Now().UTC()
	if err := s.store.UpdateSetup(ctx, setup); err != nil {
		return fmt.Errorf("failed to deactivate setup: %w", err)
	}
	return s.auditLog.Append(ctx, account, interfaces.AuditSetupDeactivated, "", "", interfaces.SecurityContext{})
}

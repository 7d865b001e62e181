// Package interfaces defines the core types and contracts for the account
// recovery system. It provides the boundary between components without
// implementation details: entity models, persistence interfaces, external
// collaborator interfaces, and the error taxonomy.
package interfaces

import (
	"time"

	"github.com/google/uuid"
)

// AccountID identifies the account that owns a recovery setup. The value is
// opaque to this core; it is assigned by the surrounding identity system.
type AccountID string

// SetupID identifies a recovery setup.
type SetupID = uuid.UUID

// AttemptID identifies a recovery attempt.
type AttemptID = uuid.UUID

// ChallengeID identifies a temporal challenge.
type ChallengeID = uuid.UUID

// GuardianID identifies a guardian enrolled in a setup.
type GuardianID = uuid.UUID

// ShardType classifies the trust source a shard is bound to.
type ShardType string

const (
	ShardTypeGuardian   ShardType = "guardian"
	ShardTypeDevice     ShardType = "device"
	ShardTypeBiometric  ShardType = "biometric"
	ShardTypeBehavioral ShardType = "behavioral"
	ShardTypeTemporal   ShardType = "temporal"
	ShardTypeHoneypot   ShardType = "honeypot"
)

// AttemptStatus is the recovery attempt state machine state.
type AttemptStatus string

const (
	AttemptInitiated         AttemptStatus = "initiated"
	AttemptChallengePhase    AttemptStatus = "challenge_phase"
	AttemptShardCollection   AttemptStatus = "shard_collection"
	AttemptGuardianApproval  AttemptStatus = "guardian_approval"
	AttemptFinalVerification AttemptStatus = "final_verification"
	AttemptCompleted         AttemptStatus = "completed"
	AttemptFailed            AttemptStatus = "failed"
	AttemptCancelled         AttemptStatus = "cancelled"
	AttemptExpired           AttemptStatus = "expired"
)

// Terminal reports whether the status is a terminal state. Once terminal,
// no field on the attempt may ever be mutated again.
func (s AttemptStatus) Terminal() bool {
	switch s {
	case AttemptCompleted, AttemptFailed, AttemptCancelled, AttemptExpired:
		return true
	}
	return false
}

// GuardianStatus is the guardian enrollment lifecycle state.
type GuardianStatus string

const (
	GuardianPending  GuardianStatus = "pending"
	GuardianActive   GuardianStatus = "active"
	GuardianDeclined GuardianStatus = "declined"
	GuardianRevoked  GuardianStatus = "revoked"
)

// ApprovalStatus is the per-attempt guardian approval state.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ChallengeType classifies the signal category a challenge is built from.
type ChallengeType string

const (
	ChallengeHistoricalActivity ChallengeType = "historical_activity"
	ChallengeDeviceFingerprint  ChallengeType = "device_fingerprint"
	ChallengeGeolocation        ChallengeType = "geolocation_pattern"
	ChallengeUsageWindow        ChallengeType = "usage_time_window"
	ChallengeVaultSize          ChallengeType = "vault_size_bucket"
)

// ChallengeStatus tracks a challenge through delivery and response.
type ChallengeStatus string

const (
	ChallengeScheduled ChallengeStatus = "scheduled"
	ChallengeSent      ChallengeStatus = "sent"
	ChallengeAnswered  ChallengeStatus = "answered"
	ChallengeLapsed    ChallengeStatus = "expired"
)

// SecurityContext is the requester snapshot taken when an attempt is created.
// It is immutable for the life of the attempt.
type SecurityContext struct {
	IPAddress         string `json:"ip_address"`
	DeviceFingerprint string `json:"device_fingerprint"`
	Location          string `json:"location"`
	UserAgent         string `json:"user_agent"`
}

// RecoveryPolicy holds the per-setup policy knobs.
type RecoveryPolicy struct {
	// MaxAttemptsPerMonth caps how many attempts an account may start in a
	// rolling 30-day window.
	MaxAttemptsPerMonth int `json:"max_attempts_per_month"`

	// CooldownDays is the minimum gap between a failed attempt and the next.
	CooldownDays int `json:"cooldown_days"`

	// DecayWindowDays bounds how old behavioral signal may be before it is
	// treated as absent.
	DecayWindowDays int `json:"decay_window_days"`

	// CanaryWindowHours is how long the account owner can veto a fresh
	// attempt after the canary alert is sent.
	CanaryWindowHours int `json:"canary_window_hours"`

	// ChallengeDistributionDays spreads challenge delivery over this many days.
	ChallengeDistributionDays int `json:"challenge_distribution_days"`

	// MinChallengeSuccessRate is the trust score needed to leave the
	// challenge phase early, and the floor checked again at finalization.
	MinChallengeSuccessRate float64 `json:"min_challenge_success_rate"`

	// GuardianApprovalsRequired fixes how many guardian approvals an attempt
	// needs. Zero means "min(2, active guardians)". Whether this couples to
	// the shard threshold is deliberately a policy decision, not hardcoded.
	GuardianApprovalsRequired int `json:"guardian_approvals_required"`

	// AttemptTTL bounds the total lifetime of one attempt.
	AttemptTTL time.Duration `json:"attempt_ttl"`
}

// DefaultPolicy returns the policy applied when setup does not override it.
func DefaultPolicy() RecoveryPolicy {
	return RecoveryPolicy{
		MaxAttemptsPerMonth:       3,
		CooldownDays:              7,
		DecayWindowDays:           90,
		CanaryWindowHours:         24,
		ChallengeDistributionDays: 3,
		MinChallengeSuccessRate:   0.6,
		GuardianApprovalsRequired: 0,
		AttemptTTL:                14 * 24 * time.Hour,
	}
}

// Setup is the per-account recovery configuration. Created on setup request,
// mutated only by the owning account, soft-deactivated rather than deleted
// while attempts reference it.
type Setup struct {
	ID        SetupID   `json:"id"`
	AccountID AccountID `json:"account_id"`

	// TotalShards and ThresholdShards define the (k, n) sharing scheme.
	// Invariant: 2 <= ThresholdShards <= TotalShards <= 10.
	TotalShards     int `json:"total_shards"`
	ThresholdShards int `json:"threshold_shards"`

	// KEMPublicKey is the setup's encapsulation key. The decapsulation key is
	// held encrypted at rest and only ever decrypted in memory.
	KEMPublicKey           []byte `json:"kem_public_key"`
	EncryptedKEMPrivateKey []byte `json:"encrypted_kem_private_key"`

	Policy RecoveryPolicy `json:"policy"`

	IsActive        bool       `json:"is_active"`
	TravelLockUntil *time.Time `json:"travel_lock_until,omitempty"`

	// ContactChannel and ContactRef name the verified channel the canary
	// alert is delivered on. Delivery itself is the Notifier's problem.
	ContactChannel string `json:"contact_channel"`
	ContactRef     string `json:"contact_ref"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TravelLocked reports whether the setup refuses new attempts at now.
func (s *Setup) TravelLocked(now time.Time) bool {
	return s.TravelLockUntil != nil && now.Before(*s.TravelLockUntil)
}

// ShardContext is the tagged union of per-type shard metadata. Each shard
// type carries exactly the fields its release path needs, so release and
// decryption logic switches exhaustively over concrete types instead of
// poking at a free-form JSON blob.
type ShardContext interface {
	ShardType() ShardType
}

// GuardianShardContext ties a shard to the guardian who must release it.
type GuardianShardContext struct {
	GuardianID GuardianID `json:"guardian_id"`
}

func (GuardianShardContext) ShardType() ShardType { return ShardTypeGuardian }

// DeviceShardContext ties a shard to an enrolled device.
type DeviceShardContext struct {
	FingerprintHash string `json:"fingerprint_hash"`
}

func (DeviceShardContext) ShardType() ShardType { return ShardTypeDevice }

// BiometricShardContext references a biometric baseline owned elsewhere.
type BiometricShardContext struct {
	BaselineRef string `json:"baseline_ref"`
}

func (BiometricShardContext) ShardType() ShardType { return ShardTypeBiometric }

// BehavioralShardContext references a behavioral baseline owned elsewhere.
type BehavioralShardContext struct {
	BaselineRef string `json:"baseline_ref"`
}

func (BehavioralShardContext) ShardType() ShardType { return ShardTypeBehavioral }

// TemporalShardContext marks a shard released by surviving the challenge
// phase; it carries no extra reference.
type TemporalShardContext struct{}

func (TemporalShardContext) ShardType() ShardType { return ShardTypeTemporal }

// HoneypotShardContext marks the decoy shard. It never participates in
// reconstruction; touching it is an attack signal.
type HoneypotShardContext struct{}

func (HoneypotShardContext) ShardType() ShardType { return ShardTypeHoneypot }

// HoneypotShardIndex is the reserved index for the decoy shard. Real shards
// are numbered from 1.
const HoneypotShardIndex = 0

// ShardRecord is the stored bookkeeping for one encrypted shard. The sealed
// payload itself lives in a blob backend, addressed by PayloadID.
type ShardRecord struct {
	SetupID SetupID `json:"setup_id"`

	// Index is the shard index, unique within a setup. The honeypot shard
	// always occupies HoneypotShardIndex.
	Index int `json:"index"`

	Type       ShardType    `json:"type"`
	Context    ShardContext `json:"-"`
	IsHoneypot bool         `json:"is_honeypot"`

	// PayloadID addresses the sealed shard bytes in the blob backend.
	PayloadID   ContentID `json:"payload_id"`
	PayloadSize int       `json:"payload_size"`

	AccessCount    int        `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Guardian is one human approver enrolled in a setup. Identity details are
// stored encrypted; the record only carries routing metadata in the clear.
type Guardian struct {
	ID      GuardianID `json:"id"`
	SetupID SetupID    `json:"setup_id"`

	// ShardIndex is the one shard this guardian gates.
	ShardIndex int `json:"shard_index"`

	EncryptedIdentity []byte         `json:"encrypted_identity"`
	Status            GuardianStatus `json:"status"`

	InviteToken     string    `json:"invite_token"`
	InviteExpiresAt time.Time `json:"invite_expires_at"`

	// RequireVideo and RequireInPerson demand extra verification before this
	// guardian's approval is accepted.
	RequireVideo    bool `json:"require_video"`
	RequireInPerson bool `json:"require_in_person"`

	CreatedAt   time.Time  `json:"created_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

// Attempt is one recovery attempt. Only the recovery coordinator's
// transition functions mutate it; stores must reject writes once Status is
// terminal and enforce the optimistic Version.
type Attempt struct {
	ID      AttemptID `json:"id"`
	SetupID SetupID   `json:"setup_id"`

	Status  AttemptStatus   `json:"status"`
	Context SecurityContext `json:"context"`

	ChallengesSent      int `json:"challenges_sent"`
	ChallengesCompleted int `json:"challenges_completed"`
	ChallengesFailed    int `json:"challenges_failed"`

	// TrustScore is the composite [0,1] score, recomputed on every
	// challenge event.
	TrustScore float64 `json:"trust_score"`

	ShardsRequired    int `json:"shards_required"`
	ShardsCollected   int `json:"shards_collected"`
	ApprovalsRequired int `json:"approvals_required"`
	ApprovalsReceived int `json:"approvals_received"`

	HoneypotTriggered  bool `json:"honeypot_triggered"`
	SuspiciousActivity bool `json:"suspicious_activity_detected"`

	CanarySentAt     time.Time `json:"canary_sent_at"`
	CanaryWindowEnds time.Time `json:"canary_window_ends"`
	// CancelledByOwner marks a cancellation inside the canary window: the
	// legitimate owner confirmed "this was not me".
	CancelledByOwner bool `json:"cancelled_by_owner"`

	ExpiresAt time.Time `json:"expires_at"`

	FailureReason string     `json:"failure_reason,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`

	// Version implements optimistic concurrency in the attempt store.
	Version uint64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Challenge is one scheduled identity probe. Created in a batch at challenge
// phase entry, mutated once by its response or by the expiry sweep.
type Challenge struct {
	ID        ChallengeID   `json:"id"`
	AttemptID AttemptID     `json:"attempt_id"`
	Type      ChallengeType `json:"type"`

	// SealedQuestion and SealedAnswer are encrypted with the setup's KEM
	// public key; scoring decapsulates before comparison.
	SealedQuestion []byte `json:"sealed_question"`
	SealedAnswer   []byte `json:"sealed_answer"`

	Channel string `json:"channel"`

	ScheduledSendAt time.Time  `json:"scheduled_send_at"`
	SentAt          *time.Time `json:"sent_at,omitempty"`
	WindowStart     time.Time  `json:"window_start"`
	WindowEnd       time.Time  `json:"window_end"`
	ExpiresAt       time.Time  `json:"expires_at"`

	Status          ChallengeStatus `json:"status"`
	Correct         *bool           `json:"correct,omitempty"`
	ResponseLatency time.Duration   `json:"response_latency"`
	RespondedAt     *time.Time      `json:"responded_at,omitempty"`
}

// Approval is one guardian's randomized approval window for one attempt.
// Status and ShardReleased are always written together, atomically.
type Approval struct {
	ID         uuid.UUID  `json:"id"`
	AttemptID  AttemptID  `json:"attempt_id"`
	GuardianID GuardianID `json:"guardian_id"`

	// Token is the capability the guardian presents to approve or deny.
	Token string `json:"token"`

	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	Status        ApprovalStatus `json:"status"`
	ShardReleased bool           `json:"shard_released"`

	VideoProofRef string     `json:"video_proof_ref,omitempty"`
	RespondedAt   *time.Time `json:"responded_at,omitempty"`
}

// InWindow reports whether now falls inside the approval window.
func (a *Approval) InWindow(now time.Time) bool {
	return !now.Before(a.WindowStart) && !now.After(a.WindowEnd)
}

// AuditEvent classifies audit log entries.
type AuditEvent string

const (
	AuditSetupCreated      AuditEvent = "setup_created"
	AuditSetupDeactivated  AuditEvent = "setup_deactivated"
	AuditTravelLockEnabled AuditEvent = "travel_lock_enabled"
	AuditAttemptInitiated  AuditEvent = "attempt_initiated"
	AuditCanaryAlertSent   AuditEvent = "canary_alert_sent"
	AuditStateTransition   AuditEvent = "state_transition"
	AuditChallengeSent     AuditEvent = "challenge_sent"
	AuditChallengeAnswered AuditEvent = "challenge_answered"
	AuditChallengeExpired  AuditEvent = "challenge_expired"
	AuditGuardianApproved  AuditEvent = "guardian_approved"
	AuditGuardianDenied    AuditEvent = "guardian_denied"
	AuditShardAccessed     AuditEvent = "shard_accessed"
	AuditSecurityAlert     AuditEvent = "security_alert"
	AuditAttemptCompleted  AuditEvent = "attempt_completed"
	AuditAttemptFailed     AuditEvent = "attempt_failed"
	AuditAttemptCancelled  AuditEvent = "attempt_cancelled"
	AuditAttemptExpired    AuditEvent = "attempt_expired"
	AuditLockoutImposed    AuditEvent = "lockout_imposed"
)

// AuditEntry is one line in the per-account hash chain. All fields are
// structs or scalars (no maps) so JSON marshaling is deterministic and the
// chain hash is reproducible.
type AuditEntry struct {
	Sequence  uint64          `json:"sequence"`
	AccountID AccountID       `json:"account_id"`
	Event     AuditEvent      `json:"event"`
	Detail    string          `json:"detail"`
	AttemptID string          `json:"attempt_id,omitempty"`
	Context   SecurityContext `json:"context"`
	Timestamp time.Time       `json:"timestamp"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

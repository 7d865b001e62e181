// Package api defines the wire types and server configuration shared by the
// recovery HTTP server and its clients. Request and response bodies are JSON;
// byte fields marshal as base64 per encoding/json.
package api

import (
	"time"

	"github.com/vaultmesh/recovery-service-backend/interfaces"
)

// Header names clients set on recovery requests. The server folds them into
// the attempt's security context for risk scoring and the audit trail.
const (
	// DeviceFingerprintHeader carries the requester's device fingerprint hash.
	DeviceFingerprintHeader = "X-Device-Fingerprint"

	// ClientLocationHeader carries a coarse location label (city or region).
	ClientLocationHeader = "X-Client-Location"
)

// SetupGuardian describes one guardian to enroll during setup.
type SetupGuardian struct {
	// EncryptedIdentity is the guardian's contact record, sealed client-side.
	// The service stores it opaquely and never decrypts it.
	EncryptedIdentity []byte `json:"encrypted_identity"`

	RequireVideo    bool `json:"require_video,omitempty"`
	RequireInPerson bool `json:"require_in_person,omitempty"`
}

// CreateSetupRequest is the body for POST /api/setup.
type CreateSetupRequest struct {
	AccountID  string `json:"account_id"`
	Credential []byte `json:"credential"`

	TotalShards     int `json:"total_shards"`
	ThresholdShards int `json:"threshold_shards"`

	Guardians             []SetupGuardian `json:"guardians,omitempty"`
	GuardianInviteTTLDays int             `json:"guardian_invite_ttl_days,omitempty"`

	DeviceFingerprintHash string `json:"device_fingerprint_hash,omitempty"`
	BiometricBaselineRef  string `json:"biometric_baseline_ref,omitempty"`
	BehavioralBaselineRef string `json:"behavioral_baseline_ref,omitempty"`

	ContactChannel string `json:"contact_channel"`
	ContactRef     string `json:"contact_ref"`

	// Policy overrides the default recovery policy when set.
	Policy *interfaces.RecoveryPolicy `json:"policy,omitempty"`
}

// GuardianInvite is one pending guardian enrollment returned from setup.
// The invite token is returned exactly once; the caller relays it to the
// guardian out of band.
type GuardianInvite struct {
	GuardianID      string    `json:"guardian_id"`
	ShardIndex      int       `json:"shard_index"`
	InviteToken     string    `json:"invite_token"`
	InviteExpiresAt time.Time `json:"invite_expires_at"`
}

// CreateSetupResponse is the body returned from POST /api/setup.
type CreateSetupResponse struct {
	SetupID      string           `json:"setup_id"`
	KEMPublicKey []byte           `json:"kem_public_key"`
	Guardians    []GuardianInvite `json:"guardians,omitempty"`
}

// TravelLockRequest is the body for POST /api/setup/travel-lock.
type TravelLockRequest struct {
	AccountID    string `json:"account_id"`
	DurationDays int    `json:"duration_days"`
}

// TravelLockResponse reports when the lock lapses.
type TravelLockResponse struct {
	TravelLockUntil time.Time `json:"travel_lock_until"`
}

// DeactivateSetupRequest is the body for POST /api/setup/deactivate.
type DeactivateSetupRequest struct {
	AccountID string `json:"account_id"`
}

// GuardianInviteAction is the body for guardian invite accept and decline.
type GuardianInviteAction struct {
	Token string `json:"token"`
}

// GuardianStateResponse reports a guardian's enrollment state.
type GuardianStateResponse struct {
	GuardianID string `json:"guardian_id"`
	ShardIndex int    `json:"shard_index"`
	Status     string `json:"status"`
}

// InitiateRequest is the body for POST /api/recovery/initiate.
type InitiateRequest struct {
	AccountID string `json:"account_id"`
}

// InitiateResponse acknowledges an initiation. The attempt ID is returned
// for real and declined initiations alike; a declined one simply never
// progresses.
type InitiateResponse struct {
	AttemptID string `json:"attempt_id"`
}

// ChallengeAnswer is the body for answering a delivered challenge.
type ChallengeAnswer struct {
	Answer string `json:"answer"`
}

// ChallengeOutcomeResponse reports the scored result of one answer.
type ChallengeOutcomeResponse struct {
	Correct       bool    `json:"correct"`
	TrustScore    float64 `json:"trust_score"`
	AttemptStatus string  `json:"attempt_status"`
}

// ApprovalAction is the body for guardian approve and deny.
type ApprovalAction struct {
	Token string `json:"token"`

	// VideoProofRef references an out-of-band video verification artifact.
	// Required when the guardian was enrolled with RequireVideo.
	VideoProofRef string `json:"video_proof_ref,omitempty"`
}

// ApprovalStateResponse reports the approval's state after a guardian acts.
type ApprovalStateResponse struct {
	AttemptID     string    `json:"attempt_id"`
	GuardianID    string    `json:"guardian_id"`
	Status        string    `json:"status"`
	ShardReleased bool      `json:"shard_released"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
}

// ShardAccessResponse reports metadata of a collected shard. The shard
// payload itself is never returned over the API.
type ShardAccessResponse struct {
	Index       int    `json:"index"`
	Type        string `json:"type"`
	AccessCount int    `json:"access_count"`
}

// CompleteResponse carries the reconstructed credential.
type CompleteResponse struct {
	Credential []byte `json:"credential"`
}

// AttemptStatusResponse is the requester-visible view of an attempt. It
// deliberately omits honeypot and suspicion flags.
type AttemptStatusResponse struct {
	AttemptID string `json:"attempt_id"`
	Status    string `json:"status"`

	TrustScore float64 `json:"trust_score"`

	ChallengesSent      int `json:"challenges_sent"`
	ChallengesCompleted int `json:"challenges_completed"`
	ChallengesFailed    int `json:"challenges_failed"`

	ShardsRequired    int `json:"shards_required"`
	ShardsCollected   int `json:"shards_collected"`
	ApprovalsRequired int `json:"approvals_required"`
	ApprovalsReceived int `json:"approvals_received"`

	CanaryWindowEnds time.Time `json:"canary_window_ends"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// CancelResponse reports the attempt state after cancellation.
type CancelResponse struct {
	AttemptID        string `json:"attempt_id"`
	Status           string `json:"status"`
	CancelledByOwner bool   `json:"cancelled_by_owner"`
}

// AuditChainResponse returns an account's audit trail. Verified is true when
// the hash chain checks out end to end.
type AuditChainResponse struct {
	Entries  []*interfaces.AuditEntry `json:"entries"`
	Verified bool                     `json:"verified"`
}

// SweepResponse reports how many overdue attempts a sweep expired.
type SweepResponse struct {
	Expired int `json:"expired"`
}

// ErrorResponse is the body returned with any non-2xx status.
type ErrorResponse struct {
	Kind    string `json:"error"`
	Message string `json:"message"`
}

// AttemptStatusFromAttempt projects the internal attempt onto the public
// status view.
func AttemptStatusFromAttempt(a *interfaces.Attempt) AttemptStatusResponse {
	return AttemptStatusResponse{
		AttemptID:           a.ID.String(),
		Status:              string(a.Status),
		TrustScore:          a.TrustScore,
		ChallengesSent:      a.ChallengesSent,
		ChallengesCompleted: a.ChallengesCompleted,
		ChallengesFailed:    a.ChallengesFailed,
		ShardsRequired:      a.ShardsRequired,
		ShardsCollected:     a.ShardsCollected,
		ApprovalsRequired:   a.ApprovalsRequired,
		ApprovalsReceived:   a.ApprovalsReceived,
		CanaryWindowEnds:    a.CanaryWindowEnds,
		ExpiresAt:           a.ExpiresAt,
	}
}

// ApprovalStateFromApproval projects an approval onto its public view.
func ApprovalStateFromApproval(a *interfaces.Approval) ApprovalStateResponse {
	return ApprovalStateResponse{
		AttemptID:     a.AttemptID.String(),
		GuardianID:    a.GuardianID.String(),
		Status:        string(a.Status),
		ShardReleased: a.ShardReleased,
		WindowStart:   a.WindowStart,
		WindowEnd:     a.WindowEnd,
	}
}

package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vaultmesh/recovery-service-backend/api"
	"github.com/vaultmesh/recovery-service-backend/audit"
	"github.com/vaultmesh/recovery-service-backend/guardian"
	"github.com/vaultmesh/recovery-service-backend/interfaces"
	"github.com/vaultmesh/recovery-service-backend/metrics"
	"github.com/vaultmesh/recovery-service-backend/recovery"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// RequestError provides structured error information for HTTP responses.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error returns the error message from the underlying error.
func (e *RequestError) Error() string {
	return e.Err.Error()
}

// statusForKind maps core error kinds to HTTP status codes.
func statusForKind(kind interfaces.ErrorKind) int {
	switch kind {
	case interfaces.KindValidation:
		return http.StatusBadRequest
	case interfaces.KindNotFound:
		return http.StatusNotFound
	case interfaces.KindAuthenticationFailed:
		return http.StatusUnauthorized
	case interfaces.KindOutsideApprovalWindow, interfaces.KindVideoRequired,
		interfaces.KindSecurityViolation, interfaces.KindInsufficientShares:
		return http.StatusForbidden
	case interfaces.KindRateLimited:
		return http.StatusTooManyRequests
	case interfaces.KindExpired:
		return http.StatusGone
	case interfaces.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Handler processes HTTP requests for the recovery service. All state
// changes go through the recovery coordinator; the handler only translates
// between wire types and core types.
type Handler struct {
	service   *recovery.Service
	guardians *guardian.Protocol
	auditLog  *audit.Log
	collector *metrics.Collector
	log       *slog.Logger
}

// NewHandler creates an HTTP request handler wired to the recovery
// coordinator, the guardian protocol, and the audit log.
func NewHandler(service *recovery.Service, guardians *guardian.Protocol, auditLog *audit.Log, collector *metrics.Collector, log *slog.Logger) *Handler {
	return &Handler{
		service:   service,
		guardians: guardians,
		auditLog:  auditLog,
		collector: collector,
		log:       log,
	}
}

// securityContext assembles the requester's security context from transport
// metadata and the optional client headers.
func securityContext(r *http.Request) interfaces.SecurityContext {
	return interfaces.SecurityContext{
		IPAddress:         r.RemoteAddr,
		DeviceFingerprint: r.Header.Get(api.DeviceFingerprintHeader),
		Location:          r.Header.Get(api.ClientLocationHeader),
		UserAgent:         r.UserAgent(),
	}
}

func (h *Handler) decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		return &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("invalid request body: %w", err)}
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		h.log.Debug("Request rejected", "path", r.URL.Path, "status", reqErr.StatusCode, "err", reqErr.Err)
		h.writeJSON(w, reqErr.StatusCode, api.ErrorResponse{Kind: string(interfaces.KindValidation), Message: reqErr.Error()})
		return
	}

	kind := interfaces.KindOf(err)
	status := statusForKind(kind)
	if kind == interfaces.KindRateLimited {
		h.collector.RateLimited()
	}
	if kind == interfaces.KindInternal {
		h.log.Error("Request failed", "path", r.URL.Path, "err", err)
	} else {
		h.log.Debug("Request declined", "path", r.URL.Path, "kind", string(kind), "err", err)
	}
	h.writeJSON(w, status, api.ErrorResponse{Kind: string(kind), Message: err.Error()})
}

func attemptIDParam(r *http.Request) (interfaces.AttemptID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "attempt_id"))
	if err != nil {
		return uuid.Nil, &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("invalid attempt id: %w", err)}
	}
	return id, nil
}

// HandleCreateSetup handles POST /api/setup.
func (h *Handler) HandleCreateSetup(w http.ResponseWriter, r *http.Request) {
	var req api.CreateSetupRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	coreReq := recovery.SetupRequest{
		AccountID:             interfaces.AccountID(req.AccountID),
		Credential:            req.Credential,
		TotalShards:           req.TotalShards,
		ThresholdShards:       req.ThresholdShards,
		GuardianInviteTTL:     time.Duration(req.GuardianInviteTTLDays) * 24 * time.Hour,
		DeviceFingerprintHash: req.DeviceFingerprintHash,
		BiometricBaselineRef:  req.BiometricBaselineRef,
		BehavioralBaselineRef: req.BehavioralBaselineRef,
		ContactChannel:        req.ContactChannel,
		ContactRef:            req.ContactRef,
		Policy:                req.Policy,
	}
	for _, g := range req.Guardians {
		coreReq.Guardians = append(coreReq.Guardians, recovery.GuardianSpec{
			EncryptedIdentity: g.EncryptedIdentity,
			RequireVideo:      g.RequireVideo,
			RequireInPerson:   g.RequireInPerson,
		})
	}

	result, err := h.service.CreateSetup(r.Context(), coreReq)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := api.CreateSetupResponse{
		SetupID:      result.Setup.ID.String(),
		KEMPublicKey: result.Setup.KEMPublicKey,
	}
	for _, g := range result.Guardians {
		resp.Guardians = append(resp.Guardians, api.GuardianInvite{
			GuardianID:      g.ID.String(),
			ShardIndex:      g.ShardIndex,
			InviteToken:     g.InviteToken,
			InviteExpiresAt: g.InviteExpiresAt,
		})
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

// HandleTravelLock handles POST /api/setup/travel-lock.
func (h *Handler) HandleTravelLock(w http.ResponseWriter, r *http.Request) {
	var req api.TravelLockRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.DurationDays <= 0 {
		h.writeError(w, r, &RequestError{StatusCode: http.StatusBadRequest, Err: errors.New("duration_days must be positive")})
		return
	}

	setup, err := h.service.EnableTravelLock(r.Context(), interfaces.AccountID(req.AccountID), time.Duration(req.DurationDays)*24*time.Hour)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.TravelLockResponse{TravelLockUntil: *setup.TravelLockUntil})
}

// HandleDeactivateSetup handles POST /api/setup/deactivate.
func (h *Handler) HandleDeactivateSetup(w http.ResponseWriter, r *http.Request) {
	var req api.DeactivateSetupRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.service.DeactivateSetup(r.Context(), interfaces.AccountID(req.AccountID)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAcceptInvite handles POST /api/guardian/invites/accept.
func (h *Handler) HandleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	h.resolveInvite(w, r, h.guardians.AcceptInvite)
}

// HandleDeclineInvite handles POST /api/guardian/invites/decline.
func (h *Handler) HandleDeclineInvite(w http.ResponseWriter, r *http.Request) {
	h.resolveInvite(w, r, h.guardians.DeclineInvite)
}

func (h *Handler) resolveInvite(w http.ResponseWriter, r *http.Request, resolve func(context.Context, string) (*interfaces.Guardian, error)) {
	var req api.GuardianInviteAction
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	g, err := resolve(r.Context(), req.Token)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.GuardianStateResponse{
		GuardianID: g.ID.String(),
		ShardIndex: g.ShardIndex,
		Status:     string(g.Status),
	})
}

// HandleInitiate handles POST /api/recovery/initiate.
func (h *Handler) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	var req api.InitiateRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.AccountID == "" {
		h.writeError(w, r, &RequestError{StatusCode: http.StatusBadRequest, Err: errors.New("account_id is required")})
		return
	}

	result, err := h.service.Initiate(r.Context(), interfaces.AccountID(req.AccountID), securityContext(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !result.Declined {
		h.collector.AttemptInitiated()
	}
	h.writeJSON(w, http.StatusAccepted, api.InitiateResponse{AttemptID: result.AttemptID.String()})
}

// HandleStatus handles GET /api/recovery/{attempt_id}.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := attemptIDParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	attempt, err := h.service.Status(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.AttemptStatusFromAttempt(attempt))
}

// HandleAnswerChallenge handles POST /api/recovery/{attempt_id}/challenges/{challenge_id}.
func (h *Handler) HandleAnswerChallenge(w http.ResponseWriter, r *http.Request) {
	attemptID, err := attemptIDParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	challengeID, err := uuid.Parse(chi.URLParam(r, "challenge_id"))
	if err != nil {
		h.writeError(w, r, &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("invalid challenge id: %w", err)})
		return
	}
	var req api.ChallengeAnswer
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	outcome, err := h.service.RespondToChallenge(r.Context(), attemptID, challengeID, req.Answer)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.collector.ChallengeAnswered(outcome.Correct)
	h.writeJSON(w, http.StatusOK, api.ChallengeOutcomeResponse{
		Correct:       outcome.Correct,
		TrustScore:    outcome.TrustScore,
		AttemptStatus: string(outcome.Status),
	})
}

// HandleApprove handles POST /api/guardian/approvals/approve.
func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	var req api.ApprovalAction
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	approval, err := h.service.GuardianApprove(r.Context(), req.Token, req.VideoProofRef)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.collector.GuardianApproved()
	h.writeJSON(w, http.StatusOK, api.ApprovalStateFromApproval(approval))
}

// HandleDeny handles POST /api/guardian/approvals/deny.
func (h *Handler) HandleDeny(w http.ResponseWriter, r *http.Request) {
	var req api.ApprovalAction
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	approval, err := h.service.GuardianDeny(r.Context(), req.Token)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.collector.GuardianDenied()
	h.writeJSON(w, http.StatusOK, api.ApprovalStateFromApproval(approval))
}

// HandleCollectShard handles POST /api/recovery/{attempt_id}/shards/{index}.
func (h *Handler) HandleCollectShard(w http.ResponseWriter, r *http.Request) {
	attemptID, err := attemptIDParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		h.writeError(w, r, &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("invalid shard index: %w", err)})
		return
	}

	rec, err := h.service.CollectShard(r.Context(), attemptID, index)
	if err != nil {
		if errors.Is(err, interfaces.ErrSecurityViolation) {
			h.collector.HoneypotTripped()
		}
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.ShardAccessResponse{
		Index:       rec.Index,
		Type:        string(rec.Type),
		AccessCount: rec.AccessCount,
	})
}

// HandleComplete handles POST /api/recovery/{attempt_id}/complete.
func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	attemptID, err := attemptIDParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	credential, err := h.service.Complete(r.Context(), attemptID)
	if err != nil {
		if errors.Is(err, interfaces.ErrSecurityViolation) {
			h.collector.AttemptFailed()
		}
		h.writeError(w, r, err)
		return
	}
	h.collector.AttemptCompleted()
	h.writeJSON(w, http.StatusOK, api.CompleteResponse{Credential: credential})
}

// HandleCancel handles POST /api/recovery/{attempt_id}/cancel.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	attemptID, err := attemptIDParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	attempt, err := h.service.Cancel(r.Context(), attemptID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.collector.AttemptCancelled()
	h.writeJSON(w, http.StatusOK, api.CancelResponse{
		AttemptID:        attempt.ID.String(),
		Status:           string(attempt.Status),
		CancelledByOwner: attempt.CancelledByOwner,
	})
}

// HandleAuditChain handles GET /api/admin/audit/{account_id}.
func (h *Handler) HandleAuditChain(w http.ResponseWriter, r *http.Request) {
	account := interfaces.AccountID(chi.URLParam(r, "account_id"))
	entries, err := h.auditLog.Chain(r.Context(), account)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.AuditChainResponse{
		Entries:  entries,
		Verified: audit.VerifyChain(entries) == nil,
	})
}

// HandleSweep handles POST /api/admin/sweep.
func (h *Handler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	expired, err := h.service.SweepStale(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	for i := 0; i < expired; i++ {
		h.collector.AttemptExpired()
	}
	h.writeJSON(w, http.StatusOK, api.SweepResponse{Expired: expired})
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is an HTTP client for the recovery API. It handles request
// encoding, security context headers, and error translation.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// DeviceFingerprint and Location are attached to every request as
	// security context headers when set.
	DeviceFingerprint string
	Location          string
}

// NewClient creates a recovery API client for the given base URL
// (e.g. "http://localhost:8080").
func NewClient(baseURL string, timeout ...time.Duration) *Client {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
	}
}

// APIError is a non-2xx response decoded from the server's error body.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Kind, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.DeviceFingerprint != "" {
		req.Header.Set(DeviceFingerprintHeader, c.DeviceFingerprint)
	}
	if c.Location != "" {
		req.Header.Set(ClientLocationHeader, c.Location)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr ErrorResponse
		raw, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(raw, &apiErr); err != nil {
			return &APIError{StatusCode: resp.StatusCode, Message: string(raw)}
		}
		return &APIError{StatusCode: resp.StatusCode, Kind: apiErr.Kind, Message: apiErr.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// CreateSetup registers a recovery setup for an account.
func (c *Client) CreateSetup(ctx context.Context, req CreateSetupRequest) (*CreateSetupResponse, error) {
	var out CreateSetupResponse
	if err := c.do(ctx, http.MethodPost, "/api/setup", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EnableTravelLock locks out new attempts for the given number of days.
func (c *Client) EnableTravelLock(ctx context.Context, accountID string, days int) (*TravelLockResponse, error) {
	var out TravelLockResponse
	req := TravelLockRequest{AccountID: accountID, DurationDays: days}
	if err := c.do(ctx, http.MethodPost, "/api/setup/travel-lock", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeactivateSetup retires the account's active setup.
func (c *Client) DeactivateSetup(ctx context.Context, accountID string) error {
	return c.do(ctx, http.MethodPost, "/api/setup/deactivate", DeactivateSetupRequest{AccountID: accountID}, nil)
}

// AcceptInvite accepts a guardian enrollment invite.
func (c *Client) AcceptInvite(ctx context.Context, token string) (*GuardianStateResponse, error) {
	var out GuardianStateResponse
	if err := c.do(ctx, http.MethodPost, "/api/guardian/invites/accept", GuardianInviteAction{Token: token}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeclineInvite declines a guardian enrollment invite.
func (c *Client) DeclineInvite(ctx context.Context, token string) (*GuardianStateResponse, error) {
	var out GuardianStateResponse
	if err := c.do(ctx, http.MethodPost, "/api/guardian/invites/decline", GuardianInviteAction{Token: token}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Initiate starts a recovery attempt for an account.
func (c *Client) Initiate(ctx context.Context, accountID string) (*InitiateResponse, error) {
	var out InitiateResponse
	if err := c.do(ctx, http.MethodPost, "/api/recovery/initiate", InitiateRequest{AccountID: accountID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the requester-visible attempt state.
func (c *Client) Status(ctx context.Context, attemptID string) (*AttemptStatusResponse, error) {
	var out AttemptStatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/recovery/"+attemptID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AnswerChallenge submits an answer to a delivered challenge.
func (c *Client) AnswerChallenge(ctx context.Context, attemptID, challengeID, answer string) (*ChallengeOutcomeResponse, error) {
	var out ChallengeOutcomeResponse
	path := fmt.Sprintf("/api/recovery/%s/challenges/%s", attemptID, challengeID)
	if err := c.do(ctx, http.MethodPost, path, ChallengeAnswer{Answer: answer}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Approve records a guardian approval using the guardian's capability token.
func (c *Client) Approve(ctx context.Context, token, videoProofRef string) (*ApprovalStateResponse, error) {
	var out ApprovalStateResponse
	req := ApprovalAction{Token: token, VideoProofRef: videoProofRef}
	if err := c.do(ctx, http.MethodPost, "/api/guardian/approvals/approve", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Deny records a guardian denial using the guardian's capability token.
func (c *Client) Deny(ctx context.Context, token string) (*ApprovalStateResponse, error) {
	var out ApprovalStateResponse
	if err := c.do(ctx, http.MethodPost, "/api/guardian/approvals/deny", ApprovalAction{Token: token}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CollectShard marks one shard collected for the attempt.
func (c *Client) CollectShard(ctx context.Context, attemptID string, index int) (*ShardAccessResponse, error) {
	var out ShardAccessResponse
	path := fmt.Sprintf("/api/recovery/%s/shards/%d", attemptID, index)
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Complete finalizes the attempt and returns the reconstructed credential.
func (c *Client) Complete(ctx context.Context, attemptID string) ([]byte, error) {
	var out CompleteResponse
	if err := c.do(ctx, http.MethodPost, "/api/recovery/"+attemptID+"/complete", nil, &out); err != nil {
		return nil, err
	}
	return out.Credential, nil
}

// Cancel cancels a running attempt. Inside the canary window this counts as
// an owner veto.
func (c *Client) Cancel(ctx context.Context, attemptID string) (*CancelResponse, error) {
	var out CancelResponse
	if err := c.do(ctx, http.MethodPost, "/api/recovery/"+attemptID+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AuditChain fetches and returns the account's audit trail.
func (c *Client) AuditChain(ctx context.Context, accountID string) (*AuditChainResponse, error) {
	var out AuditChainResponse
	if err := c.do(ctx, http.MethodGet, "/api/admin/audit/"+accountID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sweep expires overdue attempts server side.
func (c *Client) Sweep(ctx context.Context) (*SweepResponse, error) {
	var out SweepResponse
	if err := c.do(ctx, http.MethodPost, "/api/admin/sweep", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

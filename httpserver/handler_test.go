package httpserver

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultmesh/recovery-service-backend/api"
	"github.com/vaultmesh/recovery-service-backend/audit"
	"github.com/vaultmesh/recovery-service-backend/challenge"
	"github.com/vaultmesh/recovery-service-backend/cryptoutils"
	"github.com/vaultmesh/recovery-service-backend/guardian"
	"github.com/vaultmesh/recovery-service-backend/interfaces"
	"github.com/vaultmesh/recovery-service-backend/metrics"
	"github.com/vaultmesh/recovery-service-backend/notify"
	"github.com/vaultmesh/recovery-service-backend/recovery"
	"github.com/vaultmesh/recovery-service-backend/scheduler"
	"github.com/vaultmesh/recovery-service-backend/shardvault"
	"github.com/vaultmesh/recovery-service-backend/storage"
	"github.com/vaultmesh/recovery-service-backend/threshold"
	"github.com/vaultmesh/recovery-service-backend/trust"
)

const (
	testAccount    = "acct-9b21"
	testCredential = "tape battery horse staple"
)

// apiSignals mirrors the requester the test client pretends to be: a known
// trusted device in Lisbon with a fresh behavioral baseline.
type apiSignals struct {
	now *time.Time
}

func (s *apiSignals) RecognizeDevice(context.Context, interfaces.AccountID, string) (interfaces.DeviceMatch, error) {
	return interfaces.DeviceMatch{Known: true, Trusted: true, Similarity: 1}, nil
}

func (s *apiSignals) Baseline(context.Context, interfaces.AccountID) (*interfaces.BehaviorBaseline, error) {
	return &interfaces.BehaviorBaseline{
		TypicalStartHour:    8,
		TypicalEndHour:      18,
		TypicalLocations:    []string{"Lisbon"},
		MeanResponseLatency: 10 * time.Minute,
		ObservedAt:          *s.now,
	}, nil
}

func (s *apiSignals) Signals(context.Context, interfaces.AccountID) (*interfaces.AccountSignals, error) {
	return &interfaces.AccountSignals{
		History: []interfaces.HistoricalEvent{
			{Description: "rotated my passwords", OccurredAt: s.now.Add(-48 * time.Hour)},
			{Description: "added a credit card", OccurredAt: s.now.Add(-10 * 24 * time.Hour)},
		},
		KnownDeviceNames: []string{"work laptop", "old phone"},
		FrequentCities:   []string{"Lisbon", "Porto"},
		UsageSampleCount: 20,
		TypicalStartHour: 8,
		TypicalEndHour:   18,
		VaultItemCount:   42,
	}, nil
}

var answerFor = map[interfaces.ChallengeType]string{
	interfaces.ChallengeHistoricalActivity: "rotated my passwords",
	interfaces.ChallengeDeviceFingerprint:  "work laptop",
	interfaces.ChallengeGeolocation:        "Lisbon",
	interfaces.ChallengeUsageWindow:        "morning",
	interfaces.ChallengeVaultSize:          "11-50",
}

type serverFixture struct {
	t *testing.T

	now       time.Time
	store     *storage.MemoryStore
	sched     *scheduler.Manual
	protocol  *guardian.Protocol
	svc       *recovery.Service
	collector *metrics.Collector

	ts     *httptest.Server
	client *api.Client
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	f := &serverFixture{
		t:     t,
		now:   time.Date(2026, 7, 15, 9, 0, 0, 0, time.UTC),
		store: storage.NewMemoryStore(),
		sched: scheduler.NewManual(),
	}
	clock := interfaces.ClockFunc(func() time.Time { return f.now })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	kem := cryptoutils.NewMLKEM768()

	f.protocol = guardian.NewProtocol(f.store, f.store, rand.Reader, clock, logger)
	vault := shardvault.NewVault(f.store, storage.NewMemoryBlobBackend(logger), f.protocol, clock, logger)
	signals := &apiSignals{now: &f.now}
	auditLog := audit.NewLog(f.store, clock, logger)

	svc, err := recovery.NewService(recovery.Config{MasterKey: bytes.Repeat([]byte{0x51}, 32)}, recovery.Deps{
		Store:     f.store,
		Vault:     vault,
		Shares:    threshold.NewStore(rand.Reader),
		KEM:       kem,
		Engine:    challenge.NewEngine(kem, rand.Reader, clock, logger),
		Scorer:    trust.NewScorer(signals, clock, logger),
		Guardians: f.protocol,
		AuditLog:  auditLog,
		Lockout:   audit.NewLockoutGuard(100, nil, clock, logger),
		Signals:   signals,
		Scheduler: f.sched,
		Notifier:  notify.NewRecorder(),
		Clock:     clock,
		Rand:      rand.Reader,
		Log:       logger,
	})
	require.NoError(t, err)
	f.svc = svc

	f.collector = metrics.NewCollector(nil)
	handler := NewHandler(svc, f.protocol, auditLog, f.collector, logger)
	srv, err := New(&api.HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      logger,
		DrainDuration:            time.Millisecond,
		GracefulShutdownDuration: time.Second,
	}, handler)
	require.NoError(t, err)

	f.ts = httptest.NewServer(srv.getRouter())
	t.Cleanup(f.ts.Close)

	f.client = api.NewClient(f.ts.URL)
	f.client.DeviceFingerprint = "fp-owner-laptop"
	f.client.Location = "Lisbon"
	return f
}

func (f *serverFixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *serverFixture) fire() {
	f.t.Helper()
	_, err := f.sched.FireDue(context.Background(), f.now, f.svc)
	require.NoError(f.t, err)
}

// createSetup provisions a 5-of-3 setup over the API and accepts every
// guardian invite.
func (f *serverFixture) createSetup(guardianCount int) *api.CreateSetupResponse {
	f.t.Helper()
	ctx := context.Background()

	policy := interfaces.DefaultPolicy()
	policy.ChallengeDistributionDays = 1

	req := api.CreateSetupRequest{
		AccountID:       testAccount,
		Credential:      []byte(testCredential),
		TotalShards:     5,
		ThresholdShards: 3,
		ContactChannel:  "email",
		ContactRef:      "owner@example.com",
		Policy:          &policy,
	}
	for i := 0; i < guardianCount; i++ {
		req.Guardians = append(req.Guardians, api.SetupGuardian{EncryptedIdentity: []byte{byte(i)}})
	}

	resp, err := f.client.CreateSetup(ctx, req)
	require.NoError(f.t, err)

	for _, g := range resp.Guardians {
		state, err := f.client.AcceptInvite(ctx, g.InviteToken)
		require.NoError(f.t, err)
		require.Equal(f.t, string(interfaces.GuardianActive), state.Status)
	}
	return resp
}

func (f *serverFixture) initiate() string {
	f.t.Helper()
	resp, err := f.client.Initiate(context.Background(), testAccount)
	require.NoError(f.t, err)
	return resp.AttemptID
}

// answerAll delivers every scheduled challenge and answers it over the API.
func (f *serverFixture) answerAll(attemptID string) {
	f.t.Helper()
	ctx := context.Background()

	f.advance(24 * time.Hour)
	f.fire()

	id := uuid.MustParse(attemptID)
	challenges, err := f.store.ListChallenges(ctx, id)
	require.NoError(f.t, err)
	require.NotEmpty(f.t, challenges)

	for _, c := range challenges {
		outcome, err := f.client.AnswerChallenge(ctx, attemptID, c.ID.String(), answerFor[c.Type])
		require.NoError(f.t, err)
		require.True(f.t, outcome.Correct, "challenge %s", c.Type)
	}
}

// approveAll lets every guardian approve once their windows are open.
func (f *serverFixture) approveAll(attemptID string) {
	f.t.Helper()
	ctx := context.Background()

	f.advance(12 * time.Hour)
	approvals, err := f.store.ListApprovals(ctx, uuid.MustParse(attemptID))
	require.NoError(f.t, err)
	for _, a := range approvals {
		_, err := f.client.Approve(ctx, a.Token, "")
		require.NoError(f.t, err)
	}
}

func apiErr(t *testing.T, err error) *api.APIError {
	t.Helper()
	var ae *api.APIError
	require.True(t, errors.As(err, &ae), "expected APIError, got %v", err)
	return ae
}

func TestCreateSetupOverAPI(t *testing.T) {
	f := newServerFixture(t)

	resp := f.createSetup(2)
	_, err := uuid.Parse(resp.SetupID)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.KEMPublicKey)
	require.Len(t, resp.Guardians, 2)
	for _, g := range resp.Guardians {
		assert.NotEmpty(t, g.InviteToken)
		assert.Greater(t, g.ShardIndex, 0)
	}
}

func TestCreateSetupValidationMapsTo400(t *testing.T) {
	f := newServerFixture(t)

	_, err := f.client.CreateSetup(context.Background(), api.CreateSetupRequest{
		AccountID:       testAccount,
		Credential:      []byte(testCredential),
		TotalShards:     3,
		ThresholdShards: 5,
		ContactChannel:  "email",
		ContactRef:      "owner@example.com",
	})
	ae := apiErr(t, err)
	assert.Equal(t, http.StatusBadRequest, ae.StatusCode)
	assert.Equal(t, string(interfaces.KindValidation), ae.Kind)
}

func TestMalformedBodyRejected(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Post(f.ts.URL+"/api/setup", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInitiateAndStatus(t *testing.T) {
	f := newServerFixture(t)
	f.createSetup(2)

	attemptID := f.initiate()
	status, err := f.client.Status(context.Background(), attemptID)
	require.NoError(t, err)
	assert.Equal(t, string(interfaces.AttemptChallengePhase), status.Status)
	assert.False(t, status.ExpiresAt.IsZero())
}

func TestInitiateUnknownAccountStillAccepted(t *testing.T) {
	f := newServerFixture(t)
	f.createSetup(0)

	resp, err := f.client.Initiate(context.Background(), "acct-nobody")
	require.NoError(t, err)

	// The decoy acknowledgement is indistinguishable on the wire, but the
	// attempt it names does not exist and it must not inflate the counters.
	_, err = f.client.Status(context.Background(), resp.AttemptID)
	ae := apiErr(t, err)
	assert.Equal(t, http.StatusNotFound, ae.StatusCode)
	assert.Zero(t, f.collector.Snapshot().AttemptsInitiated)
}

func TestRepeatedProbesMapTo429(t *testing.T) {
	f := newServerFixture(t)
	f.createSetup(0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.client.Initiate(ctx, "acct-nobody")
		require.NoError(t, err)
	}

	_, err := f.client.Initiate(ctx, "acct-nobody")
	ae := apiErr(t, err)
	assert.Equal(t, http.StatusTooManyRequests, ae.StatusCode)
	assert.Equal(t, string(interfaces.KindRateLimited), ae.Kind)
}

func TestChallengeAnswersAdvanceAttempt(t *testing.T) {
	f := newServerFixture(t)
	f.createSetup(2)

	attemptID := f.initiate()
	f.answerAll(attemptID)

	status, err := f.client.Status(context.Background(), attemptID)
	require.NoError(t, err)
	assert.Equal(t, string(interfaces.AttemptGuardianApproval), status.Status)
	assert.GreaterOrEqual(t, status.TrustScore, 0.6)
}

func TestHoneypotShardMapsToForbidden(t *testing.T) {
	f := newServerFixture(t)
	f.createSetup(2)

	attemptID := f.initiate()
	f.answerAll(attemptID)

	_, err := f.client.CollectShard(context.Background(), attemptID, interfaces.HoneypotShardIndex)
	ae := apiErr(t, err)
	assert.Equal(t, http.StatusForbidden, ae.StatusCode)
	assert.Equal(t, string(interfaces.KindSecurityViolation), ae.Kind)
	assert.Equal(t, uint64(1), f.collector.Snapshot().HoneypotTrips)
}

func TestFullRecoveryOverAPI(t *testing.T) {
	f := newServerFixture(t)
	f.createSetup(2)

	attemptID := f.initiate()
	f.answerAll(attemptID)
	f.approveAll(attemptID)

	credential, err := f.client.Complete(context.Background(), attemptID)
	require.NoError(t, err)
	assert.Equal(t, testCredential, string(credential))
	assert.Equal(t, uint64(1), f.collector.Snapshot().AttemptsCompleted)
}

func TestDenyUnknownTokenMapsTo404(t *testing.T) {
	f := newServerFixture(t)
	f.createSetup(2)

	_, err := f.client.Deny(context.Background(), "no-such-token")
	ae := apiErr(t, err)
	assert.Equal(t, http.StatusNotFound, ae.StatusCode)
}

func TestCancelInsideCanaryWindow(t *testing.T) {
	f := newServerFixture(t)
	f.createSetup(2)

	attemptID := f.initiate()
	resp, err := f.client.Cancel(context.Background(), attemptID)
	require.NoError(t, err)
	assert.Equal(t, string(interfaces.AttemptCancelled), resp.Status)
	assert.True(t, resp.CancelledByOwner)
}

func TestAuditChainEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.createSetup(2)

	attemptID := f.initiate()
	_, err := f.client.Cancel(context.Background(), attemptID)
	require.NoError(t, err)

	chain, err := f.client.AuditChain(context.Background(), testAccount)
	require.NoError(t, err)
	assert.True(t, chain.Verified)
	assert.NotEmpty(t, chain.Entries)
}

func TestSweepEndpointExpiresOverdueAttempts(t *testing.T) {
	f := newServerFixture(t)
	f.createSetup(2)
	f.initiate()

	f.advance(20 * 24 * time.Hour)
	resp, err := f.client.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Expired)
}

func TestTravelLockAndDeactivate(t *testing.T) {
	f := newServerFixture(t)
	f.createSetup(0)
	ctx := context.Background()

	lock, err := f.client.EnableTravelLock(ctx, testAccount, 3)
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(3*24*time.Hour), lock.TravelLockUntil)

	require.NoError(t, f.client.DeactivateSetup(ctx, testAccount))

	// A deactivated setup declines initiation with a decoy acknowledgement.
	resp, err := f.client.Initiate(ctx, testAccount)
	require.NoError(t, err)
	_, err = f.client.Status(ctx, resp.AttemptID)
	ae := apiErr(t, err)
	assert.Equal(t, http.StatusNotFound, ae.StatusCode)
}

func TestHealthAndDrainEndpoints(t *testing.T) {
	f := newServerFixture(t)

	get := func(path string) int {
		resp, err := http.Get(f.ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, get("/livez"))
	assert.Equal(t, http.StatusOK, get("/readyz"))
	assert.Equal(t, http.StatusOK, get("/drain"))
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz"))
	assert.Equal(t, http.StatusOK, get("/undrain"))
	assert.Equal(t, http.StatusOK, get("/readyz"))
}

package recovery

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultmesh/recovery-service-backend/audit"
	"github.com/vaultmesh/recovery-service-backend/challenge"
	"github.com/vaultmesh/recovery-service-backend/cryptoutils"
	"github.com/vaultmesh/recovery-service-backend/guardian"
	"github.com/vaultmesh/recovery-service-backend/interfaces"
	"github.com/vaultmesh/recovery-service-backend/notify"
	"github.com/vaultmesh/recovery-service-backend/scheduler"
	"github.com/vaultmesh/recovery-service-backend/shardvault"
	"github.com/vaultmesh/recovery-service-backend/storage"
	"github.com/vaultmesh/recovery-service-backend/threshold"
	"github.com/vaultmesh/recovery-service-backend/trust"
)

const (
	testAccount    = interfaces.AccountID("acct-7f3a")
	testCredential = "correct horse battery staple"
)

var testSecCtx = interfaces.SecurityContext{
	IPAddress:         "203.0.113.7",
	DeviceFingerprint: "fp-owner-laptop",
	Location:          "Lisbon",
	UserAgent:         "vaultmesh-client/2.4",
}

// testSignals is a rich signal provider: every challenge category clears
// its minimum, the requester's device is known and trusted, and a fresh
// behavioral baseline exists.
type testSignals struct {
	now *time.Time
}

func (s *testSignals) RecognizeDevice(context.Context, interfaces.AccountID, string) (interfaces.DeviceMatch, error) {
	return interfaces.DeviceMatch{Known: true, Trusted: true, Similarity: 1}, nil
}

func (s *testSignals) Baseline(context.Context, interfaces.AccountID) (*interfaces.BehaviorBaseline, error) {
	return &interfaces.BehaviorBaseline{
		TypicalStartHour:    8,
		TypicalEndHour:      18,
		TypicalLocations:    []string{"Lisbon"},
		MeanResponseLatency: 10 * time.Minute,
		ObservedAt:          *s.now,
	}, nil
}

func (s *testSignals) Signals(context.Context, interfaces.AccountID) (*interfaces.AccountSignals, error) {
	return &interfaces.AccountSignals{
		History: []interfaces.HistoricalEvent{
			{Description: "rotated my passwords", OccurredAt: s.now.Add(-48 * time.Hour)},
			{Description: "added a credit card", OccurredAt: s.now.Add(-10 * 24 * time.Hour)},
			{Description: "shared a note", OccurredAt: s.now.Add(-30 * 24 * time.Hour)},
		},
		KnownDeviceNames: []string{"work laptop", "old phone"},
		FrequentCities:   []string{"Lisbon", "Porto"},
		UsageSampleCount: 20,
		TypicalStartHour: 8,
		TypicalEndHour:   18,
		VaultItemCount:   42,
	}, nil
}

// correctAnswers maps each challenge type to the answer testSignals implies.
var correctAnswers = map[interfaces.ChallengeType]string{
	interfaces.ChallengeHistoricalActivity: "rotated my passwords",
	interfaces.ChallengeDeviceFingerprint:  "Work Laptop",
	interfaces.ChallengeGeolocation:        "lisbon",
	interfaces.ChallengeUsageWindow:        "morning",
	interfaces.ChallengeVaultSize:          "11-50",
}

type fixture struct {
	t *testing.T

	now      time.Time
	store    *storage.MemoryStore
	blobs    *storage.MemoryBlobBackend
	sched    *scheduler.Manual
	notes    *notify.Recorder
	protocol *guardian.Protocol
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		t:     t,
		now:   time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC),
		store: storage.NewMemoryStore(),
		sched: scheduler.NewManual(),
		notes: notify.NewRecorder(),
	}
	clock := interfaces.ClockFunc(func() time.Time { return f.now })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	kem := cryptoutils.NewMLKEM768()

	f.protocol = guardian.NewProtocol(f.store, f.store, rand.Reader, clock, logger)
	f.blobs = storage.NewMemoryBlobBackend(logger)
	vault := shardvault.NewVault(f.store, f.blobs, f.protocol, clock, logger)
	signals := &testSignals{now: &f.now}

	svc, err := NewService(Config{MasterKey: bytes.Repeat([]byte{0x42}, 32)}, Deps{
		Store:     f.store,
		Vault:     vault,
		Shares:    threshold.NewStore(rand.Reader),
		KEM:       kem,
		Engine:    challenge.NewEngine(kem, rand.Reader, clock, logger),
		Scorer:    trust.NewScorer(signals, clock, logger),
		Guardians: f.protocol,
		AuditLog:  audit.NewLog(f.store, clock, logger),
		Lockout:   audit.NewLockoutGuard(100, nil, clock, logger),
		Signals:   signals,
		Scheduler: f.sched,
		Notifier:  f.notes,
		Clock:     clock,
		Rand:      rand.Reader,
		Log:       logger,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) fire() {
	f.t.Helper()
	_, err := f.sched.FireDue(context.Background(), f.now, f.svc)
	require.NoError(f.t, err)
}

// createSetup provisions a 5-of-3 setup with the given number of guardians,
// all of whom accept their invites.
func (f *fixture) createSetup(guardianCount int) *SetupResult {
	f.t.Helper()

	policy := interfaces.DefaultPolicy()
	policy.ChallengeDistributionDays = 1

	specs := make([]GuardianSpec, guardianCount)
	for i := range specs {
		specs[i] = GuardianSpec{EncryptedIdentity: []byte{byte(i)}}
	}

	res, err := f.svc.CreateSetup(context.Background(), SetupRequest{
		AccountID:       testAccount,
		Credential:      []byte(testCredential),
		TotalShards:     5,
		ThresholdShards: 3,
		Guardians:       specs,
		ContactChannel:  "email",
		ContactRef:      "owner@example.com",
		Policy:          &policy,
	})
	require.NoError(f.t, err)

	for _, g := range res.Guardians {
		_, err := f.protocol.AcceptInvite(context.Background(), g.InviteToken)
		require.NoError(f.t, err)
	}
	return res
}

func (f *fixture) initiate() interfaces.AttemptID {
	f.t.Helper()
	res, err := f.svc.Initiate(context.Background(), testAccount, testSecCtx)
	require.NoError(f.t, err)
	return res.AttemptID
}

// answerAll delivers every scheduled challenge and answers it correctly.
func (f *fixture) answerAll(attemptID interfaces.AttemptID) {
	f.t.Helper()
	ctx := context.Background()

	f.advance(24 * time.Hour)
	f.fire()

	challenges, err := f.store.ListChallenges(ctx, attemptID)
	require.NoError(f.t, err)
	require.NotEmpty(f.t, challenges)

	for _, c := range challenges {
		require.Equal(f.t, interfaces.ChallengeSent, c.Status, "challenge %s not delivered", c.Type)
		_, err := f.svc.RespondToChallenge(ctx, attemptID, c.ID, correctAnswers[c.Type])
		require.NoError(f.t, err)
	}
}

// approveAll waits out the randomized window delays and has every guardian
// approve.
func (f *fixture) approveAll(attemptID interfaces.AttemptID) {
	f.t.Helper()
	ctx := context.Background()

	f.advance(12 * time.Hour)
	approvals, err := f.store.ListApprovals(ctx, attemptID)
	require.NoError(f.t, err)
	for _, a := range approvals {
		_, err := f.svc.GuardianApprove(ctx, a.Token, "")
		require.NoError(f.t, err)
	}
}

func (f *fixture) attempt(id interfaces.AttemptID) *interfaces.Attempt {
	f.t.Helper()
	a, err := f.store.GetAttempt(context.Background(), id)
	require.NoError(f.t, err)
	return a
}

func (f *fixture) auditEvents() map[interfaces.AuditEvent]int {
	f.t.Helper()
	entries, err := f.store.ListAudit(context.Background(), testAccount)
	require.NoError(f.t, err)
	counts := make(map[interfaces.AuditEvent]int)
	for _, e := range entries {
		counts[e.Event]++
	}
	return counts
}

func TestCreateSetupStoresShardsAndHoneypot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.createSetup(2)
	assert.Equal(t, 5, res.Setup.TotalShards)
	assert.Equal(t, 3, res.Setup.ThresholdShards)
	assert.True(t, res.Setup.IsActive)
	require.Len(t, res.Guardians, 2)

	shards, err := f.store.ListShards(ctx, res.Setup.ID)
	require.NoError(t, err)
	require.Len(t, shards, 6)

	assert.True(t, shards[0].IsHoneypot)
	assert.Equal(t, interfaces.HoneypotShardIndex, shards[0].Index)
	types := make(map[interfaces.ShardType]int)
	for _, rec := range shards[1:] {
		assert.False(t, rec.IsHoneypot)
		types[rec.Type]++
	}
	assert.Equal(t, 2, types[interfaces.ShardTypeGuardian])
	assert.Equal(t, 3, types[interfaces.ShardTypeTemporal])

	assert.Equal(t, 1, f.auditEvents()[interfaces.AuditSetupCreated])
}

func TestCreateSetupValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ve *interfaces.ValidationError

	_, err := f.svc.CreateSetup(ctx, SetupRequest{AccountID: testAccount})
	require.ErrorAs(t, err, &ve)

	_, err = f.svc.CreateSetup(ctx, SetupRequest{
		AccountID:       testAccount,
		Credential:      []byte(testCredential),
		TotalShards:     5,
		ThresholdShards: 6,
	})
	require.ErrorAs(t, err, &ve)

	f.createSetup(0)
	_, err = f.svc.CreateSetup(ctx, SetupRequest{
		AccountID:       testAccount,
		Credential:      []byte(testCredential),
		TotalShards:     5,
		ThresholdShards: 3,
	})
	require.ErrorAs(t, err, &ve, "second active setup must be rejected")
}

func TestRecoveryEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createSetup(2)
	attemptID := f.initiate()

	a := f.attempt(attemptID)
	assert.Equal(t, interfaces.AttemptChallengePhase, a.Status)
	assert.Equal(t, 3, a.ShardsRequired)
	assert.Equal(t, 2, a.ApprovalsRequired)

	// The canary alert goes out immediately on the setup's contact channel.
	sent := f.notes.All()
	require.NotEmpty(t, sent)
	assert.Equal(t, "email", sent[0].Channel)
	assert.Contains(t, sent[0].Message, attemptID.String())

	f.answerAll(attemptID)
	a = f.attempt(attemptID)
	assert.Equal(t, 5, a.ChallengesSent)
	assert.Equal(t, 5, a.ChallengesCompleted)
	assert.Zero(t, a.ChallengesFailed)
	assert.GreaterOrEqual(t, a.TrustScore, 0.6)
	assert.Equal(t, interfaces.AttemptGuardianApproval, a.Status)

	f.approveAll(attemptID)
	a = f.attempt(attemptID)
	assert.Equal(t, interfaces.AttemptFinalVerification, a.Status)
	assert.Equal(t, 2, a.ApprovalsReceived)

	secret, err := f.svc.Complete(ctx, attemptID)
	require.NoError(t, err)
	assert.Equal(t, testCredential, string(secret))

	a = f.attempt(attemptID)
	assert.Equal(t, interfaces.AttemptCompleted, a.Status)
	require.NotNil(t, a.CompletedAt)
	assert.Equal(t, 5, a.ShardsCollected)

	entries, err := f.store.ListAudit(ctx, testAccount)
	require.NoError(t, err)
	require.NoError(t, audit.VerifyChain(entries))
	counts := f.auditEvents()
	assert.Equal(t, 1, counts[interfaces.AuditAttemptInitiated])
	assert.Equal(t, 1, counts[interfaces.AuditAttemptCompleted])
	assert.Equal(t, 2, counts[interfaces.AuditGuardianApproved])
	assert.Zero(t, counts[interfaces.AuditSecurityAlert])
}

func TestInitiateUnknownAccountReturnsDecoy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Initiate(ctx, "no-such-account", testSecCtx)
	require.NoError(t, err)
	require.NotNil(t, res)

	// The decoy ID resolves to nothing and no alert was sent.
	_, err = f.svc.Status(ctx, res.AttemptID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.Empty(t, f.notes.All())
}

func TestInitiateRepeatedProbesAreRateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	prober := interfaces.SecurityContext{DeviceFingerprint: "fp-prober"}
	for i := 0; i < 3; i++ {
		_, err := f.svc.Initiate(ctx, "no-such-account", prober)
		require.NoError(t, err)
	}

	var rle *interfaces.RateLimitedError
	_, err := f.svc.Initiate(ctx, "no-such-account", prober)
	require.ErrorAs(t, err, &rle)
	assert.Positive(t, rle.RetryAfter)
}

func TestInitiateDuringTravelLockDeclined(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createSetup(0)
	_, err := f.svc.EnableTravelLock(ctx, testAccount, 72*time.Hour)
	require.NoError(t, err)

	res, err := f.svc.Initiate(ctx, testAccount, testSecCtx)
	require.NoError(t, err)
	_, err = f.svc.Status(ctx, res.AttemptID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.Equal(t, 1, f.auditEvents()[interfaces.AuditSecurityAlert])

	// The lock lapses with time.
	f.advance(73 * time.Hour)
	res, err = f.svc.Initiate(ctx, testAccount, testSecCtx)
	require.NoError(t, err)
	_, err = f.svc.Status(ctx, res.AttemptID)
	assert.NoError(t, err)
}

func TestInitiateWhileAttemptRunningReturnsDecoy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createSetup(0)
	f.initiate()

	res, err := f.svc.Initiate(ctx, testAccount, testSecCtx)
	require.NoError(t, err)
	_, err = f.svc.Status(ctx, res.AttemptID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestMonthlyAttemptCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createSetup(0)
	for i := 0; i < 3; i++ {
		id := f.initiate()
		f.advance(25 * time.Hour)
		_, err := f.svc.Cancel(ctx, id)
		require.NoError(t, err)
	}

	res, err := f.svc.Initiate(ctx, testAccount, testSecCtx)
	require.NoError(t, err)
	_, err = f.svc.Status(ctx, res.AttemptID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "fourth attempt within the month must be declined")
}

func TestCanaryCancellationMarksOwnerVeto(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createSetup(0)
	attemptID := f.initiate()

	f.advance(time.Hour)
	a, err := f.svc.Cancel(ctx, attemptID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.AttemptCancelled, a.Status)
	assert.True(t, a.CancelledByOwner)
	assert.True(t, a.SuspiciousActivity)

	counts := f.auditEvents()
	assert.Equal(t, 1, counts[interfaces.AuditAttemptCancelled])
	assert.Equal(t, 1, counts[interfaces.AuditSecurityAlert])

	_, err = f.svc.Cancel(ctx, attemptID)
	assert.ErrorIs(t, err, interfaces.ErrAttemptTerminal)
}

func TestCancelAfterCanaryWindow(t *testing.T) {
	f := newFixture(t)

	f.createSetup(0)
	attemptID := f.initiate()

	f.advance(25 * time.Hour)
	a, err := f.svc.Cancel(context.Background(), attemptID)
	require.NoError(t, err)
	assert.False(t, a.CancelledByOwner)
	assert.False(t, a.SuspiciousActivity)
	assert.Zero(t, f.auditEvents()[interfaces.AuditSecurityAlert])
}

func TestHoneypotAccessFailsAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createSetup(2)
	attemptID := f.initiate()
	f.answerAll(attemptID)
	require.Equal(t, interfaces.AttemptGuardianApproval, f.attempt(attemptID).Status)

	_, err := f.svc.CollectShard(ctx, attemptID, interfaces.HoneypotShardIndex)
	require.ErrorIs(t, err, interfaces.ErrSecurityViolation)

	a := f.attempt(attemptID)
	assert.Equal(t, interfaces.AttemptFailed, a.Status)
	assert.True(t, a.HoneypotTriggered)
	assert.True(t, a.SuspiciousActivity)
	assert.Equal(t, "honeypot triggered", a.FailureReason)

	assert.Equal(t, 1, f.auditEvents()[interfaces.AuditSecurityAlert], "exactly one security alert per honeypot trip")

	sent := f.notes.All()
	require.NotEmpty(t, sent)
	assert.Contains(t, sent[len(sent)-1].Message, "decoy")

	_, err = f.svc.Complete(ctx, attemptID)
	assert.ErrorIs(t, err, interfaces.ErrAttemptTerminal)
}

func TestCollectShardGatesGuardianShards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.createSetup(2)
	attemptID := f.initiate()
	f.answerAll(attemptID)

	guardianIndex := res.Guardians[0].ShardIndex
	_, err := f.svc.CollectShard(ctx, attemptID, guardianIndex)
	assert.ErrorIs(t, err, interfaces.ErrShardNotReleased)

	f.approveAll(attemptID)
	rec, err := f.svc.CollectShard(ctx, attemptID, guardianIndex)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ShardTypeGuardian, rec.Type)
	assert.Positive(t, rec.AccessCount)
}

func TestCompleteRequiresFinalVerification(t *testing.T) {
	f := newFixture(t)

	f.createSetup(2)
	attemptID := f.initiate()

	var ve *interfaces.ValidationError
	_, err := f.svc.Complete(context.Background(), attemptID)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, interfaces.AttemptChallengePhase, f.attempt(attemptID).Status)
}

func TestCompleteSucceedsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createSetup(2)
	attemptID := f.initiate()
	f.answerAll(attemptID)
	f.approveAll(attemptID)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		secrets   [][]byte
		terminals int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			secret, err := f.svc.Complete(ctx, attemptID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				secrets = append(secrets, secret)
				return
			}
			if errors.Is(err, interfaces.ErrAttemptTerminal) {
				terminals++
			}
		}()
	}
	wg.Wait()

	require.Len(t, secrets, 1, "reconstruction must happen exactly once")
	assert.Equal(t, testCredential, string(secrets[0]))
	assert.Equal(t, 3, terminals)
	assert.Equal(t, 1, f.auditEvents()[interfaces.AuditAttemptCompleted])
}

func TestLapsedChallengesAdvancePhaseButFailTrustFloor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createSetup(0)
	attemptID := f.initiate()

	// Never answer anything; deliveries and the expiry sweep both fire.
	f.advance(4 * 24 * time.Hour)
	f.fire()

	a := f.attempt(attemptID)
	assert.Equal(t, interfaces.AttemptFinalVerification, a.Status,
		"no guardians and no quorum means lapsed challenges fall through to final verification")
	assert.Equal(t, 5, a.ChallengesSent)
	assert.Zero(t, a.ChallengesCompleted)
	assert.Equal(t, 5, a.ChallengesFailed, "ignored challenges count as failures")
	assert.Less(t, a.TrustScore, 0.6)

	_, err := f.svc.Complete(ctx, attemptID)
	require.ErrorIs(t, err, interfaces.ErrSecurityViolation)

	a = f.attempt(attemptID)
	assert.Equal(t, interfaces.AttemptFailed, a.Status)
	assert.Contains(t, a.FailureReason, "trust score")
}

func TestGuardianDenialCanMakeQuorumUnreachable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createSetup(2)
	attemptID := f.initiate()
	f.answerAll(attemptID)
	f.advance(12 * time.Hour)

	approvals, err := f.store.ListApprovals(ctx, attemptID)
	require.NoError(t, err)
	require.Len(t, approvals, 2)

	_, err = f.svc.GuardianDeny(ctx, approvals[0].Token)
	require.NoError(t, err)

	a := f.attempt(attemptID)
	assert.Equal(t, interfaces.AttemptFailed, a.Status)
	assert.Equal(t, "guardian approval quorum unreachable", a.FailureReason)
	assert.Equal(t, 1, f.auditEvents()[interfaces.AuditGuardianDenied])
}

func TestApprovalWindowSweepFailsStalledAttempt(t *testing.T) {
	f := newFixture(t)

	f.createSetup(2)
	attemptID := f.initiate()
	f.answerAll(attemptID)
	require.Equal(t, interfaces.AttemptGuardianApproval, f.attempt(attemptID).Status)

	// All windows close unanswered within 36h of opening.
	f.advance(37 * time.Hour)
	f.fire()

	a := f.attempt(attemptID)
	assert.Equal(t, interfaces.AttemptFailed, a.Status)
	assert.Equal(t, "guardian approval quorum unreachable", a.FailureReason)
}

func TestAttemptExpiresLazily(t *testing.T) {
	f := newFixture(t)

	f.createSetup(2)
	attemptID := f.initiate()

	f.advance(15 * 24 * time.Hour)
	a, err := f.svc.Status(context.Background(), attemptID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.AttemptExpired, a.Status)
	assert.Equal(t, 1, f.auditEvents()[interfaces.AuditAttemptExpired])
}

func TestSweepStaleExpiresOverdueAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createSetup(2)
	attemptID := f.initiate()

	f.advance(15 * 24 * time.Hour)
	n, err := f.svc.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, interfaces.AttemptExpired, f.attempt(attemptID).Status)

	n, err = f.svc.SweepStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRespondToChallengeRejectsOutsiders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createSetup(0)
	attemptID := f.initiate()
	f.advance(24 * time.Hour)
	f.fire()

	challenges, err := f.store.ListChallenges(ctx, attemptID)
	require.NoError(t, err)
	c := challenges[0]

	// Wrong attempt ID must not leak challenge existence.
	wrongAttempt, err := f.svc.RespondToChallenge(ctx, interfaces.AttemptID{}, c.ID, "anything")
	assert.Nil(t, wrongAttempt)
	assert.Error(t, err)

	outcome, err := f.svc.RespondToChallenge(ctx, attemptID, c.ID, "definitely wrong")
	require.NoError(t, err)
	assert.False(t, outcome.Correct)
	assert.Equal(t, 1, f.attempt(attemptID).ChallengesFailed)

	// A challenge can only be answered once.
	_, err = f.svc.RespondToChallenge(ctx, attemptID, c.ID, "again")
	var ve *interfaces.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestDeactivatedSetupDeclinesInitiation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createSetup(0)
	require.NoError(t, f.svc.DeactivateSetup(ctx, testAccount))

	res, err := f.svc.Initiate(ctx, testAccount, testSecCtx)
	require.NoError(t, err)
	_, err = f.svc.Status(ctx, res.AttemptID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestAnswerCountersSurviveReload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createSetup(2)
	attemptID := f.initiate()

	f.advance(24 * time.Hour)
	f.fire()

	challenges, err := f.store.ListChallenges(ctx, attemptID)
	require.NoError(t, err)
	require.Len(t, challenges, 5)

	// Each answer must be visible to a fresh read of the attempt, not just
	// to the in-memory copy held while handling the response.
	for i, c := range challenges {
		outcome, err := f.svc.RespondToChallenge(ctx, attemptID, c.ID, correctAnswers[c.Type])
		require.NoError(t, err)
		require.True(t, outcome.Correct)

		a := f.attempt(attemptID)
		assert.Equal(t, i+1, a.ChallengesCompleted)
		assert.InDelta(t, outcome.TrustScore, a.TrustScore, 1e-9)
		assert.Greater(t, a.TrustScore, 0.0)
	}
}

func TestLateAnswerPersistsLapseAsFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createSetup(2)
	attemptID := f.initiate()

	f.advance(24 * time.Hour)
	f.fire()

	challenges, err := f.store.ListChallenges(ctx, attemptID)
	require.NoError(t, err)
	require.NotEmpty(t, challenges)

	// Past the response window the answer lapses the challenge instead of
	// scoring it, and the failure must stick.
	f.advance(25 * time.Hour)
	_, err = f.svc.RespondToChallenge(ctx, attemptID, challenges[0].ID, correctAnswers[challenges[0].Type])
	require.ErrorIs(t, err, interfaces.ErrExpired)

	a := f.attempt(attemptID)
	assert.Equal(t, 1, a.ChallengesFailed)
	assert.Zero(t, a.ChallengesCompleted)
}

func TestTamperedShardFailsAttemptAtFinalization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.createSetup(0)
	attemptID := f.initiate()
	f.answerAll(attemptID)
	require.Equal(t, interfaces.AttemptFinalVerification, f.attempt(attemptID).Status)

	// Swap one shard's payload for garbage; the AEAD open must fail and the
	// attempt must not stay retryable in final verification.
	rec, err := f.store.GetShard(ctx, res.Setup.ID, 2)
	require.NoError(t, err)
	garbageID, err := f.blobs.Store(ctx, []byte("not a sealed shard"), interfaces.ShardBlob)
	require.NoError(t, err)
	rec.PayloadID = garbageID
	require.NoError(t, f.store.UpdateShard(ctx, rec))

	_, err = f.svc.Complete(ctx, attemptID)
	require.Error(t, err)

	a := f.attempt(attemptID)
	assert.Equal(t, interfaces.AttemptFailed, a.Status)
	assert.Contains(t, a.FailureReason, "authentication")

	_, err = f.svc.Complete(ctx, attemptID)
	assert.ErrorIs(t, err, interfaces.ErrAttemptTerminal)
}

func TestConcurrentDeliverySendsChallengeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createSetup(2)
	attemptID := f.initiate()
	f.advance(24 * time.Hour)

	challenges, err := f.store.ListChallenges(ctx, attemptID)
	require.NoError(t, err)
	require.NotEmpty(t, challenges)
	target := challenges[0]

	before := len(f.notes.All())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Redeliveries of the same task must collapse to one send.
			err := f.svc.deliverChallenge(ctx, target.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.attempt(attemptID).ChallengesSent)
	assert.Equal(t, before+1, len(f.notes.All()))

	c, err := f.store.GetChallenge(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ChallengeSent, c.Status)
}

package challenge

import (
	"crypto/rand"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultmesh/recovery-service-backend/cryptoutils"
	"github.com/vaultmesh/recovery-service-backend/interfaces"
)

func newTestEngine(t *testing.T, now time.Time) (*Engine, []byte, []byte) {
	t.Helper()
	kem := cryptoutils.NewMLKEM768()
	pk, sk, err := kem.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	clock := interfaces.ClockFunc(func() time.Time { return now })
	return NewEngine(kem, rand.Reader, clock, slog.New(slog.NewTextHandler(io.Discard, nil))), pk, sk
}

func richSignals(now time.Time) *interfaces.AccountSignals {
	return &interfaces.AccountSignals{
		History: []interfaces.HistoricalEvent{
			{Description: "added a credit card", OccurredAt: now.AddDate(0, 0, -3)},
			{Description: "shared the wifi password", OccurredAt: now.AddDate(0, 0, -10)},
			{Description: "rotated the email password", OccurredAt: now.AddDate(0, 0, -30)},
		},
		KnownDeviceNames: []string{"work laptop", "pixel phone"},
		FrequentCities:   []string{"Lisbon", "Porto"},
		UsageSampleCount: 40,
		TypicalStartHour: 9,
		TypicalEndHour:   18,
		VaultItemCount:   37,
	}
}

func TestGenerateSetUsesAllCategories(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	engine, pk, _ := newTestEngine(t, now)
	attemptID := uuid.New()

	challenges, err := engine.GenerateSet(richSignals(now), 10, attemptID, pk, "email")
	require.NoError(t, err)
	require.Len(t, challenges, 5)

	seen := map[interfaces.ChallengeType]bool{}
	for _, c := range challenges {
		seen[c.Type] = true
		assert.Equal(t, attemptID, c.AttemptID)
		assert.NotEmpty(t, c.SealedQuestion)
		assert.NotEmpty(t, c.SealedAnswer)
		assert.Equal(t, interfaces.ChallengeScheduled, c.Status)
	}
	for _, typ := range []interfaces.ChallengeType{
		interfaces.ChallengeHistoricalActivity,
		interfaces.ChallengeDeviceFingerprint,
		interfaces.ChallengeGeolocation,
		interfaces.ChallengeUsageWindow,
		interfaces.ChallengeVaultSize,
	} {
		assert.True(t, seen[typ], "expected a %s challenge", typ)
	}
}

func TestGenerateSetSkipsThinCategories(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	engine, pk, _ := newTestEngine(t, now)

	// Two historical events, one device, zero cities, few samples, no vault
	// count: every category is below its minimum.
	thin := &interfaces.AccountSignals{
		History: []interfaces.HistoricalEvent{
			{Description: "a", OccurredAt: now},
			{Description: "b", OccurredAt: now},
		},
		KnownDeviceNames: []string{"only device"},
		UsageSampleCount: 2,
		VaultItemCount:   -1,
	}

	challenges, err := engine.GenerateSet(thin, 10, uuid.New(), pk, "email")
	require.NoError(t, err)
	assert.Empty(t, challenges, "thin signal must be skipped, never faked")
}

func TestGenerateSetHonorsMax(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	engine, pk, _ := newTestEngine(t, now)

	challenges, err := engine.GenerateSet(richSignals(now), 2, uuid.New(), pk, "email")
	require.NoError(t, err)
	assert.Len(t, challenges, 2)
}

func TestScheduleGeometry(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	engine, pk, _ := newTestEngine(t, now)
	const days = 3

	challenges, err := engine.GenerateSet(richSignals(now), 10, uuid.New(), pk, "email")
	require.NoError(t, err)
	require.NoError(t, engine.Schedule(challenges, days))

	for _, c := range challenges {
		assert.False(t, c.ScheduledSendAt.Before(now), "send time before scheduling time")
		assert.False(t, c.ScheduledSendAt.After(now.Add(days*24*time.Hour)), "send time past distribution window")
		assert.Equal(t, c.ScheduledSendAt, c.WindowStart)
		assert.Equal(t, c.ScheduledSendAt.Add(24*time.Hour), c.WindowEnd)
		assert.Equal(t, c.ScheduledSendAt.Add(48*time.Hour), c.ExpiresAt)
	}
}

func TestQuestionRoundTrip(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	engine, pk, sk := newTestEngine(t, now)

	challenges, err := engine.GenerateSet(richSignals(now), 10, uuid.New(), pk, "email")
	require.NoError(t, err)

	for _, c := range challenges {
		q, err := engine.Question(c, sk)
		require.NoError(t, err)
		assert.NotEmpty(t, q)
	}
}

func TestScoreResponse(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	engine, pk, sk := newTestEngine(t, now)

	challenges, err := engine.GenerateSet(richSignals(now), 10, uuid.New(), pk, "email")
	require.NoError(t, err)
	require.NoError(t, engine.Schedule(challenges, 0))

	var geo *interfaces.Challenge
	for _, c := range challenges {
		if c.Type == interfaces.ChallengeGeolocation {
			geo = c
		}
	}
	require.NotNil(t, geo)
	sent := geo.ScheduledSendAt
	geo.SentAt = &sent

	t.Run("correct answer ignores case and spacing", func(t *testing.T) {
		res, err := engine.ScoreResponse(geo, "  LISBON ", sent.Add(10*time.Minute), sk)
		require.NoError(t, err)
		assert.True(t, res.Correct)
		assert.Equal(t, 10*time.Minute, res.Latency)
	})

	t.Run("wrong answer still measures latency", func(t *testing.T) {
		res, err := engine.ScoreResponse(geo, "Madrid", sent.Add(3*time.Hour), sk)
		require.NoError(t, err)
		assert.False(t, res.Correct)
		assert.Equal(t, 3*time.Hour, res.Latency)
	})

	t.Run("wrong key fails authentication", func(t *testing.T) {
		kem := cryptoutils.NewMLKEM768()
		_, otherSK, err := kem.GenerateKeyPair(rand.Reader)
		require.NoError(t, err)
		_, err = engine.ScoreResponse(geo, "Lisbon", sent, otherSK)
		assert.Error(t, err)
	})
}

func TestSealedBlobsAreBoundToChallenge(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	engine, pk, sk := newTestEngine(t, now)

	challenges, err := engine.GenerateSet(richSignals(now), 10, uuid.New(), pk, "email")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(challenges), 2)

	// Swapping a sealed answer between challenges must fail the AAD check.
	challenges[0].SealedAnswer = challenges[1].SealedAnswer
	_, err = engine.ScoreResponse(challenges[0], "anything", now, sk)
	assert.ErrorIs(t, err, cryptoutils.ErrAuthenticationFailed)
}

func TestExpire(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	engine, _, _ := newTestEngine(t, now)

	c := &interfaces.Challenge{
		ID:        uuid.New(),
		Status:    interfaces.ChallengeSent,
		ExpiresAt: now.Add(-time.Minute),
	}
	assert.True(t, engine.Expire(c, now))
	assert.Equal(t, interfaces.ChallengeLapsed, c.Status)

	// Already-lapsed and answered challenges are left alone.
	assert.False(t, engine.Expire(c, now))
	answered := &interfaces.Challenge{Status: interfaces.ChallengeAnswered, ExpiresAt: now.Add(-time.Hour)}
	assert.False(t, engine.Expire(answered, now))

	// Not yet expired.
	fresh := &interfaces.Challenge{Status: interfaces.ChallengeSent, ExpiresAt: now.Add(time.Hour)}
	assert.False(t, engine.Expire(fresh, now))
}

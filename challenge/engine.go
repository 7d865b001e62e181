// Package challenge implements the temporal challenge engine: it builds
// personalized identity challenges from account signal, spreads their
// delivery over a multi-day window, and scores responses.
package challenge

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vaultmesh/recovery-service-backend/cryptoutils"
	"github.com/vaultmesh/recovery-service-backend/interfaces"
)

// Per-category signal minimums. A category below its minimum is skipped
// entirely; thin signal is never padded with fabricated questions.
const (
	minHistoricalEvents = 3
	minKnownDevices     = 2
	minFrequentCities   = 2
	minUsageSamples     = 10
)

// Response window geometry, relative to the scheduled send time.
const (
	responseWindow  = 24 * time.Hour
	challengeExpiry = 48 * time.Hour
)

// Engine generates, schedules, and scores temporal challenges. Question and
// expected-answer text are sealed under the setup's KEM public key, so the
// stored challenge rows are opaque without the setup's decapsulation key.
type Engine struct {
	kem   cryptoutils.KEM
	rand  io.Reader
	clock interfaces.Clock
	log   *slog.Logger
}

// NewEngine creates a challenge engine. rand is the randomness source for
// sealing and schedule jitter; inject a deterministic reader in tests.
func NewEngine(kem cryptoutils.KEM, rand io.Reader, clock interfaces.Clock, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{kem: kem, rand: rand, clock: clock, log: log}
}

// candidate is one generated question before sealing.
type candidate struct {
	typ      interfaces.ChallengeType
	question string
	answer   string
}

// GenerateSet builds up to max challenges for an attempt from the account's
// signal set. Categories lacking sufficient signal are skipped, so the
// result may hold fewer than max challenges, or none at all.
func (e *Engine) GenerateSet(signals *interfaces.AccountSignals, max int, attemptID interfaces.AttemptID, kemPublicKey []byte, channel string) ([]*interfaces.Challenge, error) {
	var candidates []candidate
	candidates = append(candidates, historicalCandidates(signals)...)
	candidates = append(candidates, deviceCandidates(signals)...)
	candidates = append(candidates, geolocationCandidates(signals)...)
	candidates = append(candidates, usageWindowCandidates(signals)...)
	candidates = append(candidates, vaultSizeCandidates(signals)...)

	if len(candidates) > max {
		candidates = candidates[:max]
	}

	out := make([]*interfaces.Challenge, 0, len(candidates))
	for _, cand := range candidates {
		id := uuid.New()
		aad := challengeAAD(attemptID, id)

		sealedQ, err := cryptoutils.Seal(e.kem, e.rand, kemPublicKey, []byte(cand.question), aad)
		if err != nil {
			return nil, fmt.Errorf("failed to seal challenge question: %w", err)
		}
		sealedA, err := cryptoutils.Seal(e.kem, e.rand, kemPublicKey, []byte(normalizeAnswer(cand.answer)), aad)
		if err != nil {
			return nil, fmt.Errorf("failed to seal challenge answer: %w", err)
		}

		out = append(out, &interfaces.Challenge{
			ID:             id,
			AttemptID:      attemptID,
			Type:           cand.typ,
			SealedQuestion: sealedQ,
			SealedAnswer:   sealedA,
			Channel:        channel,
			Status:         interfaces.ChallengeScheduled,
		})
	}

	e.log.Debug("challenge set generated",
		"attempt", attemptID.String(),
		"count", len(out))
	return out, nil
}

// Schedule assigns each challenge an independent uniformly-random send
// offset within [0, distributionDays], a 24h response window from the send
// time, and a 48h expiry. Independent jitter per challenge is what makes
// the delivery pattern unpredictable to an attacker holding the channel.
func (e *Engine) Schedule(challenges []*interfaces.Challenge, distributionDays int) error {
	now := e.clock.Now().UTC()
	span := time.Duration(distributionDays) * 24 * time.Hour

	for _, c := range challenges {
		offset, err := randomDuration(e.rand, span)
		if err != nil {
			return fmt.Errorf("failed to draw schedule offset: %w", err)
		}
		c.ScheduledSendAt = now.Add(offset)
		c.WindowStart = c.ScheduledSendAt
		c.WindowEnd = c.ScheduledSendAt.Add(responseWindow)
		c.ExpiresAt = c.ScheduledSendAt.Add(challengeExpiry)
		c.Status = interfaces.ChallengeScheduled
	}
	return nil
}

// Question decrypts a challenge's question text for delivery.
func (e *Engine) Question(c *interfaces.Challenge, kemPrivateKey []byte) (string, error) {
	aad := challengeAAD(c.AttemptID, c.ID)
	plain, err := cryptoutils.Open(e.kem, kemPrivateKey, c.SealedQuestion, aad)
	if err != nil {
		return "", fmt.Errorf("failed to open challenge question: %w", err)
	}
	return string(plain), nil
}

// ScoreResult is the outcome of scoring one response.
type ScoreResult struct {
	Correct bool
	Latency time.Duration
}

// ScoreResponse compares an answer against the sealed expected answer.
// Comparison is exact match after whitespace/case normalization. Latency
// is measured from the send time and recorded regardless of correctness;
// it feeds the temporal component of the trust score either way.
func (e *Engine) ScoreResponse(c *interfaces.Challenge, answer string, receivedAt time.Time, kemPrivateKey []byte) (ScoreResult, error) {
	aad := challengeAAD(c.AttemptID, c.ID)
	expected, err := cryptoutils.Open(e.kem, kemPrivateKey, c.SealedAnswer, aad)
	if err != nil {
		return ScoreResult{}, fmt.Errorf("failed to open expected answer: %w", err)
	}

	sentAt := c.WindowStart
	if c.SentAt != nil {
		sentAt = *c.SentAt
	}
	latency := receivedAt.Sub(sentAt)
	if latency < 0 {
		latency = 0
	}

	correct := normalizeAnswer(answer) == string(expected)
	return ScoreResult{Correct: correct, Latency: latency}, nil
}

// Expire moves an unanswered challenge past its expiry into the lapsed
// state. Returns true when the transition applied. Expired, unanswered
// challenges count as failures for trust scoring.
func (e *Engine) Expire(c *interfaces.Challenge, now time.Time) bool {
	if c.Status != interfaces.ChallengeScheduled && c.Status != interfaces.ChallengeSent {
		return false
	}
	if !now.After(c.ExpiresAt) {
		return false
	}
	c.Status = interfaces.ChallengeLapsed
	return true
}

func historicalCandidates(signals *interfaces.AccountSignals) []candidate {
	if len(signals.History) < minHistoricalEvents {
		return nil
	}
	// Most recent event is the most likely to be remembered.
	ev := signals.History[0]
	for _, h := range signals.History[1:] {
		if h.OccurredAt.After(ev.OccurredAt) {
			ev = h
		}
	}
	return []candidate{{
		typ:      interfaces.ChallengeHistoricalActivity,
		question: fmt.Sprintf("What did you do with your vault on %s?", ev.OccurredAt.Format("January 2")),
		answer:   ev.Description,
	}}
}

func deviceCandidates(signals *interfaces.AccountSignals) []candidate {
	if len(signals.KnownDeviceNames) < minKnownDevices {
		return nil
	}
	return []candidate{{
		typ:      interfaces.ChallengeDeviceFingerprint,
		question: "What is the name of the first device you enrolled?",
		answer:   signals.KnownDeviceNames[0],
	}}
}

func geolocationCandidates(signals *interfaces.AccountSignals) []candidate {
	if len(signals.FrequentCities) < minFrequentCities {
		return nil
	}
	return []candidate{{
		typ:      interfaces.ChallengeGeolocation,
		question: "From which city do you access your account most often?",
		answer:   signals.FrequentCities[0],
	}}
}

func usageWindowCandidates(signals *interfaces.AccountSignals) []candidate {
	if signals.UsageSampleCount < minUsageSamples {
		return nil
	}
	return []candidate{{
		typ:      interfaces.ChallengeUsageWindow,
		question: "During which part of the day do you usually use your vault? (morning, afternoon, evening, night)",
		answer:   dayPart(signals.TypicalStartHour),
	}}
}

func vaultSizeCandidates(signals *interfaces.AccountSignals) []candidate {
	if signals.VaultItemCount < 0 {
		return nil
	}
	return []candidate{{
		typ:      interfaces.ChallengeVaultSize,
		question: "Roughly how many items are in your vault? (1-10, 11-50, 51-200, 200+)",
		answer:   vaultSizeBucket(signals.VaultItemCount),
	}}
}

func dayPart(hour int) string {
	switch {
	case hour >= 5 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 17:
		return "afternoon"
	case hour >= 17 && hour < 22:
		return "evening"
	default:
		return "night"
	}
}

func vaultSizeBucket(count int) string {
	switch {
	case count <= 10:
		return "1-10"
	case count <= 50:
		return "11-50"
	case count <= 200:
		return "51-200"
	default:
		return "200+"
	}
}

// challengeAAD binds sealed question/answer blobs to their attempt and
// challenge identity, so blobs cannot be swapped between challenges.
func challengeAAD(attemptID interfaces.AttemptID, challengeID interfaces.ChallengeID) []byte {
	aad := make([]byte, 0, 32)
	aad = append(aad, attemptID[:]...)
	aad = append(aad, challengeID[:]...)
	return aad
}

// normalizeAnswer lowercases and collapses whitespace so comparison is
// exact on content, not formatting.
func normalizeAnswer(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// randomDuration draws a uniform duration in [0, span).
func randomDuration(rand io.Reader, span time.Duration) (time.Duration, error) {
	if span <= 0 {
		return 0, nil
	}
	var buf [8]byte
	if _, err := io.ReadFull(rand, buf[:]); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(buf[:])
	return time.Duration(v % uint64(span)), nil
}

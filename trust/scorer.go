// Package trust computes the composite trust score for a recovery attempt.
// The score blends challenge success, device recognition, behavioral match,
// and temporal consistency into one [0,1] value that the recovery state
// machine persists with the attempt and checks against policy thresholds.
package trust

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/vaultmesh/recovery-service-backend/interfaces"
)

// Component weights. Challenge success dominates; the remaining signal
// sources share the rest equally.
const (
	weightChallenge  = 0.4
	weightDevice     = 0.2
	weightBehavioral = 0.2
	weightTemporal   = 0.2
)

// neutralComponent is used when a signal source has nothing to say. Absent
// signal is scored neutrally, never as evidence for or against.
const neutralComponent = 0.5

// minSamplesForPattern is how many completed challenges are needed before
// behavioral and temporal patterns are considered meaningful.
const minSamplesForPattern = 3

// Breakdown carries the per-component scores alongside the composite, for
// audit detail and debugging. All values are in [0,1].
type Breakdown struct {
	Challenge  float64 `json:"challenge"`
	Device     float64 `json:"device"`
	Behavioral float64 `json:"behavioral"`
	Temporal   float64 `json:"temporal"`
	Composite  float64 `json:"composite"`
}

// Scorer computes trust scores from attempt state and external risk signal.
type Scorer struct {
	signals interfaces.RiskSignalProvider
	clock   interfaces.Clock
	log     *slog.Logger
}

// NewScorer creates a scorer. signals may be nil, in which case device and
// behavioral components always score neutrally.
func NewScorer(signals interfaces.RiskSignalProvider, clock interfaces.Clock, log *slog.Logger) *Scorer {
	if log == nil {
		log = slog.Default()
	}
	return &Scorer{signals: signals, clock: clock, log: log}
}

// Score recomputes the composite trust score for an attempt. challenges is
// the attempt's full challenge set; only answered ones contribute latency
// and timing signal. The score is deliberately not monotonic: a late failed
// challenge can pull a previously high score back down.
func (s *Scorer) Score(ctx context.Context, setup *interfaces.Setup, attempt *interfaces.Attempt, challenges []*interfaces.Challenge) (Breakdown, error) {
	b := Breakdown{
		Challenge:  challengeComponent(attempt),
		Device:     s.deviceComponent(ctx, setup.AccountID, attempt.Context.DeviceFingerprint),
		Behavioral: s.behavioralComponent(ctx, setup, attempt, challenges),
		Temporal:   temporalComponent(attempt, challenges),
	}

	composite := weightChallenge*b.Challenge +
		weightDevice*b.Device +
		weightBehavioral*b.Behavioral +
		weightTemporal*b.Temporal
	b.Composite = clamp01(composite)

	s.log.Debug("trust score computed",
		"attempt", attempt.ID.String(),
		"challenge", b.Challenge,
		"device", b.Device,
		"behavioral", b.Behavioral,
		"temporal", b.Temporal,
		"composite", b.Composite)

	return b, nil
}

// challengeComponent is completed/sent minus a 0.1 penalty per failure,
// clamped to [0,1]. Zero challenges sent scores zero, not neutral: an
// attempt that has proven nothing has earned nothing.
func challengeComponent(attempt *interfaces.Attempt) float64 {
	if attempt.ChallengesSent == 0 {
		return 0
	}
	c := float64(attempt.ChallengesCompleted)/float64(attempt.ChallengesSent) -
		0.1*float64(attempt.ChallengesFailed)
	return clamp01(c)
}

func (s *Scorer) deviceComponent(ctx context.Context, account interfaces.AccountID, fingerprint string) float64 {
	if fingerprint == "" {
		return 0.3
	}
	if s.signals == nil {
		return neutralComponent
	}

	match, err := s.signals.RecognizeDevice(ctx, account, fingerprint)
	if err != nil {
		s.log.Warn("device recognition lookup failed, scoring neutrally", "err", err)
		return neutralComponent
	}

	switch {
	case match.Known && match.Trusted:
		return 1.0
	case match.Known:
		return 0.7
	case match.Similarity > 0:
		// Partial similarity maps into [0.2, 0.5].
		return 0.2 + 0.3*clamp01(match.Similarity)
	default:
		return 0.0
	}
}

func (s *Scorer) behavioralComponent(ctx context.Context, setup *interfaces.Setup, attempt *interfaces.Attempt, challenges []*interfaces.Challenge) float64 {
	if attempt.ChallengesCompleted < minSamplesForPattern || s.signals == nil {
		return neutralComponent
	}

	baseline, err := s.signals.Baseline(ctx, setup.AccountID)
	if err != nil {
		s.log.Warn("behavioral baseline lookup failed, scoring neutrally", "err", err)
		return neutralComponent
	}
	if baseline == nil {
		return neutralComponent
	}

	// A baseline older than the decay window is treated as absent.
	decay := time.Duration(setup.Policy.DecayWindowDays) * 24 * time.Hour
	if decay > 0 && s.clock.Now().Sub(baseline.ObservedAt) > decay {
		return neutralComponent
	}

	timeMatch := responseHourMatch(baseline, challenges)
	locMatch := 0.0
	if attempt.Context.Location != "" {
		for _, loc := range baseline.TypicalLocations {
			if loc == attempt.Context.Location {
				locMatch = 1.0
				break
			}
		}
	}
	timingMatch := latencyPatternMatch(baseline, challenges)

	return clamp01(0.4*timeMatch + 0.3*locMatch + 0.3*timingMatch)
}

// responseHourMatch is the fraction of answered challenges whose response
// hour falls inside the baseline's typical activity window.
func responseHourMatch(baseline *interfaces.BehaviorBaseline, challenges []*interfaces.Challenge) float64 {
	var total, matched int
	for _, c := range challenges {
		if c.RespondedAt == nil {
			continue
		}
		total++
		if hourInWindow(c.RespondedAt.Hour(), baseline.TypicalStartHour, baseline.TypicalEndHour) {
			matched++
		}
	}
	if total == 0 {
		return neutralComponent
	}
	return float64(matched) / float64(total)
}

// hourInWindow handles windows that wrap midnight, e.g. 22..6.
func hourInWindow(hour, start, end int) bool {
	if start <= end {
		return hour >= start && hour <= end
	}
	return hour >= start || hour <= end
}

// latencyPatternMatch compares the mean observed response latency against
// the baseline's historic mean. Within 2x either way scores proportionally;
// wildly different latencies score zero.
func latencyPatternMatch(baseline *interfaces.BehaviorBaseline, challenges []*interfaces.Challenge) float64 {
	if baseline.MeanResponseLatency <= 0 {
		return neutralComponent
	}
	latencies := answeredLatencies(challenges)
	if len(latencies) == 0 {
		return neutralComponent
	}

	mean := meanDuration(latencies)
	ratio := float64(mean) / float64(baseline.MeanResponseLatency)
	if ratio > 1 {
		ratio = 1 / ratio
	}
	// ratio is now in (0,1]; 1 means identical pacing.
	return clamp01(2*ratio - 1)
}

// temporalComponent scores the internal consistency of response timing:
// low variance in latency plus responses landing in their expected windows.
func temporalComponent(attempt *interfaces.Attempt, challenges []*interfaces.Challenge) float64 {
	if attempt.ChallengesCompleted < minSamplesForPattern {
		return neutralComponent
	}

	latencies := answeredLatencies(challenges)
	if len(latencies) < minSamplesForPattern {
		return neutralComponent
	}

	cv := coefficientOfVariation(latencies)
	consistency := 1 - math.Min(1, cv/2)

	var total, inWindow int
	for _, c := range challenges {
		if c.RespondedAt == nil {
			continue
		}
		total++
		if !c.RespondedAt.Before(c.WindowStart) && !c.RespondedAt.After(c.WindowEnd) {
			inWindow++
		}
	}
	windowMatch := 0.0
	if total > 0 {
		windowMatch = float64(inWindow) / float64(total)
	}

	return clamp01(0.6*consistency + 0.4*windowMatch)
}

func answeredLatencies(challenges []*interfaces.Challenge) []time.Duration {
	var out []time.Duration
	for _, c := range challenges {
		if c.RespondedAt != nil && c.ResponseLatency > 0 {
			out = append(out, c.ResponseLatency)
		}
	}
	return out
}

func meanDuration(ds []time.Duration) time.Duration {
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return sum / time.Duration(len(ds))
}

// coefficientOfVariation is stddev/mean of the latencies in seconds.
func coefficientOfVariation(ds []time.Duration) float64 {
	mean := float64(meanDuration(ds))
	if mean == 0 {
		return 0
	}
	var sumSq float64
	for _, d := range ds {
		diff := float64(d) - mean
		sumSq += diff * diff
	}
	stddev := math.Sqrt(sumSq / float64(len(ds)))
	return stddev / mean
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

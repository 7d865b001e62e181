// Package metrics provides the service's observability primitives: a
// lock-free counter collector, latency histograms, and Prometheus text
// exposition, served on a dedicated listener next to the API server.
package metrics

import (
	"sync/atomic"
	"time"
)

// Labels represents key-value pairs attached to every exported metric.
type Labels map[string]string

// Collector aggregates counters from the recovery core and the HTTP layer.
// All methods are safe for concurrent use.
type Collector struct {
	attemptsInitiated atomic.Uint64
	attemptsCompleted atomic.Uint64
	attemptsFailed    atomic.Uint64
	attemptsCancelled atomic.Uint64
	attemptsExpired   atomic.Uint64

	challengesSent     atomic.Uint64
	challengesAnswered atomic.Uint64
	challengesCorrect  atomic.Uint64

	guardianApprovals atomic.Uint64
	guardianDenials   atomic.Uint64

	honeypotTrips   atomic.Uint64
	securityAlerts  atomic.Uint64
	rateLimitedReqs atomic.Uint64

	requestLatency *Histogram

	createdAt time.Time
	labels    Labels
}

// RequestLatencyBuckets are the request duration buckets, in milliseconds.
var RequestLatencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500}

// NewCollector creates a collector carrying the given labels.
func NewCollector(labels Labels) *Collector {
	if labels == nil {
		labels = make(Labels)
	}
	return &Collector{
		requestLatency: NewHistogram(RequestLatencyBuckets),
		createdAt:      time.Now(),
		labels:         labels,
	}
}

func (c *Collector) AttemptInitiated() { c.attemptsInitiated.Add(1) }
func (c *Collector) AttemptCompleted() { c.attemptsCompleted.Add(1) }
func (c *Collector) AttemptFailed()    { c.attemptsFailed.Add(1) }
func (c *Collector) AttemptCancelled() { c.attemptsCancelled.Add(1) }
func (c *Collector) AttemptExpired()   { c.attemptsExpired.Add(1) }

func (c *Collector) ChallengeSent() { c.challengesSent.Add(1) }

// ChallengeAnswered records one scored response.
func (c *Collector) ChallengeAnswered(correct bool) {
	c.challengesAnswered.Add(1)
	if correct {
		c.challengesCorrect.Add(1)
	}
}

func (c *Collector) GuardianApproved() { c.guardianApprovals.Add(1) }
func (c *Collector) GuardianDenied()   { c.guardianDenials.Add(1) }

// HoneypotTripped counts decoy shard accesses. Every trip is also a
// security alert.
func (c *Collector) HoneypotTripped() {
	c.honeypotTrips.Add(1)
	c.securityAlerts.Add(1)
}

func (c *Collector) SecurityAlert() { c.securityAlerts.Add(1) }
func (c *Collector) RateLimited()   { c.rateLimitedReqs.Add(1) }

// RecordRequestLatency records one HTTP request duration.
func (c *Collector) RecordRequestLatency(d time.Duration) {
	c.requestLatency.Observe(float64(d.Milliseconds()))
}

// Snapshot is a point-in-time copy of all collected metrics.
type Snapshot struct {
	AttemptsInitiated uint64
	AttemptsCompleted uint64
	AttemptsFailed    uint64
	AttemptsCancelled uint64
	AttemptsExpired   uint64

	ChallengesSent     uint64
	ChallengesAnswered uint64
	ChallengesCorrect  uint64

	GuardianApprovals uint64
	GuardianDenials   uint64

	HoneypotTrips   uint64
	SecurityAlerts  uint64
	RateLimitedReqs uint64

	RequestLatency HistogramSummary

	Uptime time.Duration
	Labels Labels
}

// Snapshot returns a consistent-enough copy for exposition. Counters are
// read individually; exposition does not need cross-counter atomicity.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		AttemptsInitiated:  c.attemptsInitiated.Load(),
		AttemptsCompleted:  c.attemptsCompleted.Load(),
		AttemptsFailed:     c.attemptsFailed.Load(),
		AttemptsCancelled:  c.attemptsCancelled.Load(),
		AttemptsExpired:    c.attemptsExpired.Load(),
		ChallengesSent:     c.challengesSent.Load(),
		ChallengesAnswered: c.challengesAnswered.Load(),
		ChallengesCorrect:  c.challengesCorrect.Load(),
		GuardianApprovals:  c.guardianApprovals.Load(),
		GuardianDenials:    c.guardianDenials.Load(),
		HoneypotTrips:      c.honeypotTrips.Load(),
		SecurityAlerts:     c.securityAlerts.Load(),
		RateLimitedReqs:    c.rateLimitedReqs.Load(),
		RequestLatency:     c.requestLatency.Summary(),
		Uptime:             time.Since(c.createdAt),
		Labels:             c.labels,
	}
}

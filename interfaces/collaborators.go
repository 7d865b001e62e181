package interfaces

import (
	"context"
	"time"
)

// Clock abstracts time so long-horizon behavior (multi-day challenge
// windows, canary windows, expiry sweeps) is testable with a simulated
// clock.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return ClockFunc(time.Now) }

// Task names a delayed handler registered with the Scheduler.
type Task string

const (
	// TaskSendChallenge delivers one scheduled challenge. Payload: challenge ID.
	TaskSendChallenge Task = "challenge.send"
	// TaskSweepChallenges expires lapsed challenges for an attempt. Payload: attempt ID.
	TaskSweepChallenges Task = "challenge.sweep"
	// TaskSweepAttempt lazily expires a single attempt. Payload: attempt ID.
	TaskSweepAttempt Task = "attempt.sweep"
	// TaskSweepApprovals expires lapsed approval windows. Payload: attempt ID.
	TaskSweepApprovals Task = "approval.sweep"
)

// Scheduler is the delayed-task collaborator. Implementations guarantee
// at-least-once invocation at or after the target time; handlers must
// therefore be idempotent. The core never blocks on it.
type Scheduler interface {
	ScheduleAt(ctx context.Context, at time.Time, task Task, payload string) error
}

// TaskHandler is invoked by a Scheduler implementation when a task fires.
type TaskHandler interface {
	HandleTask(ctx context.Context, task Task, payload string) error
}

// Notifier delivers messages out of band (canary alerts, challenge
// deliveries, guardian notifications). Delivery is best effort: failures
// are logged and never block a state transition.
type Notifier interface {
	Send(ctx context.Context, channel, recipientRef, message string) error
}

// DeviceMatch is the device-recognition signal for a fingerprint.
type DeviceMatch struct {
	// Known is true when the fingerprint matches an enrolled device.
	Known bool
	// Trusted is true when that device is additionally marked trusted.
	Trusted bool
	// Similarity in [0,1] for partial matches against known devices.
	Similarity float64
}

// BehaviorBaseline is the stored behavioral profile for an account.
type BehaviorBaseline struct {
	// TypicalStartHour/TypicalEndHour bound the account's usual activity
	// window, in local hours [0,24).
	TypicalStartHour int
	TypicalEndHour   int
	// TypicalLocations are coarse location identifiers seen regularly.
	TypicalLocations []string
	// MeanResponseLatency is the account's historic challenge-response
	// latency; zero when unknown.
	MeanResponseLatency time.Duration
	// ObservedAt is when the baseline was last refreshed.
	ObservedAt time.Time
}

// HistoricalEvent is one item of account history usable as challenge
// material.
type HistoricalEvent struct {
	Description string
	OccurredAt  time.Time
}

// AccountSignals is the read-only signal set challenges are generated from.
// Absent signal is represented by empty slices / zero counts, never faked.
type AccountSignals struct {
	History          []HistoricalEvent
	KnownDeviceNames []string
	FrequentCities   []string
	UsageSampleCount int
	TypicalStartHour int
	TypicalEndHour   int
	// VaultItemCount is -1 when unknown.
	VaultItemCount int
}

// RiskSignalProvider is the read-only lookup surface owned by other
// subsystems. Implementations return neutral defaults when data is absent
// rather than errors.
type RiskSignalProvider interface {
	// RecognizeDevice scores a device fingerprint against enrolled devices.
	RecognizeDevice(ctx context.Context, account AccountID, fingerprint string) (DeviceMatch, error)

	// Baseline returns the behavioral baseline, or nil when none exists.
	Baseline(ctx context.Context, account AccountID) (*BehaviorBaseline, error)

	// Signals returns the challenge-generation signal set.
	Signals(ctx context.Context, account AccountID) (*AccountSignals, error)
}

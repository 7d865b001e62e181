package audit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vaultmesh/recovery-service-backend/interfaces"
)

// AlertFunc is invoked exactly once each time a requester's failure count
// crosses the alert threshold.
type AlertFunc func(fingerprint string, failures int)

// LockoutGuard tracks failures per requester fingerprint (typically an IP
// or device hash) and imposes escalating lockouts:
//
//	<= 3 failures  no lockout
//	4..6           15 minutes
//	7..10          1 hour
//	> 10           24 hours
//
// A single success resets the counter to zero.
type LockoutGuard struct {
	mu      sync.Mutex
	entries map[string]*lockoutEntry

	alertThreshold int
	alert          AlertFunc
	clock          interfaces.Clock
	log            *slog.Logger
}

type lockoutEntry struct {
	failures    int
	lockedUntil time.Time
	alerted     bool
}

// NewLockoutGuard creates a guard. alertThreshold is the failure count at
// which alert fires; alert may be nil.
func NewLockoutGuard(alertThreshold int, alert AlertFunc, clock interfaces.Clock, log *slog.Logger) *LockoutGuard {
	if alertThreshold <= 0 {
		alertThreshold = 5
	}
	return &LockoutGuard{
		entries:        make(map[string]*lockoutEntry),
		alertThreshold: alertThreshold,
		alert:          alert,
		clock:          clock,
		log:            log,
	}
}

// Check returns a RateLimitedError with the remaining lockout when the
// fingerprint is currently locked out, nil otherwise.
func (g *LockoutGuard) Check(fingerprint string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[fingerprint]
	if !ok {
		return nil
	}
	now := g.clock.Now()
	if now.Before(e.lockedUntil) {
		return &interfaces.RateLimitedError{RetryAfter: e.lockedUntil.Sub(now)}
	}
	return nil
}

// RecordFailure registers one failure and returns the lockout duration now
// in force (zero when still under the free tier).
func (g *LockoutGuard) RecordFailure(fingerprint string) time.Duration {
	g.mu.Lock()

	e, ok := g.entries[fingerprint]
	if !ok {
		e = &lockoutEntry{}
		g.entries[fingerprint] = e
	}
	e.failures++
	d := lockoutDuration(e.failures)
	if d > 0 {
		e.lockedUntil = g.clock.Now().Add(d)
	}

	var fire bool
	if e.failures >= g.alertThreshold && !e.alerted {
		e.alerted = true
		fire = true
	}
	failures := e.failures
	g.mu.Unlock()

	if fire {
		g.log.Warn("lockout alert threshold crossed",
			"fingerprint", fingerprint,
			"failures", failures)
		if g.alert != nil {
			g.alert(fingerprint, failures)
		}
	}
	return d
}

// RecordSuccess resets the fingerprint's failure count to zero.
func (g *LockoutGuard) RecordSuccess(fingerprint string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, fingerprint)
}

// Failures returns the current failure count for a fingerprint.
func (g *LockoutGuard) Failures(fingerprint string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[fingerprint]; ok {
		return e.failures
	}
	return 0
}

func lockoutDuration(failures int) time.Duration {
	switch {
	case failures <= 3:
		return 0
	case failures <= 6:
		return 15 * time.Minute
	case failures <= 10:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

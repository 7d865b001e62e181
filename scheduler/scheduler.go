// Package scheduler provides the delayed-task collaborator implementations:
// a timer-backed scheduler for production and a manually-fired one for
// tests and simulated clocks.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vaultmesh/recovery-service-backend/interfaces"
)

// TimerScheduler fires tasks on in-process timers. Tasks scheduled in the
// past or present fire immediately. Handlers are invoked at least once at
// or after the target time and must be idempotent; a restart loses pending
// timers, which the periodic sweeps cover.
type TimerScheduler struct {
	handler interfaces.TaskHandler
	clock   interfaces.Clock
	log     *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	quit   chan struct{}
}

// NewTimerScheduler creates a scheduler dispatching to handler.
func NewTimerScheduler(handler interfaces.TaskHandler, clock interfaces.Clock, log *slog.Logger) *TimerScheduler {
	if log == nil {
		log = slog.Default()
	}
	return &TimerScheduler{
		handler: handler,
		clock:   clock,
		log:     log,
		quit:    make(chan struct{}),
	}
}

// ScheduleAt arranges for the task to fire at or after the target time.
func (s *TimerScheduler) ScheduleAt(_ context.Context, at time.Time, task interfaces.Task, payload string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return context.Canceled
	}
	s.wg.Add(1)
	s.mu.Unlock()

	delay := at.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}

	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-s.quit:
			return
		case <-timer.C:
		}

		if err := s.handler.HandleTask(context.Background(), task, payload); err != nil {
			s.log.Error("scheduled task failed",
				"task", string(task),
				"payload", payload,
				"err", err)
		}
	}()
	return nil
}

// Close stops accepting tasks, cancels pending timers, and waits for
// in-flight handlers.
func (s *TimerScheduler) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.quit)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Manual is a scheduler that records tasks and fires them on demand,
// pairing with a simulated clock in tests.
type Manual struct {
	mu    sync.Mutex
	tasks []ScheduledTask
}

// ScheduledTask is one recorded task.
type ScheduledTask struct {
	At      time.Time
	Task    interfaces.Task
	Payload string
}

// NewManual creates an empty manual scheduler.
func NewManual() *Manual { return &Manual{} }

// ScheduleAt records the task without arming any timer.
func (m *Manual) ScheduleAt(_ context.Context, at time.Time, task interfaces.Task, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, ScheduledTask{At: at, Task: task, Payload: payload})
	return nil
}

// Pending returns recorded tasks due at or before now, earliest first.
func (m *Manual) Pending(now time.Time) []ScheduledTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []ScheduledTask
	for _, t := range m.tasks {
		if !t.At.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].At.Before(due[j].At) })
	return due
}

// All returns every recorded task, in scheduling order.
func (m *Manual) All() []ScheduledTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ScheduledTask(nil), m.tasks...)
}

// FireDue invokes handler for every task due at or before now, removing
// them from the pending set. Returns how many fired.
func (m *Manual) FireDue(ctx context.Context, now time.Time, handler interfaces.TaskHandler) (int, error) {
	m.mu.Lock()
	var due, rest []ScheduledTask
	for _, t := range m.tasks {
		if !t.At.After(now) {
			due = append(due, t)
		} else {
			rest = append(rest, t)
		}
	}
	m.tasks = rest
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].At.Before(due[j].At) })
	for i, t := range due {
		if err := handler.HandleTask(ctx, t.Task, t.Payload); err != nil {
			return i, err
		}
	}
	return len(due), nil
}

var (
	_ interfaces.Scheduler = (*TimerScheduler)(nil)
	_ interfaces.Scheduler = (*Manual)(nil)
)

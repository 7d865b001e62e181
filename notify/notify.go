// Package notify provides Notifier implementations. Delivery is best
// effort everywhere in the recovery core: a failed notification is logged
// and never blocks a state transition.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vaultmesh/recovery-service-backend/interfaces"
)

// LogNotifier writes notifications to the structured log instead of an
// external channel. It stands in wherever a real email/SMS/push integration
// is not wired up.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log}
}

// Send implements interfaces.Notifier.
func (n *LogNotifier) Send(_ context.Context, channel, recipientRef, message string) error {
	n.log.Info("notification",
		"channel", channel,
		"recipient", recipientRef,
		"message", message)
	return nil
}

// Recorder captures notifications for assertions in tests.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
}

// Sent is one captured notification.
type Sent struct {
	Channel      string
	RecipientRef string
	Message      string
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Send implements interfaces.Notifier.
func (r *Recorder) Send(_ context.Context, channel, recipientRef, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{Channel: channel, RecipientRef: recipientRef, Message: message})
	return nil
}

// All returns every captured notification.
func (r *Recorder) All() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

var (
	_ interfaces.Notifier = (*LogNotifier)(nil)
	_ interfaces.Notifier = (*Recorder)(nil)
)

package api

import (
	"log/slog"
	"time"
)

// HTTPServerConfig holds the listener and lifecycle settings shared by the
// recovery API server and the admin tooling.
type HTTPServerConfig struct {
	// ListenAddr is the address the recovery API listens on.
	ListenAddr string

	// MetricsAddr is the address the Prometheus exposition endpoint listens
	// on. Empty disables the metrics listener.
	MetricsAddr string

	// EnablePprof mounts the pprof handlers under /debug.
	EnablePprof bool

	// Log is the structured logger used for request logging and lifecycle
	// events.
	Log *slog.Logger

	// DrainDuration is how long the server advertises not-ready before an
	// operator is expected to stop it.
	DrainDuration time.Duration

	// GracefulShutdownDuration bounds how long Shutdown waits for in-flight
	// requests.
	GracefulShutdownDuration time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Package httpserver exposes the recovery service over HTTP: the public
// recovery API, guardian endpoints, admin endpoints, and the usual health
// and drain handlers.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"

	"github.com/vaultmesh/recovery-service-backend/api"
	"github.com/vaultmesh/recovery-service-backend/common"
	"github.com/vaultmesh/recovery-service-backend/metrics"
)

// Server is the recovery API server. It owns the API listener and, when
// configured, a separate metrics listener.
type Server struct {
	cfg     *api.HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv        *http.Server
	metricsSrv *metrics.MetricsServer
	handler    *Handler
}

// New creates a configured recovery API server around the given handler.
func New(cfg *api.HTTPServerConfig, handler *Handler) (srv *Server, err error) {
	metricsSrv, err := metrics.NewWithCollector(common.PackageName, cfg.MetricsAddr, handler.collector)
	if err != nil {
		return nil, err
	}

	srv = &Server{
		cfg:        cfg,
		log:        cfg.Log,
		srv:        nil,
		metricsSrv: metricsSrv,
		handler:    handler,
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.getRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return srv, nil
}

// MetricsCollector exposes the metrics collector backing the /metrics
// endpoint so callers can share it with the handler.
func (srv *Server) MetricsCollector() *metrics.Collector {
	return srv.metricsSrv.Collector()
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()
	mux.Use(srv.latencyRecorder)

	// Setup lifecycle
	mux.With(srv.httpLogger).Post("/api/setup", srv.handler.HandleCreateSetup)
	mux.With(srv.httpLogger).Post("/api/setup/travel-lock", srv.handler.HandleTravelLock)
	mux.With(srv.httpLogger).Post("/api/setup/deactivate", srv.handler.HandleDeactivateSetup)

	// Guardian enrollment and approvals
	mux.With(srv.httpLogger).Post("/api/guardian/invites/accept", srv.handler.HandleAcceptInvite)
	mux.With(srv.httpLogger).Post("/api/guardian/invites/decline", srv.handler.HandleDeclineInvite)
	mux.With(srv.httpLogger).Post("/api/guardian/approvals/approve", srv.handler.HandleApprove)
	mux.With(srv.httpLogger).Post("/api/guardian/approvals/deny", srv.handler.HandleDeny)

	// Recovery attempts
	mux.With(srv.httpLogger).Post("/api/recovery/initiate", srv.handler.HandleInitiate)
	mux.With(srv.httpLogger).Get("/api/recovery/{attempt_id}", srv.handler.HandleStatus)
	mux.With(srv.httpLogger).Post("/api/recovery/{attempt_id}/challenges/{challenge_id}", srv.handler.HandleAnswerChallenge)
	mux.With(srv.httpLogger).Post("/api/recovery/{attempt_id}/shards/{index}", srv.handler.HandleCollectShard)
	mux.With(srv.httpLogger).Post("/api/recovery/{attempt_id}/complete", srv.handler.HandleComplete)
	mux.With(srv.httpLogger).Post("/api/recovery/{attempt_id}/cancel", srv.handler.HandleCancel)

	// Admin surface
	mux.With(srv.httpLogger).Get("/api/admin/audit/{account_id}", srv.handler.HandleAuditChain)
	mux.With(srv.httpLogger).Post("/api/admin/sweep", srv.handler.HandleSweep)

	// Health and diagnostic endpoints
	mux.With(srv.httpLogger).Get("/livez", srv.handleLivenessCheck)
	mux.With(srv.httpLogger).Get("/readyz", srv.handleReadinessCheck)
	mux.With(srv.httpLogger).Get("/drain", srv.handleDrain)
	mux.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func (srv *Server) latencyRecorder(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		srv.metricsSrv.Collector().RecordRequestLatency(time.Since(start))
	})
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already draining"}`))
		return
	}

	srv.log.Info("Server marked as not ready")

	go func() {
		// Wait for the drain duration to allow load balancers to detect
		// the change.
		time.Sleep(srv.cfg.DrainDuration)
		srv.log.Info("Drain period completed")
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"draining"}`))
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already ready"}`))
		return
	}

	srv.log.Info("Server marked as ready")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// RunInBackground starts the API and metrics listeners in goroutines.
func (srv *Server) RunInBackground() {
	// metrics
	if srv.cfg.MetricsAddr != "" {
		go func() {
			srv.log.With("metricsAddress", srv.cfg.MetricsAddr).Info("Starting metrics server")
			err := srv.metricsSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error("HTTP server failed", "err", err)
			}
		}()
	}

	// api
	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

// Shutdown gracefully stops the API and metrics listeners.
func (srv *Server) Shutdown() {
	// api
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}

	// metrics
	if len(srv.cfg.MetricsAddr) != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
		defer cancel()

		if err := srv.metricsSrv.Shutdown(ctx); err != nil {
			srv.log.Error("Graceful metrics server shutdown failed", "err", err)
		} else {
			srv.log.Info("Metrics server gracefully stopped")
		}
	}
}

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/vaultmesh/recovery-service-backend/audit"
	"github.com/vaultmesh/recovery-service-backend/challenge"
	"github.com/vaultmesh/recovery-service-backend/cmd/flags"
	"github.com/vaultmesh/recovery-service-backend/common"
	"github.com/vaultmesh/recovery-service-backend/cryptoutils"
	"github.com/vaultmesh/recovery-service-backend/guardian"
	"github.com/vaultmesh/recovery-service-backend/httpserver"
	"github.com/vaultmesh/recovery-service-backend/interfaces"
	"github.com/vaultmesh/recovery-service-backend/metrics"
	"github.com/vaultmesh/recovery-service-backend/notify"
	"github.com/vaultmesh/recovery-service-backend/recovery"
	"github.com/vaultmesh/recovery-service-backend/scheduler"
	"github.com/vaultmesh/recovery-service-backend/shardvault"
	"github.com/vaultmesh/recovery-service-backend/storage"
	"github.com/vaultmesh/recovery-service-backend/threshold"
	"github.com/vaultmesh/recovery-service-backend/trust"
)

var serverFlags = []cli.Flag{
	flags.ListenAddrFlag,
	flags.MetricsAddrFlag,
	flags.DBPathFlag,
	flags.BlobStoreFlag,
	flags.MasterKeyHexFlag,
	flags.SweepIntervalFlag,
	flags.LogJSONFlag,
	flags.LogDebugFlag,
	flags.LogUIDFlag,
	flags.LogServiceFlag,
	flags.PprofFlag,
	flags.DrainSecondsFlag,
}

// handlerRef breaks the construction cycle between the timer scheduler and
// the recovery service: the scheduler is created first with the ref, the
// service is bound afterwards, before any request can schedule a task.
type handlerRef struct {
	handler interfaces.TaskHandler
}

func (r *handlerRef) HandleTask(ctx context.Context, task interfaces.Task, payload string) error {
	if r.handler == nil {
		return fmt.Errorf("task handler not bound")
	}
	return r.handler.HandleTask(ctx, task, payload)
}

func main() {
	app := &cli.App{
		Name:  "recovery-server",
		Usage: "Serve the account recovery API",
		Flags: serverFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			masterKey, err := hex.DecodeString(cCtx.String(flags.MasterKeyHexFlag.Name))
			if err != nil {
				return fmt.Errorf("invalid master key: %w", err)
			}

			var store interfaces.Store
			if dbPath := cCtx.String(flags.DBPathFlag.Name); dbPath != "" {
				sqlStore, err := storage.NewSQLiteStore(dbPath, logger)
				if err != nil {
					return fmt.Errorf("failed to open database: %w", err)
				}
				defer sqlStore.Close()
				store = sqlStore
			} else {
				logger.Warn("No db-path configured, using in-memory store")
				store = storage.NewMemoryStore()
			}

			var blobs interfaces.BlobBackend
			if blobURI := cCtx.String(flags.BlobStoreFlag.Name); blobURI != "" {
				loc, err := interfaces.NewBlobBackendLocation(blobURI)
				if err != nil {
					return fmt.Errorf("invalid blob store URI: %w", err)
				}
				blobs, err = storage.NewBlobBackendFactory(logger).BackendFor(loc)
				if err != nil {
					return fmt.Errorf("failed to create blob backend: %w", err)
				}
			} else {
				logger.Warn("No blob-store configured, using in-memory backend")
				blobs = storage.NewMemoryBlobBackend(logger)
			}

			clock := interfaces.SystemClock()
			kem := cryptoutils.NewMLKEM768()
			protocol := guardian.NewProtocol(store, store, rand.Reader, clock, logger)
			vault := shardvault.NewVault(store, blobs, protocol, clock, logger)
			auditLog := audit.NewLog(store, clock, logger)

			lockout := audit.NewLockoutGuard(5, func(fingerprint string, failures int) {
				logger.Warn("Repeated recovery failures", "fingerprint", fingerprint, "failures", failures)
			}, clock, logger)

			ref := &handlerRef{}
			sched := scheduler.NewTimerScheduler(ref, clock, logger)
			defer sched.Close()

			svc, err := recovery.NewService(recovery.Config{MasterKey: masterKey}, recovery.Deps{
				Store:     store,
				Vault:     vault,
				Shares:    threshold.NewStore(rand.Reader),
				KEM:       kem,
				Engine:    challenge.NewEngine(kem, rand.Reader, clock, logger),
				Scorer:    trust.NewScorer(trust.NeutralSignals{}, clock, logger),
				Guardians: protocol,
				AuditLog:  auditLog,
				Lockout:   lockout,
				Signals:   trust.NeutralSignals{},
				Scheduler: sched,
				Notifier:  notify.NewLogNotifier(logger),
				Clock:     clock,
				Rand:      rand.Reader,
				Log:       logger,
			})
			if err != nil {
				return err
			}
			ref.handler = svc

			collector := metrics.NewCollector(map[string]string{"version": common.Version})
			handler := httpserver.NewHandler(svc, protocol, auditLog, collector, logger)

			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flags.ListenAddrFlag.Name))
			srv, err := httpserver.New(cfg, handler)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}
			srv.RunInBackground()

			sweepCtx, stopSweeps := context.WithCancel(context.Background())
			defer stopSweeps()
			go runSweeper(sweepCtx, svc, collector, cCtx.Duration(flags.SweepIntervalFlag.Name), logger)

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			<-exit
			logger.Info("Shutting down")

			stopSweeps()
			srv.Shutdown()
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// runSweeper periodically expires overdue attempts so stalled recoveries do
// not rely on API traffic for cleanup.
func runSweeper(ctx context.Context, svc *recovery.Service, collector *metrics.Collector, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := svc.SweepStale(ctx)
			if err != nil {
				logger.Error("Sweep failed", "err", err)
				continue
			}
			for i := 0; i < expired; i++ {
				collector.AttemptExpired()
			}
		}
	}
}

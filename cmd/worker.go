package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/shaharia-lab/notiq/internal/broker"
	"github.com/shaharia-lab/notiq/internal/build"
	"github.com/shaharia-lab/notiq/internal/config"
	"github.com/shaharia-lab/notiq/internal/logger"
	"github.com/shaharia-lab/notiq/internal/notification"
	"github.com/shaharia-lab/notiq/internal/retry"
	"github.com/shaharia-lab/notiq/internal/scheduler"
	"github.com/shaharia-lab/notiq/internal/storage"
	"github.com/shaharia-lab/notiq/internal/telemetry"
	"github.com/shaharia-lab/notiq/internal/worker"
)

// shutdownTimeout bounds the telemetry flush after the run context is
// cancelled.
const shutdownTimeout = 10 * time.Second

// NewWorkerCmd returns the "worker" subcommand that runs the delivery daemon.
func NewWorkerCmd(cfg *config.AppConfig) *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the delivery worker daemon",
		Long: `Run the notification delivery daemon: a pool of delivery loops consuming
from the queue, plus the scheduler that releases deferred jobs when they
fall due. The daemon exposes Prometheus metrics and stops gracefully on
SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// CLI flags override env config.
			if cmd.Flags().Changed("workers") {
				cfg.WorkerCount = workers
			}
			return runWorker(cfg)
		},
	}

	cmd.Flags().IntVar(&workers, "workers", cfg.WorkerCount, "Number of concurrent delivery loops (overrides NOTIQ_WORKER_COUNT)")
	return cmd
}

func runWorker(cfg *config.AppConfig) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.LogDir(), 0750); err != nil {
		return fmt.Errorf("creating directory %s: %w", cfg.LogDir(), err)
	}

	// Telemetry comes up first: every instrument created below binds to the
	// providers installed here. Its own startup events go to stderr because
	// the file logger may want the OTLP log bridge telemetry produces.
	tel, err := telemetry.Setup(ctx, telemetry.Config{
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Logger:       logger.NewCLILogger(cfg.SlogLevel()),
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	var extras []slog.Handler
	if tel.LogHandler != nil {
		extras = append(extras, tel.LogHandler)
	}
	sysLogger, err := logger.NewSystemLogger(cfg.LogDir(), cfg.SlogLevel(), extras...)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	sysLogger.Info("notiq worker starting",
		slog.String("version", build.Version),
		slog.String("commit", build.CommitSHA),
		slog.String("broker", cfg.Broker),
		slog.String("status_store", cfg.StatusStore),
		slog.Int("workers", cfg.WorkerCount),
	)

	var client *redis.Client
	if cfg.Broker == config.BrokerRedis || cfg.StatusStore == config.StatusStoreRedis {
		client = newRedisClient(cfg)
		defer func() { _ = client.Close() }()
	}

	var b broker.Broker
	switch cfg.Broker {
	case config.BrokerRedis:
		rb, err := broker.NewRedis(ctx, client, broker.RedisConfig{
			Stream:       cfg.RedisStream,
			Visibility:   cfg.VisibilityTimeout,
			PollInterval: cfg.PollInterval,
		})
		if err != nil {
			return fmt.Errorf("connecting to broker: %w", err)
		}
		b = rb
	default:
		b = broker.NewMemory(broker.MemoryConfig{
			Visibility:   cfg.VisibilityTimeout,
			PollInterval: cfg.PollInterval,
		})
	}

	var store storage.StatusStore
	switch cfg.StatusStore {
	case config.StatusStoreRedis:
		store = storage.NewRedisStatusStore(client, storage.RedisStatusConfig{TTL: cfg.StatusTTL})
	default:
		db, fresh, err := storage.NewSQLiteDB(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("opening status database: %w", err)
		}
		defer func() { _ = db.Close() }()
		if fresh {
			sysLogger.Info("created status database", "path", cfg.SQLitePath)
		}
		store = storage.NewSQLiteStatusStore(db)
	}

	registry := notification.NewRegistry()
	registry.Register(notification.ChannelEmail, notification.NewSMTPProvider(cfg.SMTP))
	registry.Register(notification.ChannelWebhook, notification.NewWebhookProvider(nil))

	sched, err := scheduler.New(scheduler.Config{
		Broker:          b,
		Logger:          sysLogger,
		ReleaseInterval: cfg.ReleaseInterval,
	})
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	// Sweeps keep running through shutdown until Stop; a cancelled context
	// would only turn the final sweeps into logged errors.
	if err := sched.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	w, err := worker.New(worker.Config{
		Broker:   b,
		Registry: registry,
		Store:    store,
		Policy: retry.Policy{
			Base:   cfg.BackoffBase,
			Cap:    cfg.BackoffCap,
			Jitter: cfg.BackoffJitter,
		},
		Logger:      sysLogger,
		Count:       cfg.WorkerCount,
		SendTimeout: cfg.SendTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating worker: %w", err)
	}

	fmt.Fprintf(os.Stderr, "notiq worker running (broker: %s, workers: %d)\nLogs: %s\n",
		cfg.Broker, cfg.WorkerCount, filepath.Join(cfg.LogDir(), "notiq.log"))

	w.Run(ctx)

	if err := sched.Stop(); err != nil {
		sysLogger.Error("stopping scheduler", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		sysLogger.Error("shutting down telemetry", "error", err)
	}

	sysLogger.Info("notiq worker stopped")
	return nil
}

// Package scheduler runs the periodic sweep that moves delayed jobs whose
// ready time has arrived back into active circulation: retry backoffs and
// scheduled deliveries both wait in the broker's delayed set until the sweep
// releases them.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/shaharia-lab/notiq/internal/broker"
)

const defaultReleaseInterval = time.Second

// Config holds the scheduler configuration.
type Config struct {
	Broker broker.Broker
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// ReleaseInterval is how often the sweep runs. Defaults to 1s.
	ReleaseInterval time.Duration
	// Meter defaults to the global meter provider.
	Meter metric.Meter
}

// Scheduler periodically releases due jobs using gocron.
type Scheduler struct {
	cron     gocron.Scheduler
	broker   broker.Broker
	logger   *slog.Logger
	interval time.Duration
	released metric.Int64Counter
}

// New creates a new Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Broker == nil {
		return nil, fmt.Errorf("scheduler requires a broker")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReleaseInterval <= 0 {
		cfg.ReleaseInterval = defaultReleaseInterval
	}
	if cfg.Meter == nil {
		cfg.Meter = otel.Meter("github.com/shaharia-lab/notiq/internal/scheduler")
	}

	released, err := cfg.Meter.Int64Counter("notiq.jobs.released",
		metric.WithDescription("Delayed jobs released back into circulation."))
	if err != nil {
		return nil, fmt.Errorf("creating jobs.released counter: %w", err)
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("creating gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:     cron,
		broker:   cfg.Broker,
		logger:   cfg.Logger,
		interval: cfg.ReleaseInterval,
		released: released,
	}, nil
}

// Start schedules the release sweep and starts the gocron scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() { s.sweep(ctx) }),
		// A slow sweep must not pile up behind itself: overlapping sweeps
		// would release the same jobs twice.
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduling release sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info("release sweep started", "interval", s.interval)
	return nil
}

// Stop shuts down the gocron scheduler.
func (s *Scheduler) Stop() error {
	return s.cron.Shutdown()
}

func (s *Scheduler) sweep(ctx context.Context) {
	n, err := s.broker.ReleaseDue(ctx)
	if err != nil {
		s.logger.Error("releasing due jobs", "error", err)
		return
	}
	if n > 0 {
		s.released.Add(ctx, int64(n))
		s.logger.Debug("released due jobs", "count", n)
	}
}

// Package worker runs the delivery loops of the dispatch pipeline: consume a
// job, look for a duplicate of an already settled one, perform one delivery
// attempt through the channel's provider, then settle the job according to
// the retry policy's decision.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaharia-lab/notiq/internal/broker"
	"github.com/shaharia-lab/notiq/internal/notification"
	"github.com/shaharia-lab/notiq/internal/retry"
	"github.com/shaharia-lab/notiq/internal/storage"
)

const (
	instrumentationName = "github.com/shaharia-lab/notiq/internal/worker"

	defaultSendTimeout = 30 * time.Second

	// consumeBackoff is how long a loop waits after a broker error before
	// consuming again.
	consumeBackoff = time.Second
)

// Values of the "result" metric attribute.
const (
	resultDelivered = "delivered"
	resultRetried   = "retried"
	resultDead      = "dead"
	resultDuplicate = "duplicate"
	resultCancelled = "cancelled"
)

// Config wires a Worker's dependencies.
type Config struct {
	Broker   broker.Broker
	Registry *notification.Registry
	Store    storage.StatusStore
	Policy   retry.Policy

	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Clock defaults to the real clock.
	Clock clockwork.Clock
	// Count is the number of concurrent delivery loops. Defaults to 1.
	Count int
	// SendTimeout bounds a single delivery attempt. Defaults to 30s.
	SendTimeout time.Duration
	// Meter defaults to the global meter provider.
	Meter metric.Meter
}

// Worker consumes jobs from the broker and drives them to a terminal status.
type Worker struct {
	broker      broker.Broker
	registry    *notification.Registry
	store       storage.StatusStore
	policy      retry.Policy
	logger      *slog.Logger
	clock       clockwork.Clock
	count       int
	sendTimeout time.Duration
	tracer      trace.Tracer

	jobsProcessed   metric.Int64Counter
	attemptDuration metric.Float64Histogram
	consumeErrors   metric.Int64Counter
}

// New creates a Worker from cfg.
func New(cfg Config) (*Worker, error) {
	if cfg.Broker == nil {
		return nil, fmt.Errorf("worker requires a broker")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("worker requires a provider registry")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("worker requires a status store")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.Meter == nil {
		cfg.Meter = otel.Meter(instrumentationName)
	}

	jobsProcessed, err := cfg.Meter.Int64Counter("notiq.jobs.processed",
		metric.WithDescription("Jobs settled by the worker, partitioned by result."))
	if err != nil {
		return nil, fmt.Errorf("creating jobs.processed counter: %w", err)
	}
	attemptDuration, err := cfg.Meter.Float64Histogram("notiq.delivery.attempt.duration",
		metric.WithDescription("Duration of a single delivery attempt."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("creating attempt.duration histogram: %w", err)
	}
	consumeErrors, err := cfg.Meter.Int64Counter("notiq.consume.errors",
		metric.WithDescription("Errors encountered while consuming from the broker."))
	if err != nil {
		return nil, fmt.Errorf("creating consume.errors counter: %w", err)
	}

	return &Worker{
		broker:          cfg.Broker,
		registry:        cfg.Registry,
		store:           cfg.Store,
		policy:          cfg.Policy,
		logger:          cfg.Logger,
		clock:           cfg.Clock,
		count:           cfg.Count,
		sendTimeout:     cfg.SendTimeout,
		tracer:          otel.Tracer(instrumentationName),
		jobsProcessed:   jobsProcessed,
		attemptDuration: attemptDuration,
		consumeErrors:   consumeErrors,
	}, nil
}

// Run starts the delivery loops and blocks until ctx is cancelled and all
// loops have drained.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("starting delivery loops", "count", w.count)

	var wg sync.WaitGroup
	for i := 0; i < w.count; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, id)
		}(i)
	}
	wg.Wait()

	w.logger.Info("delivery loops stopped")
}

func (w *Worker) loop(ctx context.Context, id int) {
	logger := w.logger.With("loop", id)
	for {
		if ctx.Err() != nil {
			return
		}

		env, err := w.broker.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.consumeErrors.Add(ctx, 1)
			logger.Error("consuming job", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-w.clock.After(consumeBackoff):
			}
			continue
		}
		if env == nil {
			continue
		}

		w.process(ctx, logger, env)
	}
}

// process performs one delivery attempt and settles the job.
func (w *Worker) process(ctx context.Context, logger *slog.Logger, env *notification.Envelope) {
	ctx, span := w.tracer.Start(ctx, "notification.process",
		trace.WithAttributes(
			attribute.String("job.id", env.ID),
			attribute.String("channel", string(env.Channel)),
		))
	defer span.End()

	logger = logger.With("job_id", env.ID, "channel", string(env.Channel))

	// Settling must survive shutdown: once an attempt ran, its result has to
	// reach the store and the broker even if ctx was cancelled meanwhile.
	settle := context.WithoutCancel(ctx)

	// At-least-once delivery means settled jobs can come around again, e.g.
	// after a crash between recording and acking. Drop them here.
	js, err := w.store.Lookup(ctx, env.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Warn("looking up job status", "error", err)
	}
	if err == nil && js.Status.Terminal() {
		result := resultDuplicate
		if js.Status == notification.StatusCancelled {
			result = resultCancelled
		}
		logger.Info("dropping already settled job", "status", string(js.Status))
		if err := w.broker.Ack(settle, env.ID); err != nil {
			w.logSettleError(logger, "acking settled job", err)
		}
		w.jobsProcessed.Add(settle, 1, resultAttrs(env.Channel, result))
		return
	}

	env.Attempt++
	w.record(settle, logger, env, notification.StatusInFlight, "")

	start := w.clock.Now()
	out := w.send(ctx, env)
	w.attemptDuration.Record(settle, w.clock.Since(start).Seconds(),
		metric.WithAttributes(
			attribute.String("channel", string(env.Channel)),
			attribute.String("outcome", out.Kind.String()),
		))
	span.SetAttributes(
		attribute.Int("attempt", env.Attempt),
		attribute.String("outcome", out.Kind.String()),
	)

	decision := w.policy.Decide(env, out)
	switch decision.Action {
	case retry.ActionAck:
		w.record(settle, logger, env, notification.StatusDelivered, out.ProviderMessageID)
		if err := w.broker.Ack(settle, env.ID); err != nil {
			w.logSettleError(logger, "acking delivered job", err)
		}
		logger.Info("job delivered",
			"attempt", env.Attempt,
			"provider_message_id", out.ProviderMessageID)
		w.jobsProcessed.Add(settle, 1, resultAttrs(env.Channel, resultDelivered))

	case retry.ActionRetry:
		env.NextAttemptAt = w.clock.Now().Add(decision.Delay)
		w.record(settle, logger, env, notification.StatusFailed, out.Reason)
		if err := w.broker.Requeue(settle, env, decision.Delay); err != nil {
			w.logSettleError(logger, "requeueing job", err)
		} else {
			w.record(settle, logger, env, notification.StatusQueued, "")
		}
		logger.Warn("delivery attempt failed, will retry",
			"attempt", env.Attempt,
			"reason", out.Reason,
			"retry_in", decision.Delay)
		w.jobsProcessed.Add(settle, 1, resultAttrs(env.Channel, resultRetried))

	case retry.ActionDead:
		// Archive before recording: a crash in between dead-letters the job
		// twice rather than leaving it unreplayable.
		if err := w.broker.DeadLetter(settle, env, decision.Reason); err != nil {
			w.logSettleError(logger, "dead-lettering job", err)
		}
		w.record(settle, logger, env, notification.StatusDead, decision.Reason)
		logger.Error("job dead-lettered",
			"attempt", env.Attempt,
			"reason", decision.Reason)
		w.jobsProcessed.Add(settle, 1, resultAttrs(env.Channel, resultDead))
	}
}

// send resolves the provider and performs one delivery attempt.
func (w *Worker) send(ctx context.Context, env *notification.Envelope) (out notification.Outcome) {
	provider, ok := w.registry.For(env.Channel)
	if !ok {
		return notification.Permanent(fmt.Sprintf("no provider registered for channel %q", env.Channel))
	}

	// A panicking provider must not take the delivery loop down with it.
	defer func() {
		if r := recover(); r != nil {
			out = notification.Transient(fmt.Sprintf("provider %s panicked: %v", provider.Name(), r))
		}
	}()

	sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	defer cancel()
	return provider.Send(sendCtx, env)
}

// record writes a status transition. Tracking is best-effort: a store error
// is logged, never allowed to stall the pipeline.
func (w *Worker) record(ctx context.Context, logger *slog.Logger, env *notification.Envelope, status notification.Status, detail string) {
	err := w.store.Record(ctx, storage.StatusRecord{
		JobID:     env.ID,
		Channel:   env.Channel,
		Recipient: env.Recipient,
		Status:    status,
		Attempt:   env.Attempt,
		Detail:    detail,
		At:        w.clock.Now().UTC(),
	})
	if err != nil {
		logger.Error("recording job status", "status", string(status), "error", err)
	}
}

// logSettleError demotes the lost-claim race to debug: the job was already
// settled by another consumer, which is expected under redelivery.
func (w *Worker) logSettleError(logger *slog.Logger, msg string, err error) {
	if errors.Is(err, broker.ErrNotFound) {
		logger.Debug(msg, "error", err)
		return
	}
	logger.Error(msg, "error", err)
}

func resultAttrs(ch notification.Channel, result string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("channel", string(ch)),
		attribute.String("result", result),
	)
}

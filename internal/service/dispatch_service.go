// Package service implements the producer-facing API of the dispatch
// pipeline: submitting notifications, querying and cancelling jobs, and
// operating the dead-letter archive.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"time"

	"github.com/shaharia-lab/notiq/internal/broker"
	"github.com/shaharia-lab/notiq/internal/notification"
	"github.com/shaharia-lab/notiq/internal/storage"
)

const fallbackMaxAttempts = 3

// SubmitRequest describes one notification to enqueue.
type SubmitRequest struct {
	Channel   notification.Channel `json:"channel" yaml:"channel"`
	Recipient string               `json:"recipient" yaml:"recipient"`
	Subject   string               `json:"subject,omitempty" yaml:"subject,omitempty"`
	Body      string               `json:"body" yaml:"body"`
	Metadata  map[string]string    `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	// Priority weights pickup among ready jobs: 0 normal, 10 most urgent.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`
	// MaxAttempts defaults to the service-wide setting when zero.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	// ScheduledAt defers delivery until the given time when set in the future.
	ScheduledAt time.Time `json:"scheduled_at,omitempty" yaml:"scheduled_at,omitempty"`
}

// DispatchService is the producer-facing API of the pipeline.
type DispatchService interface {
	// Submit validates and enqueues one notification, returning its initial
	// status snapshot.
	Submit(ctx context.Context, req SubmitRequest) (*storage.JobStatus, error)
	// SubmitBatch enqueues many notifications. The whole batch is validated
	// upfront; nothing is enqueued when any entry is invalid.
	SubmitBatch(ctx context.Context, reqs []SubmitRequest) ([]*storage.JobStatus, error)
	// Status returns the latest known state of a job.
	Status(ctx context.Context, jobID string) (*storage.JobStatus, error)
	// History returns a job's recorded transitions in order.
	History(ctx context.Context, jobID string) ([]storage.StatusEvent, error)
	// Cancel marks a waiting job cancelled. Jobs that are in flight or
	// already settled cannot be cancelled.
	Cancel(ctx context.Context, jobID string) (*storage.JobStatus, error)
	// ListDeadLetters returns archived jobs, most recent first.
	ListDeadLetters(ctx context.Context, limit int) ([]broker.DeadLetter, error)
	// ReplayDeadLetter re-enqueues an archived job as a fresh job and
	// returns the new job's status snapshot.
	ReplayDeadLetter(ctx context.Context, jobID string) (*storage.JobStatus, error)
}

// dispatchServiceImpl implements DispatchService.
type dispatchServiceImpl struct {
	broker      broker.Broker
	store       storage.StatusStore
	logger      *slog.Logger
	maxAttempts int
}

// NewDispatchService creates a new DispatchService. maxAttempts is the
// default attempt budget applied to submissions that do not set their own.
func NewDispatchService(b broker.Broker, store storage.StatusStore, logger *slog.Logger, maxAttempts int) DispatchService {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = fallbackMaxAttempts
	}
	return &dispatchServiceImpl{
		broker:      b,
		store:       store,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// Submit validates and enqueues one notification.
func (s *dispatchServiceImpl) Submit(ctx context.Context, req SubmitRequest) (*storage.JobStatus, error) {
	env, err := s.envelopeFrom(req)
	if err != nil {
		return nil, err
	}
	return s.enqueue(ctx, env)
}

// SubmitBatch enqueues many notifications after validating all of them.
func (s *dispatchServiceImpl) SubmitBatch(ctx context.Context, reqs []SubmitRequest) ([]*storage.JobStatus, error) {
	if len(reqs) == 0 {
		return nil, &ValidationError{Message: "batch contains no notifications"}
	}

	// Validate everything upfront so one bad entry cannot half-submit the batch.
	envs := make([]*notification.Envelope, 0, len(reqs))
	for i, req := range reqs {
		env, err := s.envelopeFrom(req)
		if err != nil {
			return nil, fmt.Errorf("notification %d: %w", i+1, err)
		}
		envs = append(envs, env)
	}

	statuses := make([]*storage.JobStatus, 0, len(envs))
	for _, env := range envs {
		js, err := s.enqueue(ctx, env)
		if err != nil {
			return statuses, fmt.Errorf("after %d of %d submitted: %w", len(statuses), len(envs), err)
		}
		statuses = append(statuses, js)
	}
	return statuses, nil
}

// Status returns the latest known state of a job.
func (s *dispatchServiceImpl) Status(ctx context.Context, jobID string) (*storage.JobStatus, error) {
	js, err := s.store.Lookup(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &NotFoundError{Resource: "job", ID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("looking up job %q: %w", jobID, err)
	}
	return js, nil
}

// History returns a job's recorded transitions in order.
func (s *dispatchServiceImpl) History(ctx context.Context, jobID string) ([]storage.StatusEvent, error) {
	events, err := s.store.History(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &NotFoundError{Resource: "job", ID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("loading history for job %q: %w", jobID, err)
	}
	return events, nil
}

// Cancel marks a waiting job cancelled. The job's broker copy is dropped by
// the worker on its next consume, which sees the terminal status.
func (s *dispatchServiceImpl) Cancel(ctx context.Context, jobID string) (*storage.JobStatus, error) {
	js, err := s.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch js.Status {
	case notification.StatusQueued, notification.StatusScheduled, notification.StatusFailed:
		// Waiting states: cancellable.
	default:
		return nil, &StateError{ID: jobID, Status: string(js.Status), Op: "cancel"}
	}

	err = s.store.Record(ctx, storage.StatusRecord{
		JobID:     jobID,
		Channel:   js.Channel,
		Recipient: js.Recipient,
		Status:    notification.StatusCancelled,
		Attempt:   js.Attempt,
	})
	if err != nil {
		return nil, fmt.Errorf("cancelling job %q: %w", jobID, err)
	}

	// Re-read rather than trust our own write: a worker may have moved the
	// job to in_flight between the check and the record, in which case the
	// cancellation lost the race.
	after, err := s.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if after.Status != notification.StatusCancelled {
		return nil, &StateError{ID: jobID, Status: string(after.Status), Op: "cancel"}
	}

	s.logger.Info("job cancelled", "job_id", jobID)
	return after, nil
}

// ListDeadLetters returns archived jobs, most recent first.
func (s *dispatchServiceImpl) ListDeadLetters(ctx context.Context, limit int) ([]broker.DeadLetter, error) {
	dead, err := s.broker.ListDeadLetters(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	return dead, nil
}

// ReplayDeadLetter re-enqueues an archived job as a fresh job.
func (s *dispatchServiceImpl) ReplayDeadLetter(ctx context.Context, jobID string) (*storage.JobStatus, error) {
	env, err := s.broker.ReplayDeadLetter(ctx, jobID)
	if errors.Is(err, broker.ErrNotFound) {
		return nil, &NotFoundError{Resource: "dead letter", ID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("replaying dead letter %q: %w", jobID, err)
	}

	s.recordSubmitted(ctx, env, notification.StatusQueued)
	s.logger.Info("dead letter replayed", "job_id", jobID, "new_job_id", env.ID)
	return &storage.JobStatus{
		JobID:     env.ID,
		Channel:   env.Channel,
		Recipient: env.Recipient,
		Status:    notification.StatusQueued,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// envelopeFrom validates a submission and builds its envelope.
func (s *dispatchServiceImpl) envelopeFrom(req SubmitRequest) (*notification.Envelope, error) {
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.maxAttempts
	}

	env := &notification.Envelope{
		Channel:     req.Channel,
		Recipient:   req.Recipient,
		Subject:     req.Subject,
		Body:        req.Body,
		Metadata:    req.Metadata,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		CreatedAt:   time.Now().UTC(),
		ScheduledAt: req.ScheduledAt,
	}
	if err := env.Validate(); err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}

	// Catch undeliverable recipients at the door instead of burning delivery
	// attempts on them.
	switch env.Channel {
	case notification.ChannelEmail:
		if _, err := mail.ParseAddress(env.Recipient); err != nil {
			return nil, &ValidationError{Field: "recipient", Message: fmt.Sprintf("invalid email address %q", env.Recipient)}
		}
	case notification.ChannelWebhook:
		u, err := url.Parse(env.Recipient)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, &ValidationError{Field: "recipient", Message: fmt.Sprintf("invalid webhook url %q", env.Recipient)}
		}
	}
	return env, nil
}

// enqueue hands the envelope to the broker and records its initial status.
func (s *dispatchServiceImpl) enqueue(ctx context.Context, env *notification.Envelope) (*storage.JobStatus, error) {
	id, err := s.broker.Enqueue(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("enqueueing notification: %w", err)
	}

	status := notification.StatusQueued
	if env.ScheduledAt.After(time.Now()) {
		status = notification.StatusScheduled
	}
	s.recordSubmitted(ctx, env, status)

	s.logger.Info("notification submitted",
		"job_id", id,
		"channel", string(env.Channel),
		"status", string(status))
	return &storage.JobStatus{
		JobID:     id,
		Channel:   env.Channel,
		Recipient: env.Recipient,
		Status:    status,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// recordSubmitted writes the initial status record. Best-effort: the job is
// already queued, and the first delivery attempt re-records its state.
func (s *dispatchServiceImpl) recordSubmitted(ctx context.Context, env *notification.Envelope, status notification.Status) {
	err := s.store.Record(ctx, storage.StatusRecord{
		JobID:     env.ID,
		Channel:   env.Channel,
		Recipient: env.Recipient,
		Status:    status,
	})
	if err != nil {
		s.logger.Warn("recording submitted job", "job_id", env.ID, "error", err)
	}
}

// Package broker defines the durable queue the dispatch pipeline runs on.
//
// A Broker provides at-least-once delivery: a consumed job stays invisible to
// other consumers for the visibility timeout and becomes consumable again if
// it is not acked in time. Duplicate deliveries are therefore possible and
// the rest of the pipeline is built to tolerate them.
//
// Two implementations exist: an in-memory broker for tests and single-process
// deployments, and a Redis Streams broker for production.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shaharia-lab/notiq/internal/notification"
)

// ErrUnavailable is returned when the queue backend cannot be reached.
// Producers surface it to their callers; the pipeline never retries it.
var ErrUnavailable = errors.New("broker unavailable")

// ErrNotFound is returned when the referenced job is not held by the broker.
// A worker sees it when racing a redelivery: the job was already settled by
// another consumer.
var ErrNotFound = errors.New("job not found")

// DeadLetter is an archived job that exhausted delivery.
type DeadLetter struct {
	Envelope notification.Envelope `json:"envelope"`
	Reason   string                `json:"reason"`
	DeadAt   time.Time             `json:"dead_at"`
}

// Broker is the durable queue contract.
type Broker interface {
	// Enqueue durably stores the job and makes it consumable, immediately or
	// at env.ScheduledAt when that lies in the future. Assigns env.ID when
	// empty and returns the job id.
	Enqueue(ctx context.Context, env *notification.Envelope) (string, error)

	// Consume returns the next available job, blocking up to the poll
	// interval. Returns (nil, nil) when no job became available in time.
	// The returned job is invisible to other consumers until it is acked,
	// requeued, dead-lettered, or the visibility timeout elapses.
	Consume(ctx context.Context) (*notification.Envelope, error)

	// Ack permanently removes a consumed job.
	Ack(ctx context.Context, id string) error

	// Requeue makes a consumed job consumable again no earlier than delay
	// from now, carrying the envelope's updated attempt bookkeeping.
	Requeue(ctx context.Context, env *notification.Envelope, delay time.Duration) error

	// DeadLetter removes a consumed job from circulation and archives it.
	DeadLetter(ctx context.Context, env *notification.Envelope, reason string) error

	// ListDeadLetters returns up to limit archived jobs, most recent first.
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)

	// ReplayDeadLetter removes an archived job from the dead-letter archive
	// and re-enqueues it as a fresh job with a new id and a full attempt
	// budget, returning the re-enqueued envelope. The original id stays
	// retired.
	ReplayDeadLetter(ctx context.Context, id string) (*notification.Envelope, error)

	// ReleaseDue moves delayed jobs whose ready time has passed back into
	// active circulation and returns how many were released.
	ReleaseDue(ctx context.Context) (int, error)
}

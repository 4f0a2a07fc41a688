// Package storage persists per-job delivery state. The status store is the
// system of record a producer queries; the broker owns the jobs themselves.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shaharia-lab/notiq/internal/notification"
)

// ErrNotFound is returned when no state exists for the requested job.
var ErrNotFound = errors.New("not found")

// StatusRecord is one observed transition in a job's lifecycle, written by
// the worker (or by a producer, for cancellations). Records are idempotent
// on (job id, attempt, status): replaying one after a redelivery changes
// nothing.
type StatusRecord struct {
	JobID     string
	Channel   notification.Channel
	Recipient string
	Status    notification.Status
	Attempt   int
	// Detail carries the failure reason for failed and dead records, and the
	// provider message id for delivered ones.
	Detail string
	// At defaults to now when zero.
	At time.Time
}

// JobStatus is the latest known state of a job. Terminal statuses are
// sticky: once a job is delivered, dead, or cancelled, later records no
// longer move it.
type JobStatus struct {
	JobID     string               `json:"job_id"`
	Channel   notification.Channel `json:"channel"`
	Recipient string               `json:"recipient"`
	Status    notification.Status  `json:"status"`
	Attempt   int                  `json:"attempt"`
	LastError string               `json:"last_error,omitempty"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// StatusEvent is one entry in a job's append-only history.
type StatusEvent struct {
	Attempt int                 `json:"attempt"`
	Status  notification.Status `json:"status"`
	Detail  string              `json:"detail,omitempty"`
	At      time.Time           `json:"at"`
}

// StatusStore tracks job state across delivery attempts.
type StatusStore interface {
	// Record applies a lifecycle transition. Stale records (lower attempt
	// than the stored one, or arriving after a terminal status) update the
	// history but not the latest state.
	Record(ctx context.Context, rec StatusRecord) error

	// Lookup returns the latest state of a job. Returns ErrNotFound when the
	// job is unknown.
	Lookup(ctx context.Context, jobID string) (*JobStatus, error)

	// History returns a job's transitions in the order they were recorded.
	// Returns ErrNotFound when the job is unknown.
	History(ctx context.Context, jobID string) ([]StatusEvent, error)
}

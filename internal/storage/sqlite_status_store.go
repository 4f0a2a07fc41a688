package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shaharia-lab/notiq/internal/notification"
)

// SQLiteStatusStore implements StatusStore backed by SQLite.
type SQLiteStatusStore struct {
	db *sql.DB
}

// NewSQLiteStatusStore returns a new SQLiteStatusStore.
func NewSQLiteStatusStore(db *sql.DB) *SQLiteStatusStore {
	return &SQLiteStatusStore{db: db}
}

// Record applies a lifecycle transition: an upsert of the latest state plus
// an append to the history, atomically. The upsert skips stale records via
// its WHERE clause; the history insert dedupes on (job_id, attempt, status).
func (s *SQLiteStatusStore) Record(ctx context.Context, rec StatusRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	lastError := ""
	if rec.Status == notification.StatusFailed || rec.Status == notification.StatusDead {
		lastError = rec.Detail
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status record: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_status (job_id, channel, recipient, status, attempt, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status     = excluded.status,
			attempt    = excluded.attempt,
			last_error = CASE WHEN excluded.last_error != '' THEN excluded.last_error ELSE job_status.last_error END,
			updated_at = excluded.updated_at
		WHERE job_status.status NOT IN ('delivered', 'dead', 'cancelled')
		  AND excluded.attempt >= job_status.attempt`,
		rec.JobID, string(rec.Channel), rec.Recipient, string(rec.Status),
		rec.Attempt, lastError, at,
	)
	if err != nil {
		return fmt.Errorf("upserting job status: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO job_events (job_id, attempt, status, detail, at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.JobID, rec.Attempt, string(rec.Status), rec.Detail, at,
	)
	if err != nil {
		return fmt.Errorf("recording job event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status record: %w", err)
	}
	return nil
}

// Lookup returns the latest state of a job.
func (s *SQLiteStatusStore) Lookup(ctx context.Context, jobID string) (*JobStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, channel, recipient, status, attempt, last_error, updated_at
		FROM job_status
		WHERE job_id = ?`, jobID)

	var js JobStatus
	var channel, status string
	err := row.Scan(&js.JobID, &channel, &js.Recipient, &status,
		&js.Attempt, &js.LastError, &js.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %q: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying job status: %w", err)
	}

	js.Channel = notification.Channel(channel)
	js.Status = notification.Status(status)
	return &js, nil
}

// History returns a job's transitions in recorded order.
func (s *SQLiteStatusStore) History(ctx context.Context, jobID string) ([]StatusEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt, status, detail, at
		FROM job_events
		WHERE job_id = ?
		ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("querying job events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []StatusEvent
	for rows.Next() {
		var ev StatusEvent
		var status string
		if err := rows.Scan(&ev.Attempt, &status, &ev.Detail, &ev.At); err != nil {
			return nil, fmt.Errorf("scanning job event row: %w", err)
		}
		ev.Status = notification.Status(status)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job event rows: %w", err)
	}

	if len(events) == 0 {
		// Distinguish an unknown job from one with no recorded events yet.
		if _, err := s.Lookup(ctx, jobID); err != nil {
			return nil, err
		}
	}
	return events, nil
}

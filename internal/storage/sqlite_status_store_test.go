package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/notiq/internal/notification"
	"github.com/shaharia-lab/notiq/internal/storage"
)

func TestSQLiteStatusStore(t *testing.T) {
	db, fresh, err := storage.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	require.True(t, fresh)
	defer db.Close()

	store := storage.NewSQLiteStatusStore(db)
	ctx := context.Background()

	record := func(jobID string, status notification.Status, attempt int, detail string) {
		t.Helper()
		require.NoError(t, store.Record(ctx, storage.StatusRecord{
			JobID:     jobID,
			Channel:   notification.ChannelEmail,
			Recipient: "dev@example.com",
			Status:    status,
			Attempt:   attempt,
			Detail:    detail,
			At:        time.Now().UTC().Truncate(time.Second),
		}))
	}

	t.Run("record and lookup", func(t *testing.T) {
		record("job-basic", notification.StatusQueued, 0, "")

		js, err := store.Lookup(ctx, "job-basic")
		require.NoError(t, err)
		assert.Equal(t, "job-basic", js.JobID)
		assert.Equal(t, notification.ChannelEmail, js.Channel)
		assert.Equal(t, "dev@example.com", js.Recipient)
		assert.Equal(t, notification.StatusQueued, js.Status)
		assert.Zero(t, js.Attempt)
		assert.Empty(t, js.LastError)
		assert.False(t, js.UpdatedAt.IsZero())
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := store.Lookup(ctx, "job-unknown")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = store.History(ctx, "job-unknown")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("full attempt lifecycle", func(t *testing.T) {
		record("job-lifecycle", notification.StatusQueued, 0, "")
		record("job-lifecycle", notification.StatusInFlight, 1, "")
		record("job-lifecycle", notification.StatusFailed, 1, "smtp timeout")
		record("job-lifecycle", notification.StatusQueued, 1, "")
		record("job-lifecycle", notification.StatusInFlight, 2, "")
		record("job-lifecycle", notification.StatusDelivered, 2, "msg-20260825")

		js, err := store.Lookup(ctx, "job-lifecycle")
		require.NoError(t, err)
		assert.Equal(t, notification.StatusDelivered, js.Status)
		assert.Equal(t, 2, js.Attempt)
		assert.Equal(t, "smtp timeout", js.LastError, "last failure should survive a later success")

		history, err := store.History(ctx, "job-lifecycle")
		require.NoError(t, err)
		require.Len(t, history, 6)
		assert.Equal(t, notification.StatusQueued, history[0].Status)
		assert.Equal(t, notification.StatusFailed, history[2].Status)
		assert.Equal(t, "smtp timeout", history[2].Detail)
		assert.Equal(t, notification.StatusDelivered, history[5].Status)
		assert.Equal(t, "msg-20260825", history[5].Detail)
	})

	t.Run("terminal status is sticky", func(t *testing.T) {
		record("job-sticky", notification.StatusDelivered, 1, "msg-1")
		record("job-sticky", notification.StatusFailed, 2, "late duplicate")

		js, err := store.Lookup(ctx, "job-sticky")
		require.NoError(t, err)
		assert.Equal(t, notification.StatusDelivered, js.Status)
		assert.Equal(t, 1, js.Attempt)

		record("job-sticky-cancel", notification.StatusCancelled, 0, "")
		record("job-sticky-cancel", notification.StatusQueued, 0, "")

		js, err = store.Lookup(ctx, "job-sticky-cancel")
		require.NoError(t, err)
		assert.Equal(t, notification.StatusCancelled, js.Status)
	})

	t.Run("stale attempt does not regress latest state", func(t *testing.T) {
		record("job-stale", notification.StatusFailed, 2, "connection reset")
		record("job-stale", notification.StatusInFlight, 1, "")

		js, err := store.Lookup(ctx, "job-stale")
		require.NoError(t, err)
		assert.Equal(t, notification.StatusFailed, js.Status)
		assert.Equal(t, 2, js.Attempt)

		// The stale record still lands in the history.
		history, err := store.History(ctx, "job-stale")
		require.NoError(t, err)
		assert.Len(t, history, 2)
	})

	t.Run("replayed record is idempotent", func(t *testing.T) {
		record("job-replay", notification.StatusInFlight, 1, "")
		record("job-replay", notification.StatusInFlight, 1, "")

		history, err := store.History(ctx, "job-replay")
		require.NoError(t, err)
		assert.Len(t, history, 1, "identical records should collapse into one event")
	})

	t.Run("zero time defaults to now", func(t *testing.T) {
		require.NoError(t, store.Record(ctx, storage.StatusRecord{
			JobID:     "job-now",
			Channel:   notification.ChannelWebhook,
			Recipient: "https://example.com/hook",
			Status:    notification.StatusQueued,
		}))

		js, err := store.Lookup(ctx, "job-now")
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), js.UpdatedAt, time.Minute)
	})
}

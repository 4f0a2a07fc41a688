package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/notiq/internal/notification"
	"github.com/shaharia-lab/notiq/internal/storage"
)

// newTestRedisStatusStore connects to the server named by
// NOTIQ_TEST_REDIS_ADDR under a unique key prefix, and skips the test when
// none is configured.
func newTestRedisStatusStore(t *testing.T) (*storage.RedisStatusStore, *redis.Client, string) {
	t.Helper()

	addr := os.Getenv("NOTIQ_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("NOTIQ_TEST_REDIS_ADDR not set; skipping Redis status store tests")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("NOTIQ_TEST_REDIS_PASSWORD"),
	})
	t.Cleanup(func() { _ = client.Close() })

	prefix := "notiq:test:" + uuid.NewString() + ":"
	store := storage.NewRedisStatusStore(client, storage.RedisStatusConfig{
		KeyPrefix: prefix,
		TTL:       time.Hour,
	})
	return store, client, prefix
}

func cleanupJobKeys(t *testing.T, client *redis.Client, prefix string, jobIDs ...string) {
	t.Helper()
	t.Cleanup(func() {
		ctx := context.Background()
		for _, id := range jobIDs {
			_ = client.Del(ctx, prefix+id, prefix+id+":seen", prefix+id+":events").Err()
		}
	})
}

func TestRedisStatusStore(t *testing.T) {
	store, client, prefix := newTestRedisStatusStore(t)
	ctx := context.Background()

	cleanupJobKeys(t, client, prefix,
		"job-basic", "job-unknown", "job-lifecycle", "job-sticky", "job-stale", "job-replay")

	record := func(jobID string, status notification.Status, attempt int, detail string) {
		t.Helper()
		require.NoError(t, store.Record(ctx, storage.StatusRecord{
			JobID:     jobID,
			Channel:   notification.ChannelWebhook,
			Recipient: "https://example.com/hook",
			Status:    status,
			Attempt:   attempt,
			Detail:    detail,
		}))
	}

	t.Run("record and lookup", func(t *testing.T) {
		record("job-basic", notification.StatusQueued, 0, "")

		js, err := store.Lookup(ctx, "job-basic")
		require.NoError(t, err)
		assert.Equal(t, "job-basic", js.JobID)
		assert.Equal(t, notification.ChannelWebhook, js.Channel)
		assert.Equal(t, "https://example.com/hook", js.Recipient)
		assert.Equal(t, notification.StatusQueued, js.Status)
		assert.WithinDuration(t, time.Now(), js.UpdatedAt, time.Minute)

		ttl, err := client.TTL(ctx, prefix+"job-basic").Result()
		require.NoError(t, err)
		assert.Positive(t, ttl, "job state should carry an expiry")
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
		record("job-lifecycle", notification.StatusFailed, 1, "endpoint returned 503")
		record("job-lifecycle", notification.StatusQueued, 1, "")
		record("job-lifecycle", notification.StatusInFlight, 2, "")
		record("job-lifecycle", notification.StatusDelivered, 2, "req-81f2")

		js, err := store.Lookup(ctx, "job-lifecycle")
		require.NoError(t, err)
		assert.Equal(t, notification.StatusDelivered, js.Status)
		assert.Equal(t, 2, js.Attempt)
		assert.Equal(t, "endpoint returned 503", js.LastError)

		history, err := store.History(ctx, "job-lifecycle")
		require.NoError(t, err)
		require.Len(t, history, 6)
		assert.Equal(t, notification.StatusQueued, history[0].Status)
		assert.Equal(t, notification.StatusDelivered, history[5].Status)
		assert.Equal(t, "req-81f2", history[5].Detail)
	})

	t.Run("terminal status is sticky", func(t *testing.T) {
		record("job-sticky", notification.StatusDelivered, 1, "req-1")
		record("job-sticky", notification.StatusFailed, 2, "late duplicate")

		js, err := store.Lookup(ctx, "job-sticky")
		require.NoError(t, err)
		assert.Equal(t, notification.StatusDelivered, js.Status)
		assert.Equal(t, 1, js.Attempt)
	})

	t.Run("stale attempt does not regress latest state", func(t *testing.T) {
		record("job-stale", notification.StatusFailed, 2, "connection reset")
		record("job-stale", notification.StatusInFlight, 1, "")

		js, err := store.Lookup(ctx, "job-stale")
		require.NoError(t, err)
		assert.Equal(t, notification.StatusFailed, js.Status)
		assert.Equal(t, 2, js.Attempt)

		history, err := store.History(ctx, "job-stale")
		require.NoError(t, err)
		assert.Len(t, history, 2)
	})

	t.Run("replayed record is idempotent", func(t *testing.T) {
		record("job-replay", notification.StatusInFlight, 1, "")
		record("job-replay", notification.StatusInFlight, 1, "")

		history, err := store.History(ctx, "job-replay")
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})
}

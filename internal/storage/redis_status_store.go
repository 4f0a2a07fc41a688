package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shaharia-lab/notiq/internal/notification"
)

// DefaultStatusTTL bounds how long per-job state is kept in Redis.
const DefaultStatusTTL = 7 * 24 * time.Hour

// recordScript applies one lifecycle transition server-side, so concurrent
// workers cannot interleave the terminal-stickiness check with the write.
// Latest state lives in a hash, the history in a list, and a set of
// "attempt:status" markers dedupes replayed records.
var recordScript = redis.NewScript(`
local hash = KEYS[1]
local seen = KEYS[2]
local events = KEYS[3]

local status = ARGV[1]
local attempt = tonumber(ARGV[2])
local channel = ARGV[3]
local recipient = ARGV[4]
local last_error = ARGV[5]
local updated_at = ARGV[6]
local event = ARGV[7]
local dedupe = ARGV[8]
local ttl = tonumber(ARGV[9])

local cur = redis.call('HGET', hash, 'status')
local cur_attempt = tonumber(redis.call('HGET', hash, 'attempt'))
local terminal = cur == 'delivered' or cur == 'dead' or cur == 'cancelled'

if not terminal and (cur_attempt == nil or attempt >= cur_attempt) then
  redis.call('HSET', hash, 'status', status, 'attempt', attempt, 'channel', channel, 'recipient', recipient, 'updated_at', updated_at)
  if last_error ~= '' then
    redis.call('HSET', hash, 'last_error', last_error)
  end
end

if redis.call('SADD', seen, dedupe) == 1 then
  redis.call('RPUSH', events, event)
end

if ttl > 0 then
  redis.call('EXPIRE', hash, ttl)
  redis.call('EXPIRE', seen, ttl)
  redis.call('EXPIRE', events, ttl)
end

return 1
`)

// RedisStatusConfig configures the Redis status store.
type RedisStatusConfig struct {
	// KeyPrefix namespaces all keys. Defaults to "notiq:job:".
	KeyPrefix string
	// TTL bounds how long per-job state is kept. Defaults to DefaultStatusTTL.
	TTL time.Duration
}

// RedisStatusStore implements StatusStore backed by Redis.
type RedisStatusStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStatusStore returns a new RedisStatusStore.
func NewRedisStatusStore(client *redis.Client, cfg RedisStatusConfig) *RedisStatusStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "notiq:job:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultStatusTTL
	}
	return &RedisStatusStore{
		client: client,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
	}
}

func (s *RedisStatusStore) hashKey(jobID string) string   { return s.prefix + jobID }
func (s *RedisStatusStore) seenKey(jobID string) string   { return s.prefix + jobID + ":seen" }
func (s *RedisStatusStore) eventsKey(jobID string) string { return s.prefix + jobID + ":events" }

// Record applies a lifecycle transition via the server-side script.
func (s *RedisStatusStore) Record(ctx context.Context, rec StatusRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	lastError := ""
	if rec.Status == notification.StatusFailed || rec.Status == notification.StatusDead {
		lastError = rec.Detail
	}

	event, err := json.Marshal(StatusEvent{
		Attempt: rec.Attempt,
		Status:  rec.Status,
		Detail:  rec.Detail,
		At:      at,
	})
	if err != nil {
		return fmt.Errorf("encoding job event: %w", err)
	}

	keys := []string{s.hashKey(rec.JobID), s.seenKey(rec.JobID), s.eventsKey(rec.JobID)}
	err = recordScript.Run(ctx, s.client, keys,
		string(rec.Status),
		rec.Attempt,
		string(rec.Channel),
		rec.Recipient,
		lastError,
		at.Format(time.RFC3339Nano),
		string(event),
		fmt.Sprintf("%d:%s", rec.Attempt, rec.Status),
		int64(s.ttl.Seconds()),
	).Err()
	if err != nil {
		return fmt.Errorf("recording job status: %w", err)
	}
	return nil
}

// Lookup returns the latest state of a job.
func (s *RedisStatusStore) Lookup(ctx context.Context, jobID string) (*JobStatus, error) {
	fields, err := s.client.HGetAll(ctx, s.hashKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("querying job status: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %q: %w", jobID, ErrNotFound)
	}

	js := &JobStatus{
		JobID:     jobID,
		Channel:   notification.Channel(fields["channel"]),
		Recipient: fields["recipient"],
		Status:    notification.Status(fields["status"]),
		LastError: fields["last_error"],
	}
	if v := fields["attempt"]; v != "" {
		if js.Attempt, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("parsing attempt for job %q: %w", jobID, err)
		}
	}
	if v := fields["updated_at"]; v != "" {
		if js.UpdatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("parsing updated_at for job %q: %w", jobID, err)
		}
	}
	return js, nil
}

// History returns a job's transitions in recorded order.
func (s *RedisStatusStore) History(ctx context.Context, jobID string) ([]StatusEvent, error) {
	raw, err := s.client.LRange(ctx, s.eventsKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("querying job events: %w", err)
	}
	if len(raw) == 0 {
		if _, err := s.Lookup(ctx, jobID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	events := make([]StatusEvent, 0, len(raw))
	for _, item := range raw {
		var ev StatusEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("decoding job event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

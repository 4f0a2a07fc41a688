package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shaharia-lab/notiq/internal/notification"
)

// Stream entry field names.
const (
	fieldJob    = "job"
	fieldReason = "reason"
	fieldDeadAt = "dead_at"
)

// RedisConfig configures the Redis Streams broker.
type RedisConfig struct {
	// Stream is the main job stream key. Defaults to "notiq:jobs".
	// The delayed set and dead-letter stream derive from it
	// ("<stream>:delayed" and "<stream>:dlq").
	Stream string
	// Group is the consumer group name. Defaults to "notiq-workers".
	Group string
	// Consumer is this process's consumer name within the group.
	// Defaults to "<hostname>-<pid>".
	Consumer string
	// Visibility is how long a consumed entry may stay un-acked before
	// another consumer may claim it. Defaults to 30s.
	Visibility time.Duration
	// PollInterval bounds how long Consume blocks when idle. Defaults to 5s.
	PollInterval time.Duration
	// MaxLen approximately bounds the stream length. 0 means unbounded.
	MaxLen int64
	// ReleaseBatch caps how many due jobs one ReleaseDue pass moves.
	// Defaults to 100.
	ReleaseBatch int64
}

// Redis is a Broker backed by a Redis Streams consumer group. Delayed jobs
// wait in a sorted set scored by their ready time in unix milliseconds;
// ReleaseDue moves due members into the stream, highest priority first
// within each batch. Dead letters are archived in a separate stream.
// The stream itself is FIFO, so priority is a weighting applied where the
// broker orders jobs (the release sweep), not a strict pickup guarantee.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig

	mu      sync.Mutex
	pending map[string]string // job id → stream entry id held by this consumer
}

// NewRedis creates a Redis Streams broker on the given client. It verifies
// connectivity and ensures the consumer group exists.
func NewRedis(ctx context.Context, client *redis.Client, cfg RedisConfig) (*Redis, error) {
	if cfg.Stream == "" {
		cfg.Stream = "notiq:jobs"
	}
	if cfg.Group == "" {
		cfg.Group = "notiq-workers"
	}
	if cfg.Consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "notiq"
		}
		cfg.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = defaultVisibility
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ReleaseBatch <= 0 {
		cfg.ReleaseBatch = 100
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("creating consumer group %q on %q: %w", cfg.Group, cfg.Stream, err)
	}

	return &Redis{
		client:  client,
		cfg:     cfg,
		pending: make(map[string]string),
	}, nil
}

func (b *Redis) delayedKey() string { return b.cfg.Stream + ":delayed" }
func (b *Redis) dlqKey() string     { return b.cfg.Stream + ":dlq" }

// Enqueue stores the job, assigning an id when the envelope has none. Jobs
// scheduled for the future go to the delayed set until ReleaseDue moves them.
func (b *Redis) Enqueue(ctx context.Context, env *notification.Envelope) (string, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encoding envelope: %w", err)
	}

	if env.ScheduledAt.After(time.Now()) {
		err := b.client.ZAdd(ctx, b.delayedKey(), redis.Z{
			Score:  scoreAt(env.ScheduledAt),
			Member: raw,
		}).Err()
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return env.ID, nil
	}

	if err := b.addToStream(ctx, b.cfg.Stream, map[string]any{fieldJob: raw}); err != nil {
		return "", err
	}
	return env.ID, nil
}

// Consume first claims any entry another consumer left un-acked past the
// visibility window, then falls back to a blocking group read. Returns
// (nil, nil) when the poll interval elapses without work.
func (b *Redis) Consume(ctx context.Context) (*notification.Envelope, error) {
	claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.cfg.Stream,
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		MinIdle:  b.cfg.Visibility,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if len(claimed) > 0 {
		return b.envelopeFrom(ctx, claimed[0])
	}

	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		Streams:  []string{b.cfg.Stream, ">"},
		Count:    1,
		Block:    b.cfg.PollInterval,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // block timeout, nothing to do
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	for _, s := range streams {
		for _, msg := range s.Messages {
			return b.envelopeFrom(ctx, msg)
		}
	}
	return nil, nil
}

// envelopeFrom decodes a stream entry and registers it as pending. Malformed
// entries are acked away so they cannot wedge the consumer group.
func (b *Redis) envelopeFrom(ctx context.Context, msg redis.XMessage) (*notification.Envelope, error) {
	raw, ok := msg.Values[fieldJob].(string)
	if !ok {
		_ = b.client.XAck(ctx, b.cfg.Stream, b.cfg.Group, msg.ID).Err()
		return nil, fmt.Errorf("stream entry %s carries no job payload", msg.ID)
	}

	var env notification.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		_ = b.client.XAck(ctx, b.cfg.Stream, b.cfg.Group, msg.ID).Err()
		return nil, fmt.Errorf("decoding envelope from entry %s: %w", msg.ID, err)
	}

	b.mu.Lock()
	b.pending[env.ID] = msg.ID
	b.mu.Unlock()
	return &env, nil
}

// Ack removes a consumed job for good. A zero ack count means another
// consumer claimed and settled the entry first.
func (b *Redis) Ack(ctx context.Context, id string) error {
	entryID, ok := b.takePending(id)
	if !ok {
		return ErrNotFound
	}

	n, err := b.client.XAck(ctx, b.cfg.Stream, b.cfg.Group, entryID).Result()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Requeue schedules the job to reappear after delay and acks the consumed
// entry. The requeue side runs first so a crash between the two steps leans
// toward duplicate delivery, never loss.
func (b *Redis) Requeue(ctx context.Context, env *notification.Envelope, delay time.Duration) error {
	entryID, ok := b.takePending(env.ID)
	if !ok {
		return ErrNotFound
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	if delay <= 0 {
		if err := b.addToStream(ctx, b.cfg.Stream, map[string]any{fieldJob: raw}); err != nil {
			return err
		}
	} else {
		err := b.client.ZAdd(ctx, b.delayedKey(), redis.Z{
			Score:  scoreAt(time.Now().Add(delay)),
			Member: raw,
		}).Err()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}

	if err := b.client.XAck(ctx, b.cfg.Stream, b.cfg.Group, entryID).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// DeadLetter archives the job in the dead-letter stream and acks the
// consumed entry. Archive first, ack second, for the same reason as Requeue.
func (b *Redis) DeadLetter(ctx context.Context, env *notification.Envelope, reason string) error {
	entryID, ok := b.takePending(env.ID)
	if !ok {
		return ErrNotFound
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	values := map[string]any{
		fieldJob:    raw,
		fieldReason: reason,
		fieldDeadAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := b.addToStream(ctx, b.dlqKey(), values); err != nil {
		return err
	}

	if err := b.client.XAck(ctx, b.cfg.Stream, b.cfg.Group, entryID).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// ListDeadLetters returns archived jobs, most recent first.
func (b *Redis) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	msgs, err := b.client.XRevRangeN(ctx, b.dlqKey(), "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	out := make([]DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		dl, err := deadLetterFrom(msg)
		if err != nil {
			continue // skip malformed archive entries
		}
		out = append(out, dl)
	}
	return out, nil
}

// ReplayDeadLetter re-enqueues an archived job as a fresh job with a new id
// and a reset attempt counter, and removes it from the archive. Job ids are
// never reused: the dead job's record stays terminal, the replay starts
// clean, linked through the "replayed_from" metadata key.
func (b *Redis) ReplayDeadLetter(ctx context.Context, id string) (*notification.Envelope, error) {
	msgs, err := b.client.XRange(ctx, b.dlqKey(), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	for _, msg := range msgs {
		dl, err := deadLetterFrom(msg)
		if err != nil || dl.Envelope.ID != id {
			continue
		}

		env := dl.Envelope
		env.ID = uuid.NewString()
		env.Attempt = 0
		env.NextAttemptAt = time.Time{}
		env.ScheduledAt = time.Time{}
		if env.Metadata == nil {
			env.Metadata = make(map[string]string)
		}
		env.Metadata["replayed_from"] = id

		raw, err := json.Marshal(&env)
		if err != nil {
			return nil, fmt.Errorf("encoding envelope: %w", err)
		}
		if err := b.addToStream(ctx, b.cfg.Stream, map[string]any{fieldJob: raw}); err != nil {
			return nil, err
		}
		if err := b.client.XDel(ctx, b.dlqKey(), msg.ID).Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return &env, nil
	}
	return nil, ErrNotFound
}

// ReleaseDue moves due members of the delayed set into the stream, highest
// priority first so urgent jobs land ahead of normal ones in the FIFO
// stream. Add runs before remove, so a crash in between duplicates a job
// rather than losing it.
func (b *Redis) ReleaseDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := b.client.ZRangeByScore(ctx, b.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: b.cfg.ReleaseBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	// Members arrive in ready-time order; reorder the batch by priority,
	// keeping ready-time order within a priority.
	sort.SliceStable(members, func(i, j int) bool {
		return priorityOf(members[i]) > priorityOf(members[j])
	})

	released := 0
	for _, raw := range members {
		if err := b.addToStream(ctx, b.cfg.Stream, map[string]any{fieldJob: raw}); err != nil {
			return released, err
		}
		if err := b.client.ZRem(ctx, b.delayedKey(), raw).Err(); err != nil {
			return released, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		released++
	}
	return released, nil
}

func (b *Redis) addToStream(ctx context.Context, stream string, values map[string]any) error {
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func (b *Redis) takePending(id string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entryID, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	return entryID, ok
}

func deadLetterFrom(msg redis.XMessage) (DeadLetter, error) {
	raw, ok := msg.Values[fieldJob].(string)
	if !ok {
		return DeadLetter{}, fmt.Errorf("archive entry %s carries no job payload", msg.ID)
	}

	var dl DeadLetter
	if err := json.Unmarshal([]byte(raw), &dl.Envelope); err != nil {
		return DeadLetter{}, fmt.Errorf("decoding archived envelope from entry %s: %w", msg.ID, err)
	}
	if reason, ok := msg.Values[fieldReason].(string); ok {
		dl.Reason = reason
	}
	if at, ok := msg.Values[fieldDeadAt].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			dl.DeadAt = t
		}
	}
	return dl, nil
}

// scoreAt converts a ready time into a delayed-set score (unix milliseconds).
func scoreAt(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// priorityOf extracts the priority from an encoded envelope. Malformed
// members sort as normal priority; the release loop deals with them.
func priorityOf(raw string) int {
	var p struct {
		Priority int `json:"priority"`
	}
	_ = json.Unmarshal([]byte(raw), &p)
	return p.Priority
}

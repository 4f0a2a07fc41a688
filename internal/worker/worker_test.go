package worker_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/notiq/internal/broker"
	"github.com/shaharia-lab/notiq/internal/notification"
	"github.com/shaharia-lab/notiq/internal/retry"
	"github.com/shaharia-lab/notiq/internal/storage"
	"github.com/shaharia-lab/notiq/internal/worker"
)

// stubProvider returns scripted outcomes in order, repeating the last one.
// A positive panics count makes the first calls panic instead. Per-call
// delays simulate a slow provider; they are consumed in call order.
type stubProvider struct {
	mu       sync.Mutex
	outcomes []notification.Outcome
	delays   []time.Duration
	panics   int
	seen     []string
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Send(_ context.Context, env *notification.Envelope) notification.Outcome {
	p.mu.Lock()
	p.seen = append(p.seen, env.ID)
	if p.panics > 0 {
		p.panics--
		p.mu.Unlock()
		panic("stub provider exploded")
	}
	out := p.outcomes[0]
	if len(p.outcomes) > 1 {
		p.outcomes = p.outcomes[1:]
	}
	var delay time.Duration
	if len(p.delays) > 0 {
		delay = p.delays[0]
		p.delays = p.delays[1:]
	}
	p.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return out
}

func (p *stubProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

func (p *stubProvider) sawOnly(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.seen {
		if s != id {
			return false
		}
	}
	return len(p.seen) > 0
}

type pipeline struct {
	broker *broker.Memory
	store  *storage.SQLiteStatusStore
}

// startPipeline wires a worker over an in-memory broker and a fresh SQLite
// store, runs it, and stops it when the test finishes.
func startPipeline(t *testing.T, stub *stubProvider) *pipeline {
	return startPipelineWith(t, stub, broker.MemoryConfig{PollInterval: 10 * time.Millisecond})
}

func startPipelineWith(t *testing.T, stub *stubProvider, cfg broker.MemoryConfig) *pipeline {
	t.Helper()

	db, _, err := storage.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := storage.NewSQLiteStatusStore(db)

	b := broker.NewMemory(cfg)

	registry := notification.NewRegistry()
	registry.Register(notification.ChannelEmail, stub)

	w, err := worker.New(worker.Config{
		Broker:      b,
		Registry:    registry,
		Store:       store,
		Policy:      retry.Policy{Base: 10 * time.Millisecond, Cap: 20 * time.Millisecond},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Count:       2,
		SendTimeout: time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &pipeline{broker: b, store: store}
}

func emailEnvelope() *notification.Envelope {
	return &notification.Envelope{
		Channel:     notification.ChannelEmail,
		Recipient:   "dev@example.com",
		Subject:     "deploy finished",
		Body:        "all green",
		MaxAttempts: 3,
	}
}

// waitForStatus polls until the job reaches the wanted status.
func waitForStatus(t *testing.T, store storage.StatusStore, jobID string, want notification.Status) *storage.JobStatus {
	t.Helper()

	var js *storage.JobStatus
	require.Eventually(t, func() bool {
		got, err := store.Lookup(context.Background(), jobID)
		if err != nil {
			return false
		}
		js = got
		return got.Status == want
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached status %s", jobID, want)
	return js
}

func statusSeq(events []storage.StatusEvent) []notification.Status {
	seq := make([]notification.Status, 0, len(events))
	for _, ev := range events {
		seq = append(seq, ev.Status)
	}
	return seq
}

func TestWorker_DeliversJob(t *testing.T) {
	stub := &stubProvider{outcomes: []notification.Outcome{notification.Success("msg-1")}}
	p := startPipeline(t, stub)
	ctx := context.Background()

	id, err := p.broker.Enqueue(ctx, emailEnvelope())
	require.NoError(t, err)

	js := waitForStatus(t, p.store, id, notification.StatusDelivered)
	assert.Equal(t, 1, js.Attempt)
	assert.Empty(t, js.LastError)

	history, err := p.store.History(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []notification.Status{
		notification.StatusInFlight,
		notification.StatusDelivered,
	}, statusSeq(history))
	assert.Equal(t, "msg-1", history[len(history)-1].Detail)
	assert.Equal(t, 1, stub.calls())
}

func TestWorker_RetriesTransientFailure(t *testing.T) {
	stub := &stubProvider{outcomes: []notification.Outcome{
		notification.Transient("smtp timeout"),
		notification.Success("msg-2"),
	}}
	p := startPipeline(t, stub)
	ctx := context.Background()

	id, err := p.broker.Enqueue(ctx, emailEnvelope())
	require.NoError(t, err)

	js := waitForStatus(t, p.store, id, notification.StatusDelivered)
	assert.Equal(t, 2, js.Attempt)
	assert.Equal(t, "smtp timeout", js.LastError, "the failed attempt should stay on record")

	history, err := p.store.History(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []notification.Status{
		notification.StatusInFlight,
		notification.StatusFailed,
		notification.StatusQueued,
		notification.StatusInFlight,
		notification.StatusDelivered,
	}, statusSeq(history))
	assert.Equal(t, 2, stub.calls())
}

func TestWorker_DeadLettersPermanentFailure(t *testing.T) {
	stub := &stubProvider{outcomes: []notification.Outcome{
		notification.Permanent("mailbox does not exist"),
	}}
	p := startPipeline(t, stub)
	ctx := context.Background()

	id, err := p.broker.Enqueue(ctx, emailEnvelope())
	require.NoError(t, err)

	js := waitForStatus(t, p.store, id, notification.StatusDead)
	assert.Equal(t, 1, js.Attempt, "permanent failures should not burn further attempts")
	assert.Equal(t, "mailbox does not exist", js.LastError)

	dead, err := p.broker.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].Envelope.ID)
	assert.Equal(t, "mailbox does not exist", dead[0].Reason)
	assert.Equal(t, 1, stub.calls())
}

func TestWorker_DeadLettersAfterExhaustion(t *testing.T) {
	stub := &stubProvider{outcomes: []notification.Outcome{
		notification.Transient("connection refused"),
	}}
	p := startPipeline(t, stub)
	ctx := context.Background()

	env := emailEnvelope()
	env.MaxAttempts = 2
	id, err := p.broker.Enqueue(ctx, env)
	require.NoError(t, err)

	js := waitForStatus(t, p.store, id, notification.StatusDead)
	assert.Equal(t, 2, js.Attempt)
	assert.Contains(t, js.LastError, "retries exhausted after 2 attempts")
	assert.Contains(t, js.LastError, "connection refused")

	dead, err := p.broker.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 2, dead[0].Envelope.Attempt)
	assert.Equal(t, 2, stub.calls())
}

func TestWorker_DeadLettersUnroutableChannel(t *testing.T) {
	stub := &stubProvider{outcomes: []notification.Outcome{notification.Success("")}}
	p := startPipeline(t, stub)
	ctx := context.Background()

	env := emailEnvelope()
	env.Channel = notification.ChannelWebhook
	env.Recipient = "https://example.com/hook"
	id, err := p.broker.Enqueue(ctx, env)
	require.NoError(t, err)

	js := waitForStatus(t, p.store, id, notification.StatusDead)
	assert.Contains(t, js.LastError, "no provider registered")
	assert.Zero(t, stub.calls(), "the email provider should never see a webhook job")
}

func TestWorker_RecoversFromProviderPanic(t *testing.T) {
	stub := &stubProvider{
		panics:   1,
		outcomes: []notification.Outcome{notification.Success("msg-3")},
	}
	p := startPipeline(t, stub)
	ctx := context.Background()

	id, err := p.broker.Enqueue(ctx, emailEnvelope())
	require.NoError(t, err)

	js := waitForStatus(t, p.store, id, notification.StatusDelivered)
	assert.Equal(t, 2, js.Attempt, "the panicking attempt should count and be retried")

	history, err := p.store.History(ctx, id)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(history), 2)
	assert.Equal(t, notification.StatusFailed, history[1].Status)
	assert.Contains(t, history[1].Detail, "panicked")
}

func TestWorker_SkipsAlreadySettledJob(t *testing.T) {
	stub := &stubProvider{outcomes: []notification.Outcome{notification.Success("msg-4")}}
	p := startPipeline(t, stub)
	ctx := context.Background()

	// A job that was delivered in a previous life comes around again.
	settled := emailEnvelope()
	settled.ID = "job-settled"
	require.NoError(t, p.store.Record(ctx, storage.StatusRecord{
		JobID:     settled.ID,
		Channel:   settled.Channel,
		Recipient: settled.Recipient,
		Status:    notification.StatusDelivered,
		Attempt:   1,
	}))
	_, err := p.broker.Enqueue(ctx, settled)
	require.NoError(t, err)

	id, err := p.broker.Enqueue(ctx, emailEnvelope())
	require.NoError(t, err)

	waitForStatus(t, p.store, id, notification.StatusDelivered)
	require.Eventually(t, func() bool { return stub.calls() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.True(t, stub.sawOnly(id), "the settled job must not be re-sent")

	js, err := p.store.Lookup(ctx, settled.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusDelivered, js.Status)
	assert.Equal(t, 1, js.Attempt)
}

func TestWorker_RedeliveredJobSettlesOnce(t *testing.T) {
	// The first attempt outlives the visibility window, so the broker hands
	// the job to the other loop mid-attempt. Both attempts succeed; the job
	// must end up with exactly one delivered record, and the slow loop's late
	// ack must come back empty-handed without disturbing anything.
	stub := &stubProvider{
		outcomes: []notification.Outcome{
			notification.Success("msg-slow"),
			notification.Success("msg-fast"),
		},
		delays: []time.Duration{300 * time.Millisecond},
	}
	p := startPipelineWith(t, stub, broker.MemoryConfig{
		Visibility:   50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	id, err := p.broker.Enqueue(ctx, emailEnvelope())
	require.NoError(t, err)

	js := waitForStatus(t, p.store, id, notification.StatusDelivered)
	assert.Equal(t, 1, js.Attempt)
	require.Eventually(t, func() bool { return stub.calls() == 2 },
		2*time.Second, 5*time.Millisecond, "the redelivered copy should reach the provider too")

	// Hold the assertion open past the slow attempt's completion: its late
	// status record must collapse into the existing one.
	assert.Never(t, func() bool {
		history, err := p.store.History(ctx, id)
		if err != nil {
			return true
		}
		delivered := 0
		for _, ev := range history {
			if ev.Status == notification.StatusDelivered {
				delivered++
			}
		}
		return delivered != 1
	}, 500*time.Millisecond, 20*time.Millisecond, "exactly one delivered record expected")

	js, err = p.store.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusDelivered, js.Status)
	assert.Equal(t, 1, js.Attempt)
}

func TestWorker_SkipsCancelledJob(t *testing.T) {
	stub := &stubProvider{outcomes: []notification.Outcome{notification.Success("msg-5")}}
	p := startPipeline(t, stub)
	ctx := context.Background()

	cancelled := emailEnvelope()
	cancelled.ID = "job-cancelled"
	require.NoError(t, p.store.Record(ctx, storage.StatusRecord{
		JobID:     cancelled.ID,
		Channel:   cancelled.Channel,
		Recipient: cancelled.Recipient,
		Status:    notification.StatusCancelled,
	}))
	_, err := p.broker.Enqueue(ctx, cancelled)
	require.NoError(t, err)

	id, err := p.broker.Enqueue(ctx, emailEnvelope())
	require.NoError(t, err)

	waitForStatus(t, p.store, id, notification.StatusDelivered)
	require.Eventually(t, func() bool { return stub.calls() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.True(t, stub.sawOnly(id), "a cancelled job must not be sent")

	js, err := p.store.Lookup(ctx, cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusCancelled, js.Status)
}

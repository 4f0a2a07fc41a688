package broker

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/shaharia-lab/notiq/internal/notification"
)

const (
	defaultVisibility   = 30 * time.Second
	defaultPollInterval = 5 * time.Second
	defaultListLimit    = 50
)

// MemoryConfig configures the in-memory broker.
type MemoryConfig struct {
	// Visibility is how long a consumed job stays invisible before it is
	// handed out again. Defaults to 30s.
	Visibility time.Duration
	// PollInterval bounds how long Consume blocks when idle. Defaults to 5s.
	PollInterval time.Duration
	// Clock is the time source. Defaults to the real clock; tests inject a
	// fake one.
	Clock clockwork.Clock
}

// Memory is an in-process Broker for tests and single-node deployments.
// All state lives behind one mutex; expired visibility windows and due
// delayed jobs are settled lazily on every consume and release pass.
// Ready jobs are handed out by priority, FIFO within a priority.
type Memory struct {
	clock      clockwork.Clock
	visibility time.Duration
	poll       time.Duration

	mu       sync.Mutex
	ready    readyQueue
	seq      uint64
	delayed  delayedQueue
	inflight map[string]*inflightJob
	dead     []DeadLetter

	// signal wakes one idle consumer when new work arrives.
	signal chan struct{}
}

// inflightJob is a consumed job awaiting ack, requeue, or redelivery.
type inflightJob struct {
	env      *notification.Envelope
	deadline time.Time
}

// NewMemory creates an in-memory broker.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.Visibility <= 0 {
		cfg.Visibility = defaultVisibility
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Memory{
		clock:      cfg.Clock,
		visibility: cfg.Visibility,
		poll:       cfg.PollInterval,
		inflight:   make(map[string]*inflightJob),
		signal:     make(chan struct{}, 1),
	}
}

// Enqueue stores the job, assigning an id when the envelope has none.
// Jobs scheduled for the future go to the delayed set.
func (m *Memory) Enqueue(_ context.Context, env *notification.Envelope) (string, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	e := env.Clone()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.clock.Now()
	}

	m.mu.Lock()
	if e.ScheduledAt.After(m.clock.Now()) {
		heap.Push(&m.delayed, &delayedJob{env: e, readyAt: e.ScheduledAt})
	} else {
		m.pushReadyLocked(e)
	}
	m.mu.Unlock()

	m.wake()
	return e.ID, nil
}

// Consume returns the next ready job, blocking up to the poll interval when
// none is available. Jobs whose visibility window expired and delayed jobs
// that became due are folded back in before each scan.
func (m *Memory) Consume(ctx context.Context) (*notification.Envelope, error) {
	if env := m.take(); env != nil {
		return env, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.signal:
	case <-m.clock.After(m.poll):
	}

	if env := m.take(); env != nil {
		return env, nil
	}
	return nil, nil
}

// take pops the next ready job and moves it in-flight. Returns nil when idle.
func (m *Memory) take() *notification.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.reapExpiredLocked(now)
	m.releaseDueLocked(now)

	if m.ready.Len() == 0 {
		return nil
	}
	env := heap.Pop(&m.ready).(*readyJob).env
	m.inflight[env.ID] = &inflightJob{env: env, deadline: now.Add(m.visibility)}
	return env.Clone()
}

// pushReadyLocked adds a job to the ready queue, preserving FIFO order
// among jobs of equal priority. Callers hold m.mu.
func (m *Memory) pushReadyLocked(env *notification.Envelope) {
	m.seq++
	heap.Push(&m.ready, &readyJob{env: env, seq: m.seq})
}

// Ack removes a consumed job for good. ErrNotFound means the job was already
// settled elsewhere (or its visibility expired and it was handed out again).
func (m *Memory) Ack(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.inflight[id]; !ok {
		return ErrNotFound
	}
	delete(m.inflight, id)
	return nil
}

// Requeue takes a consumed job out of flight and schedules it to reappear
// after delay, carrying the caller's envelope state.
func (m *Memory) Requeue(_ context.Context, env *notification.Envelope, delay time.Duration) error {
	m.mu.Lock()

	if _, ok := m.inflight[env.ID]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.inflight, env.ID)

	e := env.Clone()
	if delay <= 0 {
		m.pushReadyLocked(e)
	} else {
		heap.Push(&m.delayed, &delayedJob{env: e, readyAt: m.clock.Now().Add(delay)})
	}
	m.mu.Unlock()

	if delay <= 0 {
		m.wake()
	}
	return nil
}

// DeadLetter takes a consumed job out of flight and archives it.
func (m *Memory) DeadLetter(_ context.Context, env *notification.Envelope, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.inflight[env.ID]; !ok {
		return ErrNotFound
	}
	delete(m.inflight, env.ID)

	m.dead = append(m.dead, DeadLetter{
		Envelope: *env.Clone(),
		Reason:   reason,
		DeadAt:   m.clock.Now(),
	})
	return nil
}

// ListDeadLetters returns archived jobs, most recent first.
func (m *Memory) ListDeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]DeadLetter, 0, min(limit, len(m.dead)))
	for i := len(m.dead) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.dead[i])
	}
	return out, nil
}

// ReplayDeadLetter re-enqueues an archived job as a fresh job with a new id
// and a reset attempt counter, and removes it from the archive. Job ids are
// never reused: the dead job's record stays terminal, the replay starts
// clean, linked through the "replayed_from" metadata key.
func (m *Memory) ReplayDeadLetter(_ context.Context, id string) (*notification.Envelope, error) {
	m.mu.Lock()

	idx := -1
	for i, d := range m.dead {
		if d.Envelope.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return nil, ErrNotFound
	}

	env := m.dead[idx].Envelope.Clone()
	m.dead = append(m.dead[:idx], m.dead[idx+1:]...)

	env.ID = uuid.NewString()
	env.Attempt = 0
	env.NextAttemptAt = time.Time{}
	env.ScheduledAt = time.Time{}
	if env.Metadata == nil {
		env.Metadata = make(map[string]string)
	}
	env.Metadata["replayed_from"] = id
	m.pushReadyLocked(env)
	out := env.Clone()
	m.mu.Unlock()

	m.wake()
	return out, nil
}

// ReleaseDue moves due delayed jobs into the ready queue.
func (m *Memory) ReleaseDue(_ context.Context) (int, error) {
	m.mu.Lock()
	n := m.releaseDueLocked(m.clock.Now())
	m.mu.Unlock()

	if n > 0 {
		m.wake()
	}
	return n, nil
}

// reapExpiredLocked returns jobs with an expired visibility window to the
// ready queue. Callers hold m.mu.
func (m *Memory) reapExpiredLocked(now time.Time) {
	for id, j := range m.inflight {
		if !j.deadline.After(now) {
			delete(m.inflight, id)
			m.pushReadyLocked(j.env)
		}
	}
}

// releaseDueLocked moves due delayed jobs to the ready queue and reports how
// many moved. Callers hold m.mu.
func (m *Memory) releaseDueLocked(now time.Time) int {
	n := 0
	for m.delayed.Len() > 0 && !m.delayed[0].readyAt.After(now) {
		j := heap.Pop(&m.delayed).(*delayedJob)
		m.pushReadyLocked(j.env)
		n++
	}
	return n
}

// wake nudges one idle consumer without blocking.
func (m *Memory) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// readyJob is a consumable job plus the enqueue sequence number that breaks
// priority ties.
type readyJob struct {
	env *notification.Envelope
	seq uint64
}

// readyQueue is a max-heap of consumable jobs: higher priority first,
// earlier arrival first within a priority.
type readyQueue []*readyJob

func (q readyQueue) Len() int { return len(q) }
func (q readyQueue) Less(i, j int) bool {
	if q[i].env.Priority != q[j].env.Priority {
		return q[i].env.Priority > q[j].env.Priority
	}
	return q[i].seq < q[j].seq
}
func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) { *q = append(*q, x.(*readyJob)) }

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// delayedJob is a job waiting for its ready time.
type delayedJob struct {
	env     *notification.Envelope
	readyAt time.Time
}

// delayedQueue is a min-heap of delayed jobs ordered by ready time.
type delayedQueue []*delayedJob

func (q delayedQueue) Len() int           { return len(q) }
func (q delayedQueue) Less(i, j int) bool { return q[i].readyAt.Before(q[j].readyAt) }
func (q delayedQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *delayedQueue) Push(x any) { *q = append(*q, x.(*delayedJob)) }

func (q *delayedQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

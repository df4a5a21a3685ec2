package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medlogix/compliant-audit-backend/internal/domain/audit"
	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
	"github.com/medlogix/compliant-audit-backend/internal/infrastructure/queue"
	"github.com/medlogix/compliant-audit-backend/internal/infrastructure/resilience"
	"github.com/medlogix/compliant-audit-backend/internal/metrics"
)

// fakeQueue records routing decisions; Claim returns each staged job once.
type fakeQueue struct {
	mu      sync.Mutex
	jobs    []*queue.Job
	acked   []string
	nacked  map[string]string
	retried map[string]time.Duration
	dead    map[string]string
}

func newFakeQueue(jobs ...*queue.Job) *fakeQueue {
	return &fakeQueue{
		jobs:    jobs,
		nacked:  make(map[string]string),
		retried: make(map[string]time.Duration),
		dead:    make(map[string]string),
	}
}

func (q *fakeQueue) Claim(_ context.Context, count int, _ time.Duration) ([]*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, nil
	}
	if count > len(q.jobs) {
		count = len(q.jobs)
	}
	claimed := q.jobs[:count]
	q.jobs = q.jobs[count:]
	return claimed, nil
}

func (q *fakeQueue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, jobID)
	return nil
}

func (q *fakeQueue) Nack(_ context.Context, jobID, errorCategory, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nacked[jobID] = errorCategory
	return nil
}

func (q *fakeQueue) ScheduleRetry(_ context.Context, jobID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retried[jobID] = delay
	return nil
}

func (q *fakeQueue) DeadLetter(_ context.Context, jobID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead[jobID] = reason
	return nil
}

func (q *fakeQueue) Depths(_ context.Context) (*queue.Depths, error) {
	return &queue.Depths{}, nil
}

// fakeStore returns scripted errors, then succeeds.
type fakeStore struct {
	mu       sync.Mutex
	inserted []*audit.Event
	keys     []string
	errs     []error
}

func (s *fakeStore) InsertWithIdempotencyKey(_ context.Context, event *audit.Event, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	event.ID = int64(len(s.inserted) + 1)
	s.inserted = append(s.inserted, event)
	s.keys = append(s.keys, key)
	return nil
}

type observerSpy struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (o *observerSpy) Observe(_ context.Context, event *audit.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
}

func eventJob(t *testing.T, id, action string) *queue.Job {
	t.Helper()
	event, err := audit.NewEvent(action, audit.StatusSuccess)
	require.NoError(t, err)
	event.PrincipalID = audit.StringPtr("u1")
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return &queue.Job{ID: id, Payload: payload, IdempotencyKey: "prod-1:" + id}
}

func newTestWorker(q JobQueue, store EventStore, observer EventObserver) *Worker {
	executor := resilience.NewExecutor(
		resilience.RetryConfig{
			MaxAttempts:       1,
			InitialDelay:      time.Millisecond,
			MaxDelay:          2 * time.Millisecond,
			BackoffMultiplier: 2,
		},
		resilience.NewBreakerRegistry(resilience.BreakerConfig{}, zap.NewNop()),
		zap.NewNop(),
	)
	return New(q, store, executor, observer, zap.NewNop(), metrics.NewRegistry(), Options{
		Concurrency:   2,
		ClaimInterval: time.Millisecond,
		MaxRetries:    3,
	})
}

// runUntilDrained runs the worker until the queue is empty, then cancels.
func runUntilDrained(t *testing.T, w *Worker, q *fakeQueue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.jobs) == 0
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond) // let in-flight jobs finish
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestProcessValidJob(t *testing.T) {
	q := newFakeQueue(eventJob(t, "job-1", "auth.login.success"))
	store := &fakeStore{}
	observer := &observerSpy{}
	w := newTestWorker(q, store, observer)

	runUntilDrained(t, w, q)

	require.Len(t, store.inserted, 1)
	event := store.inserted[0]
	assert.Equal(t, "auth.login.success", event.Action)
	assert.NotEmpty(t, event.Hash)
	require.NotNil(t, event.ProcessingLatencyMs)
	assert.GreaterOrEqual(t, *event.ProcessingLatencyMs, int64(0))
	assert.Equal(t, []string{"prod-1:job-1"}, store.keys)
	assert.Equal(t, []string{"job-1"}, q.acked)
	assert.Len(t, observer.events, 1)
	assert.Empty(t, q.dead)
}

func TestMalformedPayloadDeadLetters(t *testing.T) {
	q := newFakeQueue(&queue.Job{ID: "job-1", Payload: []byte("not json")})
	store := &fakeStore{}
	w := newTestWorker(q, store, nil)

	runUntilDrained(t, w, q)

	assert.Empty(t, store.inserted)
	assert.Empty(t, q.acked)
	assert.Contains(t, q.dead, "job-1")
}

func TestInvalidEventDeadLetters(t *testing.T) {
	// Action missing fails validation.
	q := newFakeQueue(&queue.Job{ID: "job-1", Payload: []byte(`{"status":"success"}`)})
	store := &fakeStore{}
	w := newTestWorker(q, store, nil)

	runUntilDrained(t, w, q)

	assert.Empty(t, store.inserted)
	assert.Contains(t, q.dead, "job-1")
}

func TestIdenticalDuplicateAcks(t *testing.T) {
	q := newFakeQueue(eventJob(t, "job-1", "auth.login.success"))
	store := &fakeStore{errs: []error{
		errors.NewConflictError("event already persisted").
			WithDetails(map[string]interface{}{"identical": true}),
	}}
	w := newTestWorker(q, store, nil)

	runUntilDrained(t, w, q)

	assert.Equal(t, []string{"job-1"}, q.acked)
	assert.Empty(t, q.dead)
	assert.Empty(t, q.retried)
}

func TestIdempotencyCollisionDeadLetters(t *testing.T) {
	q := newFakeQueue(eventJob(t, "job-1", "auth.login.success"))
	store := &fakeStore{errs: []error{
		errors.NewConflictError("idempotency key already used with a different payload").
			WithDetails(map[string]interface{}{"identical": false}),
	}}
	w := newTestWorker(q, store, nil)

	runUntilDrained(t, w, q)

	assert.Empty(t, q.acked)
	assert.Contains(t, q.dead, "job-1")
}

func TestExhaustedTransientDeadLetters(t *testing.T) {
	// One executor attempt per call and a scripted transient failure: the
	// error surfaces as RetryExhausted, which dead-letters even though the
	// queue-level retry budget is untouched.
	job := eventJob(t, "job-1", "auth.login.success")
	q := newFakeQueue(job)
	store := &fakeStore{errs: []error{
		errors.NewTransientError("DB_DOWN", "connection refused"),
	}}
	w := newTestWorker(q, store, nil)

	runUntilDrained(t, w, q)

	assert.Empty(t, q.acked)
	assert.Contains(t, q.dead, "job-1")
}

func TestCircuitOpenSchedulesRetry(t *testing.T) {
	job := eventJob(t, "job-1", "auth.login.success")
	q := newFakeQueue(job)
	// An open breaker surfaces immediately without in-process retries; with
	// queue attempts remaining the worker re-delivers with backoff instead of
	// dead-lettering.
	store := &fakeStore{errs: []error{
		errors.NewCircuitOpenError("postgres:insert", time.Now().Add(time.Minute)),
	}}
	w := newTestWorker(q, store, nil)

	runUntilDrained(t, w, q)

	assert.Empty(t, q.acked)
	if assert.Contains(t, q.retried, "job-1") {
		assert.Less(t, q.retried["job-1"], 10*time.Millisecond)
	}
	assert.Empty(t, q.dead)
}

// blockingStore parks the insert until its context is cancelled, simulating
// a hung dependency during shutdown.
type blockingStore struct {
	started   chan struct{}
	startOnce sync.Once
}

func (s *blockingStore) InsertWithIdempotencyKey(ctx context.Context, _ *audit.Event, _ string) error {
	s.startOnce.Do(func() { close(s.started) })
	<-ctx.Done()
	return ctx.Err()
}

func TestShutdownForceNacksAfterTimeout(t *testing.T) {
	q := newFakeQueue(eventJob(t, "job-1", "auth.login.success"))
	store := &blockingStore{started: make(chan struct{})}
	executor := resilience.NewExecutor(
		resilience.RetryConfig{
			MaxAttempts:       1,
			InitialDelay:      time.Millisecond,
			MaxDelay:          2 * time.Millisecond,
			BackoffMultiplier: 2,
		},
		resilience.NewBreakerRegistry(resilience.BreakerConfig{}, zap.NewNop()),
		zap.NewNop(),
	)
	w := New(q, store, executor, nil, zap.NewNop(), metrics.NewRegistry(), Options{
		Concurrency:     1,
		ClaimInterval:   time.Millisecond,
		MaxRetries:      3,
		ShutdownTimeout: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	select {
	case <-store.started:
	case <-time.After(2 * time.Second):
		t.Fatal("job was never claimed")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop within the shutdown timeout")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Contains(t, q.nacked, "job-1")
	assert.Equal(t, "shutdown", q.nacked["job-1"])
	assert.Empty(t, q.dead)
	assert.Empty(t, q.acked)
}

func TestRunStopsOnCancel(t *testing.T) {
	q := newFakeQueue()
	w := newTestWorker(q, &fakeStore{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

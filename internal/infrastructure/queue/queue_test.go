package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
)

func newTestQueue(t *testing.T) (*Queue, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	q := New(client, Config{
		Name:           "test-events",
		DeadLetterName: "test-events-dead",
		MaxRetries:     2,
	}, zap.NewNop())
	q.clock = func() time.Time { return now }
	return q, &now
}

func TestEnqueueClaimAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, []byte(`{"action":"auth.login.success"}`), "producer-1:evt-1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	jobs, err := q.Claim(ctx, 5, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, "producer-1:evt-1", jobs[0].IdempotencyKey)
	assert.JSONEq(t, `{"action":"auth.login.success"}`, string(jobs[0].Payload))

	// In flight: a second claim sees nothing.
	more, err := q.Claim(ctx, 5, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, more)

	require.NoError(t, q.Ack(ctx, id))

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Zero(t, depths.Pending)
	assert.Zero(t, depths.Processing)
}

func TestClaimPreservesFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, []byte(`{"n":1}`), "")
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, []byte(`{"n":2}`), "")
	require.NoError(t, err)

	jobs, err := q.Claim(ctx, 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, first, jobs[0].ID)
	assert.Equal(t, second, jobs[1].ID)
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, []byte(`{}`), "")
	require.NoError(t, err)

	jobs, err := q.Claim(ctx, 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// Consumer crashes; before the deadline nothing is redelivered.
	*now = now.Add(29 * time.Second)
	jobs, err = q.Claim(ctx, 1, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// Past the deadline the job becomes claimable again.
	*now = now.Add(2 * time.Second)
	jobs, err = q.Claim(ctx, 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
}

func TestNackRedeliversUntilDeadLetter(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, []byte(`{}`), "")
	require.NoError(t, err)

	// MaxRetries is 2: attempts 1 and 2 requeue, attempt 3 dead-letters.
	for attempt := 1; attempt <= 2; attempt++ {
		jobs, err := q.Claim(ctx, 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		require.NoError(t, q.Nack(ctx, id, "transient", "connection reset"))
	}

	jobs, err := q.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Attempts)
	require.NoError(t, q.Nack(ctx, id, "transient", "connection reset"))

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Zero(t, depths.Pending)
	assert.Equal(t, int64(1), depths.DeadLetter)

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Equal(t, "connection reset", dead[0].LastError)
	assert.Contains(t, dead[0].DeadReason, "retries exhausted")
	require.NotNil(t, dead[0].DeadLetteredAt)
}

func TestScheduleRetryDelaysRedelivery(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, []byte(`{}`), "")
	require.NoError(t, err)

	jobs, err := q.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, q.ScheduleRetry(ctx, id, 10*time.Second))

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths.Delayed)

	// Not ready yet.
	*now = now.Add(5 * time.Second)
	jobs, err = q.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// Ready.
	*now = now.Add(6 * time.Second)
	jobs, err = q.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, 1, jobs[0].Attempts)
}

func TestExplicitDeadLetterAndRequeue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, []byte(`{"bad":"event"}`), "")
	require.NoError(t, err)

	jobs, err := q.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, q.DeadLetter(ctx, id, "invalid event: action missing"))

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "invalid event: action missing", dead[0].DeadReason)

	// Operator replay: back to pending, attempts reset.
	require.NoError(t, q.Requeue(ctx, id))

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths.Pending)
	assert.Zero(t, depths.DeadLetter)

	jobs, err = q.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Zero(t, jobs[0].Attempts)
	assert.Empty(t, jobs[0].DeadReason)
	assert.Nil(t, jobs[0].DeadLetteredAt)
}

func TestDeadLettersOldestFirst(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, []byte(`{"n":1}`), "")
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, []byte(`{"n":2}`), "")
	require.NoError(t, err)

	_, err = q.Claim(ctx, 2, time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.DeadLetter(ctx, first, "one"))
	require.NoError(t, q.DeadLetter(ctx, second, "two"))

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 2)
	assert.Equal(t, first, dead[0].ID)
	assert.Equal(t, second, dead[1].ID)
}

func TestAckUnknownJobIsHarmless(t *testing.T) {
	q, _ := newTestQueue(t)
	require.NoError(t, q.Ack(context.Background(), "no-such-job"))
}

func TestNackUnknownJobReturnsNotFound(t *testing.T) {
	q, _ := newTestQueue(t)
	err := q.Nack(context.Background(), "no-such-job", "transient", "boom")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

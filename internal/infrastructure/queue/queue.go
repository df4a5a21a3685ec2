// Package queue implements the reliable work queue the ingestion pipeline
// runs on: at-least-once delivery over redis with visibility timeouts,
// delayed retries, and a dead-letter stream.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
)

// Job is one unit of work in the queue. Payload carries the serialized
// audit event; IdempotencyKey is the producer-supplied (producerId,eventId)
// pair or, absent that, the event's canonical hash.
type Job struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"lastError,omitempty"`
	ErrorCategory  string          `json:"errorCategory,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
	DeadLetteredAt *time.Time      `json:"deadLetteredAt,omitempty"`
	DeadReason     string          `json:"deadReason,omitempty"`
}

// Config configures a queue instance.
type Config struct {
	Name           string
	DeadLetterName string
	MaxRetries     int
	// DeadLetterRetention bounds how long dead jobs are kept.
	DeadLetterRetention time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Name:                "audit-events",
		DeadLetterName:      "audit-events-dead",
		MaxRetries:          3,
		DeadLetterRetention: 7 * 24 * time.Hour,
	}
}

// Depths reports the size of each stream for monitoring.
type Depths struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Delayed    int64 `json:"delayed"`
	DeadLetter int64 `json:"deadLetter"`
}

// Queue is a redis-backed reliable queue. Delivery is at-least-once: a job
// not acked within its visibility timeout is re-delivered, so consumers must
// be idempotent with respect to the job's idempotency key.
type Queue struct {
	client *redis.Client
	config Config
	logger *zap.Logger
	clock  func() time.Time
}

// New creates a queue on an existing redis client.
func New(client *redis.Client, config Config, logger *zap.Logger) *Queue {
	return &Queue{
		client: client,
		config: config,
		logger: logger,
		clock:  time.Now,
	}
}

func (q *Queue) pendingKey() string    { return q.config.Name + ":pending" }
func (q *Queue) processingKey() string { return q.config.Name + ":processing" }
func (q *Queue) delayedKey() string    { return q.config.Name + ":delayed" }
func (q *Queue) deadKey() string       { return q.config.DeadLetterName }
func (q *Queue) jobKey(id string) string {
	return q.config.Name + ":job:" + id
}

// Enqueue adds a job carrying payload and returns its id.
func (q *Queue) Enqueue(ctx context.Context, payload []byte, idempotencyKey string) (string, error) {
	job := &Job{
		ID:             uuid.New().String(),
		IdempotencyKey: idempotencyKey,
		Payload:        payload,
		EnqueuedAt:     q.clock().UTC(),
	}
	if err := q.saveJob(ctx, job); err != nil {
		return "", err
	}
	if err := q.client.LPush(ctx, q.pendingKey(), job.ID).Err(); err != nil {
		return "", errors.NewTransientError("QUEUE_ENQUEUE_FAILED",
			"failed to enqueue job").WithCause(err)
	}
	return job.ID, nil
}

// Claim pops up to count jobs, making them invisible to other consumers for
// visibilityTimeout. Due delayed jobs and expired in-flight jobs are
// promoted back to pending first.
func (q *Queue) Claim(ctx context.Context, count int, visibilityTimeout time.Duration) ([]*Job, error) {
	if count < 1 {
		return nil, nil
	}
	now := q.clock()

	if err := q.promoteDue(ctx, q.delayedKey(), now); err != nil {
		return nil, err
	}
	if err := q.promoteDue(ctx, q.processingKey(), now); err != nil {
		return nil, err
	}

	deadline := float64(now.Add(visibilityTimeout).UnixMilli())
	jobs := make([]*Job, 0, count)
	for len(jobs) < count {
		id, err := q.client.RPop(ctx, q.pendingKey()).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return jobs, errors.NewTransientError("QUEUE_CLAIM_FAILED",
				"failed to pop pending job").WithCause(err)
		}

		if err := q.client.ZAdd(ctx, q.processingKey(), redis.Z{
			Score: deadline, Member: id,
		}).Err(); err != nil {
			return jobs, errors.NewTransientError("QUEUE_CLAIM_FAILED",
				"failed to mark job in-flight").WithCause(err)
		}

		job, err := q.loadJob(ctx, id)
		if err != nil {
			// Payload vanished (expired or corrupted); drop the marker.
			q.client.ZRem(ctx, q.processingKey(), id)
			q.logger.Warn("claimed job without payload", zap.String("job_id", id))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Ack completes a job and removes its payload.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	if err := q.client.ZRem(ctx, q.processingKey(), jobID).Err(); err != nil {
		return errors.NewTransientError("QUEUE_ACK_FAILED",
			"failed to ack job").WithCause(err)
	}
	return q.client.Del(ctx, q.jobKey(jobID)).Err()
}

// Nack records a failed attempt. The job returns to pending for immediate
// redelivery until MaxRetries is exceeded, at which point it is moved to the
// dead-letter stream with the last error preserved.
func (q *Queue) Nack(ctx context.Context, jobID, errorCategory, lastError string) error {
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return err
	}

	job.Attempts++
	job.LastError = lastError
	job.ErrorCategory = errorCategory
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}

	if err := q.client.ZRem(ctx, q.processingKey(), jobID).Err(); err != nil {
		return errors.NewTransientError("QUEUE_NACK_FAILED",
			"failed to release job").WithCause(err)
	}

	if job.Attempts > q.config.MaxRetries {
		return q.DeadLetter(ctx, jobID, fmt.Sprintf("retries exhausted: %s", lastError))
	}
	return q.client.LPush(ctx, q.pendingKey(), jobID).Err()
}

// ScheduleRetry re-delivers a job after delay instead of immediately.
func (q *Queue) ScheduleRetry(ctx context.Context, jobID string, delay time.Duration) error {
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Attempts++
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}

	if err := q.client.ZRem(ctx, q.processingKey(), jobID).Err(); err != nil {
		return errors.NewTransientError("QUEUE_RETRY_FAILED",
			"failed to release job").WithCause(err)
	}
	readyAt := float64(q.clock().Add(delay).UnixMilli())
	return q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: readyAt, Member: jobID}).Err()
}

// DeadLetter moves a job to the dead-letter stream with a reason.
func (q *Queue) DeadLetter(ctx context.Context, jobID, reason string) error {
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	now := q.clock().UTC()
	job.DeadLetteredAt = &now
	job.DeadReason = reason
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), jobID)
	pipe.LRem(ctx, q.pendingKey(), 0, jobID)
	pipe.ZRem(ctx, q.delayedKey(), jobID)
	pipe.LPush(ctx, q.deadKey(), jobID)
	if q.config.DeadLetterRetention > 0 {
		pipe.Expire(ctx, q.jobKey(jobID), q.config.DeadLetterRetention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.NewTransientError("QUEUE_DEAD_LETTER_FAILED",
			"failed to dead-letter job").WithCause(err)
	}

	q.logger.Warn("job dead-lettered",
		zap.String("job_id", jobID),
		zap.String("reason", reason),
		zap.Int("attempts", job.Attempts))
	return nil
}

// DeadLetters returns up to limit dead jobs, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]*Job, error) {
	ids, err := q.client.LRange(ctx, q.deadKey(), -limit, -1).Result()
	if err != nil {
		return nil, errors.NewTransientError("QUEUE_DEAD_LIST_FAILED",
			"failed to list dead letters").WithCause(err)
	}

	jobs := make([]*Job, 0, len(ids))
	// LRange returns newest-last; walk backwards for oldest first.
	for i := len(ids) - 1; i >= 0; i-- {
		job, err := q.loadJob(ctx, ids[i])
		if err != nil {
			continue // payload expired
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Requeue moves a dead-lettered job back to pending with its attempt
// counter reset, for operator-driven replay.
func (q *Queue) Requeue(ctx context.Context, jobID string) error {
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Attempts = 0
	job.DeadLetteredAt = nil
	job.DeadReason = ""
	job.LastError = ""
	job.ErrorCategory = ""
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	if q.config.DeadLetterRetention > 0 {
		q.client.Persist(ctx, q.jobKey(jobID))
	}

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.deadKey(), 0, jobID)
	pipe.LPush(ctx, q.pendingKey(), jobID)
	_, err = pipe.Exec(ctx)
	return err
}

// Depths reports stream sizes for the monitor.
func (q *Queue) Depths(ctx context.Context) (*Depths, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.pendingKey())
	processing := pipe.ZCard(ctx, q.processingKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	dead := pipe.LLen(ctx, q.deadKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.NewTransientError("QUEUE_DEPTHS_FAILED",
			"failed to read queue depths").WithCause(err)
	}
	return &Depths{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		DeadLetter: dead.Val(),
	}, nil
}

// Ping verifies connectivity for health checks.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// promoteDue moves members of a deadline-scored zset whose score has passed
// back onto the pending list.
func (q *Queue) promoteDue(ctx context.Context, key string, now time.Time) error {
	due, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return errors.NewTransientError("QUEUE_PROMOTE_FAILED",
			"failed to scan due jobs").WithCause(err)
	}

	for _, id := range due {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, key, id)
		pipe.LPush(ctx, q.pendingKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return errors.NewTransientError("QUEUE_PROMOTE_FAILED",
				"failed to promote job").WithCause(err)
		}
	}
	return nil
}

func (q *Queue) saveJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return errors.NewInternalError("failed to marshal job").WithCause(err)
	}
	if err := q.client.Set(ctx, q.jobKey(job.ID), raw, 0).Err(); err != nil {
		return errors.NewTransientError("QUEUE_SAVE_FAILED",
			"failed to save job").WithCause(err)
	}
	return nil
}

func (q *Queue) loadJob(ctx context.Context, id string) (*Job, error) {
	raw, err := q.client.Get(ctx, q.jobKey(id)).Result()
	if err == redis.Nil {
		return nil, errors.NewNotFoundError("job " + id)
	}
	if err != nil {
		return nil, errors.NewTransientError("QUEUE_LOAD_FAILED",
			"failed to load job").WithCause(err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, errors.NewInternalError("corrupted job payload").WithCause(err)
	}
	return &job, nil
}

// Package worker runs the ingestion pipeline: claim jobs from the queue,
// validate, seal, persist, acknowledge.
package worker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/medlogix/compliant-audit-backend/internal/domain/audit"
	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
	"github.com/medlogix/compliant-audit-backend/internal/infrastructure/config"
	"github.com/medlogix/compliant-audit-backend/internal/infrastructure/queue"
	"github.com/medlogix/compliant-audit-backend/internal/infrastructure/resilience"
	"github.com/medlogix/compliant-audit-backend/internal/metrics"
)

// JobQueue is the queue surface the worker consumes.
type JobQueue interface {
	Claim(ctx context.Context, count int, visibilityTimeout time.Duration) ([]*queue.Job, error)
	Ack(ctx context.Context, jobID string) error
	Nack(ctx context.Context, jobID, errorCategory, lastError string) error
	ScheduleRetry(ctx context.Context, jobID string, delay time.Duration) error
	DeadLetter(ctx context.Context, jobID, reason string) error
	Depths(ctx context.Context) (*queue.Depths, error)
}

// EventStore persists sealed events. The idempotency key is the producer's
// (producerId,eventId) pair when supplied; the canonical hash covers the
// rest via its unique index.
type EventStore interface {
	InsertWithIdempotencyKey(ctx context.Context, event *audit.Event, idempotencyKey string) error
}

// EventObserver is notified of successfully processed events (the alert
// monitor).
type EventObserver interface {
	Observe(ctx context.Context, event *audit.Event)
}

// Worker claims and processes audit event jobs with a bounded pool.
// Delivery is at-least-once; the unique hash index makes re-persisting a
// duplicate a no-op.
type Worker struct {
	queue    JobQueue
	store    EventStore
	executor *resilience.Executor
	observer EventObserver
	logger   *zap.Logger
	metrics  *metrics.Registry

	concurrency       int
	visibilityTimeout time.Duration
	claimInterval     time.Duration
	maxRetries        int
	clockSkew         time.Duration
	shutdownTimeout   time.Duration
}

// Options tune the worker; zero values fall back to defaults.
type Options struct {
	Concurrency       int
	VisibilityTimeout time.Duration
	ClaimInterval     time.Duration
	MaxRetries        int
	ClockSkew         time.Duration
	ShutdownTimeout   time.Duration
}

func New(q JobQueue, store EventStore, executor *resilience.Executor, observer EventObserver, logger *zap.Logger, reg *metrics.Registry, opts Options) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.ClaimInterval <= 0 {
		opts.ClaimInterval = 250 * time.Millisecond
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.ClockSkew <= 0 {
		opts.ClockSkew = audit.DefaultClockSkewTolerance
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	return &Worker{
		queue:             q,
		store:             store,
		executor:          executor,
		observer:          observer,
		logger:            logger,
		metrics:           reg,
		concurrency:       opts.Concurrency,
		visibilityTimeout: opts.VisibilityTimeout,
		claimInterval:     opts.ClaimInterval,
		maxRetries:        opts.MaxRetries,
		clockSkew:         opts.ClockSkew,
		shutdownTimeout:   opts.ShutdownTimeout,
	}
}

// FromConfig builds Options from the runtime configuration.
func FromConfig(cfg *config.Config) Options {
	return Options{
		Concurrency:     cfg.Worker.Concurrency,
		MaxRetries:      cfg.Retry.MaxAttempts,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout.Duration(),
	}
}

// Run claims and processes jobs until ctx is cancelled. On cancellation it
// stops claiming and drains in-flight jobs, bounded by the shutdown timeout;
// jobs still running when the timeout fires are nacked back for redelivery.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", zap.Int("concurrency", w.concurrency))

	drainCtx, cancelDrain := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDrain()
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-stopped:
			return
		case <-ctx.Done():
		}
		timer := time.NewTimer(w.shutdownTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			w.logger.Warn("shutdown timeout reached, abandoning drain",
				zap.Duration("timeout", w.shutdownTimeout))
			cancelDrain()
		case <-stopped:
		}
	}()

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopping, claim loop closed")
			return nil
		}

		jobs, err := w.queue.Claim(ctx, w.concurrency, w.visibilityTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("claim failed", zap.Error(err))
			if sleepErr := sleepCtx(ctx, w.claimInterval); sleepErr != nil {
				return nil
			}
			continue
		}

		if len(jobs) == 0 {
			if err := sleepCtx(ctx, w.claimInterval); err != nil {
				return nil
			}
			continue
		}

		// In-flight jobs run to completion even after cancellation so they
		// are acked or nacked rather than left to time out.
		g, gctx := errgroup.WithContext(drainCtx)
		g.SetLimit(w.concurrency)
		for _, job := range jobs {
			g.Go(func() error {
				w.processJob(gctx, job)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

// processJob drives one job through received → validated → hashed →
// persisted → acked, routing failures per category.
func (w *Worker) processJob(ctx context.Context, job *queue.Job) {
	received := time.Now()
	w.metrics.EventsReceived.Inc()

	event, err := w.decodeAndValidate(job)
	if err != nil {
		w.rejectJob(ctx, job, err)
		return
	}

	latency := time.Since(received).Milliseconds()
	event.ProcessingLatencyMs = &latency
	if err := audit.Seal(event); err != nil {
		w.rejectJob(ctx, job, err)
		return
	}

	err = w.executor.Execute(ctx, "postgres:insert", func(ctx context.Context) error {
		return w.store.InsertWithIdempotencyKey(ctx, event, job.IdempotencyKey)
	})
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeConflict) {
			if identicalDuplicate(err) {
				// Redelivered duplicate: the event is already durable.
				w.ackJob(ctx, job, event, received)
				return
			}
			// Same idempotency key, different payload: human review.
			w.rejectJob(ctx, job, err)
			return
		}
		w.routeFailure(ctx, job, err)
		return
	}

	w.ackJob(ctx, job, event, received)
}

func (w *Worker) decodeAndValidate(job *queue.Job) (*audit.Event, error) {
	var event audit.Event
	if err := json.Unmarshal(job.Payload, &event); err != nil {
		return nil, errors.NewInvalidEventError("MALFORMED_PAYLOAD",
			"job payload is not a valid audit event").WithCause(err)
	}
	applyDefaults(&event)
	if err := event.Validate(w.clockSkew); err != nil {
		return nil, err
	}
	return &event, nil
}

// applyDefaults fills schema defaults for fields producers may omit.
func applyDefaults(event *audit.Event) {
	if event.DataClassification == "" {
		event.DataClassification = audit.ClassificationInternal
	}
	if event.RetentionPolicy == "" {
		event.RetentionPolicy = audit.DefaultRetentionPolicy
	}
	if event.HashAlgorithm == "" {
		event.HashAlgorithm = audit.DefaultHashAlgorithm
	}
	if event.EventVersion == "" {
		event.EventVersion = "1.0"
	}
	// The worker seals events itself; producer-supplied hashes are
	// recomputed rather than trusted.
	event.Hash = ""
	event.ID = 0
	event.ArchivedAt = nil
}

func (w *Worker) ackJob(ctx context.Context, job *queue.Job, event *audit.Event, received time.Time) {
	if err := w.queue.Ack(ctx, job.ID); err != nil {
		// The insert is durable; redelivery will hit the duplicate path.
		w.logger.Error("ack failed after persist",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	w.metrics.EventsProcessed.Inc()
	w.metrics.ProcessingLatency.WithLabelValues(event.ActionDomain()).
		Observe(time.Since(received).Seconds())
	if w.observer != nil {
		w.observer.Observe(ctx, event)
	}
	w.logger.Debug("event persisted",
		zap.String("job_id", job.ID),
		zap.Int64("event_id", event.ID),
		zap.String("action", event.Action))
}

// rejectJob handles permanently invalid jobs: straight to dead letter.
func (w *Worker) rejectJob(ctx context.Context, job *queue.Job, cause error) {
	w.metrics.EventsFailed.Inc()
	w.logger.Warn("invalid event rejected",
		zap.String("job_id", job.ID),
		zap.Error(cause))
	if err := w.queue.DeadLetter(ctx, job.ID, cause.Error()); err != nil {
		w.logger.Error("dead-letter failed",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	w.metrics.EventsDeadLettered.Inc()
}

// routeFailure sends transient failures back through the queue with backoff
// and everything else (including exhaustion) to the dead-letter stream. A
// job interrupted by the shutdown deadline is nacked back for redelivery
// instead of being treated as a processing failure.
func (w *Worker) routeFailure(ctx context.Context, job *queue.Job, cause error) {
	if stderrors.Is(cause, context.Canceled) || stderrors.Is(cause, context.DeadlineExceeded) {
		nackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		w.logger.Warn("job interrupted by shutdown, returning to queue",
			zap.String("job_id", job.ID))
		if err := w.queue.Nack(nackCtx, job.ID, "shutdown", cause.Error()); err != nil {
			w.logger.Error("nack failed",
				zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}

	w.metrics.EventsFailed.Inc()

	retryable := errors.IsRetryable(cause) ||
		errors.IsType(cause, errors.ErrorTypeCircuitOpen)
	if retryable && job.Attempts < w.maxRetries {
		delay := w.executor.RedeliveryDelay(job.Attempts + 1)
		w.metrics.RetryAttempts.Inc()
		w.logger.Warn("transient failure, scheduling retry",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempts+1),
			zap.Duration("delay", delay),
			zap.Error(cause))
		if err := w.queue.ScheduleRetry(ctx, job.ID, delay); err != nil {
			w.logger.Error("schedule retry failed",
				zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}

	w.logger.Error("job failed permanently",
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.Error(cause))
	if err := w.queue.DeadLetter(ctx, job.ID, cause.Error()); err != nil {
		w.logger.Error("dead-letter failed",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	w.metrics.EventsDeadLettered.Inc()
}

// identicalDuplicate reports whether a Conflict represents a byte-identical
// redelivery rather than an idempotency-key collision.
func identicalDuplicate(err error) bool {
	appErr := errors.AsAppError(err)
	if appErr == nil {
		return false
	}
	identical, ok := appErr.Details["identical"].(bool)
	return ok && identical
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package resilience

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
)

// RetryConfig configures the retry policy.
type RetryConfig struct {
	MaxAttempts          int
	InitialDelay         time.Duration
	MaxDelay             time.Duration
	BackoffMultiplier    float64
	RetryableStatusCodes []int
	RetryableErrors      []string
}

// DefaultRetryConfig returns production defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:          3,
		InitialDelay:         100 * time.Millisecond,
		MaxDelay:             5 * time.Second,
		BackoffMultiplier:    2.0,
		RetryableStatusCodes: []int{408, 429, 500, 502, 503, 504},
		RetryableErrors: []string{
			"ECONNRESET", "ECONNREFUSED", "ETIMEDOUT", "EPIPE",
			"connection reset", "connection refused", "broken pipe",
			"i/o timeout", "no such host", "EOF",
		},
	}
}

// Operation is a unit of work executed under retry and circuit breaking.
type Operation func(ctx context.Context) error

// Executor runs operations with full-jitter exponential backoff and a
// per-key circuit breaker. Safe for concurrent use.
type Executor struct {
	retry    RetryConfig
	breakers *BreakerRegistry
	logger   *zap.Logger

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewExecutor builds an executor. The breaker registry may be shared with
// other executors so all callers see the same per-endpoint state.
func NewExecutor(retry RetryConfig, breakers *BreakerRegistry, logger *zap.Logger) *Executor {
	return &Executor{
		retry:    retry,
		breakers: breakers,
		logger:   logger,
		sleep:    sleepCtx,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute runs op under the retry policy, keyed by endpoint:method for
// circuit breaking. Non-retryable errors abort immediately; breaker
// rejections are returned as CircuitOpen and never retried within the call;
// exhaustion wraps the final cause in RetryExhausted.
func (e *Executor) Execute(ctx context.Context, key string, op Operation) error {
	var lastErr error

	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := e.breakers.Allow(key); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			e.breakers.RecordSuccess(key)
			return nil
		}
		e.recordOutcome(key, err)
		lastErr = err

		if !e.isRetryable(err) {
			return err
		}
		if attempt == e.retry.MaxAttempts {
			break
		}

		delay := e.backoffDelay(attempt)
		e.logger.Debug("retrying operation",
			zap.String("breaker_key", key),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return errors.NewRetryExhaustedError(e.retry.MaxAttempts, lastErr)
}

// recordOutcome feeds the breaker. The breaker tracks dependency health, not
// request validity: structured rejections (validation, conflict, not-found,
// forbidden) mean the dependency answered and count as successes, and a
// caller-cancelled context says nothing about the dependency at all.
func (e *Executor) recordOutcome(key string, err error) {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return
	}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		switch appErr.Type {
		case errors.ErrorTypeValidation, errors.ErrorTypeConflict,
			errors.ErrorTypeNotFound, errors.ErrorTypeForbidden:
			e.breakers.RecordSuccess(key)
			return
		}
	}
	e.breakers.RecordFailure(key)
}

// backoffDelay computes the full-jitter delay for a 1-indexed attempt:
// Uniform(0, min(initial * multiplier^(n-1), max)).
func (e *Executor) backoffDelay(attempt int) time.Duration {
	base := float64(e.retry.InitialDelay) *
		math.Pow(e.retry.BackoffMultiplier, float64(attempt-1))
	if max := float64(e.retry.MaxDelay); base > max {
		base = max
	}

	e.randMu.Lock()
	jittered := e.rand.Float64() * base
	e.randMu.Unlock()

	return time.Duration(jittered)
}

// RedeliveryDelay exposes the backoff schedule for callers that delay work
// externally (queue redelivery) instead of sleeping in-process. attempt is
// 1-indexed.
func (e *Executor) RedeliveryDelay(attempt int) time.Duration {
	return e.backoffDelay(attempt)
}

// isRetryable classifies an error under the retry policy: structured
// transient errors, retryable HTTP status codes, and network/timeout
// patterns retry; everything else aborts.
func (e *Executor) isRetryable(err error) bool {
	if errors.IsType(err, errors.ErrorTypeCircuitOpen) {
		return false
	}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		if appErr.Retryable {
			return true
		}
		for _, code := range e.retry.RetryableStatusCodes {
			if appErr.StatusCode == code && appErr.Type == errors.ErrorTypeTransient {
				return true
			}
		}
		// Structured non-transient errors are final; only internal
		// wrappers fall through to pattern matching.
		if appErr.Type != errors.ErrorTypeInternal {
			return false
		}
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()
	for _, pattern := range e.retry.RetryableErrors {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

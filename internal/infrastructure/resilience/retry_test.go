package resilience

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
)

func newTestExecutor(t *testing.T, retry RetryConfig) (*Executor, *[]time.Duration) {
	t.Helper()
	registry := NewBreakerRegistry(DefaultBreakerConfig(), zap.NewNop())
	executor := NewExecutor(retry, registry, zap.NewNop())

	var slept []time.Duration
	executor.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return executor, &slept
}

func TestExecuteSucceedsAfterTransientFailures(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2.0,
		RetryableErrors:   []string{"ECONNRESET"},
	}
	executor, slept := newTestExecutor(t, cfg)

	attempts := 0
	err := executor.Execute(context.Background(), "upstream:POST", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return stderrors.New("read tcp: ECONNRESET")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	// Full jitter: each delay is uniform in [0, base) with base
	// 100ms then 200ms, so the total lies in [0, 300ms).
	require.Len(t, *slept, 2)
	assert.Less(t, (*slept)[0], 100*time.Millisecond)
	assert.Less(t, (*slept)[1], 200*time.Millisecond)
}

func TestExecuteNonRetryableAbortsImmediately(t *testing.T) {
	executor, slept := newTestExecutor(t, DefaultRetryConfig())

	attempts := 0
	err := executor.Execute(context.Background(), "upstream:POST", func(ctx context.Context) error {
		attempts++
		return errors.NewInvalidEventError("MISSING_ACTION", "action is required")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, *slept)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestExecuteExhaustionWrapsCause(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 3
	executor, _ := newTestExecutor(t, cfg)

	cause := errors.NewTransientError("UPSTREAM_503", "service unavailable")
	attempts := 0
	err := executor.Execute(context.Background(), "upstream:POST", func(ctx context.Context) error {
		attempts++
		return cause
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRetryExhausted))
	assert.True(t, stderrors.Is(err, cause))

	appErr := errors.AsAppError(err)
	assert.Equal(t, 3, appErr.Details["attempts"])
}

func TestExecuteRespectsCircuitBreaker(t *testing.T) {
	cfg := DefaultRetryConfig()
	registry := NewBreakerRegistry(DefaultBreakerConfig(), zap.NewNop())
	executor := NewExecutor(cfg, registry, zap.NewNop())
	const key = "flaky:POST"

	// Drive the breaker open.
	for i := 0; i < DefaultBreakerConfig().FailureThreshold; i++ {
		registry.RecordFailure(key)
	}

	invoked := false
	err := executor.Execute(context.Background(), key, func(ctx context.Context) error {
		invoked = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, invoked, "open breaker must reject without invoking the operation")
	assert.True(t, errors.IsType(err, errors.ErrorTypeCircuitOpen))

	appErr := errors.AsAppError(err)
	assert.Contains(t, appErr.Details, "next_retry_time")
}

func TestExecuteConflictDoesNotTripBreaker(t *testing.T) {
	breakerCfg := BreakerConfig{
		Enabled:                 true,
		FailureThreshold:        2,
		RecoveryTimeout:         time.Second,
		MonitoringWindow:        time.Minute,
		MinimumRequestThreshold: 1,
	}
	registry := NewBreakerRegistry(breakerCfg, zap.NewNop())
	executor := NewExecutor(DefaultRetryConfig(), registry, zap.NewNop())
	executor.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	const key = "postgres:insert"

	// A burst of duplicate redeliveries: the store answers every call, so
	// the dependency is healthy even though every call errors.
	for i := 0; i < 10; i++ {
		err := executor.Execute(context.Background(), key, func(ctx context.Context) error {
			return errors.NewConflictError("event already recorded")
		})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
	}

	assert.Equal(t, CircuitClosed, registry.Stats(key).State)

	// Real outages still trip it.
	for i := 0; i < breakerCfg.FailureThreshold; i++ {
		_ = executor.Execute(context.Background(), key, func(ctx context.Context) error {
			return errors.NewTransientError("DB_DOWN", "connection refused")
		})
	}
	assert.Equal(t, CircuitOpen, registry.Stats(key).State)
}

func TestExecuteCancellationSkipsBreakerAccounting(t *testing.T) {
	registry := NewBreakerRegistry(BreakerConfig{
		Enabled:                 true,
		FailureThreshold:        1,
		RecoveryTimeout:         time.Second,
		MonitoringWindow:        time.Minute,
		MinimumRequestThreshold: 1,
	}, zap.NewNop())
	executor := NewExecutor(DefaultRetryConfig(), registry, zap.NewNop())
	const key = "postgres:insert"

	ctx, cancel := context.WithCancel(context.Background())
	err := executor.Execute(ctx, key, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)

	stats := registry.Stats(key)
	assert.Equal(t, CircuitClosed, stats.State)
	assert.Zero(t, stats.FailureCount)
}

func TestExecuteAbortsOnCancellation(t *testing.T) {
	cfg := DefaultRetryConfig()
	executor, _ := newTestExecutor(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := executor.Execute(ctx, "upstream:POST", func(ctx context.Context) error {
		attempts++
		cancel()
		return errors.NewTransientError("UPSTREAM_503", "unavailable")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestBackoffDelayCapped(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:       10,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2.0,
	}
	executor, _ := newTestExecutor(t, cfg)

	for attempt := 1; attempt <= 10; attempt++ {
		delay := executor.backoffDelay(attempt)
		assert.GreaterOrEqual(t, delay, time.Duration(0))
		assert.LessOrEqual(t, delay, time.Second)
	}
}

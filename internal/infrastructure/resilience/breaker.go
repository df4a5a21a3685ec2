// Package resilience provides the retry and circuit-breaker primitives that
// guard every outbound and ingress operation of the audit pipeline.
package resilience

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
)

// CircuitState is the breaker's position in its state machine.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// BreakerConfig configures circuit breaking per endpoint:method key.
type BreakerConfig struct {
	Enabled                 bool
	FailureThreshold        int
	RecoveryTimeout         time.Duration
	MonitoringWindow        time.Duration
	MinimumRequestThreshold int
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:                 true,
		FailureThreshold:        5,
		RecoveryTimeout:         30 * time.Second,
		MonitoringWindow:        60 * time.Second,
		MinimumRequestThreshold: 5,
	}
}

// BreakerStats is a point-in-time snapshot of one breaker.
type BreakerStats struct {
	Key             string       `json:"key"`
	State           CircuitState `json:"state"`
	FailureCount    int          `json:"failureCount"`
	SuccessCount    int          `json:"successCount"`
	TotalRequests   int          `json:"totalRequests"`
	LastFailureTime *time.Time   `json:"lastFailureTime,omitempty"`
	NextRetryTime   *time.Time   `json:"nextRetryTime,omitempty"`
}

type breaker struct {
	mu            sync.Mutex
	state         CircuitState
	failureCount  int
	successCount  int
	totalRequests int
	lastFailure   time.Time
	nextRetry     time.Time
	trialInFlight bool
}

// BreakerRegistry holds one breaker per endpoint:method key. Updates are
// serialized per key; distinct keys never contend.
type BreakerRegistry struct {
	config BreakerConfig
	logger *zap.Logger
	clock  func() time.Time

	mu       sync.RWMutex
	breakers map[string]*breaker
}

// NewBreakerRegistry creates a registry with the given configuration.
func NewBreakerRegistry(config BreakerConfig, logger *zap.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		config:   config,
		logger:   logger,
		clock:    time.Now,
		breakers: make(map[string]*breaker),
	}
}

// Allow decides whether a call for key may proceed. It returns a
// CircuitOpen error when the breaker rejects the call.
func (r *BreakerRegistry) Allow(key string) error {
	if !r.config.Enabled {
		return nil
	}
	b := r.breaker(key)
	now := r.clock()

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if now.Before(b.nextRetry) {
			return errors.NewCircuitOpenError(key, b.nextRetry)
		}
		// Recovery timeout elapsed: admit one trial request.
		b.state = CircuitHalfOpen
		b.trialInFlight = true
		r.logger.Info("circuit breaker half-open",
			zap.String("breaker_key", key))
		return nil
	case CircuitHalfOpen:
		if b.trialInFlight {
			return errors.NewCircuitOpenError(key, b.nextRetry)
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess records a successful call for key.
func (r *BreakerRegistry) RecordSuccess(key string) {
	if !r.config.Enabled {
		return
	}
	b := r.breaker(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitHalfOpen {
		// Trial succeeded: close and reset counters.
		b.state = CircuitClosed
		b.failureCount = 0
		b.successCount = 0
		b.totalRequests = 0
		b.trialInFlight = false
		b.nextRetry = time.Time{}
		r.logger.Info("circuit breaker closed", zap.String("breaker_key", key))
		return
	}

	r.maybeResetWindow(b)
	b.successCount++
	b.totalRequests++
}

// RecordFailure records a failed call for key, possibly opening the circuit.
func (r *BreakerRegistry) RecordFailure(key string) {
	if !r.config.Enabled {
		return
	}
	b := r.breaker(key)
	now := r.clock()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitHalfOpen {
		// Trial failed: back to open for another recovery period.
		b.state = CircuitOpen
		b.trialInFlight = false
		b.lastFailure = now
		b.nextRetry = now.Add(r.config.RecoveryTimeout)
		r.logger.Warn("circuit breaker re-opened",
			zap.String("breaker_key", key),
			zap.Time("next_retry", b.nextRetry))
		return
	}

	r.maybeResetWindow(b)
	b.failureCount++
	b.totalRequests++
	b.lastFailure = now

	if b.state == CircuitClosed &&
		b.totalRequests >= r.config.MinimumRequestThreshold &&
		b.failureCount >= r.config.FailureThreshold {
		b.state = CircuitOpen
		b.nextRetry = now.Add(r.config.RecoveryTimeout)
		r.logger.Warn("circuit breaker opened",
			zap.String("breaker_key", key),
			zap.Int("failure_count", b.failureCount),
			zap.Int("total_requests", b.totalRequests),
			zap.Time("next_retry", b.nextRetry))
	}
}

// Stats returns a snapshot for key, or zero-valued stats for an unknown key.
func (r *BreakerRegistry) Stats(key string) BreakerStats {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()

	stats := BreakerStats{Key: key, State: CircuitClosed}
	if !ok {
		return stats
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	stats.State = b.state
	stats.FailureCount = b.failureCount
	stats.SuccessCount = b.successCount
	stats.TotalRequests = b.totalRequests
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		stats.LastFailureTime = &t
	}
	if !b.nextRetry.IsZero() {
		t := b.nextRetry
		stats.NextRetryTime = &t
	}
	return stats
}

// AllStats returns snapshots for every breaker seen so far.
func (r *BreakerRegistry) AllStats() []BreakerStats {
	r.mu.RLock()
	keys := make([]string, 0, len(r.breakers))
	for key := range r.breakers {
		keys = append(keys, key)
	}
	r.mu.RUnlock()

	stats := make([]BreakerStats, 0, len(keys))
	for _, key := range keys {
		stats = append(stats, r.Stats(key))
	}
	return stats
}

// maybeResetWindow clears counters when the last failure fell out of the
// monitoring window. Caller holds b.mu.
func (r *BreakerRegistry) maybeResetWindow(b *breaker) {
	if r.config.MonitoringWindow <= 0 || b.lastFailure.IsZero() {
		return
	}
	if r.clock().Sub(b.lastFailure) > r.config.MonitoringWindow {
		b.failureCount = 0
		b.successCount = 0
		b.totalRequests = 0
	}
}

func (r *BreakerRegistry) breaker(key string) *breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[key]; ok {
		return b
	}
	b = &breaker{state: CircuitClosed}
	r.breakers[key] = b
	return b
}

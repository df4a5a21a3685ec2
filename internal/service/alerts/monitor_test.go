package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medlogix/compliant-audit-backend/internal/domain/audit"
	"github.com/medlogix/compliant-audit-backend/internal/infrastructure/queue"
)

type captureSink struct {
	raised []*audit.Alert
}

func (c *captureSink) Raise(_ context.Context, alert *audit.Alert) (*audit.Alert, error) {
	c.raised = append(c.raised, alert)
	return alert, nil
}

func newTestMonitor(t *testing.T, rules []ThresholdRule) (*Monitor, *captureSink) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	sink := &captureSink{}
	return NewMonitor(client, sink, rules, zap.NewNop()), sink
}

func failureEvent(t *testing.T, principal string, at time.Time) *audit.Event {
	t.Helper()
	event, err := audit.NewEvent("auth.login.failure", audit.StatusFailure)
	require.NoError(t, err)
	event.Timestamp = at
	event.PrincipalID = audit.StringPtr(principal)
	event.OrganizationID = audit.StringPtr("org-1")
	return event
}

func TestMonitorRaisesAtThreshold(t *testing.T) {
	m, sink := newTestMonitor(t, DefaultRules())
	ctx := context.Background()
	base := time.Now().UTC()

	// Four failures inside the window: silent.
	for i := 0; i < 4; i++ {
		m.Observe(ctx, failureEvent(t, "u1", base.Add(time.Duration(i)*time.Second)))
	}
	assert.Empty(t, sink.raised)

	// The fifth crosses the threshold.
	m.Observe(ctx, failureEvent(t, "u1", base.Add(5*time.Second)))
	require.Len(t, sink.raised, 1)
	alert := sink.raised[0]
	assert.Equal(t, "org-1", alert.OrganizationID)
	assert.Equal(t, audit.AlertTypeSecurity, alert.Type)
	assert.Equal(t, audit.SeverityHigh, alert.Severity)
	assert.Equal(t, "login-failure-burst:u1", alert.CorrelationKey)
}

func TestMonitorWindowSlides(t *testing.T) {
	m, sink := newTestMonitor(t, DefaultRules())
	ctx := context.Background()
	base := time.Now().UTC()

	// Four failures, then a long gap: the early ones fall out of the window.
	for i := 0; i < 4; i++ {
		m.Observe(ctx, failureEvent(t, "u1", base.Add(time.Duration(i)*time.Second)))
	}
	m.Observe(ctx, failureEvent(t, "u1", base.Add(2*time.Minute)))
	assert.Empty(t, sink.raised)
}

func TestMonitorCountsPerPrincipal(t *testing.T) {
	m, sink := newTestMonitor(t, DefaultRules())
	ctx := context.Background()
	base := time.Now().UTC()

	// Five failures spread over five principals: no burst anywhere.
	for i := 0; i < 5; i++ {
		principal := string(rune('a' + i))
		m.Observe(ctx, failureEvent(t, principal, base.Add(time.Duration(i)*time.Second)))
	}
	assert.Empty(t, sink.raised)
}

func TestMonitorIgnoresUnmatchedActions(t *testing.T) {
	m, sink := newTestMonitor(t, DefaultRules())
	ctx := context.Background()

	event, err := audit.NewEvent("auth.login.success", audit.StatusSuccess)
	require.NoError(t, err)
	event.PrincipalID = audit.StringPtr("u1")
	for i := 0; i < 10; i++ {
		m.Observe(ctx, event)
	}
	assert.Empty(t, sink.raised)
}

func TestCheckQueueDepths(t *testing.T) {
	m, sink := newTestMonitor(t, nil)
	m.SetQueueThresholds(100, 10)
	ctx := context.Background()

	m.CheckQueueDepths(ctx, &queue.Depths{Pending: 50, DeadLetter: 3})
	assert.Empty(t, sink.raised)

	m.CheckQueueDepths(ctx, &queue.Depths{Pending: 150, DeadLetter: 12})
	require.Len(t, sink.raised, 2)
	assert.Equal(t, audit.SeverityHigh, sink.raised[0].Severity)
	assert.Equal(t, audit.SeverityCritical, sink.raised[1].Severity)
}

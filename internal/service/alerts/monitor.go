package alerts

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/medlogix/compliant-audit-backend/internal/domain/audit"
	"github.com/medlogix/compliant-audit-backend/internal/infrastructure/queue"
)

// ThresholdRule raises an alert when Count events with Action are observed
// for the same principal inside Window.
type ThresholdRule struct {
	Name     string
	Action   string
	Count    int64
	Window   time.Duration
	Type     audit.AlertType
	Severity audit.AlertSeverity
	Title    string
}

// DefaultRules covers the security-relevant action bursts the pipeline
// watches out of the box.
func DefaultRules() []ThresholdRule {
	return []ThresholdRule{
		{
			Name:     "login-failure-burst",
			Action:   "auth.login.failure",
			Count:    5,
			Window:   time.Minute,
			Type:     audit.AlertTypeSecurity,
			Severity: audit.SeverityHigh,
			Title:    "Repeated login failures",
		},
		{
			Name:     "unauthorized-access-burst",
			Action:   "data.access.unauthorized",
			Count:    3,
			Window:   5 * time.Minute,
			Type:     audit.AlertTypeSecurity,
			Severity: audit.SeverityCritical,
			Title:    "Repeated unauthorized access attempts",
		},
	}
}

// AlertSink receives alerts the monitor decides to raise.
type AlertSink interface {
	Raise(ctx context.Context, alert *audit.Alert) (*audit.Alert, error)
}

// Monitor applies sliding-window threshold rules to processed events and
// watches queue depth. Window counters live in redis so every worker
// instance observes the same totals.
type Monitor struct {
	client    *redis.Client
	sink      AlertSink
	rules     []ThresholdRule
	logger    *zap.Logger
	keyPrefix string

	// Queue posture thresholds.
	queueDepthThreshold int64
	deadLetterThreshold int64
}

func NewMonitor(client *redis.Client, sink AlertSink, rules []ThresholdRule, logger *zap.Logger) *Monitor {
	return &Monitor{
		client:    client,
		sink:      sink,
		rules:     rules,
		logger:    logger,
		keyPrefix: "audit:alert-window:",
	}
}

// SetQueueThresholds arms CheckQueueDepths. Zero disables a threshold.
func (m *Monitor) SetQueueThresholds(queueDepth, deadLetterDepth int64) {
	m.queueDepthThreshold = queueDepth
	m.deadLetterThreshold = deadLetterDepth
}

// Observe feeds one processed event through every matching rule. Counting
// failures are logged, never propagated: the monitor must not disturb the
// ingestion path.
func (m *Monitor) Observe(ctx context.Context, event *audit.Event) {
	for i := range m.rules {
		rule := &m.rules[i]
		if rule.Action != event.Action {
			continue
		}
		count, err := m.slideWindow(ctx, rule, event)
		if err != nil {
			m.logger.Warn("alert window update failed",
				zap.String("rule", rule.Name), zap.Error(err))
			continue
		}
		if count >= rule.Count {
			m.raiseThresholdAlert(ctx, rule, event, count)
		}
	}
}

// slideWindow records the event occurrence and returns the in-window count
// for the rule's subject. A ZSET of occurrence timestamps per
// (rule, principal) is trimmed to the window on every update.
func (m *Monitor) slideWindow(ctx context.Context, rule *ThresholdRule, event *audit.Event) (int64, error) {
	principal := ""
	if event.PrincipalID != nil {
		principal = *event.PrincipalID
	}
	key := m.keyPrefix + rule.Name + ":" + principal

	now := event.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}
	windowStart := now.Add(-rule.Window)

	pipe := m.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: uuid.New().String(),
	})
	pipe.ZRemRangeByScore(ctx, key, "-inf",
		strconv.FormatInt(windowStart.UnixMilli(), 10))
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, rule.Window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

func (m *Monitor) raiseThresholdAlert(ctx context.Context, rule *ThresholdRule, event *audit.Event, count int64) {
	orgID := "system"
	if event.OrganizationID != nil && *event.OrganizationID != "" {
		orgID = *event.OrganizationID
	}
	principal := "unknown"
	if event.PrincipalID != nil {
		principal = *event.PrincipalID
	}

	alert, err := audit.NewAlert(orgID, rule.Type, rule.Severity,
		"threshold-monitor", rule.Title,
		fmt.Sprintf("%d %s events for principal %s within %s",
			count, rule.Action, principal, rule.Window))
	if err != nil {
		m.logger.Error("failed to build threshold alert", zap.Error(err))
		return
	}
	alert.CorrelationKey = rule.Name + ":" + principal

	if _, err := m.sink.Raise(ctx, alert); err != nil {
		m.logger.Error("failed to raise threshold alert",
			zap.String("rule", rule.Name), zap.Error(err))
	}
}

// CheckQueueDepths raises SYSTEM alerts when queue posture crosses the
// configured thresholds. Called periodically by the worker's monitor loop.
func (m *Monitor) CheckQueueDepths(ctx context.Context, depths *queue.Depths) {
	if m.queueDepthThreshold > 0 && depths.Pending >= m.queueDepthThreshold {
		m.raiseQueueAlert(ctx, audit.SeverityHigh, "Queue backlog",
			fmt.Sprintf("pending queue depth %d exceeds threshold %d",
				depths.Pending, m.queueDepthThreshold), "queue-depth")
	}
	if m.deadLetterThreshold > 0 && depths.DeadLetter >= m.deadLetterThreshold {
		m.raiseQueueAlert(ctx, audit.SeverityCritical, "Dead-letter backlog",
			fmt.Sprintf("dead-letter depth %d exceeds threshold %d",
				depths.DeadLetter, m.deadLetterThreshold), "dead-letter-depth")
	}
}

func (m *Monitor) raiseQueueAlert(ctx context.Context, severity audit.AlertSeverity, title, description, correlationKey string) {
	alert, err := audit.NewAlert("system", audit.AlertTypeSystem, severity,
		"queue-monitor", title, description)
	if err != nil {
		m.logger.Error("failed to build queue alert", zap.Error(err))
		return
	}
	alert.CorrelationKey = correlationKey
	if _, err := m.sink.Raise(ctx, alert); err != nil {
		m.logger.Error("failed to raise queue alert", zap.Error(err))
	}
}

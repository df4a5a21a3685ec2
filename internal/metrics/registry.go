// Package metrics holds the prometheus instruments observed by the audit
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every pipeline metric behind one prometheus registry so
// the worker can expose them on /metrics.
type Registry struct {
	registry *prometheus.Registry

	// Ingestion pipeline
	EventsReceived     prometheus.Counter
	EventsProcessed    prometheus.Counter
	EventsFailed       prometheus.Counter
	EventsDeadLettered prometheus.Counter

	// Per-action processing latency, wall clock from claim to ack.
	ProcessingLatency *prometheus.HistogramVec

	// Queue posture
	QueueDepth      *prometheus.GaugeVec
	DeadLetterDepth prometheus.Gauge

	// Resilience
	BreakerState  *prometheus.GaugeVec
	RetryAttempts prometheus.Counter

	// Compliance operations
	IntegrityChecks     *prometheus.CounterVec
	GDPROperations      *prometheus.CounterVec
	RetentionArchived   prometheus.Counter
	RetentionDeleted    prometheus.Counter
	AlertsRaised        *prometheus.CounterVec
}

// NewRegistry creates and registers all pipeline metrics.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := func(c prometheus.Collector) prometheus.Collector {
		reg.MustRegister(c)
		return c
	}

	r := &Registry{registry: reg}

	r.EventsReceived = factory(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "audit", Subsystem: "worker",
		Name: "events_received_total",
		Help: "Audit events claimed from the queue.",
	})).(prometheus.Counter)

	r.EventsProcessed = factory(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "audit", Subsystem: "worker",
		Name: "events_processed_total",
		Help: "Audit events validated, hashed, and persisted.",
	})).(prometheus.Counter)

	r.EventsFailed = factory(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "audit", Subsystem: "worker",
		Name: "events_failed_total",
		Help: "Audit events that failed processing.",
	})).(prometheus.Counter)

	r.EventsDeadLettered = factory(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "audit", Subsystem: "worker",
		Name: "events_dead_lettered_total",
		Help: "Audit events routed to the dead-letter stream.",
	})).(prometheus.Counter)

	r.ProcessingLatency = factory(prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "audit", Subsystem: "worker",
		Name:    "processing_latency_seconds",
		Help:    "Wall-clock latency from claim to ack, by action domain.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"action_domain"})).(*prometheus.HistogramVec)

	r.QueueDepth = factory(prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "audit", Subsystem: "queue",
		Name: "depth",
		Help: "Jobs per queue stream.",
	}, []string{"stream"})).(*prometheus.GaugeVec)

	r.DeadLetterDepth = factory(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "audit", Subsystem: "queue",
		Name: "dead_letter_depth",
		Help: "Jobs waiting in the dead-letter stream.",
	})).(prometheus.Gauge)

	r.BreakerState = factory(prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "audit", Subsystem: "resilience",
		Name: "breaker_state",
		Help: "Circuit breaker state per key: 0 closed, 1 half-open, 2 open.",
	}, []string{"breaker_key"})).(*prometheus.GaugeVec)

	r.RetryAttempts = factory(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "audit", Subsystem: "resilience",
		Name: "retry_attempts_total",
		Help: "Retries performed by the resilient executor.",
	})).(prometheus.Counter)

	r.IntegrityChecks = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "audit", Subsystem: "integrity",
		Name: "checks_total",
		Help: "Integrity verifications by outcome.",
	}, []string{"status"})).(*prometheus.CounterVec)

	r.GDPROperations = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "audit", Subsystem: "gdpr",
		Name: "operations_total",
		Help: "GDPR engine operations by kind.",
	}, []string{"operation"})).(*prometheus.CounterVec)

	r.RetentionArchived = factory(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "audit", Subsystem: "retention",
		Name: "archived_total",
		Help: "Events archived by retention policies.",
	})).(prometheus.Counter)

	r.RetentionDeleted = factory(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "audit", Subsystem: "retention",
		Name: "deleted_total",
		Help: "Events deleted by retention policies.",
	})).(prometheus.Counter)

	r.AlertsRaised = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "audit", Subsystem: "alerts",
		Name: "raised_total",
		Help: "Alerts raised by type and severity.",
	}, []string{"type", "severity"})).(*prometheus.CounterVec)

	return r
}

// Prometheus exposes the underlying registry for the /metrics handler.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.registry
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/medlogix/compliant-audit-backend/internal/infrastructure/queue"
	"github.com/medlogix/compliant-audit-backend/internal/metrics"
)

// HealthChecker reports a dependency's availability.
type HealthChecker func(ctx context.Context) error

// DepthWatcher receives periodic queue depth snapshots.
type DepthWatcher interface {
	CheckQueueDepths(ctx context.Context, depths *queue.Depths)
}

// Server exposes the worker's operational surface: aggregated health probes
// and prometheus metrics. It also runs the queue depth monitor loop.
type Server struct {
	server   *http.Server
	queue    JobQueue
	checks   map[string]HealthChecker
	watcher  DepthWatcher
	logger   *zap.Logger
	metrics  *metrics.Registry
	interval time.Duration
}

func NewServer(port int, q JobQueue, checks map[string]HealthChecker, watcher DepthWatcher, logger *zap.Logger, reg *metrics.Registry) *Server {
	s := &Server{
		queue:    q,
		checks:   checks,
		watcher:  watcher,
		logger:   logger,
		metrics:  reg,
		interval: 15 * time.Second,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Prometheus(),
		promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves HTTP and runs the depth monitor until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.monitorLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

// handleHealth runs every registered dependency check and reports 200 only
// when all of them pass. Both /healthz and /readyz serve this aggregate so a
// degraded dependency is visible on either probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	overall := "OK"
	status := http.StatusOK
	components := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			overall = "UNAVAILABLE"
			status = http.StatusServiceUnavailable
			components[name] = err.Error()
			continue
		}
		components[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"status":     overall,
		"components": components,
	})
}

// monitorLoop samples queue depths, exports them as gauges, and forwards
// them to the alert watcher.
func (s *Server) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depths, err := s.queue.Depths(ctx)
			if err != nil {
				s.logger.Warn("queue depth sample failed", zap.Error(err))
				continue
			}
			s.metrics.QueueDepth.WithLabelValues("pending").Set(float64(depths.Pending))
			s.metrics.QueueDepth.WithLabelValues("processing").Set(float64(depths.Processing))
			s.metrics.QueueDepth.WithLabelValues("delayed").Set(float64(depths.Delayed))
			s.metrics.DeadLetterDepth.Set(float64(depths.DeadLetter))
			if s.watcher != nil {
				s.watcher.CheckQueueDepths(ctx, depths)
			}
		}
	}
}

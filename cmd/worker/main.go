// The worker binary runs the audit ingestion pipeline: it claims event jobs
// from the redis queue, validates and seals them, persists them to postgres,
// and exposes health and metrics endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
	"github.com/medlogix/compliant-audit-backend/internal/infrastructure/config"
	"github.com/medlogix/compliant-audit-backend/internal/infrastructure/database"
	"github.com/medlogix/compliant-audit-backend/internal/infrastructure/queue"
	"github.com/medlogix/compliant-audit-backend/internal/infrastructure/repository"
	"github.com/medlogix/compliant-audit-backend/internal/infrastructure/resilience"
	"github.com/medlogix/compliant-audit-backend/internal/logging"
	"github.com/medlogix/compliant-audit-backend/internal/metrics"
	"github.com/medlogix/compliant-audit-backend/internal/service/alerts"
	"github.com/medlogix/compliant-audit-backend/internal/service/integrity"
	"github.com/medlogix/compliant-audit-backend/internal/service/worker"
)

const integritySweepInterval = time.Hour

func main() {
	var (
		configPath = flag.String("config", "", "Path to JSON configuration file")
		secure     = flag.Bool("secure-config", false, "Treat the config file as an encrypted envelope")
	)
	flag.Parse()

	os.Exit(run(config.LoadOptions{Path: *configPath, Secure: *secure}))
}

func run(opts config.LoadOptions) int {
	cfg, err := config.Load(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		if errors.IsType(err, errors.ErrorTypeConfigValidation) ||
			errors.IsType(err, errors.ErrorTypeConfigEncryption) {
			return 2
		}
		return 1
	}

	format := logging.FormatText
	if cfg.Logging.Structured {
		format = logging.FormatJSON
	}
	appLogger, err := logging.New(logging.Config{
		Level:          cfg.Logging.Level,
		Format:         format,
		Component:      "audit-worker",
		MaskingEnabled: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer appLogger.Flush()
	logger := appLogger.Zap()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, opts, logger); err != nil {
		logger.Error("worker exited with error", zap.Error(err))
		return 1
	}
	logger.Info("worker stopped")
	return 0
}

func serve(ctx context.Context, cfg *config.Config, opts config.LoadOptions, logger *zap.Logger) error {
	redisClient, err := newRedisClient(cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	pool, err := database.NewConnectionPool(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	reg := metrics.NewRegistry()
	repos := repository.NewRepositories(pool.Pool())

	q := queue.New(redisClient, queue.Config{
		Name:                cfg.Worker.QueueName,
		DeadLetterName:      cfg.DeadLetter.QueueName,
		MaxRetries:          cfg.Retry.MaxAttempts,
		DeadLetterRetention: cfg.DeadLetter.MaxRetentionTime.Duration(),
	}, logger)

	breakers := resilience.NewBreakerRegistry(breakerConfig(cfg.CircuitBreaker), logger)
	executor := resilience.NewExecutor(retryConfig(cfg.Retry), breakers, logger)

	alertService := alerts.NewService(repos.Alert, logger, reg)
	monitor := alerts.NewMonitor(redisClient, alertService, alerts.DefaultRules(), logger)
	monitor.SetQueueThresholds(int64(cfg.Monitoring.AlertThresholds.QueueDepth),
		int64(cfg.DeadLetter.AlertThreshold))

	w := worker.New(q, repos.AuditLog, executor, monitor, logger, reg, worker.FromConfig(cfg))

	checks := map[string]worker.HealthChecker{
		"redis":    q.Ping,
		"postgres": pool.Ping,
	}
	server := worker.NewServer(cfg.Worker.Port, q, checks, monitor, logger, reg)

	manager := config.NewManager(cfg, opts, logger)
	manager.OnChange(func(record config.ChangeRecord) error {
		logger.Info("applying configuration change",
			zap.String("field", record.Field),
			zap.String("changed_by", record.ChangedBy))
		return nil
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx)
	})
	g.Go(func() error {
		return server.Start(gctx)
	})
	if opts.Path != "" {
		g.Go(func() error {
			if err := manager.Watch(gctx); err != nil && gctx.Err() == nil {
				logger.Error("config watcher stopped", zap.Error(err))
			}
			return nil
		})
	}
	if cfg.Monitoring.Enabled {
		g.Go(func() error {
			breakerGaugeLoop(gctx, breakers, reg,
				cfg.Monitoring.MetricsInterval.Duration())
			return nil
		})
	}
	if cfg.Security.EnableIntegrityVerification {
		verifier := integrity.NewVerifier(repos.AuditLog, repos.Integrity,
			alertService, logger, reg)
		g.Go(func() error {
			sweepLoop(gctx, verifier, logger)
			return nil
		})
	}

	logger.Info("worker ready",
		zap.String("queue", cfg.Worker.QueueName),
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("port", cfg.Worker.Port))

	return g.Wait()
}

// sweepLoop runs periodic integrity sweeps, resuming after the last verified
// id each round.
func sweepLoop(ctx context.Context, verifier *integrity.Verifier, logger *zap.Logger) {
	ticker := time.NewTicker(integritySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := verifier.Sweep(ctx, integrity.SweepOptions{
				AfterID:    -1,
				VerifiedBy: "worker-scheduler",
			})
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("integrity sweep failed", zap.Error(err))
				}
				continue
			}
			logger.Info("integrity sweep complete",
				zap.Int("checked", summary.Checked),
				zap.Int("ok", summary.OK),
				zap.Int("mismatched", summary.Mismatched),
				zap.Int("missing_hash", summary.MissingHash))
		}
	}
}

// breakerGaugeLoop exports breaker states as gauges: 0 closed, 1 half-open,
// 2 open.
func breakerGaugeLoop(ctx context.Context, breakers *resilience.BreakerRegistry, reg *metrics.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, stats := range breakers.AllStats() {
				var value float64
				switch stats.State {
				case resilience.CircuitHalfOpen:
					value = 1
				case resilience.CircuitOpen:
					value = 2
				}
				reg.BreakerState.WithLabelValues(stats.Key).Set(value)
			}
		}
	}
}

func newRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	redisOpts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.NewConfigValidationError("redis.url", cfg.URL,
			"must be a valid redis URL").WithCause(err)
	}
	redisOpts.DialTimeout = cfg.ConnectTimeout.Duration()
	redisOpts.ReadTimeout = cfg.CommandTimeout.Duration()
	redisOpts.WriteTimeout = cfg.CommandTimeout.Duration()
	redisOpts.MaxRetries = cfg.MaxRetriesPerRequest
	return redis.NewClient(redisOpts), nil
}

func retryConfig(cfg config.RetryConfig) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:          cfg.MaxAttempts,
		InitialDelay:         cfg.InitialDelayMs.Duration(),
		MaxDelay:             cfg.MaxDelayMs.Duration(),
		BackoffMultiplier:    cfg.BackoffMultiplier,
		RetryableStatusCodes: cfg.RetryableStatusCodes,
		RetryableErrors:      cfg.RetryableErrors,
	}
}

func breakerConfig(cfg config.CircuitBreakerConfig) resilience.BreakerConfig {
	return resilience.BreakerConfig{
		Enabled:                 cfg.Enabled,
		FailureThreshold:        cfg.FailureThreshold,
		RecoveryTimeout:         cfg.RecoveryTimeoutMs.Duration(),
		MonitoringWindow:        cfg.MonitoringWindowMs.Duration(),
		MinimumRequestThreshold: cfg.MinimumRequestThreshold,
	}
}

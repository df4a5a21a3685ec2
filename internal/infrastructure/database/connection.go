// Package database owns the postgres connection pool the audit pipeline
// writes through.
package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medlogix/compliant-audit-backend/internal/infrastructure/config"
)

// ConnectionPool wraps pgxpool with health checking and a small stats
// surface for the worker's readiness probe.
type ConnectionPool struct {
	pool   *pgxpool.Pool
	config config.DatabaseConfig
	logger *zap.Logger

	mu        sync.RWMutex
	lastCheck time.Time
	healthy   bool
	stop      chan struct{}
	stopOnce  sync.Once
}

// PoolStats is a snapshot of the pool for health endpoints.
type PoolStats struct {
	AcquiredConns int32     `json:"acquiredConns"`
	IdleConns     int32     `json:"idleConns"`
	TotalConns    int32     `json:"totalConns"`
	MaxConns      int32     `json:"maxConns"`
	Healthy       bool      `json:"healthy"`
	LastCheck     time.Time `json:"lastCheck"`
}

// NewConnectionPool opens a pool against cfg.URL and verifies connectivity
// before returning.
func NewConnectionPool(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*ConnectionPool, error) {
	poolConfig, err := newPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	p := &ConnectionPool{
		pool:    pool,
		config:  cfg,
		logger:  logger,
		healthy: true,
		stop:    make(chan struct{}),
	}
	go p.healthCheckLoop()

	logger.Info("database connection pool initialized",
		zap.Int32("max_connections", poolConfig.MaxConns))
	return p, nil
}

// newPoolConfig translates the database configuration into a pgx pool
// config. TLS is negotiated client-side via ConnConfig.TLSConfig; sslmode is
// a libpq connection option, not a server parameter, so it must never appear
// in RuntimeParams.
func newPoolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.PoolSize)
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 10 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectionTimeout.Duration()
	poolConfig.ConnConfig.RuntimeParams = map[string]string{
		"application_name":  "audit_worker",
		"timezone":          "UTC",
		"statement_timeout": fmt.Sprintf("%d", cfg.QueryTimeout),
	}
	if cfg.SSL {
		poolConfig.ConnConfig.TLSConfig = &tls.Config{
			ServerName: poolConfig.ConnConfig.Host,
			MinVersion: tls.VersionTLS12,
		}
	}
	return poolConfig, nil
}

// Pool exposes the underlying pgx pool for repositories.
func (p *ConnectionPool) Pool() *pgxpool.Pool {
	return p.pool
}

// Transaction runs fn inside a transaction, committing on nil and rolling
// back on error or panic.
func (p *ConnectionPool) Transaction(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, fn)
}

// Ping checks connectivity with the configured query timeout.
func (p *ConnectionPool) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.QueryTimeout.Duration())
	defer cancel()
	return p.pool.Ping(ctx)
}

// Stats reports the current pool posture.
func (p *ConnectionPool) Stats() PoolStats {
	stat := p.pool.Stat()
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PoolStats{
		AcquiredConns: stat.AcquiredConns(),
		IdleConns:     stat.IdleConns(),
		TotalConns:    stat.TotalConns(),
		MaxConns:      stat.MaxConns(),
		Healthy:       p.healthy,
		LastCheck:     p.lastCheck,
	}
}

// Healthy reports the last health check outcome.
func (p *ConnectionPool) Healthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy
}

func (p *ConnectionPool) healthCheckLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := p.pool.Ping(ctx)
			cancel()

			p.mu.Lock()
			p.lastCheck = time.Now()
			wasHealthy := p.healthy
			p.healthy = err == nil
			p.mu.Unlock()

			if err != nil && wasHealthy {
				p.logger.Error("database health check failed", zap.Error(err))
			} else if err == nil && !wasHealthy {
				p.logger.Info("database connection recovered")
			}
		case <-p.stop:
			return
		}
	}
}

// Close stops the health loop and releases all connections.
func (p *ConnectionPool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.pool.Close()
	p.logger.Info("database connection pool closed")
}

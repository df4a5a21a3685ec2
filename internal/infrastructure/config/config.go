// Package config implements the configuration core: JSON file loading with
// environment overrides, schema and cross-field validation, encrypted-at-rest
// storage, and hot reload with an atomically published snapshot.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
)

// Environment names accepted by the loader.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Millis is a duration expressed in milliseconds, matching the JSON config
// file's numeric fields.
type Millis int64

// Duration converts to time.Duration.
func (m Millis) Duration() time.Duration {
	return time.Duration(m) * time.Millisecond
}

type Config struct {
	Environment string `koanf:"environment" validate:"required,oneof=development staging production test"`
	Version     int64  `koanf:"version"`
	LastUpdated string `koanf:"lastUpdated"`

	Redis          RedisConfig          `koanf:"redis"`
	Database       DatabaseConfig       `koanf:"database"`
	Worker         WorkerConfig         `koanf:"worker"`
	Retry          RetryConfig          `koanf:"retry"`
	CircuitBreaker CircuitBreakerConfig `koanf:"circuitBreaker"`
	DeadLetter     DeadLetterConfig     `koanf:"deadLetter"`
	Monitoring     MonitoringConfig     `koanf:"monitoring"`
	Security       SecurityConfig       `koanf:"security"`
	Compliance     ComplianceConfig     `koanf:"compliance"`
	Logging        LoggingConfig        `koanf:"logging"`
}

type RedisConfig struct {
	URL                  string `koanf:"url" validate:"required"`
	ConnectTimeout       Millis `koanf:"connectTimeout" validate:"min=1"`
	CommandTimeout       Millis `koanf:"commandTimeout" validate:"min=1"`
	MaxRetriesPerRequest int    `koanf:"maxRetriesPerRequest" validate:"min=0"`
}

type DatabaseConfig struct {
	URL               string `koanf:"url" validate:"required"`
	SSL               bool   `koanf:"ssl"`
	PoolSize          int    `koanf:"poolSize" validate:"min=1,max=200"`
	ConnectionTimeout Millis `koanf:"connectionTimeout" validate:"min=1"`
	QueryTimeout      Millis `koanf:"queryTimeout" validate:"min=1"`
}

type WorkerConfig struct {
	Concurrency     int    `koanf:"concurrency" validate:"min=1,max=128"`
	QueueName       string `koanf:"queueName" validate:"required"`
	Port            int    `koanf:"port" validate:"min=1,max=65535"`
	ShutdownTimeout Millis `koanf:"shutdownTimeout" validate:"min=1"`
}

type RetryConfig struct {
	MaxAttempts          int     `koanf:"maxAttempts" validate:"min=1,max=20"`
	InitialDelayMs       Millis  `koanf:"initialDelayMs" validate:"min=1"`
	MaxDelayMs           Millis  `koanf:"maxDelayMs" validate:"min=1"`
	BackoffMultiplier    float64 `koanf:"backoffMultiplier" validate:"min=1"`
	RetryableStatusCodes []int   `koanf:"retryableStatusCodes"`
	RetryableErrors      []string `koanf:"retryableErrors"`
}

type CircuitBreakerConfig struct {
	Enabled                 bool   `koanf:"enabled"`
	FailureThreshold        int    `koanf:"failureThreshold" validate:"min=1"`
	RecoveryTimeoutMs       Millis `koanf:"recoveryTimeoutMs" validate:"min=1"`
	MonitoringWindowMs      Millis `koanf:"monitoringWindowMs" validate:"min=1"`
	MinimumRequestThreshold int    `koanf:"minimumRequestThreshold" validate:"min=1"`
}

type DeadLetterConfig struct {
	QueueName        string `koanf:"queueName" validate:"required"`
	AlertThreshold   int    `koanf:"alertThreshold" validate:"min=1"`
	MaxRetentionTime Millis `koanf:"maxRetentionTime" validate:"min=1"`
}

type MonitoringConfig struct {
	Enabled             bool                  `koanf:"enabled"`
	MetricsInterval     Millis                `koanf:"metricsInterval" validate:"min=1"`
	HealthCheckInterval Millis                `koanf:"healthCheckInterval" validate:"min=1"`
	AlertThresholds     AlertThresholdsConfig `koanf:"alertThresholds"`
}

type AlertThresholdsConfig struct {
	ErrorRate         float64 `koanf:"errorRate"`
	ProcessingLatency Millis  `koanf:"processingLatency" validate:"min=1"`
	QueueDepth        int     `koanf:"queueDepth" validate:"min=1"`
	MemoryUsage       float64 `koanf:"memoryUsage" validate:"min=0,max=1"`
}

type SecurityConfig struct {
	EnableIntegrityVerification bool   `koanf:"enableIntegrityVerification"`
	EnableEventSigning          bool   `koanf:"enableEventSigning"`
	EnableLogEncryption         bool   `koanf:"enableLogEncryption"`
	EncryptionKey               string `koanf:"encryptionKey"`
	PseudonymSalt               string `koanf:"pseudonymSalt"`
}

type ComplianceConfig struct {
	EnableGDPR           bool                    `koanf:"enableGDPR"`
	DefaultRetentionDays int                     `koanf:"defaultRetentionDays" validate:"min=1"`
	AutoArchival         bool                    `koanf:"autoArchival"`
	ReportingSchedule    ReportingScheduleConfig `koanf:"reportingSchedule"`
}

type ReportingScheduleConfig struct {
	Enabled    bool     `koanf:"enabled"`
	Frequency  string   `koanf:"frequency" validate:"omitempty,oneof=daily weekly monthly"`
	Recipients []string `koanf:"recipients"`
}

type LoggingConfig struct {
	Level         string `koanf:"level" validate:"required,oneof=debug info warn error"`
	Structured    bool   `koanf:"structured"`
	RetentionDays int    `koanf:"retentionDays" validate:"min=1"`
}

// Default returns the development baseline that file and environment
// overrides layer on top of.
func Default() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Version:     1,
		Redis: RedisConfig{
			URL:                  "redis://localhost:6379",
			ConnectTimeout:       10000,
			CommandTimeout:       5000,
			MaxRetriesPerRequest: 3,
		},
		Database: DatabaseConfig{
			URL:               "postgres://localhost:5432/audit",
			SSL:               false,
			PoolSize:          10,
			ConnectionTimeout: 30000,
			QueryTimeout:      30000,
		},
		Worker: WorkerConfig{
			Concurrency:     2,
			QueueName:       "audit-events",
			Port:            8090,
			ShutdownTimeout: 30000,
		},
		Retry: RetryConfig{
			MaxAttempts:          3,
			InitialDelayMs:       100,
			MaxDelayMs:           5000,
			BackoffMultiplier:    2.0,
			RetryableStatusCodes: []int{408, 429, 500, 502, 503, 504},
			RetryableErrors: []string{
				"ECONNRESET", "ECONNREFUSED", "ETIMEDOUT",
				"connection reset", "i/o timeout",
			},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:                 true,
			FailureThreshold:        5,
			RecoveryTimeoutMs:       30000,
			MonitoringWindowMs:      60000,
			MinimumRequestThreshold: 5,
		},
		DeadLetter: DeadLetterConfig{
			QueueName:        "audit-events-dead",
			AlertThreshold:   100,
			MaxRetentionTime: Millis((7 * 24 * time.Hour).Milliseconds()),
		},
		Monitoring: MonitoringConfig{
			Enabled:             true,
			MetricsInterval:     15000,
			HealthCheckInterval: 30000,
			AlertThresholds: AlertThresholdsConfig{
				ErrorRate:         0.05,
				ProcessingLatency: 5000,
				QueueDepth:        10000,
				MemoryUsage:       0.85,
			},
		},
		Security: SecurityConfig{
			EnableIntegrityVerification: true,
		},
		Compliance: ComplianceConfig{
			EnableGDPR:           true,
			DefaultRetentionDays: 2555,
			AutoArchival:         true,
			ReportingSchedule: ReportingScheduleConfig{
				Frequency: "weekly",
			},
		},
		Logging: LoggingConfig{
			Level:         "info",
			Structured:    true,
			RetentionDays: 90,
		},
	}
}

// envOverrides maps process environment variables onto config paths. The
// names are fixed by the deployment contract, not derived from the paths.
var envOverrides = map[string]string{
	"REDIS_URL":         "redis.url",
	"DATABASE_URL":      "database.url",
	"AUDIT_DB_URL":      "database.url",
	"AUDIT_QUEUE_NAME":  "worker.queueName",
	"AUDIT_WORKER_PORT": "worker.port",
	"AUDIT_CRYPTO_SECRET": "security.encryptionKey",
	"PSEUDONYM_SALT":    "security.pseudonymSalt",
	"LOG_LEVEL":         "logging.level",
	"ENVIRONMENT":       "environment",
	"NODE_ENV":          "environment",
}

// LoadOptions controls where the loader reads from.
type LoadOptions struct {
	// Path of the JSON config file. Optional; defaults apply when empty.
	Path string
	// Secure enables encrypted-at-rest loading: the file is an
	// {algorithm, iv, data} envelope decrypted with AUDIT_CONFIG_PASSWORD.
	Secure bool
}

// Load builds a validated configuration from defaults, the optional JSON
// file, and environment variable overrides, in that order of precedence.
func Load(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, errors.NewInternalError("failed to load config defaults").WithCause(err)
	}

	if opts.Path != "" {
		if opts.Secure {
			plaintext, err := DecryptFile(opts.Path)
			if err != nil {
				return nil, err
			}
			if err := k.Load(rawbytes.Provider(plaintext), json.Parser()); err != nil {
				return nil, errors.NewConfigValidationError("file", opts.Path,
					"must be valid JSON").WithCause(err)
			}
		} else {
			if err := k.Load(file.Provider(opts.Path), json.Parser()); err != nil {
				if os.IsNotExist(underlying(err)) {
					return nil, errors.NewConfigValidationError("file", opts.Path,
						"config file not found").WithCause(err)
				}
				return nil, errors.NewConfigValidationError("file", opts.Path,
					"must be valid JSON").WithCause(err)
			}
		}
	}

	for envVar, path := range envOverrides {
		if value, ok := os.LookupEnv(envVar); ok && value != "" {
			if err := k.Set(path, value); err != nil {
				return nil, errors.NewInternalError(
					fmt.Sprintf("failed to apply %s override", envVar)).WithCause(err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.NewConfigValidationError("", nil,
			"config does not match schema").WithCause(err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func underlying(err error) error {
	type unwrapper interface{ Unwrap() error }
	for {
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}

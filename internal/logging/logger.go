// Package logging provides the structured logger used across the audit
// pipeline: zap-based, with sensitive-data masking, request correlation
// fields, and an optional bounded buffer for forwarding to a custom sink.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Format selects the output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	// FormatStructured is JSON with @-prefixed metadata keys, for log
	// shippers that expect the convention.
	FormatStructured Format = "structured"
)

// Config configures the logger.
type Config struct {
	Level     string // debug, info, warn, error (fatal collapses to error)
	Format    Format
	Component string

	// Masking
	MaskingEnabled  bool
	SensitiveFields []string // merged with DefaultSensitiveFields

	// Buffering for a custom sink; nil Sink disables buffering.
	BufferSize int
	Sink       zapcore.WriteSyncer
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Level:          "info",
		Format:         FormatJSON,
		MaskingEnabled: true,
		BufferSize:     1024,
	}
}

// Logger wraps zap with masking and correlation helpers.
type Logger struct {
	zap    *zap.Logger
	masker *Masker
	buffer *RingBuffer
}

// New builds a logger from config. Unknown levels default to info; "fatal"
// collapses to error.
func New(cfg Config) (*Logger, error) {
	level := parseLevel(cfg.Level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.MessageKey = "message"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch cfg.Format {
	case FormatText:
		devCfg := zap.NewDevelopmentEncoderConfig()
		devCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewConsoleEncoder(devCfg)
	case FormatStructured:
		encoderCfg.TimeKey = "@timestamp"
		encoderCfg.LevelKey = "@level"
		encoderCfg.MessageKey = "@message"
		encoderCfg.NameKey = "@component"
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	case FormatJSON, "":
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	var buffer *RingBuffer
	sink := zapcore.Lock(os.Stderr)
	cores := []zapcore.Core{zapcore.NewCore(encoder, sink, level)}
	if cfg.Sink != nil {
		buffer = NewRingBuffer(cfg.BufferSize, cfg.Sink)
		cores = append(cores, zapcore.NewCore(encoder.Clone(), buffer, level))
	}

	zl := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	if cfg.Component != "" {
		zl = zl.Named(cfg.Component).With(zap.String("component", cfg.Component))
	}

	var masker *Masker
	if cfg.MaskingEnabled {
		masker = NewMasker(cfg.SensitiveFields...)
	}

	return &Logger{zap: zl, masker: masker, buffer: buffer}, nil
}

// Zap exposes the underlying zap logger for packages that take *zap.Logger
// directly. Fields passed through it are not masked.
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// WithRequest returns a logger annotated with request correlation fields.
func (l *Logger) WithRequest(requestID, correlationID string) *Logger {
	fields := make([]zap.Field, 0, 2)
	if requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	if correlationID != "" {
		fields = append(fields, zap.String("correlation_id", correlationID))
	}
	return &Logger{zap: l.zap.With(fields...), masker: l.masker, buffer: l.buffer}
}

// WithComponent returns a logger annotated with a component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		zap:    l.zap.Named(component).With(zap.String("component", component)),
		masker: l.masker,
		buffer: l.buffer,
	}
}

func (l *Logger) Debug(msg string, metadata map[string]interface{}) {
	l.zap.Debug(msg, l.metadataField(metadata)...)
}

func (l *Logger) Info(msg string, metadata map[string]interface{}) {
	l.zap.Info(msg, l.metadataField(metadata)...)
}

func (l *Logger) Warn(msg string, metadata map[string]interface{}) {
	l.zap.Warn(msg, l.metadataField(metadata)...)
}

func (l *Logger) Error(msg string, err error, metadata map[string]interface{}) {
	fields := l.metadataField(metadata)
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	l.zap.Error(msg, fields...)
}

// Flush drains the ring buffer to the configured sink and syncs zap. Sink
// failures degrade gracefully: buffered entries fall back to stderr with an
// error annotation rather than being lost.
func (l *Logger) Flush() error {
	if l.buffer != nil {
		if err := l.buffer.Flush(); err != nil {
			return err
		}
	}
	// Sync on stderr returns ENOTTY on some platforms; ignore.
	_ = l.zap.Sync()
	return nil
}

func (l *Logger) metadataField(metadata map[string]interface{}) []zap.Field {
	if len(metadata) == 0 {
		return nil
	}
	if l.masker != nil {
		metadata = l.masker.MaskMap(metadata)
	}
	return []zap.Field{zap.Any("metadata", metadata)}
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "info", "":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error", "fatal":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

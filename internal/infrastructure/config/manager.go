package config

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"

	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
)

// changeHistorySize bounds the in-memory change history ring.
const changeHistorySize = 256

// reloadDebounce coalesces bursts of file-watch events into one reload.
const reloadDebounce = 250 * time.Millisecond

// DefaultReloadableFields lists the dotted paths that may be mutated at
// runtime. Everything else requires a process restart.
var DefaultReloadableFields = []string{
	"logging.level",
	"worker.concurrency",
	"retry.maxAttempts",
	"retry.initialDelayMs",
	"retry.maxDelayMs",
	"retry.backoffMultiplier",
	"circuitBreaker.enabled",
	"circuitBreaker.failureThreshold",
	"circuitBreaker.recoveryTimeoutMs",
	"circuitBreaker.monitoringWindowMs",
	"circuitBreaker.minimumRequestThreshold",
	"deadLetter.alertThreshold",
	"monitoring.alertThresholds.errorRate",
	"monitoring.alertThresholds.processingLatency",
	"monitoring.alertThresholds.queueDepth",
	"monitoring.alertThresholds.memoryUsage",
}

// ChangeRecord documents one applied configuration mutation.
type ChangeRecord struct {
	Field         string      `json:"field"`
	PreviousValue interface{} `json:"previousValue"`
	NewValue      interface{} `json:"newValue"`
	ChangedBy     string      `json:"changedBy"`
	Reason        string      `json:"reason"`
	Timestamp     time.Time   `json:"timestamp"`
	Version       int64       `json:"version"`
}

// ChangeHandler observes applied configuration changes. Handlers run
// sequentially; a handler error is logged and does not abort the update.
type ChangeHandler func(record ChangeRecord) error

// Manager owns the live configuration snapshot. Readers obtain a coherent
// snapshot via Current; updates publish a fresh copy with an atomic pointer
// swap so readers never observe a partially applied change.
type Manager struct {
	snapshot atomic.Pointer[Config]
	opts     LoadOptions
	logger   *zap.Logger

	mu         sync.Mutex
	version    int64
	history    []ChangeRecord
	historyPos int
	handlers   []ChangeHandler
	reloadable map[string]bool
}

// NewManager wraps an already validated configuration.
func NewManager(cfg *Config, opts LoadOptions, logger *zap.Logger) *Manager {
	m := &Manager{
		opts:       opts,
		logger:     logger,
		version:    cfg.Version,
		history:    make([]ChangeRecord, 0, changeHistorySize),
		reloadable: make(map[string]bool, len(DefaultReloadableFields)),
	}
	for _, field := range DefaultReloadableFields {
		m.reloadable[field] = true
	}
	m.snapshot.Store(cfg)
	return m
}

// Current returns the live snapshot. The returned value must be treated as
// read-only.
func (m *Manager) Current() *Config {
	return m.snapshot.Load()
}

// Version returns the monotonically increasing configuration version.
func (m *Manager) Version() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// OnChange registers a handler invoked after every applied update.
func (m *Manager) OnChange(handler ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Update mutates one hot-reloadable field. Non-reloadable fields are
// rejected; the new snapshot is validated before publication.
func (m *Manager) Update(field string, value interface{}, changedBy, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.reloadable[field] {
		return errors.NewConfigValidationError(field, value,
			"not hot-reloadable; restart required")
	}

	current := m.snapshot.Load()
	next, previous, err := applyField(current, field, value)
	if err != nil {
		return err
	}
	if err := Validate(next); err != nil {
		return err
	}

	m.version++
	next.Version = m.version
	record := ChangeRecord{
		Field:         field,
		PreviousValue: previous,
		NewValue:      value,
		ChangedBy:     changedBy,
		Reason:        reason,
		Timestamp:     time.Now().UTC(),
		Version:       m.version,
	}
	m.appendHistory(record)
	m.snapshot.Store(next)

	m.logger.Info("configuration updated",
		zap.String("field", field),
		zap.Int64("version", m.version),
		zap.String("changed_by", changedBy))

	for _, handler := range m.handlers {
		if err := handler(record); err != nil {
			m.logger.Error("config change handler failed",
				zap.String("field", field),
				zap.Error(err))
		}
	}
	return nil
}

// History returns the retained change records, oldest first.
func (m *Manager) History() []ChangeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ChangeRecord, len(m.history))
	if len(m.history) < changeHistorySize {
		copy(out, m.history)
		return out
	}
	for i := range m.history {
		out[i] = m.history[(m.historyPos+i)%len(m.history)]
	}
	return out
}

// Watch re-reads the config file when it changes and applies any
// hot-reloadable differences. Blocks until ctx is cancelled.
func (m *Manager) Watch(ctx context.Context) error {
	if m.opts.Path == "" {
		return errors.NewConfigValidationError("file", "",
			"hot reload requires a config file path")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.NewInternalError("failed to create file watcher").WithCause(err)
	}
	defer watcher.Close()

	if err := watcher.Add(m.opts.Path); err != nil {
		return errors.NewInternalError("failed to watch config file").WithCause(err)
	}

	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := m.reloadFromFile(); err != nil {
				m.logger.Error("config hot reload failed", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) reloadFromFile() error {
	fresh, err := Load(m.opts)
	if err != nil {
		return err
	}

	current := m.snapshot.Load()
	currentFlat, err := flatten(current)
	if err != nil {
		return err
	}
	freshFlat, err := flatten(fresh)
	if err != nil {
		return err
	}

	for field := range m.reloadable {
		oldValue, newValue := currentFlat[field], freshFlat[field]
		if fmt.Sprint(oldValue) == fmt.Sprint(newValue) {
			continue
		}
		if err := m.Update(field, newValue, "hot-reload", "config file changed"); err != nil {
			m.logger.Error("failed to apply reloaded field",
				zap.String("field", field), zap.Error(err))
		}
	}
	return nil
}

// Export returns a deep copy of the snapshot with credentials masked unless
// includeSecrets is set.
func (m *Manager) Export(includeSecrets bool) *Config {
	out := *m.snapshot.Load()
	if includeSecrets {
		return &out
	}
	out.Redis.URL = maskURLCredentials(out.Redis.URL)
	out.Database.URL = maskURLCredentials(out.Database.URL)
	if out.Security.EncryptionKey != "" {
		out.Security.EncryptionKey = "***"
	}
	if out.Security.PseudonymSalt != "" {
		out.Security.PseudonymSalt = "***"
	}
	return &out
}

func (m *Manager) appendHistory(record ChangeRecord) {
	if len(m.history) < changeHistorySize {
		m.history = append(m.history, record)
		return
	}
	m.history[m.historyPos] = record
	m.historyPos = (m.historyPos + 1) % changeHistorySize
}

// applyField sets one dotted field on a copy of cfg, returning the copy and
// the previous value.
func applyField(cfg *Config, field string, value interface{}) (*Config, interface{}, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return nil, nil, errors.NewInternalError("failed to snapshot config").WithCause(err)
	}
	previous := k.Get(field)
	if err := k.Set(field, value); err != nil {
		return nil, nil, errors.NewInternalError(
			fmt.Sprintf("failed to set %s", field)).WithCause(err)
	}

	var next Config
	if err := k.Unmarshal("", &next); err != nil {
		return nil, nil, errors.NewConfigValidationError(field, value,
			"value does not match field type").WithCause(err)
	}
	return &next, previous, nil
}

func flatten(cfg *Config) (map[string]interface{}, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return nil, errors.NewInternalError("failed to flatten config").WithCause(err)
	}
	return k.All(), nil
}

// maskURLCredentials rewrites user:password@host as user:***@host.
func maskURLCredentials(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, hasPassword := u.User.Password(); !hasPassword {
		return raw
	}
	masked := strings.Replace(raw, u.User.String()+"@",
		u.User.Username()+":***@", 1)
	return masked
}

// Package alerts stores operational alerts and watches the event stream for
// threshold breaches.
package alerts

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/medlogix/compliant-audit-backend/internal/domain/audit"
	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
	"github.com/medlogix/compliant-audit-backend/internal/infrastructure/repository"
	"github.com/medlogix/compliant-audit-backend/internal/metrics"
)

// DefaultDedupWindow bounds how long an unresolved alert suppresses
// duplicates with the same {source, title, correlationKey}.
const DefaultDedupWindow = 15 * time.Minute

// Store is the persistence surface the service needs.
type Store interface {
	Insert(ctx context.Context, alert *audit.Alert) error
	FindRecentDuplicate(ctx context.Context, alert *audit.Alert, window time.Duration) (*audit.Alert, error)
	GetByID(ctx context.Context, organizationID, id string) (*audit.Alert, error)
	List(ctx context.Context, organizationID string, filter repository.ListFilter) ([]*audit.Alert, error)
	Update(ctx context.Context, alert *audit.Alert) error
	CollectStatistics(ctx context.Context, organizationID string, since time.Time) (*repository.Statistics, error)
	DeleteResolvedBefore(ctx context.Context, organizationID string, cutoff time.Time) (int64, error)
}

// Service owns the alert lifecycle. Every query is organization-scoped;
// requests without an organization fail with Forbidden.
type Service struct {
	store       Store
	logger      *zap.Logger
	metrics     *metrics.Registry
	dedupWindow time.Duration
}

func NewService(store Store, logger *zap.Logger, reg *metrics.Registry) *Service {
	return &Service{
		store:       store,
		logger:      logger,
		metrics:     reg,
		dedupWindow: DefaultDedupWindow,
	}
}

// Raise persists an alert unless an unresolved duplicate exists inside the
// dedup window, in which case the existing alert is returned.
func (s *Service) Raise(ctx context.Context, alert *audit.Alert) (*audit.Alert, error) {
	existing, err := s.store.FindRecentDuplicate(ctx, alert, s.dedupWindow)
	if err == nil {
		s.logger.Debug("alert deduplicated",
			zap.String("existing_id", existing.ID),
			zap.String("dedup_key", alert.DedupKey()))
		return existing, nil
	}
	if !errors.IsType(err, errors.ErrorTypeNotFound) {
		return nil, err
	}

	if err := s.store.Insert(ctx, alert); err != nil {
		return nil, err
	}
	s.metrics.AlertsRaised.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()
	s.logger.Warn("alert raised",
		zap.String("alert_id", alert.ID),
		zap.String("organization_id", alert.OrganizationID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.String("title", alert.Title))
	return alert, nil
}

// GetAlerts lists an organization's alerts with optional filters.
func (s *Service) GetAlerts(ctx context.Context, organizationID string, filter repository.ListFilter) ([]*audit.Alert, error) {
	if err := requireOrganization(organizationID); err != nil {
		return nil, err
	}
	return s.store.List(ctx, organizationID, filter)
}

// GetActiveAlerts lists an organization's unresolved alerts.
func (s *Service) GetActiveAlerts(ctx context.Context, organizationID string) ([]*audit.Alert, error) {
	if err := requireOrganization(organizationID); err != nil {
		return nil, err
	}
	unresolved := false
	return s.store.List(ctx, organizationID, repository.ListFilter{Resolved: &unresolved})
}

// ResolveAlert marks an alert resolved. The alert must belong to the given
// organization; resolving an already-resolved alert is a conflict.
func (s *Service) ResolveAlert(ctx context.Context, organizationID, id, resolvedBy, notes string) (*audit.Alert, error) {
	if err := requireOrganization(organizationID); err != nil {
		return nil, err
	}
	alert, err := s.store.GetByID(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}
	if err := alert.Resolve(resolvedBy, notes); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, alert); err != nil {
		return nil, err
	}
	s.logger.Info("alert resolved",
		zap.String("alert_id", id),
		zap.String("resolved_by", resolvedBy))
	return alert, nil
}

// GetStatistics aggregates the last 30 days of an organization's alerts.
func (s *Service) GetStatistics(ctx context.Context, organizationID string) (*repository.Statistics, error) {
	if err := requireOrganization(organizationID); err != nil {
		return nil, err
	}
	return s.store.CollectStatistics(ctx, organizationID, time.Now().UTC().AddDate(0, 0, -30))
}

// CleanupResolvedAlerts prunes an organization's resolved alerts older than
// olderThanDays.
func (s *Service) CleanupResolvedAlerts(ctx context.Context, organizationID string, olderThanDays int) (int64, error) {
	if err := requireOrganization(organizationID); err != nil {
		return 0, err
	}
	if olderThanDays < 1 {
		return 0, errors.NewInvalidEventError("INVALID_RETENTION",
			"olderThanDays must be at least 1")
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	removed, err := s.store.DeleteResolvedBefore(ctx, organizationID, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("resolved alerts pruned",
			zap.String("organization_id", organizationID),
			zap.Int64("removed", removed))
	}
	return removed, nil
}

func requireOrganization(organizationID string) error {
	if organizationID == "" {
		return errors.NewForbiddenError("alert access requires an organization scope")
	}
	return nil
}

package repository

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medlogix/compliant-audit-backend/internal/domain/audit"
	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
)

// AlertRepository stores alerts. Every read is scoped to one organization;
// cross-org access is rejected at the service layer.
type AlertRepository struct {
	db *pgxpool.Pool
}

func NewAlertRepository(db *pgxpool.Pool) *AlertRepository {
	return &AlertRepository{db: db}
}

const alertColumns = `
	id, organization_id, type, severity, source, title, description,
	correlation_key, timestamp, resolved, resolved_at, resolved_by,
	resolution_notes`

// Insert stores a new alert.
func (r *AlertRepository) Insert(ctx context.Context, alert *audit.Alert) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO audit_alerts (
			id, organization_id, type, severity, source, title, description,
			correlation_key, timestamp, resolved
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		alert.ID, alert.OrganizationID, string(alert.Type), string(alert.Severity),
		alert.Source, alert.Title, alert.Description,
		nullIfEmpty(alert.CorrelationKey), alert.Timestamp, alert.Resolved)
	if err != nil {
		return errors.NewTransientError("ALERT_INSERT_FAILED",
			"failed to insert alert").WithCause(err)
	}
	return nil
}

// FindRecentDuplicate returns an unresolved alert with the same dedup
// identity raised inside the window, or not-found.
func (r *AlertRepository) FindRecentDuplicate(ctx context.Context, alert *audit.Alert, window time.Duration) (*audit.Alert, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+alertColumns+`
		 FROM audit_alerts
		 WHERE organization_id = $1 AND source = $2 AND title = $3
		   AND correlation_key IS NOT DISTINCT FROM NULLIF($4, '')
		   AND NOT resolved AND timestamp >= $5
		 ORDER BY timestamp DESC
		 LIMIT 1`,
		alert.OrganizationID, alert.Source, alert.Title, alert.CorrelationKey,
		alert.Timestamp.Add(-window))
	found, err := scanAlert(row)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NewNotFoundError("duplicate alert")
		}
		return nil, errors.NewTransientError("ALERT_QUERY_FAILED",
			"failed to check for duplicate alert").WithCause(err)
	}
	return found, nil
}

// GetByID loads one alert within an organization scope.
func (r *AlertRepository) GetByID(ctx context.Context, organizationID, id string) (*audit.Alert, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM audit_alerts
		 WHERE id = $1 AND organization_id = $2`, id, organizationID)
	alert, err := scanAlert(row)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NewNotFoundError("alert " + id)
		}
		return nil, errors.NewTransientError("ALERT_READ_FAILED",
			"failed to read alert").WithCause(err)
	}
	return alert, nil
}

// ListFilter narrows, orders, and paginates List results. Zero values mean
// "no constraint"; the default ordering is timestamp descending.
type ListFilter struct {
	Type      audit.AlertType
	Severity  audit.AlertSeverity
	Source    string
	Resolved  *bool
	SortBy    string // timestamp, severity, or type
	SortOrder string // asc or desc
	Limit     int
	Offset    int
}

// orderClause maps the requested sort onto a whitelisted column so filter
// values never reach the SQL text.
func (f ListFilter) orderClause() string {
	column := "timestamp"
	switch f.SortBy {
	case "severity", "type":
		column = f.SortBy
	}
	direction := "DESC"
	if strings.EqualFold(f.SortOrder, "asc") {
		direction = "ASC"
	}
	return column + " " + direction + ", id"
}

// List returns an organization's alerts under the filter's ordering.
func (r *AlertRepository) List(ctx context.Context, organizationID string, filter ListFilter) ([]*audit.Alert, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+alertColumns+`
		 FROM audit_alerts
		 WHERE organization_id = $1
		   AND ($2 = '' OR type = $2)
		   AND ($3 = '' OR severity = $3)
		   AND ($4 = '' OR source = $4)
		   AND ($5::boolean IS NULL OR resolved = $5)
		 ORDER BY `+filter.orderClause()+`
		 LIMIT $6 OFFSET $7`,
		organizationID, string(filter.Type), string(filter.Severity),
		filter.Source, filter.Resolved, limit, filter.Offset)
	if err != nil {
		return nil, errors.NewTransientError("ALERT_QUERY_FAILED",
			"failed to list alerts").WithCause(err)
	}
	defer rows.Close()

	var alerts []*audit.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, errors.NewTransientError("ALERT_SCAN_FAILED",
				"failed to scan alert").WithCause(err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// Update persists resolution state.
func (r *AlertRepository) Update(ctx context.Context, alert *audit.Alert) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE audit_alerts
		 SET resolved = $3, resolved_at = $4, resolved_by = $5, resolution_notes = $6
		 WHERE id = $1 AND organization_id = $2`,
		alert.ID, alert.OrganizationID, alert.Resolved,
		alert.ResolvedAt, alert.ResolvedBy, alert.ResolutionNotes)
	if err != nil {
		return errors.NewTransientError("ALERT_UPDATE_FAILED",
			"failed to update alert").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NewNotFoundError("alert " + alert.ID)
	}
	return nil
}

// Statistics aggregates an organization's alerts since a point in time.
type Statistics struct {
	Total      int64                          `json:"total"`
	Unresolved int64                          `json:"unresolved"`
	ByType     map[audit.AlertType]int64      `json:"byType"`
	BySeverity map[audit.AlertSeverity]int64  `json:"bySeverity"`
}

// CollectStatistics computes alert statistics for one organization.
func (r *AlertRepository) CollectStatistics(ctx context.Context, organizationID string, since time.Time) (*Statistics, error) {
	stats := &Statistics{
		ByType:     make(map[audit.AlertType]int64),
		BySeverity: make(map[audit.AlertSeverity]int64),
	}

	rows, err := r.db.Query(ctx,
		`SELECT type, severity, resolved, COUNT(*)
		 FROM audit_alerts
		 WHERE organization_id = $1 AND timestamp >= $2
		 GROUP BY type, severity, resolved`, organizationID, since)
	if err != nil {
		return nil, errors.NewTransientError("ALERT_STATS_FAILED",
			"failed to collect alert statistics").WithCause(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			alertType string
			severity  string
			resolved  bool
			count     int64
		)
		if err := rows.Scan(&alertType, &severity, &resolved, &count); err != nil {
			return nil, err
		}
		stats.Total += count
		if !resolved {
			stats.Unresolved += count
		}
		stats.ByType[audit.AlertType(alertType)] += count
		stats.BySeverity[audit.AlertSeverity(severity)] += count
	}
	return stats, rows.Err()
}

// DeleteResolvedBefore prunes an organization's resolved alerts older than
// cutoff and returns the number removed.
func (r *AlertRepository) DeleteResolvedBefore(ctx context.Context, organizationID string, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM audit_alerts
		 WHERE organization_id = $1 AND resolved AND timestamp < $2`,
		organizationID, cutoff)
	if err != nil {
		return 0, errors.NewTransientError("ALERT_CLEANUP_FAILED",
			"failed to prune resolved alerts").WithCause(err)
	}
	return tag.RowsAffected(), nil
}

func scanAlert(row rowScanner) (*audit.Alert, error) {
	var (
		alert          audit.Alert
		alertType      string
		severity       string
		correlationKey *string
	)
	err := row.Scan(&alert.ID, &alert.OrganizationID, &alertType, &severity,
		&alert.Source, &alert.Title, &alert.Description, &correlationKey,
		&alert.Timestamp, &alert.Resolved, &alert.ResolvedAt,
		&alert.ResolvedBy, &alert.ResolutionNotes)
	if err != nil {
		return nil, err
	}
	alert.Type = audit.AlertType(alertType)
	alert.Severity = audit.AlertSeverity(severity)
	alert.Timestamp = alert.Timestamp.UTC()
	if correlationKey != nil {
		alert.CorrelationKey = *correlationKey
	}
	return &alert, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

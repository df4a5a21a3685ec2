package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
)

// AlertType classifies the origin of an alert.
type AlertType string

const (
	AlertTypeSecurity    AlertType = "SECURITY"
	AlertTypePerformance AlertType = "PERFORMANCE"
	AlertTypeCompliance  AlertType = "COMPLIANCE"
	AlertTypeSystem      AlertType = "SYSTEM"
)

// AlertSeverity orders alerts for triage.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "LOW"
	SeverityMedium   AlertSeverity = "MEDIUM"
	SeverityHigh     AlertSeverity = "HIGH"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// Alert is a threshold- or integrity-driven notification scoped to one
// organization. Every read path must filter by OrganizationID.
type Alert struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organizationId"`
	Type           AlertType     `json:"type"`
	Severity       AlertSeverity `json:"severity"`
	Source         string        `json:"source"`
	Title          string        `json:"title"`
	Description    string        `json:"description"`
	CorrelationKey string        `json:"correlationKey,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`

	Resolved        bool       `json:"resolved"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy      *string    `json:"resolvedBy,omitempty"`
	ResolutionNotes *string    `json:"resolutionNotes,omitempty"`
}

// NewAlert creates an unresolved alert.
func NewAlert(orgID string, alertType AlertType, severity AlertSeverity, source, title, description string) (*Alert, error) {
	if orgID == "" {
		return nil, errors.NewInvalidEventError("MISSING_ORGANIZATION", "organizationId is required")
	}
	if !isValidAlertType(alertType) {
		return nil, errors.NewInvalidEventError("INVALID_ALERT_TYPE",
			"type must be SECURITY, PERFORMANCE, COMPLIANCE, or SYSTEM")
	}
	if !isValidSeverity(severity) {
		return nil, errors.NewInvalidEventError("INVALID_SEVERITY",
			"severity must be LOW, MEDIUM, HIGH, or CRITICAL")
	}
	if title == "" {
		return nil, errors.NewInvalidEventError("MISSING_TITLE", "title is required")
	}

	return &Alert{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		Type:           alertType,
		Severity:       severity,
		Source:         source,
		Title:          title,
		Description:    description,
		Timestamp:      time.Now().UTC(),
	}, nil
}

// Resolve marks the alert resolved. Resolving twice is a conflict.
func (a *Alert) Resolve(resolvedBy, notes string) error {
	if a.Resolved {
		return errors.NewConflictError("alert is already resolved")
	}
	if resolvedBy == "" {
		return errors.NewInvalidEventError("MISSING_RESOLVER", "resolver is required")
	}
	now := time.Now().UTC()
	a.Resolved = true
	a.ResolvedAt = &now
	a.ResolvedBy = &resolvedBy
	if notes != "" {
		a.ResolutionNotes = &notes
	}
	return nil
}

// DedupKey identifies logically equivalent alerts inside the deduplication
// window.
func (a *Alert) DedupKey() string {
	return a.Source + "|" + a.Title + "|" + a.CorrelationKey
}

func isValidAlertType(t AlertType) bool {
	switch t {
	case AlertTypeSecurity, AlertTypePerformance, AlertTypeCompliance, AlertTypeSystem:
		return true
	}
	return false
}

func isValidSeverity(s AlertSeverity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

package audit

import (
	"time"

	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
)

// RetentionPolicy describes how long events of a classification are kept,
// when they are archived, and when archived events are deleted.
// Invariant: archiveAfterDays <= deleteAfterDays <= retentionDays whenever
// the optional fields are set. Violations are configuration errors surfaced
// at policy creation, never at apply time.
type RetentionPolicy struct {
	ID                 int64              `json:"id,omitempty"`
	PolicyName         string             `json:"policyName"`
	DataClassification DataClassification `json:"dataClassification"`
	RetentionDays      int                `json:"retentionDays"`
	ArchiveAfterDays   *int               `json:"archiveAfterDays,omitempty"`
	DeleteAfterDays    *int               `json:"deleteAfterDays,omitempty"`
	IsActive           bool               `json:"isActive"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// Validate checks the policy's internal consistency.
func (p *RetentionPolicy) Validate() error {
	if p.PolicyName == "" {
		return errors.NewConfigValidationError("policyName", p.PolicyName, "required")
	}
	if !isValidClassification(p.DataClassification) {
		return errors.NewConfigValidationError("dataClassification",
			string(p.DataClassification), "must be PUBLIC, INTERNAL, CONFIDENTIAL, or PHI")
	}
	if p.RetentionDays < 1 {
		return errors.NewConfigValidationError("retentionDays", p.RetentionDays, ">= 1")
	}
	if p.ArchiveAfterDays != nil {
		if *p.ArchiveAfterDays < 1 {
			return errors.NewConfigValidationError("archiveAfterDays", *p.ArchiveAfterDays, ">= 1")
		}
		if *p.ArchiveAfterDays > p.RetentionDays {
			return errors.NewConfigValidationError("archiveAfterDays", *p.ArchiveAfterDays,
				"<= retentionDays")
		}
	}
	if p.DeleteAfterDays != nil {
		if p.ArchiveAfterDays != nil && *p.DeleteAfterDays <= *p.ArchiveAfterDays {
			return errors.NewConfigValidationError("deleteAfterDays", *p.DeleteAfterDays,
				"> archiveAfterDays")
		}
		if *p.DeleteAfterDays > p.RetentionDays {
			return errors.NewConfigValidationError("deleteAfterDays", *p.DeleteAfterDays,
				"<= retentionDays")
		}
	}
	return nil
}

// ArchiveCutoff returns the timestamp before which events become eligible
// for archival, or a zero time when the policy does not archive.
func (p *RetentionPolicy) ArchiveCutoff(now time.Time) time.Time {
	if p.ArchiveAfterDays == nil {
		return time.Time{}
	}
	return now.AddDate(0, 0, -*p.ArchiveAfterDays)
}

// DeleteCutoff returns the timestamp before which archived events become
// eligible for deletion, or a zero time when the policy does not delete.
func (p *RetentionPolicy) DeleteCutoff(now time.Time) time.Time {
	if p.DeleteAfterDays == nil {
		return time.Time{}
	}
	return now.AddDate(0, 0, -*p.DeleteAfterDays)
}

// IntPtr is a convenience for building policies with optional day fields.
func IntPtr(v int) *int {
	return &v
}

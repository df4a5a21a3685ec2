package audit

import "time"

// IntegrityVerification records the outcome of recomputing a stored event's
// hash. One row is appended per verified event; sweeps never overwrite
// earlier outcomes.
type IntegrityVerification struct {
	ID           int64              `json:"id,omitempty"`
	AuditLogID   int64              `json:"auditLogId"`
	VerifiedAt   time.Time          `json:"verifiedAt"`
	Status       VerificationStatus `json:"status"`
	ExpectedHash string             `json:"expectedHash,omitempty"`
	ObservedHash string             `json:"observedHash,omitempty"`
	VerifiedBy   string             `json:"verifiedBy"`
	Details      string             `json:"details,omitempty"`
}

// VerificationSummary aggregates a verification sweep.
type VerificationSummary struct {
	Checked     int `json:"checked"`
	OK          int `json:"ok"`
	Mismatched  int `json:"mismatched"`
	MissingHash int `json:"missingHash"`
}

// Add folds a single verification outcome into the summary.
func (s *VerificationSummary) Add(status VerificationStatus) {
	s.Checked++
	switch status {
	case VerificationOK:
		s.OK++
	case VerificationMismatch:
		s.Mismatched++
	case VerificationMissingHash:
		s.MissingHash++
	}
}

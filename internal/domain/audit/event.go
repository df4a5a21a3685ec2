package audit

import (
	"strings"
	"time"

	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
)

// Status is the outcome of the audited action.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusAttempt Status = "attempt"
)

// DataClassification drives retention and access rules for an event.
type DataClassification string

const (
	ClassificationPublic       DataClassification = "PUBLIC"
	ClassificationInternal     DataClassification = "INTERNAL"
	ClassificationConfidential DataClassification = "CONFIDENTIAL"
	ClassificationPHI          DataClassification = "PHI"
)

const (
	// DefaultHashAlgorithm is the only algorithm currently produced.
	DefaultHashAlgorithm = "SHA-256"

	// DefaultRetentionPolicy matches the schema default.
	DefaultRetentionPolicy = "standard"

	// DefaultClockSkewTolerance bounds how far in the future an event
	// timestamp may lie before validation rejects it.
	DefaultClockSkewTolerance = 60 * time.Second

	// MaxActionLength bounds the dotted action string.
	MaxActionLength = 255
)

// SessionContext carries request-session attribution for an event.
type SessionContext struct {
	SessionID string `json:"sessionId,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// Event is an immutable, hash-sealed audit record. ID is assigned by the
// store on insert; Hash seals the canonical form of every other field except
// ArchivedAt (see canonical.go). Once ArchivedAt is set the event is
// read-only.
type Event struct {
	ID        int64     `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	PrincipalID    *string `json:"principalId"`
	OrganizationID *string `json:"organizationId"`

	Action string `json:"action"`
	Status Status `json:"status"`

	TargetResourceType *string `json:"targetResourceType"`
	TargetResourceID   *string `json:"targetResourceId"`
	OutcomeDescription *string `json:"outcomeDescription"`

	DataClassification DataClassification `json:"dataClassification"`
	RetentionPolicy    string             `json:"retentionPolicy"`

	CorrelationID  *string         `json:"correlationId"`
	SessionContext *SessionContext `json:"sessionContext"`

	Details map[string]interface{} `json:"details"`

	Hash          string `json:"hash,omitempty"`
	HashAlgorithm string `json:"hashAlgorithm"`
	EventVersion  string `json:"eventVersion"`

	ProcessingLatencyMs *int64     `json:"processingLatencyMs"`
	ArchivedAt          *time.Time `json:"archivedAt,omitempty"`
}

// NewEvent creates an audit event with required fields and defaults applied.
// Validation of the full invariant set happens in Validate; the constructor
// only rejects what can never be repaired downstream.
func NewEvent(action string, status Status) (*Event, error) {
	if action == "" {
		return nil, errors.NewInvalidEventError("MISSING_ACTION", "action is required")
	}
	if !isValidStatus(status) {
		return nil, errors.NewInvalidEventError("INVALID_STATUS",
			"status must be 'success', 'failure', or 'attempt'")
	}

	return &Event{
		Timestamp:          time.Now().UTC().Truncate(time.Microsecond),
		Action:             action,
		Status:             status,
		DataClassification: ClassificationInternal,
		RetentionPolicy:    DefaultRetentionPolicy,
		HashAlgorithm:      DefaultHashAlgorithm,
		EventVersion:       "1.0",
	}, nil
}

// Validate checks the full ingestion invariant set. clockSkew bounds how far
// in the future Timestamp may lie; pass DefaultClockSkewTolerance unless
// configuration overrides it.
func (e *Event) Validate(clockSkew time.Duration) error {
	if e.Action == "" {
		return errors.NewInvalidEventError("MISSING_ACTION", "action is required")
	}
	if len(e.Action) > MaxActionLength {
		return errors.NewInvalidEventError("ACTION_TOO_LONG",
			"action must not exceed 255 characters")
	}
	if !isValidStatus(e.Status) {
		return errors.NewInvalidEventError("INVALID_STATUS",
			"status must be 'success', 'failure', or 'attempt'")
	}
	if e.Timestamp.IsZero() {
		return errors.NewInvalidEventError("MISSING_TIMESTAMP", "timestamp is required")
	}
	if e.Timestamp.After(time.Now().UTC().Add(clockSkew)) {
		return errors.NewInvalidEventError("TIMESTAMP_IN_FUTURE",
			"timestamp exceeds clock skew tolerance")
	}
	if !isValidClassification(e.DataClassification) {
		return errors.NewInvalidEventError("INVALID_CLASSIFICATION",
			"dataClassification must be PUBLIC, INTERNAL, CONFIDENTIAL, or PHI")
	}
	if e.HashAlgorithm != "" && e.HashAlgorithm != DefaultHashAlgorithm {
		return errors.NewInvalidEventError("UNSUPPORTED_HASH_ALGORITHM",
			"only SHA-256 is supported")
	}
	return nil
}

// IsArchived reports whether the event has been archived and is therefore
// read-only.
func (e *Event) IsArchived() bool {
	return e.ArchivedAt != nil
}

// ActionDomain returns the first segment of the dotted action string, e.g.
// "auth" for "auth.login.failure".
func (e *Event) ActionDomain() string {
	if i := strings.IndexByte(e.Action, '.'); i > 0 {
		return e.Action[:i]
	}
	return e.Action
}

// Clone returns a deep copy. The clone shares no mutable state with the
// original, so callers may modify it before re-hashing.
func (e *Event) Clone() *Event {
	clone := *e
	clone.PrincipalID = cloneStringPtr(e.PrincipalID)
	clone.OrganizationID = cloneStringPtr(e.OrganizationID)
	clone.TargetResourceType = cloneStringPtr(e.TargetResourceType)
	clone.TargetResourceID = cloneStringPtr(e.TargetResourceID)
	clone.OutcomeDescription = cloneStringPtr(e.OutcomeDescription)
	clone.CorrelationID = cloneStringPtr(e.CorrelationID)
	if e.SessionContext != nil {
		sc := *e.SessionContext
		clone.SessionContext = &sc
	}
	if e.Details != nil {
		clone.Details = deepCopyMap(e.Details)
	}
	if e.ProcessingLatencyMs != nil {
		v := *e.ProcessingLatencyMs
		clone.ProcessingLatencyMs = &v
	}
	if e.ArchivedAt != nil {
		t := *e.ArchivedAt
		clone.ArchivedAt = &t
	}
	return &clone
}

func isValidStatus(s Status) bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusAttempt:
		return true
	}
	return false
}

func isValidClassification(c DataClassification) bool {
	switch c {
	case ClassificationPublic, ClassificationInternal, ClassificationConfidential, ClassificationPHI:
		return true
	}
	return false
}

func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = deepCopyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// StringPtr is a convenience for building events with nullable fields.
func StringPtr(s string) *string {
	return &s
}

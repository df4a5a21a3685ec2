package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
)

// VerificationStatus is the outcome of recomputing an event's hash.
type VerificationStatus string

const (
	VerificationOK          VerificationStatus = "ok"
	VerificationMismatch    VerificationStatus = "mismatch"
	VerificationMissingHash VerificationStatus = "missing_hash"
)

// CanonicalBytes produces the deterministic byte representation of an event
// used as hash input. The canonical form excludes hash, archivedAt, and id
// (id is assigned by the store after the hash is sealed); every other field
// appears explicitly, absent values as JSON null. The byte layout follows
// RFC 8785: lexicographic key order, shortest round-trip numbers, JSON
// string escaping, no HTML escaping.
func CanonicalBytes(e *Event) ([]byte, error) {
	if e.Action == "" {
		return nil, errors.NewInvalidEventError("MISSING_ACTION", "action is required")
	}
	if !isValidStatus(e.Status) {
		return nil, errors.NewInvalidEventError("INVALID_STATUS",
			"status must be 'success', 'failure', or 'attempt'")
	}
	if e.Timestamp.IsZero() {
		return nil, errors.NewInvalidEventError("MISSING_TIMESTAMP", "timestamp is required")
	}

	form := map[string]interface{}{
		"timestamp":           e.Timestamp.UTC().Format(time.RFC3339Nano),
		"principalId":         nullableString(e.PrincipalID),
		"organizationId":      nullableString(e.OrganizationID),
		"action":              e.Action,
		"status":              string(e.Status),
		"targetResourceType":  nullableString(e.TargetResourceType),
		"targetResourceId":    nullableString(e.TargetResourceID),
		"outcomeDescription":  nullableString(e.OutcomeDescription),
		"dataClassification":  string(e.DataClassification),
		"retentionPolicy":     e.RetentionPolicy,
		"correlationId":       nullableString(e.CorrelationID),
		"sessionContext":      canonicalSessionContext(e.SessionContext),
		"details":             canonicalDetails(e.Details),
		"hashAlgorithm":       e.HashAlgorithm,
		"eventVersion":        e.EventVersion,
		"processingLatencyMs": nullableInt64(e.ProcessingLatencyMs),
	}

	raw, err := json.Marshal(form)
	if err != nil {
		return nil, errors.NewInternalError("failed to marshal canonical form").WithCause(err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, errors.NewInternalError("failed to canonicalize event").WithCause(err)
	}

	return canonical, nil
}

// ComputeHash returns the lowercase hex SHA-256 of the canonical form.
func ComputeHash(e *Event) (string, error) {
	canonical, err := CanonicalBytes(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Seal computes and assigns the event's hash. Archived events are read-only
// and cannot be re-sealed.
func Seal(e *Event) error {
	if e.IsArchived() {
		return errors.NewInvalidEventError("EVENT_ARCHIVED",
			"archived events are read-only")
	}
	return seal(e)
}

// Reseal recomputes the hash of an event the GDPR paths have rewritten in
// place. Unlike Seal it accepts archived events: data-subject rights override
// the archive's read-only rule.
func Reseal(e *Event) error {
	return seal(e)
}

func seal(e *Event) error {
	// The algorithm is part of the canonical form, so the default must be in
	// place before hashing.
	if e.HashAlgorithm == "" {
		e.HashAlgorithm = DefaultHashAlgorithm
	}
	// timestamptz stores microseconds. Hashing finer precision than the
	// store round-trips would fail verification on every persisted event.
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	hash, err := ComputeHash(e)
	if err != nil {
		return err
	}
	e.Hash = hash
	return nil
}

// Verify recomputes the canonical hash and compares it to the stored one.
// Any byte-level difference in the canonical form yields a mismatch.
func Verify(e *Event) (VerificationStatus, error) {
	if e.Hash == "" {
		return VerificationMissingHash, nil
	}
	observed, err := ComputeHash(e)
	if err != nil {
		return "", err
	}
	if observed != e.Hash {
		return VerificationMismatch, nil
	}
	return VerificationOK, nil
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func canonicalSessionContext(sc *SessionContext) interface{} {
	if sc == nil {
		return nil
	}
	return map[string]interface{}{
		"sessionId": emptyAsNull(sc.SessionID),
		"ipAddress": emptyAsNull(sc.IPAddress),
		"userAgent": emptyAsNull(sc.UserAgent),
	}
}

func canonicalDetails(details map[string]interface{}) interface{} {
	if details == nil {
		return nil
	}
	return details
}

func emptyAsNull(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

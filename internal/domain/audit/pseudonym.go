package audit

import (
	"time"

	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
)

// PseudonymStrategy selects how a pseudonym is derived from an original
// identifier.
type PseudonymStrategy string

const (
	// StrategyHash derives a deterministic pseudonym from
	// SHA-256(originalId || salt). Same input, same salt, same pseudonym.
	StrategyHash PseudonymStrategy = "hash"

	// StrategyToken draws a random pseudonym; only the stored mapping
	// binds the two identifiers.
	StrategyToken PseudonymStrategy = "token"

	// StrategyEncryption encrypts the original identifier with a
	// configured key; reversible by the key holder.
	StrategyEncryption PseudonymStrategy = "encryption"
)

// PseudonymMapping binds an original subject identifier to its pseudonym.
// Mappings are durable because they back GDPR erasure audit trails; both
// directions are uniquely indexed.
type PseudonymMapping struct {
	ID          int64             `json:"id,omitempty"`
	OriginalID  string            `json:"originalId"`
	PseudonymID string            `json:"pseudonymId"`
	Strategy    PseudonymStrategy `json:"strategy"`
	Context     string            `json:"context,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Validate checks mapping consistency.
func (m *PseudonymMapping) Validate() error {
	if m.OriginalID == "" {
		return errors.NewInvalidEventError("MISSING_ORIGINAL_ID", "originalId is required")
	}
	if m.PseudonymID == "" {
		return errors.NewInvalidEventError("MISSING_PSEUDONYM_ID", "pseudonymId is required")
	}
	if !isValidStrategy(m.Strategy) {
		return errors.NewInvalidEventError("INVALID_STRATEGY",
			"strategy must be 'hash', 'token', or 'encryption'")
	}
	return nil
}

func isValidStrategy(s PseudonymStrategy) bool {
	switch s {
	case StrategyHash, StrategyToken, StrategyEncryption:
		return true
	}
	return false
}

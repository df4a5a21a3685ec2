// Package gdpr implements the data-subject rights engine: pseudonymization,
// export, retention, and erasure over the audit log.
package gdpr

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/medlogix/compliant-audit-backend/internal/domain/audit"
	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
)

// DefaultMappingContext scopes registry mappings created by the GDPR engine.
const DefaultMappingContext = "gdpr"

const pseudonymPrefix = "pseudo-"

// tokenAttempts bounds redraws when a random token collides.
const tokenAttempts = 5

// MappingStore is the persistence the registry needs.
type MappingStore interface {
	Get(ctx context.Context, originalID, mappingContext string) (*audit.PseudonymMapping, error)
	Insert(ctx context.Context, mapping *audit.PseudonymMapping) error
	GetOrCreate(ctx context.Context, originalID, mappingContext string, build func() (*audit.PseudonymMapping, error)) (*audit.PseudonymMapping, error)
	ReverseLookup(ctx context.Context, pseudonymID, mappingContext string) (*audit.PseudonymMapping, error)
	DeleteByOriginal(ctx context.Context, tx pgx.Tx, originalID string) (int64, error)
}

// Registry issues and resolves pseudonyms. The hash strategy is
// deterministic over (originalId, salt); token draws randomly; encryption is
// reversible by the key holder.
type Registry struct {
	store          MappingStore
	salt           string
	encryptionKey  []byte
	mappingContext string
}

// NewRegistry builds a registry. salt backs the hash strategy and must be
// set; encryptionKey (any non-empty string, stretched to 32 bytes) backs the
// encryption strategy and may be empty if that strategy is unused.
func NewRegistry(store MappingStore, salt, encryptionKey string) (*Registry, error) {
	if salt == "" {
		return nil, errors.NewConfigValidationError("security.pseudonymSalt", "",
			"pseudonym salt is required")
	}
	r := &Registry{
		store:          store,
		salt:           salt,
		mappingContext: DefaultMappingContext,
	}
	if encryptionKey != "" {
		key := sha256.Sum256([]byte(encryptionKey))
		r.encryptionKey = key[:]
	}
	return r, nil
}

// CreatePseudonym returns the pseudonym for originalID under the given
// strategy, creating and persisting the mapping on first use. For the hash
// strategy an existing mapping always wins, so the pseudonym is stable.
func (r *Registry) CreatePseudonym(ctx context.Context, originalID string, strategy audit.PseudonymStrategy) (string, error) {
	if originalID == "" {
		return "", errors.NewInvalidEventError("MISSING_ORIGINAL_ID",
			"original identifier is required")
	}

	switch strategy {
	case audit.StrategyHash, audit.StrategyEncryption:
		mapping, err := r.store.GetOrCreate(ctx, originalID, r.mappingContext,
			func() (*audit.PseudonymMapping, error) {
				return r.buildMapping(originalID, strategy)
			})
		if err != nil {
			return "", err
		}
		return mapping.PseudonymID, nil

	case audit.StrategyToken:
		existing, err := r.store.Get(ctx, originalID, r.mappingContext)
		if err == nil {
			return existing.PseudonymID, nil
		}
		if !errors.IsType(err, errors.ErrorTypeNotFound) {
			return "", err
		}
		// Redraw on collision with another subject's token.
		for attempt := 0; attempt < tokenAttempts; attempt++ {
			mapping, err := r.buildMapping(originalID, strategy)
			if err != nil {
				return "", err
			}
			insertErr := r.store.Insert(ctx, mapping)
			if insertErr == nil {
				return mapping.PseudonymID, nil
			}
			if !errors.IsType(insertErr, errors.ErrorTypeConflict) {
				return "", insertErr
			}
			// Our own mapping may have won a concurrent race.
			if existing, err := r.store.Get(ctx, originalID, r.mappingContext); err == nil {
				return existing.PseudonymID, nil
			}
		}
		return "", errors.NewInternalError("token pseudonym collision persisted across redraws")

	default:
		return "", errors.NewInvalidEventError("INVALID_STRATEGY",
			fmt.Sprintf("unknown pseudonym strategy %q", strategy))
	}
}

// Lookup returns the pseudonym already issued for originalID.
func (r *Registry) Lookup(ctx context.Context, originalID string) (string, error) {
	mapping, err := r.store.Get(ctx, originalID, r.mappingContext)
	if err != nil {
		return "", err
	}
	return mapping.PseudonymID, nil
}

// Exists reports whether originalID already has a pseudonym.
func (r *Registry) Exists(ctx context.Context, originalID string) (bool, error) {
	_, err := r.store.Get(ctx, originalID, r.mappingContext)
	if err == nil {
		return true, nil
	}
	if errors.IsType(err, errors.ErrorTypeNotFound) {
		return false, nil
	}
	return false, err
}

// Reverse resolves a pseudonym back to the original identifier. The stored
// mapping is authoritative for every strategy, including encryption.
func (r *Registry) Reverse(ctx context.Context, pseudonymID string) (string, error) {
	mapping, err := r.store.ReverseLookup(ctx, pseudonymID, r.mappingContext)
	if err != nil {
		return "", err
	}
	return mapping.OriginalID, nil
}

// SeverMappings removes every mapping for a subject inside the caller's
// transaction, closing the re-identification path after a full erasure.
func (r *Registry) SeverMappings(ctx context.Context, tx pgx.Tx, originalID string) (int64, error) {
	return r.store.DeleteByOriginal(ctx, tx, originalID)
}

func (r *Registry) buildMapping(originalID string, strategy audit.PseudonymStrategy) (*audit.PseudonymMapping, error) {
	var pseudonymID string
	switch strategy {
	case audit.StrategyHash:
		pseudonymID = r.hashPseudonym(originalID)
	case audit.StrategyToken:
		token := make([]byte, 8)
		if _, err := rand.Read(token); err != nil {
			return nil, errors.NewInternalError("failed to draw random token").WithCause(err)
		}
		pseudonymID = pseudonymPrefix + hex.EncodeToString(token)
	case audit.StrategyEncryption:
		encrypted, err := r.encryptPseudonym(originalID)
		if err != nil {
			return nil, err
		}
		pseudonymID = encrypted
	}

	return &audit.PseudonymMapping{
		OriginalID:  originalID,
		PseudonymID: pseudonymID,
		Strategy:    strategy,
		Context:     r.mappingContext,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (r *Registry) hashPseudonym(originalID string) string {
	sum := sha256.Sum256([]byte(originalID + r.salt))
	return pseudonymPrefix + hex.EncodeToString(sum[:])[:16]
}

func (r *Registry) encryptPseudonym(originalID string) (string, error) {
	if r.encryptionKey == nil {
		return "", errors.NewConfigValidationError("security.encryptionKey", "",
			"encryption key required for encryption strategy")
	}
	block, err := aes.NewCipher(r.encryptionKey)
	if err != nil {
		return "", errors.NewInternalError("failed to build cipher").WithCause(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.NewInternalError("failed to build GCM").WithCause(err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.NewInternalError("failed to draw nonce").WithCause(err)
	}
	sealed := gcm.Seal(nil, nonce, []byte(originalID), nil)
	return pseudonymPrefix + hex.EncodeToString(append(nonce, sealed...)), nil
}

// Decrypt reverses an encryption-strategy pseudonym without the registry,
// for key holders auditing mappings offline.
func (r *Registry) Decrypt(pseudonymID string) (string, error) {
	if r.encryptionKey == nil {
		return "", errors.NewConfigValidationError("security.encryptionKey", "",
			"encryption key required to decrypt pseudonym")
	}
	if len(pseudonymID) <= len(pseudonymPrefix) {
		return "", errors.NewInvalidEventError("INVALID_PSEUDONYM", "malformed pseudonym")
	}
	raw, err := hex.DecodeString(pseudonymID[len(pseudonymPrefix):])
	if err != nil {
		return "", errors.NewInvalidEventError("INVALID_PSEUDONYM",
			"pseudonym is not hex encoded")
	}
	block, err := aes.NewCipher(r.encryptionKey)
	if err != nil {
		return "", errors.NewInternalError("failed to build cipher").WithCause(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.NewInternalError("failed to build GCM").WithCause(err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.NewInvalidEventError("INVALID_PSEUDONYM", "pseudonym too short")
	}
	plain, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
	if err != nil {
		return "", errors.NewInvalidEventError("INVALID_PSEUDONYM",
			"pseudonym failed authentication")
	}
	return string(plain), nil
}

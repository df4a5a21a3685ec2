package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medlogix/compliant-audit-backend/internal/domain/audit"
	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
)

// IntegrityRepository appends verification outcomes to the integrity log.
// The log itself is append-only: a re-verified event gets a new row.
type IntegrityRepository struct {
	db *pgxpool.Pool
}

func NewIntegrityRepository(db *pgxpool.Pool) *IntegrityRepository {
	return &IntegrityRepository{db: db}
}

// Record appends one verification outcome.
func (r *IntegrityRepository) Record(ctx context.Context, v *audit.IntegrityVerification) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO audit_integrity_log (
			audit_log_id, verified_at, status, expected_hash, observed_hash,
			verified_by, details
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		v.AuditLogID, v.VerifiedAt, string(v.Status), v.ExpectedHash,
		v.ObservedHash, v.VerifiedBy, v.Details,
	).Scan(&v.ID)
	if err != nil {
		return errors.NewTransientError("INTEGRITY_RECORD_FAILED",
			"failed to record verification").WithCause(err)
	}
	return nil
}

// LastVerifiedID returns the highest audit_log id that has ever been
// verified, so sweeps can resume where the previous one stopped.
func (r *IntegrityRepository) LastVerifiedID(ctx context.Context) (int64, error) {
	var id *int64
	err := r.db.QueryRow(ctx,
		`SELECT MAX(audit_log_id) FROM audit_integrity_log`).Scan(&id)
	if err != nil {
		return 0, errors.NewTransientError("INTEGRITY_READ_FAILED",
			"failed to read verification progress").WithCause(err)
	}
	if id == nil {
		return 0, nil
	}
	return *id, nil
}

// MismatchesSince lists verification failures recorded after since, newest
// first, for compliance reporting.
func (r *IntegrityRepository) MismatchesSince(ctx context.Context, since time.Time, limit int) ([]*audit.IntegrityVerification, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, audit_log_id, verified_at, status, expected_hash,
		        observed_hash, verified_by, details
		 FROM audit_integrity_log
		 WHERE status <> 'ok' AND verified_at >= $1
		 ORDER BY verified_at DESC
		 LIMIT $2`, since, limit)
	if err != nil {
		return nil, errors.NewTransientError("INTEGRITY_QUERY_FAILED",
			"failed to query verification failures").WithCause(err)
	}
	defer rows.Close()

	var results []*audit.IntegrityVerification
	for rows.Next() {
		var (
			v      audit.IntegrityVerification
			status string
		)
		if err := rows.Scan(&v.ID, &v.AuditLogID, &v.VerifiedAt, &status,
			&v.ExpectedHash, &v.ObservedHash, &v.VerifiedBy, &v.Details); err != nil {
			return nil, errors.NewTransientError("INTEGRITY_SCAN_FAILED",
				"failed to scan verification row").WithCause(err)
		}
		v.Status = audit.VerificationStatus(status)
		v.VerifiedAt = v.VerifiedAt.UTC()
		results = append(results, &v)
	}
	return results, rows.Err()
}

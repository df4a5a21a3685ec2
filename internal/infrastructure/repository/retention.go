package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medlogix/compliant-audit-backend/internal/domain/audit"
	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
)

// RetentionPolicyRepository stores the named retention policies the
// retention engine applies to audit_log rows.
type RetentionPolicyRepository struct {
	db *pgxpool.Pool
}

func NewRetentionPolicyRepository(db *pgxpool.Pool) *RetentionPolicyRepository {
	return &RetentionPolicyRepository{db: db}
}

// Upsert creates or replaces a policy by name.
func (r *RetentionPolicyRepository) Upsert(ctx context.Context, policy *audit.RetentionPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO audit_retention_policy (
			policy_name, data_classification, retention_days,
			archive_after_days, delete_after_days, is_active, created_at, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		 ON CONFLICT (policy_name) DO UPDATE SET
			data_classification = EXCLUDED.data_classification,
			retention_days = EXCLUDED.retention_days,
			archive_after_days = EXCLUDED.archive_after_days,
			delete_after_days = EXCLUDED.delete_after_days,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()`,
		policy.PolicyName, string(policy.DataClassification), policy.RetentionDays,
		policy.ArchiveAfterDays, policy.DeleteAfterDays, policy.IsActive)
	if err != nil {
		return errors.NewTransientError("POLICY_UPSERT_FAILED",
			"failed to upsert retention policy").WithCause(err)
	}
	return nil
}

// Insert creates a policy, failing on a duplicate name.
func (r *RetentionPolicyRepository) Insert(ctx context.Context, policy *audit.RetentionPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO audit_retention_policy (
			policy_name, data_classification, retention_days,
			archive_after_days, delete_after_days, is_active, created_at, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())`,
		policy.PolicyName, string(policy.DataClassification), policy.RetentionDays,
		policy.ArchiveAfterDays, policy.DeleteAfterDays, policy.IsActive)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return errors.NewConflictError("retention policy already exists")
		}
		return errors.NewTransientError("POLICY_INSERT_FAILED",
			"failed to insert retention policy").WithCause(err)
	}
	return nil
}

// Get loads one policy by name.
func (r *RetentionPolicyRepository) Get(ctx context.Context, name string) (*audit.RetentionPolicy, error) {
	row := r.db.QueryRow(ctx, retentionSelect+` WHERE policy_name = $1`, name)
	policy, err := scanPolicy(row)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NewNotFoundError("retention policy " + name)
		}
		return nil, errors.NewTransientError("POLICY_READ_FAILED",
			"failed to read retention policy").WithCause(err)
	}
	return policy, nil
}

// ListActive returns active policies in creation order, the order the
// retention engine applies them.
func (r *RetentionPolicyRepository) ListActive(ctx context.Context) ([]*audit.RetentionPolicy, error) {
	rows, err := r.db.Query(ctx,
		retentionSelect+` WHERE is_active ORDER BY created_at, policy_name`)
	if err != nil {
		return nil, errors.NewTransientError("POLICY_QUERY_FAILED",
			"failed to list retention policies").WithCause(err)
	}
	defer rows.Close()

	var policies []*audit.RetentionPolicy
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, errors.NewTransientError("POLICY_SCAN_FAILED",
				"failed to scan retention policy").WithCause(err)
		}
		policies = append(policies, policy)
	}
	return policies, rows.Err()
}

// Deactivate flags a policy inactive without deleting its history.
func (r *RetentionPolicyRepository) Deactivate(ctx context.Context, name string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE audit_retention_policy SET is_active = FALSE, updated_at = NOW()
		 WHERE policy_name = $1`, name)
	if err != nil {
		return errors.NewTransientError("POLICY_UPDATE_FAILED",
			"failed to deactivate retention policy").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NewNotFoundError("retention policy " + name)
	}
	return nil
}

const retentionSelect = `
	SELECT policy_name, data_classification, retention_days,
	       archive_after_days, delete_after_days, is_active,
	       created_at, updated_at
	FROM audit_retention_policy`

func scanPolicy(row rowScanner) (*audit.RetentionPolicy, error) {
	var (
		policy audit.RetentionPolicy
		class  string
	)
	err := row.Scan(&policy.PolicyName, &class, &policy.RetentionDays,
		&policy.ArchiveAfterDays, &policy.DeleteAfterDays, &policy.IsActive,
		&policy.CreatedAt, &policy.UpdatedAt)
	if err != nil {
		return nil, err
	}
	policy.DataClassification = audit.DataClassification(class)
	return &policy, nil
}

package repository

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medlogix/compliant-audit-backend/internal/domain/audit"
	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
)

// PseudonymRepository stores the mapping from original identifiers to their
// pseudonyms. Mappings are insert-once per (original, context): concurrent
// writers race on the primary key and the loser re-reads the winner's row.
type PseudonymRepository struct {
	db *pgxpool.Pool
}

func NewPseudonymRepository(db *pgxpool.Pool) *PseudonymRepository {
	return &PseudonymRepository{db: db}
}

// Get returns the mapping for (originalID, context) or a not-found error.
func (r *PseudonymRepository) Get(ctx context.Context, originalID, context_ string) (*audit.PseudonymMapping, error) {
	return r.get(ctx, r.db, originalID, context_)
}

// Insert stores a new mapping. A duplicate (original, context) returns a
// conflict so the caller can fall back to the existing row.
func (r *PseudonymRepository) Insert(ctx context.Context, mapping *audit.PseudonymMapping) error {
	if err := mapping.Validate(); err != nil {
		return err
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO pseudonym_mappings (original_id, pseudonym_id, strategy, context, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		mapping.OriginalID, mapping.PseudonymID, string(mapping.Strategy),
		mapping.Context, mapping.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return errors.NewConflictError("pseudonym mapping already exists")
		}
		return errors.NewTransientError("PSEUDONYM_INSERT_FAILED",
			"failed to insert pseudonym mapping").WithCause(err)
	}
	return nil
}

// GetOrCreate returns the existing mapping or inserts the candidate built by
// build. The insert races fairly: on conflict the stored mapping wins and is
// returned, so every caller observes one stable pseudonym per subject.
func (r *PseudonymRepository) GetOrCreate(ctx context.Context, originalID, context_ string, build func() (*audit.PseudonymMapping, error)) (*audit.PseudonymMapping, error) {
	existing, err := r.Get(ctx, originalID, context_)
	if err == nil {
		return existing, nil
	}
	if !errors.IsType(err, errors.ErrorTypeNotFound) {
		return nil, err
	}

	candidate, err := build()
	if err != nil {
		return nil, err
	}
	if err := r.Insert(ctx, candidate); err != nil {
		if errors.IsType(err, errors.ErrorTypeConflict) {
			return r.Get(ctx, originalID, context_)
		}
		return nil, err
	}
	return candidate, nil
}

// ReverseLookup resolves a pseudonym back to its original identifier, for
// authorized compliance investigations.
func (r *PseudonymRepository) ReverseLookup(ctx context.Context, pseudonymID, context_ string) (*audit.PseudonymMapping, error) {
	row := r.db.QueryRow(ctx,
		`SELECT original_id, pseudonym_id, strategy, context, created_at
		 FROM pseudonym_mappings WHERE pseudonym_id = $1 AND context = $2`,
		pseudonymID, context_)
	return scanMapping(row, fmt.Sprintf("pseudonym %s", pseudonymID))
}

// DeleteByOriginal removes every mapping for a subject, used when erasure
// must also sever the re-identification path.
func (r *PseudonymRepository) DeleteByOriginal(ctx context.Context, tx pgx.Tx, originalID string) (int64, error) {
	tag, err := tx.Exec(ctx,
		`DELETE FROM pseudonym_mappings WHERE original_id = $1`, originalID)
	if err != nil {
		return 0, errors.NewTransientError("PSEUDONYM_DELETE_FAILED",
			"failed to delete pseudonym mappings").WithCause(err)
	}
	return tag.RowsAffected(), nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *PseudonymRepository) get(ctx context.Context, q queryRower, originalID, context_ string) (*audit.PseudonymMapping, error) {
	row := q.QueryRow(ctx,
		`SELECT original_id, pseudonym_id, strategy, context, created_at
		 FROM pseudonym_mappings WHERE original_id = $1 AND context = $2`,
		originalID, context_)
	return scanMapping(row, fmt.Sprintf("pseudonym mapping for %s", originalID))
}

func scanMapping(row pgx.Row, resource string) (*audit.PseudonymMapping, error) {
	var (
		mapping  audit.PseudonymMapping
		strategy string
	)
	err := row.Scan(&mapping.OriginalID, &mapping.PseudonymID, &strategy,
		&mapping.Context, &mapping.CreatedAt)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NewNotFoundError(resource)
		}
		return nil, errors.NewTransientError("PSEUDONYM_READ_FAILED",
			"failed to read pseudonym mapping").WithCause(err)
	}
	mapping.Strategy = audit.PseudonymStrategy(strategy)
	return &mapping, nil
}

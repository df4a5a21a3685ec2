// Package repository implements postgres persistence for the audit domain.
package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medlogix/compliant-audit-backend/internal/domain/audit"
	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
)

const pgUniqueViolation = "23505"

// auditLogColumns is the select list shared by every read path.
const auditLogColumns = `
	id, timestamp, principal_id, organization_id, action, status,
	target_resource_type, target_resource_id, outcome_description,
	data_classification, retention_policy, correlation_id,
	session_context, details, hash, hash_algorithm, event_version,
	processing_latency_ms, archived_at`

// AuditLogRepository persists sealed audit events. Rows are append-only
// except for the narrow GDPR paths (pseudonymization, erasure) and
// retention archival.
type AuditLogRepository struct {
	db *pgxpool.Pool
}

func NewAuditLogRepository(db *pgxpool.Pool) *AuditLogRepository {
	return &AuditLogRepository{db: db}
}

// Insert stores a sealed event and assigns its id.
func (r *AuditLogRepository) Insert(ctx context.Context, event *audit.Event) error {
	return r.InsertWithIdempotencyKey(ctx, event, "")
}

// InsertWithIdempotencyKey stores a sealed event under a producer-supplied
// idempotency key. Unique violations map to Conflict: a duplicate hash is an
// identical redelivery (Details["identical"]=true, success-equivalent); a
// duplicate idempotency key with a different hash is a genuine collision the
// worker must surface for review.
func (r *AuditLogRepository) InsertWithIdempotencyKey(ctx context.Context, event *audit.Event, idempotencyKey string) error {
	if event.Hash == "" {
		return errors.NewInvalidEventError("MISSING_HASH",
			"event must be sealed before persistence")
	}

	sessionJSON, detailsJSON, err := marshalEventJSON(event)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit_log (
			timestamp, principal_id, organization_id, action, status,
			target_resource_type, target_resource_id, outcome_description,
			data_classification, retention_policy, correlation_id,
			session_context, details, hash, hash_algorithm, event_version,
			processing_latency_ms, idempotency_key
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18
		) RETURNING id`

	err = r.db.QueryRow(ctx, query,
		event.Timestamp,
		event.PrincipalID,
		event.OrganizationID,
		event.Action,
		string(event.Status),
		event.TargetResourceType,
		event.TargetResourceID,
		event.OutcomeDescription,
		string(event.DataClassification),
		event.RetentionPolicy,
		event.CorrelationID,
		sessionJSON,
		detailsJSON,
		event.Hash,
		event.HashAlgorithm,
		event.EventVersion,
		event.ProcessingLatencyMs,
		nullIfEmpty(idempotencyKey),
	).Scan(&event.ID)

	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return r.classifyDuplicate(ctx, pgErr, event, idempotencyKey)
		}
		return errors.NewTransientError("AUDIT_INSERT_FAILED",
			"failed to insert audit event").WithCause(err)
	}
	return nil
}

func (r *AuditLogRepository) classifyDuplicate(ctx context.Context, pgErr *pgconn.PgError, event *audit.Event, idempotencyKey string) error {
	if strings.Contains(pgErr.ConstraintName, "idempotency") && idempotencyKey != "" {
		var storedHash string
		err := r.db.QueryRow(ctx,
			`SELECT hash FROM audit_log WHERE idempotency_key = $1`,
			idempotencyKey).Scan(&storedHash)
		if err == nil && storedHash != event.Hash {
			return errors.NewConflictError(
				"idempotency key already used with a different payload").
				WithDetails(map[string]interface{}{"identical": false})
		}
	}
	return errors.NewConflictError("event already persisted").
		WithDetails(map[string]interface{}{"identical": true})
}

// GetByID loads one event.
func (r *AuditLogRepository) GetByID(ctx context.Context, id int64) (*audit.Event, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+auditLogColumns+` FROM audit_log WHERE id = $1`, id)
	event, err := scanEvent(row)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NewNotFoundError(fmt.Sprintf("audit event %d", id))
		}
		return nil, errors.NewTransientError("AUDIT_READ_FAILED",
			"failed to read audit event").WithCause(err)
	}
	return event, nil
}

// ListByPrincipal returns events attributed to principalID, oldest first,
// optionally bounded by a date range. Used by the GDPR export path.
func (r *AuditLogRepository) ListByPrincipal(ctx context.Context, principalID string, from, to *time.Time) ([]*audit.Event, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+auditLogColumns+`
		 FROM audit_log
		 WHERE principal_id = $1
		   AND ($2::timestamptz IS NULL OR timestamp >= $2)
		   AND ($3::timestamptz IS NULL OR timestamp <= $3)
		 ORDER BY timestamp, id`, principalID, from, to)
	if err != nil {
		return nil, errors.NewTransientError("AUDIT_QUERY_FAILED",
			"failed to query events by principal").WithCause(err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListByPrincipalTx is ListByPrincipal inside the caller's transaction, used
// by GDPR mutations that hold the subject lock.
func (r *AuditLogRepository) ListByPrincipalTx(ctx context.Context, tx pgx.Tx, principalID string) ([]*audit.Event, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+auditLogColumns+`
		 FROM audit_log WHERE principal_id = $1 ORDER BY id`, principalID)
	if err != nil {
		return nil, errors.NewTransientError("AUDIT_QUERY_FAILED",
			"failed to query events by principal").WithCause(err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListRange streams a batch for integrity sweeps: events with id > afterID,
// ascending, up to limit.
func (r *AuditLogRepository) ListRange(ctx context.Context, afterID int64, limit int) ([]*audit.Event, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+auditLogColumns+`
		 FROM audit_log WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, errors.NewTransientError("AUDIT_QUERY_FAILED",
			"failed to query event range").WithCause(err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// UpdateSealedFields rewrites the GDPR-mutable columns of an event together
// with its recomputed hash. Must run inside the caller's transaction so the
// row and its integrity posture change atomically. Archived rows are
// updatable here: the GDPR paths are the one sanctioned exception to the
// archive's read-only rule.
func (r *AuditLogRepository) UpdateSealedFields(ctx context.Context, tx pgx.Tx, event *audit.Event) error {
	sessionJSON, detailsJSON, err := marshalEventJSON(event)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE audit_log
		 SET principal_id = $2, outcome_description = $3, session_context = $4,
		     details = $5, hash = $6
		 WHERE id = $1`,
		event.ID, event.PrincipalID, event.OutcomeDescription,
		sessionJSON, detailsJSON, event.Hash)
	if err != nil {
		return errors.NewTransientError("AUDIT_UPDATE_FAILED",
			"failed to update audit event").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NewNotFoundError(fmt.Sprintf("audit event %d", event.ID))
	}
	return nil
}

// DeleteForErasure removes a principal's events except those whose action is
// in preserved. Runs in the caller's transaction; returns the deleted count.
func (r *AuditLogRepository) DeleteForErasure(ctx context.Context, tx pgx.Tx, principalID string, preserved []string) (int64, error) {
	tag, err := tx.Exec(ctx,
		`DELETE FROM audit_log
		 WHERE principal_id = $1 AND NOT (action = ANY($2))`,
		principalID, preserved)
	if err != nil {
		return 0, errors.NewTransientError("AUDIT_ERASURE_FAILED",
			"failed to erase audit events").WithCause(err)
	}
	return tag.RowsAffected(), nil
}

// ListForErasurePreservation returns the events that will survive erasure
// for a principal, so the GDPR engine can pseudonymize them in place.
func (r *AuditLogRepository) ListForErasurePreservation(ctx context.Context, tx pgx.Tx, principalID string, preserved []string) ([]*audit.Event, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+auditLogColumns+`
		 FROM audit_log
		 WHERE principal_id = $1 AND action = ANY($2)
		 ORDER BY id`, principalID, preserved)
	if err != nil {
		return nil, errors.NewTransientError("AUDIT_QUERY_FAILED",
			"failed to query preserved events").WithCause(err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ArchiveByClassification marks unarchived events of a classification older
// than cutoff as archived. Returns the per-action counts of archived rows.
func (r *AuditLogRepository) ArchiveByClassification(ctx context.Context, classification audit.DataClassification, cutoff time.Time) (map[string]int64, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE audit_log SET archived_at = NOW()
		 WHERE data_classification = $1 AND timestamp <= $2 AND archived_at IS NULL
		 RETURNING action`,
		string(classification), cutoff)
	if err != nil {
		return nil, errors.NewTransientError("AUDIT_ARCHIVE_FAILED",
			"failed to archive events").WithCause(err)
	}
	defer rows.Close()
	return countActions(rows)
}

// DeleteArchivedByClassification removes already-archived events of a
// classification older than cutoff. Live rows are never deleted by
// retention. Returns the per-action counts of deleted rows.
func (r *AuditLogRepository) DeleteArchivedByClassification(ctx context.Context, classification audit.DataClassification, cutoff time.Time) (map[string]int64, error) {
	rows, err := r.db.Query(ctx,
		`DELETE FROM audit_log
		 WHERE data_classification = $1 AND timestamp <= $2 AND archived_at IS NOT NULL
		 RETURNING action`,
		string(classification), cutoff)
	if err != nil {
		return nil, errors.NewTransientError("AUDIT_DELETE_FAILED",
			"failed to delete archived events").WithCause(err)
	}
	defer rows.Close()
	return countActions(rows)
}

func countActions(rows pgx.Rows) (map[string]int64, error) {
	counts := make(map[string]int64)
	for rows.Next() {
		var action string
		if err := rows.Scan(&action); err != nil {
			return nil, errors.NewTransientError("AUDIT_SCAN_FAILED",
				"failed to scan action").WithCause(err)
		}
		counts[action]++
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewTransientError("AUDIT_SCAN_FAILED",
			"failed to iterate actions").WithCause(err)
	}
	return counts, nil
}

// CountAll returns the total number of persisted events.
func (r *AuditLogRepository) CountAll(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&count); err != nil {
		return 0, errors.NewTransientError("AUDIT_COUNT_FAILED",
			"failed to count events").WithCause(err)
	}
	return count, nil
}

// Stats summarizes the table for operational tooling.
type Stats struct {
	Total      int64      `json:"total"`
	Archived   int64      `json:"archived"`
	Oldest     *time.Time `json:"oldest,omitempty"`
	Newest     *time.Time `json:"newest,omitempty"`
	ByPolicy   map[string]int64
	ByDomain   map[string]int64
}

// CollectStats gathers table statistics in one round trip per dimension.
func (r *AuditLogRepository) CollectStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByPolicy: make(map[string]int64),
		ByDomain: make(map[string]int64),
	}

	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE archived_at IS NOT NULL),
		        MIN(timestamp), MAX(timestamp)
		 FROM audit_log`).Scan(&stats.Total, &stats.Archived, &stats.Oldest, &stats.Newest)
	if err != nil {
		return nil, errors.NewTransientError("AUDIT_STATS_FAILED",
			"failed to collect statistics").WithCause(err)
	}

	rows, err := r.db.Query(ctx,
		`SELECT retention_policy, COUNT(*) FROM audit_log GROUP BY retention_policy`)
	if err != nil {
		return nil, errors.NewTransientError("AUDIT_STATS_FAILED",
			"failed to collect policy statistics").WithCause(err)
	}
	defer rows.Close()
	for rows.Next() {
		var policy string
		var count int64
		if err := rows.Scan(&policy, &count); err != nil {
			return nil, err
		}
		stats.ByPolicy[policy] = count
	}

	domainRows, err := r.db.Query(ctx,
		`SELECT split_part(action, '.', 1), COUNT(*) FROM audit_log GROUP BY 1`)
	if err != nil {
		return nil, errors.NewTransientError("AUDIT_STATS_FAILED",
			"failed to collect domain statistics").WithCause(err)
	}
	defer domainRows.Close()
	for domainRows.Next() {
		var domain string
		var count int64
		if err := domainRows.Scan(&domain, &count); err != nil {
			return nil, err
		}
		stats.ByDomain[domain] = count
	}
	return stats, nil
}

// LockSubject serializes GDPR operations per data subject with a
// transaction-scoped advisory lock.
func LockSubject(ctx context.Context, tx pgx.Tx, principalID string) error {
	_, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, principalID)
	if err != nil {
		return errors.NewTransientError("SUBJECT_LOCK_FAILED",
			"failed to acquire subject lock").WithCause(err)
	}
	return nil
}

func marshalEventJSON(event *audit.Event) ([]byte, []byte, error) {
	var sessionJSON []byte
	if event.SessionContext != nil {
		raw, err := json.Marshal(event.SessionContext)
		if err != nil {
			return nil, nil, errors.NewInternalError(
				"failed to marshal session context").WithCause(err)
		}
		sessionJSON = raw
	}
	var detailsJSON []byte
	if event.Details != nil {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return nil, nil, errors.NewInternalError(
				"failed to marshal details").WithCause(err)
		}
		detailsJSON = raw
	}
	return sessionJSON, detailsJSON, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*audit.Event, error) {
	var (
		event       audit.Event
		status      string
		class       string
		sessionJSON []byte
		detailsJSON []byte
	)
	err := row.Scan(
		&event.ID,
		&event.Timestamp,
		&event.PrincipalID,
		&event.OrganizationID,
		&event.Action,
		&status,
		&event.TargetResourceType,
		&event.TargetResourceID,
		&event.OutcomeDescription,
		&class,
		&event.RetentionPolicy,
		&event.CorrelationID,
		&sessionJSON,
		&detailsJSON,
		&event.Hash,
		&event.HashAlgorithm,
		&event.EventVersion,
		&event.ProcessingLatencyMs,
		&event.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}
	event.Status = audit.Status(status)
	event.DataClassification = audit.DataClassification(class)
	event.Timestamp = event.Timestamp.UTC()

	if len(sessionJSON) > 0 {
		var sc audit.SessionContext
		if err := json.Unmarshal(sessionJSON, &sc); err != nil {
			return nil, fmt.Errorf("decode session context: %w", err)
		}
		event.SessionContext = &sc
	}
	if len(detailsJSON) > 0 && !strings.EqualFold(string(detailsJSON), "null") {
		if err := json.Unmarshal(detailsJSON, &event.Details); err != nil {
			return nil, fmt.Errorf("decode details: %w", err)
		}
	}
	return &event, nil
}

func collectEvents(rows pgx.Rows) ([]*audit.Event, error) {
	var events []*audit.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, errors.NewTransientError("AUDIT_SCAN_FAILED",
				"failed to scan audit event").WithCause(err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewTransientError("AUDIT_SCAN_FAILED",
			"failed to iterate audit events").WithCause(err)
	}
	return events, nil
}

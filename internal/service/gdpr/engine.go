package gdpr

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/medlogix/compliant-audit-backend/internal/domain/audit"
	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
	"github.com/medlogix/compliant-audit-backend/internal/infrastructure/database"
	"github.com/medlogix/compliant-audit-backend/internal/infrastructure/repository"
	"github.com/medlogix/compliant-audit-backend/internal/metrics"
)

// ComplianceCriticalActions survive erasure when audit-trail preservation is
// requested; they are pseudonymized instead of deleted.
var ComplianceCriticalActions = []string{
	"auth.login.success",
	"auth.login.failure",
	"data.access.unauthorized",
	"gdpr.data.export",
	"gdpr.data.pseudonymize",
	"gdpr.data.delete",
}

// Engine executes data-subject rights operations. Mutating operations
// serialize per subject with a postgres advisory lock so concurrent requests
// for the same principal cannot interleave.
type Engine struct {
	db        *database.ConnectionPool
	events    *repository.AuditLogRepository
	policies  *repository.RetentionPolicyRepository
	registry  *Registry
	logger    *zap.Logger
	metrics   *metrics.Registry
	clockSkew time.Duration
}

func NewEngine(
	db *database.ConnectionPool,
	events *repository.AuditLogRepository,
	policies *repository.RetentionPolicyRepository,
	registry *Registry,
	logger *zap.Logger,
	reg *metrics.Registry,
) *Engine {
	return &Engine{
		db:        db,
		events:    events,
		policies:  policies,
		registry:  registry,
		logger:    logger,
		metrics:   reg,
		clockSkew: audit.DefaultClockSkewTolerance,
	}
}

// Export collects a subject's events and renders them in the requested
// format. The export itself is recorded as a gdpr.data.export audit event.
func (e *Engine) Export(ctx context.Context, req *ExportRequest) (*ExportResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var from, to *time.Time
	if req.DateRange != nil {
		from, to = req.DateRange.From, req.DateRange.To
	}
	events, err := e.events.ListByPrincipal(ctx, req.PrincipalID, from, to)
	if err != nil {
		return nil, err
	}

	requestID := uuid.New().String()
	meta := &exportMetadata{
		RequestID:   requestID,
		PrincipalID: req.PrincipalID,
		RequestType: req.RequestType,
		ExportedBy:  req.RequestedBy,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		RecordCount: len(events),
	}
	data, err := encodeExport(req, meta, events)
	if err != nil {
		return nil, err
	}

	result := &ExportResult{
		RequestID:         requestID,
		RecordCount:       len(events),
		DataSize:          len(data),
		ExportedBy:        req.RequestedBy,
		Categories:        distinctCategories(events),
		RetentionPolicies: distinctPolicies(events),
		DateRange:         req.DateRange,
		Format:            req.Format,
		Data:              data,
	}

	err = e.recordOperation(ctx, "gdpr.data.export", req.RequestedBy, req.PrincipalID,
		map[string]interface{}{
			"requestId":   requestID,
			"format":      string(req.Format),
			"recordCount": len(events),
			"dataSize":    len(data),
		})
	if err != nil {
		return nil, err
	}

	e.metrics.GDPROperations.WithLabelValues("export").Inc()
	e.logger.Info("gdpr export completed",
		zap.String("request_id", requestID),
		zap.Int("record_count", len(events)),
		zap.String("format", string(req.Format)))
	return result, nil
}

// PseudonymizeResult reports a pseudonymization run.
type PseudonymizeResult struct {
	PseudonymID     string `json:"pseudonymId"`
	RecordsAffected int    `json:"recordsAffected"`
}

// Pseudonymize replaces a subject's principalId on every event with a
// pseudonym and re-seals each rewritten event, all inside one transaction
// holding the subject lock.
func (e *Engine) Pseudonymize(ctx context.Context, principalID string, strategy audit.PseudonymStrategy, requestedBy string) (*PseudonymizeResult, error) {
	if principalID == "" {
		return nil, errors.NewInvalidEventError("MISSING_PRINCIPAL", "principalId is required")
	}

	pseudonymID, err := e.registry.CreatePseudonym(ctx, principalID, strategy)
	if err != nil {
		return nil, err
	}

	var affected int
	err = e.db.Transaction(ctx, func(tx pgx.Tx) error {
		if err := repository.LockSubject(ctx, tx, principalID); err != nil {
			return err
		}
		events, err := e.events.ListByPrincipalTx(ctx, tx, principalID)
		if err != nil {
			return err
		}
		affected, err = e.pseudonymizeEvents(ctx, tx, events, pseudonymID)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = e.recordOperation(ctx, "gdpr.data.pseudonymize", requestedBy, pseudonymID,
		map[string]interface{}{
			"strategy":        string(strategy),
			"recordsAffected": affected,
		})
	if err != nil {
		return nil, err
	}

	e.metrics.GDPROperations.WithLabelValues("pseudonymize").Inc()
	e.logger.Info("subject pseudonymized",
		zap.String("pseudonym_id", pseudonymID),
		zap.Int("records_affected", affected))
	return &PseudonymizeResult{PseudonymID: pseudonymID, RecordsAffected: affected}, nil
}

// pseudonymizeEvents rewrites each event in place: new principal, marked
// details, recomputed hash. Archived events are rewritten too; data-subject
// rights reach the whole history, not just the live window.
func (e *Engine) pseudonymizeEvents(ctx context.Context, tx pgx.Tx, events []*audit.Event, pseudonymID string) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	affected := 0
	for _, event := range events {
		event.PrincipalID = audit.StringPtr(pseudonymID)
		if event.Details == nil {
			event.Details = make(map[string]interface{}, 2)
		}
		event.Details["pseudonymized"] = true
		event.Details["pseudonymizedAt"] = now

		if err := audit.Reseal(event); err != nil {
			return affected, err
		}
		if err := e.events.UpdateSealedFields(ctx, tx, event); err != nil {
			return affected, err
		}
		affected++
	}
	return affected, nil
}

// PolicyResult reports one policy's retention application.
type PolicyResult struct {
	PolicyName       string           `json:"policyName"`
	RecordsArchived  int64            `json:"recordsArchived"`
	RecordsDeleted   int64            `json:"recordsDeleted"`
	ByClassification map[string]int64 `json:"byClassification"`
	ByAction         map[string]int64 `json:"byAction"`
	DateRange        DateRange        `json:"dateRange"`
}

// ApplyRetention runs every active policy in creation order: archive first,
// then delete already-archived rows past the deletion horizon.
func (e *Engine) ApplyRetention(ctx context.Context, appliedBy string) ([]*PolicyResult, error) {
	policies, err := e.policies.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	results := make([]*PolicyResult, 0, len(policies))
	for _, policy := range policies {
		result := &PolicyResult{
			PolicyName:       policy.PolicyName,
			ByClassification: make(map[string]int64),
			ByAction:         make(map[string]int64),
		}

		if cutoff := policy.ArchiveCutoff(now); !cutoff.IsZero() {
			archived, err := e.events.ArchiveByClassification(ctx, policy.DataClassification, cutoff)
			if err != nil {
				return results, err
			}
			for action, count := range archived {
				result.RecordsArchived += count
				result.ByAction[action] += count
			}
			result.DateRange.To = &cutoff
		}

		if cutoff := policy.DeleteCutoff(now); !cutoff.IsZero() {
			deleted, err := e.events.DeleteArchivedByClassification(ctx, policy.DataClassification, cutoff)
			if err != nil {
				return results, err
			}
			for action, count := range deleted {
				result.RecordsDeleted += count
				result.ByAction[action] += count
			}
		}

		total := result.RecordsArchived + result.RecordsDeleted
		if total > 0 {
			result.ByClassification[string(policy.DataClassification)] = total
		}
		e.metrics.RetentionArchived.Add(float64(result.RecordsArchived))
		e.metrics.RetentionDeleted.Add(float64(result.RecordsDeleted))
		results = append(results, result)
	}

	err = e.recordOperation(ctx, "gdpr.retention.apply", appliedBy, "",
		map[string]interface{}{
			"policiesApplied": len(results),
			"results":         summarizeRetention(results),
		})
	if err != nil {
		return nil, err
	}
	e.metrics.GDPROperations.WithLabelValues("retention").Inc()
	return results, nil
}

// ErasureRequest asks for a subject's data to be removed.
type ErasureRequest struct {
	PrincipalID             string `json:"principalId"`
	RequestedBy             string `json:"requestedBy"`
	PreserveComplianceAudits bool  `json:"preserveComplianceAudits"`
}

// ErasureResult reports what an erasure removed and preserved.
type ErasureResult struct {
	RecordsDeleted             int64 `json:"recordsDeleted"`
	ComplianceRecordsPreserved int   `json:"complianceRecordsPreserved"`
	MappingsSevered            int64 `json:"mappingsSevered"`
}

// Erase removes a subject's events. With preservation enabled the
// compliance-critical subset is pseudonymized in place and survives; the
// rest is deleted. Without preservation the subject's pseudonym mappings are
// severed too, so nothing can be re-identified afterwards. The erasure audit
// event is attributed to the requester, not the erased subject.
func (e *Engine) Erase(ctx context.Context, req *ErasureRequest) (*ErasureResult, error) {
	if req.PrincipalID == "" {
		return nil, errors.NewInvalidEventError("MISSING_PRINCIPAL", "principalId is required")
	}
	if req.RequestedBy == "" {
		return nil, errors.NewInvalidEventError("MISSING_REQUESTER", "requestedBy is required")
	}

	result := &ErasureResult{}
	err := e.db.Transaction(ctx, func(tx pgx.Tx) error {
		if err := repository.LockSubject(ctx, tx, req.PrincipalID); err != nil {
			return err
		}

		preserved := []string{}
		if req.PreserveComplianceAudits {
			preserved = ComplianceCriticalActions

			toPreserve, err := e.events.ListForErasurePreservation(ctx, tx, req.PrincipalID, preserved)
			if err != nil {
				return err
			}
			if len(toPreserve) > 0 {
				pseudonymID, err := e.registry.CreatePseudonym(ctx, req.PrincipalID, audit.StrategyHash)
				if err != nil {
					return err
				}
				count, err := e.pseudonymizeEvents(ctx, tx, toPreserve, pseudonymID)
				if err != nil {
					return err
				}
				result.ComplianceRecordsPreserved = count
			}
		}

		deleted, err := e.events.DeleteForErasure(ctx, tx, req.PrincipalID, preserved)
		if err != nil {
			return err
		}
		result.RecordsDeleted = deleted

		if !req.PreserveComplianceAudits {
			severed, err := e.registry.SeverMappings(ctx, tx, req.PrincipalID)
			if err != nil {
				return err
			}
			result.MappingsSevered = severed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = e.recordOperation(ctx, "gdpr.data.delete", req.RequestedBy, req.PrincipalID,
		map[string]interface{}{
			"recordsDeleted":             result.RecordsDeleted,
			"complianceRecordsPreserved": result.ComplianceRecordsPreserved,
			"mappingsSevered":            result.MappingsSevered,
			"preserveComplianceAudits":   req.PreserveComplianceAudits,
		})
	if err != nil {
		return nil, err
	}

	e.metrics.GDPROperations.WithLabelValues("erasure").Inc()
	e.logger.Info("subject erased",
		zap.Int64("records_deleted", result.RecordsDeleted),
		zap.Int("compliance_preserved", result.ComplianceRecordsPreserved))
	return result, nil
}

// recordOperation seals and persists the GDPR engine's own audit trail. The
// acting principal is the requester; the subject appears as the target.
func (e *Engine) recordOperation(ctx context.Context, action, requestedBy, targetID string, details map[string]interface{}) error {
	event, err := audit.NewEvent(action, audit.StatusSuccess)
	if err != nil {
		return err
	}
	event.PrincipalID = audit.StringPtr(requestedBy)
	event.DataClassification = audit.ClassificationConfidential
	if targetID != "" {
		event.TargetResourceType = audit.StringPtr("principal")
		event.TargetResourceID = audit.StringPtr(targetID)
	}
	event.Details = details

	if err := audit.Seal(event); err != nil {
		return err
	}
	if err := e.events.Insert(ctx, event); err != nil {
		// An identical event already persisted satisfies the audit duty.
		if errors.IsType(err, errors.ErrorTypeConflict) {
			return nil
		}
		return err
	}
	return nil
}

func distinctCategories(events []*audit.Event) []string {
	return distinct(events, func(e *audit.Event) string {
		return string(e.DataClassification)
	})
}

func distinctPolicies(events []*audit.Event) []string {
	return distinct(events, func(e *audit.Event) string {
		return e.RetentionPolicy
	})
}

func distinct(events []*audit.Event, key func(*audit.Event) string) []string {
	seen := make(map[string]struct{})
	for _, event := range events {
		if k := key(event); k != "" {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func summarizeRetention(results []*PolicyResult) map[string]interface{} {
	summary := make(map[string]interface{}, len(results))
	for _, r := range results {
		summary[r.PolicyName] = map[string]interface{}{
			"recordsArchived": r.RecordsArchived,
			"recordsDeleted":  r.RecordsDeleted,
		}
	}
	return summary
}

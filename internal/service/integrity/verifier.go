// Package integrity re-verifies the tamper-evidence hashes of persisted
// audit events.
package integrity

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/medlogix/compliant-audit-backend/internal/domain/audit"
	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
	"github.com/medlogix/compliant-audit-backend/internal/metrics"
)

// EventSource provides the events a sweep walks.
type EventSource interface {
	GetByID(ctx context.Context, id int64) (*audit.Event, error)
	ListRange(ctx context.Context, afterID int64, limit int) ([]*audit.Event, error)
}

// VerificationSink records outcomes and sweep progress.
type VerificationSink interface {
	Record(ctx context.Context, v *audit.IntegrityVerification) error
	LastVerifiedID(ctx context.Context) (int64, error)
}

// AlertRaiser receives the COMPLIANCE alert raised for each mismatch.
type AlertRaiser interface {
	Raise(ctx context.Context, alert *audit.Alert) (*audit.Alert, error)
}

// Verifier recomputes stored hashes in batches. Mismatches are recorded and
// alerted but never stop a sweep.
type Verifier struct {
	events    EventSource
	sink      VerificationSink
	alerts    AlertRaiser
	logger    *zap.Logger
	metrics   *metrics.Registry
	batchSize int
}

const defaultBatchSize = 500

// systemOrganization owns alerts for events without an organization.
const systemOrganization = "system"

func NewVerifier(events EventSource, sink VerificationSink, alerts AlertRaiser, logger *zap.Logger, reg *metrics.Registry) *Verifier {
	return &Verifier{
		events:    events,
		sink:      sink,
		alerts:    alerts,
		logger:    logger,
		metrics:   reg,
		batchSize: defaultBatchSize,
	}
}

// VerifyEvent checks a single event by id, records the outcome, and raises
// an alert on mismatch. Returns the recorded verification.
func (v *Verifier) VerifyEvent(ctx context.Context, id int64, verifiedBy string) (*audit.IntegrityVerification, error) {
	event, err := v.events.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	verification, err := v.verifyOne(ctx, event, verifiedBy)
	if err != nil {
		return nil, err
	}
	if verification.Status == audit.VerificationMismatch {
		return verification, errors.NewIntegrityMismatchError(
			event.ID, verification.ExpectedHash, verification.ObservedHash)
	}
	return verification, nil
}

// SweepOptions bounds a verification sweep.
type SweepOptions struct {
	// AfterID starts the sweep past a given id; -1 resumes after the last
	// verified id.
	AfterID int64
	// MaxEvents caps the sweep; 0 means run to the end of the table.
	MaxEvents int
	// VerifiedBy attributes the verification rows.
	VerifiedBy string
}

// Sweep verifies events in ascending id order, streaming batches from the
// store. A mismatch is recorded and alerted, then the sweep continues.
func (v *Verifier) Sweep(ctx context.Context, opts SweepOptions) (*audit.VerificationSummary, error) {
	afterID := opts.AfterID
	if afterID < 0 {
		resumed, err := v.sink.LastVerifiedID(ctx)
		if err != nil {
			return nil, err
		}
		afterID = resumed
	}

	summary := &audit.VerificationSummary{}
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		batchSize := v.batchSize
		if opts.MaxEvents > 0 {
			remaining := opts.MaxEvents - summary.Checked
			if remaining <= 0 {
				break
			}
			if remaining < batchSize {
				batchSize = remaining
			}
		}

		batch, err := v.events.ListRange(ctx, afterID, batchSize)
		if err != nil {
			return summary, err
		}
		if len(batch) == 0 {
			break
		}

		for _, event := range batch {
			verification, err := v.verifyOne(ctx, event, opts.VerifiedBy)
			if err != nil {
				return summary, err
			}
			summary.Add(verification.Status)
			afterID = event.ID
		}
	}

	v.logger.Info("integrity sweep finished",
		zap.Int("checked", summary.Checked),
		zap.Int("ok", summary.OK),
		zap.Int("mismatched", summary.Mismatched),
		zap.Int("missing_hash", summary.MissingHash))
	return summary, nil
}

func (v *Verifier) verifyOne(ctx context.Context, event *audit.Event, verifiedBy string) (*audit.IntegrityVerification, error) {
	status, err := audit.Verify(event)
	if err != nil {
		return nil, err
	}

	verification := &audit.IntegrityVerification{
		AuditLogID:   event.ID,
		VerifiedAt:   time.Now().UTC(),
		Status:       status,
		ExpectedHash: event.Hash,
		VerifiedBy:   verifiedBy,
	}
	if status == audit.VerificationMismatch {
		observed, hashErr := audit.ComputeHash(event)
		if hashErr == nil {
			verification.ObservedHash = observed
		}
		verification.Details = fmt.Sprintf("stored hash does not match recomputed hash for event %d", event.ID)
	}

	if err := v.sink.Record(ctx, verification); err != nil {
		return nil, err
	}
	v.metrics.IntegrityChecks.WithLabelValues(string(status)).Inc()

	if status == audit.VerificationMismatch {
		v.raiseMismatchAlert(ctx, event, verification)
	}
	return verification, nil
}

func (v *Verifier) raiseMismatchAlert(ctx context.Context, event *audit.Event, verification *audit.IntegrityVerification) {
	orgID := systemOrganization
	if event.OrganizationID != nil && *event.OrganizationID != "" {
		orgID = *event.OrganizationID
	}

	alert, err := audit.NewAlert(orgID, audit.AlertTypeCompliance, audit.SeverityHigh,
		"integrity-verifier",
		"Audit log integrity mismatch",
		fmt.Sprintf("event %d failed hash verification: expected %s, observed %s",
			event.ID, verification.ExpectedHash, verification.ObservedHash))
	if err != nil {
		v.logger.Error("failed to build integrity alert", zap.Error(err))
		return
	}
	alert.CorrelationKey = fmt.Sprintf("audit-log-%d", event.ID)

	if _, err := v.alerts.Raise(ctx, alert); err != nil {
		// The verification row is already durable; alerting is best effort.
		v.logger.Error("failed to raise integrity alert",
			zap.Int64("audit_log_id", event.ID),
			zap.Error(err))
	}
}

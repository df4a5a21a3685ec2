package integrity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medlogix/compliant-audit-backend/internal/domain/audit"
	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
	"github.com/medlogix/compliant-audit-backend/internal/metrics"
)

type fakeEventSource struct {
	events []*audit.Event
}

func (f *fakeEventSource) GetByID(_ context.Context, id int64) (*audit.Event, error) {
	for _, e := range f.events {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, errors.NewNotFoundError("audit event")
}

func (f *fakeEventSource) ListRange(_ context.Context, afterID int64, limit int) ([]*audit.Event, error) {
	var out []*audit.Event
	for _, e := range f.events {
		if e.ID > afterID {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type fakeSink struct {
	recorded []*audit.IntegrityVerification
	lastID   int64
}

func (f *fakeSink) Record(_ context.Context, v *audit.IntegrityVerification) error {
	f.recorded = append(f.recorded, v)
	return nil
}

func (f *fakeSink) LastVerifiedID(_ context.Context) (int64, error) {
	return f.lastID, nil
}

type fakeAlerts struct {
	raised []*audit.Alert
}

func (f *fakeAlerts) Raise(_ context.Context, alert *audit.Alert) (*audit.Alert, error) {
	f.raised = append(f.raised, alert)
	return alert, nil
}

func sealedEvent(t *testing.T, id int64, action string) *audit.Event {
	t.Helper()
	event, err := audit.NewEvent(action, audit.StatusSuccess)
	require.NoError(t, err)
	event.OrganizationID = audit.StringPtr("org-1")
	require.NoError(t, audit.Seal(event))
	event.ID = id
	return event
}

func newTestVerifier(events ...*audit.Event) (*Verifier, *fakeSink, *fakeAlerts) {
	sink := &fakeSink{}
	alerts := &fakeAlerts{}
	v := NewVerifier(&fakeEventSource{events: events}, sink, alerts,
		zap.NewNop(), metrics.NewRegistry())
	return v, sink, alerts
}

func TestVerifyEventOK(t *testing.T) {
	event := sealedEvent(t, 1, "data.access.read")
	v, sink, alerts := newTestVerifier(event)

	verification, err := v.VerifyEvent(context.Background(), 1, "auditor")
	require.NoError(t, err)
	assert.Equal(t, audit.VerificationOK, verification.Status)
	assert.Equal(t, event.Hash, verification.ExpectedHash)
	assert.Equal(t, "auditor", verification.VerifiedBy)
	require.Len(t, sink.recorded, 1)
	assert.Empty(t, alerts.raised)
}

func TestVerifyEventMismatchRaisesAlert(t *testing.T) {
	event := sealedEvent(t, 1, "data.access.read")
	event.Action = "data.access.write" // tamper after sealing
	v, sink, alerts := newTestVerifier(event)

	verification, err := v.VerifyEvent(context.Background(), 1, "auditor")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeIntegrity))
	assert.Equal(t, audit.VerificationMismatch, verification.Status)
	assert.NotEmpty(t, verification.ObservedHash)
	assert.NotEqual(t, verification.ExpectedHash, verification.ObservedHash)

	require.Len(t, sink.recorded, 1)
	require.Len(t, alerts.raised, 1)
	alert := alerts.raised[0]
	assert.Equal(t, "org-1", alert.OrganizationID)
	assert.Equal(t, audit.AlertTypeCompliance, alert.Type)
	assert.Equal(t, audit.SeverityHigh, alert.Severity)
	assert.Equal(t, "audit-log-1", alert.CorrelationKey)
}

func TestVerifyEventMissingHash(t *testing.T) {
	event := sealedEvent(t, 1, "data.access.read")
	event.Hash = ""
	v, sink, alerts := newTestVerifier(event)

	verification, err := v.VerifyEvent(context.Background(), 1, "auditor")
	require.NoError(t, err)
	assert.Equal(t, audit.VerificationMissingHash, verification.Status)
	require.Len(t, sink.recorded, 1)
	assert.Empty(t, alerts.raised)
}

func TestSweepMismatchDoesNotStopBatch(t *testing.T) {
	good1 := sealedEvent(t, 1, "auth.login.success")
	tampered := sealedEvent(t, 2, "data.access.read")
	tampered.Action = "data.access.admin"
	missing := sealedEvent(t, 3, "auth.logout")
	missing.Hash = ""
	good2 := sealedEvent(t, 4, "auth.login.success")

	v, sink, alerts := newTestVerifier(good1, tampered, missing, good2)

	summary, err := v.Sweep(context.Background(), SweepOptions{VerifiedBy: "scheduler"})
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Checked)
	assert.Equal(t, 2, summary.OK)
	assert.Equal(t, 1, summary.Mismatched)
	assert.Equal(t, 1, summary.MissingHash)
	assert.Len(t, sink.recorded, 4)
	assert.Len(t, alerts.raised, 1)
}

func TestSweepResumesAfterLastVerified(t *testing.T) {
	events := []*audit.Event{
		sealedEvent(t, 1, "a.b"),
		sealedEvent(t, 2, "a.b"),
		sealedEvent(t, 3, "a.b"),
	}
	v, sink, _ := newTestVerifier(events...)
	sink.lastID = 2

	summary, err := v.Sweep(context.Background(), SweepOptions{AfterID: -1, VerifiedBy: "scheduler"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Checked)
	require.Len(t, sink.recorded, 1)
	assert.Equal(t, int64(3), sink.recorded[0].AuditLogID)
}

func TestSweepHonorsMaxEvents(t *testing.T) {
	events := []*audit.Event{
		sealedEvent(t, 1, "a.b"),
		sealedEvent(t, 2, "a.b"),
		sealedEvent(t, 3, "a.b"),
	}
	v, sink, _ := newTestVerifier(events...)

	summary, err := v.Sweep(context.Background(), SweepOptions{MaxEvents: 2, VerifiedBy: "scheduler"})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Checked)
	assert.Len(t, sink.recorded, 2)
}

func TestSweepStopsOnCancelledContext(t *testing.T) {
	v, _, _ := newTestVerifier(sealedEvent(t, 1, "a.b"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := v.Sweep(ctx, SweepOptions{VerifiedBy: "scheduler"})
	require.ErrorIs(t, err, context.Canceled)
}

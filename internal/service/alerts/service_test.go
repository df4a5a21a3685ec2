package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medlogix/compliant-audit-backend/internal/domain/audit"
	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
	"github.com/medlogix/compliant-audit-backend/internal/infrastructure/repository"
	"github.com/medlogix/compliant-audit-backend/internal/metrics"
)

// memoryAlertStore implements Store in memory for service tests.
type memoryAlertStore struct {
	alerts     []*audit.Alert
	lastFilter repository.ListFilter
}

func (s *memoryAlertStore) Insert(_ context.Context, alert *audit.Alert) error {
	clone := *alert
	s.alerts = append(s.alerts, &clone)
	return nil
}

func (s *memoryAlertStore) FindRecentDuplicate(_ context.Context, alert *audit.Alert, window time.Duration) (*audit.Alert, error) {
	for _, a := range s.alerts {
		if a.OrganizationID == alert.OrganizationID &&
			a.DedupKey() == alert.DedupKey() &&
			!a.Resolved &&
			!a.Timestamp.Before(alert.Timestamp.Add(-window)) {
			return a, nil
		}
	}
	return nil, errors.NewNotFoundError("duplicate alert")
}

func (s *memoryAlertStore) GetByID(_ context.Context, organizationID, id string) (*audit.Alert, error) {
	for _, a := range s.alerts {
		if a.ID == id && a.OrganizationID == organizationID {
			return a, nil
		}
	}
	return nil, errors.NewNotFoundError("alert " + id)
}

func (s *memoryAlertStore) List(_ context.Context, organizationID string, filter repository.ListFilter) ([]*audit.Alert, error) {
	s.lastFilter = filter
	var out []*audit.Alert
	for _, a := range s.alerts {
		if a.OrganizationID != organizationID {
			continue
		}
		if filter.Resolved != nil && a.Resolved != *filter.Resolved {
			continue
		}
		if filter.Type != "" && a.Type != filter.Type {
			continue
		}
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		if filter.Source != "" && a.Source != filter.Source {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *memoryAlertStore) Update(_ context.Context, alert *audit.Alert) error {
	for i, a := range s.alerts {
		if a.ID == alert.ID && a.OrganizationID == alert.OrganizationID {
			clone := *alert
			s.alerts[i] = &clone
			return nil
		}
	}
	return errors.NewNotFoundError("alert " + alert.ID)
}

func (s *memoryAlertStore) CollectStatistics(_ context.Context, organizationID string, since time.Time) (*repository.Statistics, error) {
	stats := &repository.Statistics{
		ByType:     make(map[audit.AlertType]int64),
		BySeverity: make(map[audit.AlertSeverity]int64),
	}
	for _, a := range s.alerts {
		if a.OrganizationID != organizationID || a.Timestamp.Before(since) {
			continue
		}
		stats.Total++
		if !a.Resolved {
			stats.Unresolved++
		}
		stats.ByType[a.Type]++
		stats.BySeverity[a.Severity]++
	}
	return stats, nil
}

func (s *memoryAlertStore) DeleteResolvedBefore(_ context.Context, organizationID string, cutoff time.Time) (int64, error) {
	var kept []*audit.Alert
	var removed int64
	for _, a := range s.alerts {
		if a.OrganizationID == organizationID && a.Resolved && a.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	s.alerts = kept
	return removed, nil
}

func newTestService() (*Service, *memoryAlertStore) {
	store := &memoryAlertStore{}
	return NewService(store, zap.NewNop(), metrics.NewRegistry()), store
}

func mustAlert(t *testing.T, orgID, title string) *audit.Alert {
	t.Helper()
	alert, err := audit.NewAlert(orgID, audit.AlertTypeSecurity, audit.SeverityHigh,
		"threshold-monitor", title, "description")
	require.NoError(t, err)
	return alert
}

func TestRaiseStoresNewAlert(t *testing.T) {
	svc, store := newTestService()

	alert := mustAlert(t, "org-1", "Repeated login failures")
	raised, err := svc.Raise(context.Background(), alert)
	require.NoError(t, err)
	assert.Equal(t, alert.ID, raised.ID)
	assert.Len(t, store.alerts, 1)
}

func TestRaiseDeduplicatesWithinWindow(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	first := mustAlert(t, "org-1", "Repeated login failures")
	first.CorrelationKey = "rule:u1"
	_, err := svc.Raise(ctx, first)
	require.NoError(t, err)

	duplicate := mustAlert(t, "org-1", "Repeated login failures")
	duplicate.CorrelationKey = "rule:u1"
	raised, err := svc.Raise(ctx, duplicate)
	require.NoError(t, err)
	assert.Equal(t, first.ID, raised.ID)
	assert.Len(t, store.alerts, 1)

	// A different correlation key is a different alert.
	other := mustAlert(t, "org-1", "Repeated login failures")
	other.CorrelationKey = "rule:u2"
	raised, err = svc.Raise(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, other.ID, raised.ID)
	assert.Len(t, store.alerts, 2)
}

func TestRaiseAfterResolutionCreatesNewAlert(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	first := mustAlert(t, "org-1", "Repeated login failures")
	_, err := svc.Raise(ctx, first)
	require.NoError(t, err)

	_, err = svc.ResolveAlert(ctx, "org-1", first.ID, "oncall", "locked account")
	require.NoError(t, err)

	second := mustAlert(t, "org-1", "Repeated login failures")
	raised, err := svc.Raise(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, second.ID, raised.ID)
	assert.Len(t, store.alerts, 2)
}

func TestQueriesRequireOrganization(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.GetAlerts(ctx, "", repository.ListFilter{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeForbidden))

	_, err = svc.GetActiveAlerts(ctx, "")
	assert.True(t, errors.IsType(err, errors.ErrorTypeForbidden))

	_, err = svc.ResolveAlert(ctx, "", "id", "who", "")
	assert.True(t, errors.IsType(err, errors.ErrorTypeForbidden))

	_, err = svc.GetStatistics(ctx, "")
	assert.True(t, errors.IsType(err, errors.ErrorTypeForbidden))

	_, err = svc.CleanupResolvedAlerts(ctx, "", 30)
	assert.True(t, errors.IsType(err, errors.ErrorTypeForbidden))
}

func TestGetAlertsPassesFilterThrough(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	resolved := true
	filter := repository.ListFilter{
		Severity:  audit.SeverityHigh,
		Source:    "threshold-monitor",
		Resolved:  &resolved,
		SortBy:    "severity",
		SortOrder: "asc",
		Limit:     10,
		Offset:    20,
	}
	_, err := svc.GetAlerts(ctx, "org-1", filter)
	require.NoError(t, err)
	assert.Equal(t, filter, store.lastFilter)
}

func TestGetActiveAlertsFiltersResolved(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	open := mustAlert(t, "org-1", "Queue depth above threshold")
	_, err := svc.Raise(ctx, open)
	require.NoError(t, err)

	closed := mustAlert(t, "org-1", "Dead letters above threshold")
	require.NoError(t, closed.Resolve("ops", "handled"))
	_, err = svc.Raise(ctx, closed)
	require.NoError(t, err)

	active, err := svc.GetActiveAlerts(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, open.Title, active[0].Title)
	require.NotNil(t, store.lastFilter.Resolved)
	assert.False(t, *store.lastFilter.Resolved)
}

func TestCrossOrganizationAccessDenied(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	alert := mustAlert(t, "org-1", "Repeated login failures")
	_, err := svc.Raise(ctx, alert)
	require.NoError(t, err)

	// Another org cannot see or resolve it.
	listed, err := svc.GetActiveAlerts(ctx, "org-2")
	require.NoError(t, err)
	assert.Empty(t, listed)

	_, err = svc.ResolveAlert(ctx, "org-2", alert.ID, "intruder", "")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestResolveAlertTwiceConflicts(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	alert := mustAlert(t, "org-1", "Repeated login failures")
	_, err := svc.Raise(ctx, alert)
	require.NoError(t, err)

	resolved, err := svc.ResolveAlert(ctx, "org-1", alert.ID, "oncall", "handled")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, "oncall", *resolved.ResolvedBy)

	_, err = svc.ResolveAlert(ctx, "org-1", alert.ID, "oncall", "")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
}

func TestGetStatistics(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Raise(ctx, mustAlert(t, "org-1", "t"+string(rune('a'+i))))
		require.NoError(t, err)
	}
	_, err := svc.Raise(ctx, mustAlert(t, "org-2", "other"))
	require.NoError(t, err)

	stats, err := svc.GetStatistics(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(3), stats.Unresolved)
	assert.Equal(t, int64(3), stats.ByType[audit.AlertTypeSecurity])
}

func TestCleanupResolvedAlerts(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	old := mustAlert(t, "org-1", "stale")
	require.NoError(t, old.Resolve("oncall", ""))
	old.Timestamp = time.Now().UTC().AddDate(0, 0, -45)
	require.NoError(t, store.Insert(ctx, old))

	fresh := mustAlert(t, "org-1", "recent")
	_, err := svc.Raise(ctx, fresh)
	require.NoError(t, err)

	removed, err := svc.CleanupResolvedAlerts(ctx, "org-1", 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Len(t, store.alerts, 1)

	_, err = svc.CleanupResolvedAlerts(ctx, "org-1", 0)
	require.Error(t, err)
}

package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAlert(t *testing.T) {
	tests := []struct {
		name     string
		orgID    string
		typ      AlertType
		severity AlertSeverity
		title    string
		wantErr  bool
	}{
		{
			name:     "valid security alert",
			orgID:    "org-1",
			typ:      AlertTypeSecurity,
			severity: SeverityHigh,
			title:    "Repeated login failures",
		},
		{
			name:     "missing organization",
			orgID:    "",
			typ:      AlertTypeSecurity,
			severity: SeverityHigh,
			title:    "x",
			wantErr:  true,
		},
		{
			name:     "invalid type",
			orgID:    "org-1",
			typ:      AlertType("NETWORK"),
			severity: SeverityHigh,
			title:    "x",
			wantErr:  true,
		},
		{
			name:     "invalid severity",
			orgID:    "org-1",
			typ:      AlertTypeSystem,
			severity: AlertSeverity("FATAL"),
			title:    "x",
			wantErr:  true,
		},
		{
			name:     "missing title",
			orgID:    "org-1",
			typ:      AlertTypeSystem,
			severity: SeverityLow,
			title:    "",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alert, err := NewAlert(tt.orgID, tt.typ, tt.severity, "monitor", tt.title, "desc")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, alert.ID)
			assert.False(t, alert.Resolved)
			assert.Equal(t, tt.orgID, alert.OrganizationID)
		})
	}
}

func TestAlertResolve(t *testing.T) {
	alert, err := NewAlert("org-1", AlertTypeCompliance, SeverityHigh, "integrity", "Hash mismatch", "")
	require.NoError(t, err)

	require.NoError(t, alert.Resolve("admin", "re-hashed after migration"))
	assert.True(t, alert.Resolved)
	require.NotNil(t, alert.ResolvedAt)
	assert.Equal(t, "admin", *alert.ResolvedBy)
	assert.Equal(t, "re-hashed after migration", *alert.ResolutionNotes)

	// Double resolve is a conflict.
	assert.Error(t, alert.Resolve("admin", ""))
}

func TestAlertDedupKey(t *testing.T) {
	a, err := NewAlert("org-1", AlertTypeSecurity, SeverityHigh, "monitor", "Login failures", "")
	require.NoError(t, err)
	a.CorrelationKey = "principal:u1"

	b, err := NewAlert("org-1", AlertTypeSecurity, SeverityHigh, "monitor", "Login failures", "different text")
	require.NoError(t, err)
	b.CorrelationKey = "principal:u1"

	assert.Equal(t, a.DedupKey(), b.DedupKey())

	b.CorrelationKey = "principal:u2"
	assert.NotEqual(t, a.DedupKey(), b.DedupKey())
}

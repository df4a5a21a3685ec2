package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetentionPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetentionPolicy
		wantErr bool
	}{
		{
			name: "valid PHI policy",
			policy: RetentionPolicy{
				PolicyName:         "phi-standard",
				DataClassification: ClassificationPHI,
				RetentionDays:      2555,
				ArchiveAfterDays:   IntPtr(30),
				DeleteAfterDays:    IntPtr(90),
				IsActive:           true,
			},
		},
		{
			name: "retention only",
			policy: RetentionPolicy{
				PolicyName:         "internal-minimal",
				DataClassification: ClassificationInternal,
				RetentionDays:      365,
			},
		},
		{
			name: "missing name",
			policy: RetentionPolicy{
				DataClassification: ClassificationPHI,
				RetentionDays:      90,
			},
			wantErr: true,
		},
		{
			name: "zero retention days",
			policy: RetentionPolicy{
				PolicyName:         "bad",
				DataClassification: ClassificationPHI,
				RetentionDays:      0,
			},
			wantErr: true,
		},
		{
			name: "archive beyond retention",
			policy: RetentionPolicy{
				PolicyName:         "bad",
				DataClassification: ClassificationPHI,
				RetentionDays:      30,
				ArchiveAfterDays:   IntPtr(60),
			},
			wantErr: true,
		},
		{
			name: "delete before archive",
			policy: RetentionPolicy{
				PolicyName:         "bad",
				DataClassification: ClassificationPHI,
				RetentionDays:      365,
				ArchiveAfterDays:   IntPtr(90),
				DeleteAfterDays:    IntPtr(30),
			},
			wantErr: true,
		},
		{
			name: "invalid classification",
			policy: RetentionPolicy{
				PolicyName:         "bad",
				DataClassification: DataClassification("TOP_SECRET"),
				RetentionDays:      30,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRetentionCutoffs(t *testing.T) {
	now, err := time.Parse(time.RFC3339, "2024-06-01T00:00:00Z")
	require.NoError(t, err)

	policy := RetentionPolicy{
		PolicyName:         "phi-standard",
		DataClassification: ClassificationPHI,
		RetentionDays:      2555,
		ArchiveAfterDays:   IntPtr(30),
		DeleteAfterDays:    IntPtr(90),
	}

	assert.Equal(t, now.AddDate(0, 0, -30), policy.ArchiveCutoff(now))
	assert.Equal(t, now.AddDate(0, 0, -90), policy.DeleteCutoff(now))

	noArchive := RetentionPolicy{PolicyName: "keep", RetentionDays: 30}
	assert.True(t, noArchive.ArchiveCutoff(now).IsZero())
	assert.True(t, noArchive.DeleteCutoff(now).IsZero())
}

package gdpr

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medlogix/compliant-audit-backend/internal/domain/audit"
)

func exportEvents(t *testing.T) []*audit.Event {
	t.Helper()
	first, err := audit.NewEvent("data.access.read", audit.StatusSuccess)
	require.NoError(t, err)
	first.Timestamp = time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	first.PrincipalID = audit.StringPtr("u9")
	first.OutcomeDescription = audit.StringPtr(`viewed chart "cardio", section 2`)
	first.Details = map[string]interface{}{"resource": "chart-12"}
	require.NoError(t, audit.Seal(first))

	second, err := audit.NewEvent("auth.login.success", audit.StatusSuccess)
	require.NoError(t, err)
	second.Timestamp = time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	second.PrincipalID = audit.StringPtr("u9")
	second.DataClassification = audit.ClassificationPHI
	second.RetentionPolicy = "phi-extended"
	require.NoError(t, audit.Seal(second))

	return []*audit.Event{first, second}
}

func testExportRequest(format ExportFormat, includeMetadata bool) *ExportRequest {
	return &ExportRequest{
		PrincipalID:     "u9",
		RequestType:     "access",
		Format:          format,
		IncludeMetadata: includeMetadata,
		RequestedBy:     "dpo@clinic.example",
	}
}

func testExportMetadata(count int) *exportMetadata {
	return &exportMetadata{
		RequestID:   "req-1",
		PrincipalID: "u9",
		RequestType: "access",
		ExportedBy:  "dpo@clinic.example",
		GeneratedAt: "2025-02-02T00:00:00Z",
		RecordCount: count,
	}
}

func TestEncodeJSONExport(t *testing.T) {
	events := exportEvents(t)
	data, err := encodeExport(testExportRequest(FormatJSON, true), testExportMetadata(2), events)
	require.NoError(t, err)

	// Pretty-printed with 2-space indent.
	assert.True(t, strings.HasPrefix(string(data), "{\n  "))

	var wrapper struct {
		ExportMetadata *exportMetadata          `json:"exportMetadata"`
		AuditLogs      []map[string]interface{} `json:"auditLogs"`
	}
	require.NoError(t, json.Unmarshal(data, &wrapper))
	require.NotNil(t, wrapper.ExportMetadata)
	assert.Equal(t, "req-1", wrapper.ExportMetadata.RequestID)
	require.Len(t, wrapper.AuditLogs, 2)
	assert.Equal(t, "data.access.read", wrapper.AuditLogs[0]["action"])
}

func TestEncodeJSONExportWithoutMetadata(t *testing.T) {
	data, err := encodeExport(testExportRequest(FormatJSON, false), testExportMetadata(2), exportEvents(t))
	require.NoError(t, err)

	var wrapper map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &wrapper))
	assert.Contains(t, wrapper, "auditLogs")
	assert.NotContains(t, wrapper, "exportMetadata")
}

func TestEncodeCSVExport(t *testing.T) {
	events := exportEvents(t)
	data, err := encodeExport(testExportRequest(FormatCSV, false), testExportMetadata(2), events)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 3)

	// Header = sorted union of the first record's keys.
	assert.True(t, strings.HasPrefix(lines[0], "action,"))
	assert.Contains(t, lines[0], "principalId")

	// Values containing commas or quotes are quoted with inner quotes doubled.
	assert.Contains(t, lines[1], `"viewed chart ""cardio"", section 2"`)
}

func TestEncodeCSVExportEmpty(t *testing.T) {
	data, err := encodeExport(testExportRequest(FormatCSV, false), testExportMetadata(0), nil)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestEncodeXMLExport(t *testing.T) {
	events := exportEvents(t)
	events[0].OutcomeDescription = audit.StringPtr(`a<b & "c" 'd'`)
	require.NoError(t, audit.Seal(events[0]))

	data, err := encodeExport(testExportRequest(FormatXML, true), testExportMetadata(2), events)
	require.NoError(t, err)
	text := string(data)

	assert.True(t, strings.HasPrefix(text, `<?xml version="1.0" encoding="UTF-8"?>`))
	assert.Contains(t, text, "<gdprExport>")
	assert.Contains(t, text, "<exportMetadata>")
	assert.Equal(t, 2, strings.Count(text, "<auditLog>"))
	assert.Contains(t, text, "a&lt;b &amp; &quot;c&quot; &apos;d&apos;")
	// Absent fields render as empty elements.
	assert.Contains(t, text, "<organizationId/>")
}

func TestEncodeExportRejectsUnknownFormat(t *testing.T) {
	req := testExportRequest("yaml", false)
	require.Error(t, req.validate())

	_, err := encodeExport(req, testExportMetadata(0), nil)
	require.Error(t, err)
}

func TestExportRequestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ExportRequest)
		ok     bool
	}{
		{"valid json", func(r *ExportRequest) {}, true},
		{"valid xml", func(r *ExportRequest) { r.Format = FormatXML }, true},
		{"missing principal", func(r *ExportRequest) { r.PrincipalID = "" }, false},
		{"missing requester", func(r *ExportRequest) { r.RequestedBy = "" }, false},
		{"bad format", func(r *ExportRequest) { r.Format = "pdf" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testExportRequest(FormatJSON, false)
			tt.mutate(req)
			err := req.validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

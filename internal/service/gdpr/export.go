package gdpr

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/medlogix/compliant-audit-backend/internal/domain/audit"
	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
)

// ExportFormat selects the serialization of a data-subject export.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
	FormatXML  ExportFormat = "xml"
)

// DateRange bounds an export or report.
type DateRange struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// ExportRequest describes a data-subject access/portability request.
type ExportRequest struct {
	PrincipalID     string       `json:"principalId"`
	RequestType     string       `json:"requestType"`
	Format          ExportFormat `json:"format"`
	DateRange       *DateRange   `json:"dateRange,omitempty"`
	IncludeMetadata bool         `json:"includeMetadata"`
	RequestedBy     string       `json:"requestedBy"`
}

func (r *ExportRequest) validate() error {
	if r.PrincipalID == "" {
		return errors.NewInvalidEventError("MISSING_PRINCIPAL", "principalId is required")
	}
	if r.RequestedBy == "" {
		return errors.NewInvalidEventError("MISSING_REQUESTER", "requestedBy is required")
	}
	switch r.Format {
	case FormatJSON, FormatCSV, FormatXML:
		return nil
	}
	return errors.NewInvalidEventError("INVALID_FORMAT",
		"format must be json, csv, or xml")
}

// ExportResult is the envelope returned to the requester. Data holds the
// encoded export; DataSize is always len(Data).
type ExportResult struct {
	RequestID         string       `json:"requestId"`
	RecordCount       int          `json:"recordCount"`
	DataSize          int          `json:"dataSize"`
	ExportedBy        string       `json:"exportedBy"`
	Categories        []string     `json:"categories"`
	RetentionPolicies []string     `json:"retentionPolicies"`
	DateRange         *DateRange   `json:"dateRange,omitempty"`
	Format            ExportFormat `json:"format"`
	Data              []byte       `json:"-"`
}

// exportMetadata is embedded in the payload when IncludeMetadata is set.
type exportMetadata struct {
	RequestID   string `json:"requestId"`
	PrincipalID string `json:"principalId"`
	RequestType string `json:"requestType,omitempty"`
	ExportedBy  string `json:"exportedBy"`
	GeneratedAt string `json:"generatedAt"`
	RecordCount int    `json:"recordCount"`
}

// encodeExport renders events in the requested format.
func encodeExport(req *ExportRequest, meta *exportMetadata, events []*audit.Event) ([]byte, error) {
	records, err := eventRecords(events)
	if err != nil {
		return nil, err
	}

	switch req.Format {
	case FormatJSON:
		return encodeJSON(meta, records, req.IncludeMetadata)
	case FormatCSV:
		return encodeCSV(records)
	case FormatXML:
		return encodeXML(meta, records, req.IncludeMetadata)
	}
	return nil, errors.NewInvalidEventError("INVALID_FORMAT",
		"format must be json, csv, or xml")
}

// eventRecords converts events to generic maps via their JSON form so every
// encoder sees the same field names.
func eventRecords(events []*audit.Event) ([]map[string]interface{}, error) {
	records := make([]map[string]interface{}, 0, len(events))
	for _, event := range events {
		raw, err := json.Marshal(event)
		if err != nil {
			return nil, errors.NewInternalError("failed to serialize event").WithCause(err)
		}
		var record map[string]interface{}
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, errors.NewInternalError("failed to decode event record").WithCause(err)
		}
		records = append(records, record)
	}
	return records, nil
}

func encodeJSON(meta *exportMetadata, records []map[string]interface{}, includeMetadata bool) ([]byte, error) {
	wrapper := make(map[string]interface{}, 2)
	if includeMetadata {
		wrapper["exportMetadata"] = meta
	}
	wrapper["auditLogs"] = records

	data, err := json.MarshalIndent(wrapper, "", "  ")
	if err != nil {
		return nil, errors.NewInternalError("failed to encode JSON export").WithCause(err)
	}
	return data, nil
}

// encodeCSV writes a header from the first record's keys (sorted for
// stability) and one row per record. encoding/csv quotes fields containing
// commas or quotes and doubles inner quotes.
func encodeCSV(records []map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if len(records) == 0 {
		w.Flush()
		return buf.Bytes(), w.Error()
	}

	header := make([]string, 0, len(records[0]))
	for key := range records[0] {
		header = append(header, key)
	}
	sort.Strings(header)
	if err := w.Write(header); err != nil {
		return nil, errors.NewInternalError("failed to write CSV header").WithCause(err)
	}

	for _, record := range records {
		row := make([]string, len(header))
		for i, key := range header {
			row[i] = csvCell(record[key])
		}
		if err := w.Write(row); err != nil {
			return nil, errors.NewInternalError("failed to write CSV row").WithCause(err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, errors.NewInternalError("failed to flush CSV export").WithCause(err)
	}
	return buf.Bytes(), nil
}

func csvCell(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return jsonNumber(v)
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

// jsonNumber renders a JSON number the way json.Marshal would.
func jsonNumber(f float64) string {
	raw, _ := json.Marshal(f)
	return string(raw)
}

func encodeXML(meta *exportMetadata, records []map[string]interface{}, includeMetadata bool) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	buf.WriteString("<gdprExport>\n")

	if includeMetadata {
		buf.WriteString("  <exportMetadata>\n")
		writeXMLField(&buf, "requestId", meta.RequestID, 4)
		writeXMLField(&buf, "principalId", meta.PrincipalID, 4)
		if meta.RequestType != "" {
			writeXMLField(&buf, "requestType", meta.RequestType, 4)
		}
		writeXMLField(&buf, "exportedBy", meta.ExportedBy, 4)
		writeXMLField(&buf, "generatedAt", meta.GeneratedAt, 4)
		writeXMLField(&buf, "recordCount", fmt.Sprintf("%d", meta.RecordCount), 4)
		buf.WriteString("  </exportMetadata>\n")
	}

	buf.WriteString("  <auditLogs>\n")
	for _, record := range records {
		buf.WriteString("    <auditLog>\n")
		writeXMLValue(&buf, record, 6)
		buf.WriteString("    </auditLog>\n")
	}
	buf.WriteString("  </auditLogs>\n")
	buf.WriteString("</gdprExport>\n")
	return buf.Bytes(), nil
}

func writeXMLValue(buf *bytes.Buffer, record map[string]interface{}, indent int) {
	keys := make([]string, 0, len(record))
	for key := range record {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pad := strings.Repeat(" ", indent)
	for _, key := range keys {
		switch v := record[key].(type) {
		case nil:
			fmt.Fprintf(buf, "%s<%s/>\n", pad, key)
		case map[string]interface{}:
			fmt.Fprintf(buf, "%s<%s>\n", pad, key)
			writeXMLValue(buf, v, indent+2)
			fmt.Fprintf(buf, "%s</%s>\n", pad, key)
		case []interface{}:
			// Arrays become repeated child elements.
			for _, item := range v {
				if nested, ok := item.(map[string]interface{}); ok {
					fmt.Fprintf(buf, "%s<%s>\n", pad, key)
					writeXMLValue(buf, nested, indent+2)
					fmt.Fprintf(buf, "%s</%s>\n", pad, key)
					continue
				}
				writeXMLField(buf, key, scalarString(item), indent)
			}
		default:
			writeXMLField(buf, key, scalarString(v), indent)
		}
	}
}

func writeXMLField(buf *bytes.Buffer, name, value string, indent int) {
	fmt.Fprintf(buf, "%s<%s>%s</%s>\n",
		strings.Repeat(" ", indent), name, escapeXML(value), name)
}

func scalarString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return jsonNumber(v)
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", v)
	}
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	"'", "&apos;",
	`"`, "&quot;",
)

func escapeXML(s string) string {
	return xmlEscaper.Replace(s)
}

package logging

import (
	"regexp"
	"strings"
)

// DefaultSensitiveFields are field names whose values are always masked,
// matched case-insensitively as substrings of the key.
var DefaultSensitiveFields = []string{
	"password", "token", "apikey", "api_key", "authorization", "cookie",
	"session", "secret", "ssn", "credit", "cvv", "pin", "email", "phone",
}

// maxMaskLength bounds the emitted mask so masked values never leak length
// information beyond this cap.
const maxMaskLength = 20

var sensitivePatterns = []*regexp.Regexp{
	// Credit card numbers (13-19 digits with optional separators).
	regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),
	// US social security numbers.
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	// Email addresses.
	regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	// Phone numbers in common formats.
	regexp.MustCompile(`\+?\d{1,3}[ .-]?\(?\d{3}\)?[ .-]?\d{3}[ .-]?\d{4}\b`),
	// HTTP auth headers.
	regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._~+/=-]+`),
	regexp.MustCompile(`(?i)\bBasic\s+[A-Za-z0-9+/=]+`),
}

// Masker replaces sensitive field values and string patterns before they
// reach any log sink.
type Masker struct {
	fields []string
}

// NewMasker creates a masker covering DefaultSensitiveFields plus any extra
// field names.
func NewMasker(extraFields ...string) *Masker {
	fields := make([]string, 0, len(DefaultSensitiveFields)+len(extraFields))
	for _, f := range DefaultSensitiveFields {
		fields = append(fields, strings.ToLower(f))
	}
	for _, f := range extraFields {
		if f != "" {
			fields = append(fields, strings.ToLower(f))
		}
	}
	return &Masker{fields: fields}
}

// MaskMap returns a copy of metadata with sensitive values replaced. The
// input map is not modified.
func (m *Masker) MaskMap(metadata map[string]interface{}) map[string]interface{} {
	if metadata == nil {
		return nil
	}
	out := make(map[string]interface{}, len(metadata))
	for key, value := range metadata {
		if m.isSensitiveKey(key) {
			out[key] = maskValue(value)
			continue
		}
		switch v := value.(type) {
		case map[string]interface{}:
			out[key] = m.MaskMap(v)
		case string:
			out[key] = m.MaskString(v)
		case []interface{}:
			masked := make([]interface{}, len(v))
			for i, item := range v {
				switch it := item.(type) {
				case map[string]interface{}:
					masked[i] = m.MaskMap(it)
				case string:
					masked[i] = m.MaskString(it)
				default:
					masked[i] = it
				}
			}
			out[key] = masked
		default:
			out[key] = v
		}
	}
	return out
}

// MaskString replaces any sensitive patterns found inside s.
func (m *Masker) MaskString(s string) string {
	for _, pattern := range sensitivePatterns {
		s = pattern.ReplaceAllStringFunc(s, func(match string) string {
			return mask(len(match))
		})
	}
	return s
}

func (m *Masker) isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, field := range m.fields {
		if strings.Contains(lower, field) {
			return true
		}
	}
	return false
}

func maskValue(value interface{}) string {
	if s, ok := value.(string); ok {
		return mask(len(s))
	}
	return mask(8)
}

func mask(n int) string {
	if n < 1 {
		n = 1
	}
	if n > maxMaskLength {
		n = maxMaskLength
	}
	return strings.Repeat("*", n)
}

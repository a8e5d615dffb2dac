package observability

import (
	"net/http"
	"regexp"
	"strings"
)

// Redactor masks credentials before they reach the logs. Upstream error
// bodies and outbound headers are logged through it.
type Redactor struct {
	patterns []*redactPattern
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
}

// NewRedactor creates a redactor with the default credential patterns.
func NewRedactor() *Redactor {
	r := &Redactor{}
	r.AddPattern(`sk-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_KEY]")
	r.AddPattern(`Bearer\s+[a-zA-Z0-9\-_\.=]+`, "Bearer [REDACTED]")
	r.AddPattern(`(?i)"(api[_-]?key|token|secret|password)"\s*:\s*"[^"]*"`, `"$1":"[REDACTED]"`)
	return r
}

// AddPattern adds a custom redaction pattern. Invalid patterns are ignored.
func (r *Redactor) AddPattern(pattern, replacement string) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return
	}
	r.patterns = append(r.patterns, &redactPattern{regex: regex, replacement: replacement})
}

// Redact applies all redaction patterns to the input string.
func (r *Redactor) Redact(input string) string {
	result := input
	for _, p := range r.patterns {
		result = p.regex.ReplaceAllString(result, p.replacement)
	}
	return result
}

var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"x-api-key":           true,
	"api-key":             true,
	"cookie":              true,
	"set-cookie":          true,
}

// RedactHeaders flattens h for logging with credential headers masked.
func (r *Redactor) RedactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if sensitiveHeaders[strings.ToLower(k)] {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = r.Redact(strings.Join(v, ", "))
	}
	return out
}

// Package observability provides structured logging, redaction, request IDs,
// OpenTelemetry wiring, and usage sinks for the gateway.
package observability

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Redactor masks credentials and sensitive data before anything reaches a
// log sink, a trace, or the event stream.
type Redactor struct {
	rules []rule
	// previewMax bounds string values in redacted maps; 0 means no cap.
	previewMax int
}

type rule struct {
	re   *regexp.Regexp
	mask string
}

// Ordered: the full z.ai credential shape must win before the bare hex
// rule can split it into a masked half and a leaked suffix.
var defaultRules = []rule{
	// z.ai credentials: 32 hex chars, a dot, then a 16-char suffix
	{regexp.MustCompile(`[a-f0-9]{32}\.[A-Za-z0-9]{16}`), "[REDACTED_ZAI_KEY]"},
	// Anthropic-style keys clients may send on x-api-key
	{regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-_]{20,}`), "[REDACTED_ANTHROPIC_KEY]"},
	// Generic 32-hex API keys
	{regexp.MustCompile(`[a-f0-9]{32}`), "[REDACTED_API_KEY]"},
	{regexp.MustCompile(`Bearer\s+[a-zA-Z0-9\-_\.]+`), "Bearer [REDACTED]"},
	// Authorization headers serialized into messages
	{regexp.MustCompile(`Authorization:\s*[^\s]+`), "Authorization: [REDACTED]"},
	{regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
}

// NewRedactor creates a redactor with the default rules.
func NewRedactor() *Redactor {
	return &Redactor{rules: slices.Clone(defaultRules)}
}

// SetPreviewLimit caps string values passing through RedactMap so event
// payloads never carry full bodies. Zero removes the cap.
func (r *Redactor) SetPreviewLimit(n int) {
	r.previewMax = n
}

// AddPattern registers an extra masking rule on top of the defaults.
func (r *Redactor) AddPattern(pattern, mask string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("redact pattern %q: %w", pattern, err)
	}
	r.rules = append(r.rules, rule{re: re, mask: mask})
	return nil
}

// Redact applies every masking rule to the input string.
func (r *Redactor) Redact(input string) string {
	out := input
	for _, rl := range r.rules {
		out = rl.re.ReplaceAllString(out, rl.mask)
	}
	return out
}

// RedactMap redacts sensitive values in a map.
func (r *Redactor) RedactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = r.redactValue(k, v)
	}
	return out
}

var sensitiveKeyFragments = []string{
	"key", "token", "secret", "password", "auth", "credential", "api_key", "apikey",
}

func sensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(key, frag) {
			return true
		}
	}
	return false
}

func (r *Redactor) redactValue(key string, value any) any {
	if sensitiveKey(key) {
		return "[REDACTED]"
	}

	switch v := value.(type) {
	case string:
		s := r.Redact(v)
		if r.previewMax > 0 && len(s) > r.previewMax {
			s = s[:r.previewMax] + "…"
		}
		return s
	case map[string]any:
		return r.RedactMap(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = r.redactValue("", item)
		}
		return out
	default:
		return value
	}
}

var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"api-key":       true,
	"x-auth-token":  true,
	"cookie":        true,
	"set-cookie":    true,
}

// RedactHeaders redacts sensitive HTTP headers for traces and events.
func (r *Redactor) RedactHeaders(headers map[string][]string) map[string][]string {
	out := make(map[string][]string, len(headers))
	for k, v := range headers {
		if sensitiveHeaders[strings.ToLower(k)] {
			out[k] = []string{"[REDACTED]"}
		} else {
			out[k] = v
		}
	}
	return out
}

// MaskCredential renders a credential safe for pool status, traces, and the
// event stream: the first 8 characters followed by an ellipsis. Short values
// are masked entirely.
func MaskCredential(s string) string {
	const visible = 8
	if len(s) <= visible {
		return "****"
	}
	return s[:visible] + "…"
}

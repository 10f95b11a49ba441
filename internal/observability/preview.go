package observability

import (
	"encoding/base64"
	"strings"

	"github.com/goccy/go-json"
)

// PreviewFilter produces bounded, safe previews of request and response
// bodies for traces and the event stream. Base64 payloads (image sources,
// data URIs) are replaced so a single vision request cannot bloat a trace.
type PreviewFilter struct {
	MaxLength         int
	Base64Placeholder string
	redactor          *Redactor
}

// NewPreviewFilter creates a filter truncating previews to maxLength bytes.
func NewPreviewFilter(maxLength int, redactor *Redactor) *PreviewFilter {
	if maxLength <= 0 {
		maxLength = 2048
	}
	return &PreviewFilter{
		MaxLength:         maxLength,
		Base64Placeholder: "[base64_content_filtered]",
		redactor:          redactor,
	}
}

// Preview renders a body preview. JSON bodies are deep-filtered first; other
// bodies are redacted and truncated as-is.
func (f *PreviewFilter) Preview(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err == nil {
		filtered := f.filterValue("", decoded)
		if out, err := json.Marshal(filtered); err == nil {
			return f.finish(string(out))
		}
	}
	return f.finish(string(raw))
}

func (f *PreviewFilter) finish(s string) string {
	if f.redactor != nil {
		s = f.redactor.Redact(s)
	}
	if len(s) > f.MaxLength {
		s = s[:f.MaxLength] + "...[truncated]"
	}
	return s
}

func (f *PreviewFilter) filterValue(key string, value any) any {
	switch v := value.(type) {
	case string:
		// Anthropic image sources carry raw base64 under "data"
		if key == "data" || isBase64Content(v) {
			if len(v) >= 100 || strings.HasPrefix(v, "data:") {
				return f.Base64Placeholder
			}
		}
		return v
	case map[string]any:
		result := make(map[string]any, len(v))
		for k, item := range v {
			result[k] = f.filterValue(k, item)
		}
		return result
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = f.filterValue("", item)
		}
		return result
	default:
		return value
	}
}

func isBase64Content(s string) bool {
	if strings.HasPrefix(s, "data:") {
		return true
	}
	if len(s) < 100 {
		return false
	}

	const base64Chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/="
	validCount := 0
	for _, c := range s {
		if strings.ContainsRune(base64Chars, c) {
			validCount++
		}
	}

	ratio := float64(validCount) / float64(len(s))
	if ratio > 0.9 && len(s)%4 == 0 {
		_, err := base64.StdEncoding.DecodeString(s)
		return err == nil
	}
	return false
}

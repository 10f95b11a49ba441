package anthropic

import (
	"bytes"

	"github.com/goccy/go-json"
)

// Usage is the token accounting the upstream reports.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// UsageScanner accumulates token usage from a streamed Messages response.
// Feed it each SSE data payload; input tokens arrive on message_start and
// output tokens are updated by successive message_delta events.
type UsageScanner struct {
	usage Usage
	seen  bool
}

type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage *Usage `json:"usage"`
	} `json:"message"`
	Usage *Usage `json:"usage"`
}

// Scan inspects one SSE data payload. Unparseable payloads are ignored.
func (s *UsageScanner) Scan(data []byte) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return
	}

	var ev streamEvent
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return
	}

	switch ev.Type {
	case "message_start":
		if ev.Message != nil && ev.Message.Usage != nil {
			s.usage.InputTokens = ev.Message.Usage.InputTokens
			if ev.Message.Usage.OutputTokens > 0 {
				s.usage.OutputTokens = ev.Message.Usage.OutputTokens
			}
			s.seen = true
		}
	case "message_delta":
		if ev.Usage != nil {
			if ev.Usage.OutputTokens > 0 {
				s.usage.OutputTokens = ev.Usage.OutputTokens
			}
			if ev.Usage.InputTokens > 0 {
				s.usage.InputTokens = ev.Usage.InputTokens
			}
			s.seen = true
		}
	}
}

// Usage returns the accumulated usage and whether any usage event was seen.
func (s *UsageScanner) Usage() (Usage, bool) {
	return s.usage, s.seen
}

// ParseResponseUsage reads the usage block of a non-streaming response body.
func ParseResponseUsage(body []byte) (Usage, bool) {
	var resp struct {
		Usage *Usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Usage == nil {
		return Usage{}, false
	}
	return *resp.Usage, true
}

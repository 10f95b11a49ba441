// Package testutil provides the shared fixtures for the end-to-end
// tests: a scriptable Anthropic-shaped upstream, an in-process gateway
// assembly and a typed client for both surfaces.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Default usage attached to mock responses that do not script their own.
const (
	defaultInputTokens  = 10
	defaultOutputTokens = 20
)

// RecordedRequest is one request the mock upstream received.
type RecordedRequest struct {
	Method  string
	Path    string
	Body    []byte
	Headers http.Header
	Time    time.Time
}

// Model decodes the top-level model field of the recorded body.
func (r RecordedRequest) Model() string {
	var req struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(r.Body, &req) //nolint:errcheck // test code
	return req.Model
}

// Stream decodes the top-level stream flag of the recorded body.
func (r RecordedRequest) Stream() bool {
	var req struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(r.Body, &req) //nolint:errcheck // test code
	return req.Stream
}

// MockResponse scripts one upstream reply. A zero value is a plain 200
// message with default content and usage.
type MockResponse struct {
	StatusCode   int    // 0 means 200
	Content      string // assistant text; empty picks a default
	InputTokens  int    // usage on the reply; 0 picks the default
	OutputTokens int
	RetryAfter   string        // Retry-After header on error statuses
	ErrorType    string        // anthropic error type; derived from status when empty
	ErrorMessage string        // error body message
	RawBody      string        // verbatim body override, wins over Content
	Delay        time.Duration // sleep before replying
	AbortStream  bool          // cut the connection mid-stream after the first delta
}

// MockUpstream is a scriptable stand-in for the provider API. It
// records every request and replays queued responses in order; an
// empty queue serves a default 200 message. Streamed requests get the
// Anthropic SSE frame sequence with usage on message_start and
// message_delta.
type MockUpstream struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []RecordedRequest
	queue    []MockResponse
	latency  time.Duration
}

// NewMockUpstream creates and starts a new mock upstream.
func NewMockUpstream() *MockUpstream {
	m := &MockUpstream{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", m.handleMessages)
	mux.HandleFunc("POST /v1/messages/count_tokens", m.handleCountTokens)
	mux.HandleFunc("GET /v1/models", m.handleModels)

	m.server = httptest.NewServer(mux)
	return m
}

// URL returns the mock upstream's base URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Close shuts down the mock upstream.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// Reset clears recorded requests and the response queue.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = m.requests[:0]
	m.queue = m.queue[:0]
	m.latency = 0
}

// Requests returns a copy of all recorded requests.
func (m *MockUpstream) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestCount returns the number of recorded requests.
func (m *MockUpstream) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// QueueResponse appends a scripted response.
func (m *MockUpstream) QueueResponse(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, resp)
}

// QueueContent appends a plain 200 reply with the given assistant text.
func (m *MockUpstream) QueueContent(content string) {
	m.QueueResponse(MockResponse{Content: content})
}

// QueueError appends an error reply. retryAfter may be empty.
func (m *MockUpstream) QueueError(status int, retryAfter string) {
	m.QueueResponse(MockResponse{StatusCode: status, RetryAfter: retryAfter})
}

// SetLatency delays every reply by d.
func (m *MockUpstream) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

func (m *MockUpstream) record(r *http.Request, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, RecordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Body:    body,
		Headers: r.Header.Clone(),
		Time:    time.Now(),
	})
}

func (m *MockUpstream) next() MockResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return MockResponse{}
	}
	resp := m.queue[0]
	m.queue = m.queue[1:]
	return resp
}

func (m *MockUpstream) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, _ := readBody(r) //nolint:errcheck // test code
	m.record(r, body)

	m.mu.Lock()
	latency := m.latency
	m.mu.Unlock()
	if latency > 0 {
		time.Sleep(latency)
	}

	resp := m.next()
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}

	if resp.StatusCode >= 400 {
		writeAnthropicError(w, resp)
		return
	}

	var req struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	_ = json.Unmarshal(body, &req) //nolint:errcheck // test code

	content := resp.Content
	if content == "" {
		content = "Mock reply from upstream."
	}
	in, out := resp.InputTokens, resp.OutputTokens
	if in <= 0 {
		in = defaultInputTokens
	}
	if out <= 0 {
		out = defaultOutputTokens
	}

	if req.Stream {
		m.writeStream(w, req.Model, content, in, out, resp.AbortStream)
		return
	}

	if resp.RawBody != "" {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, resp.RawBody)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test code
		"id":            "msg_mock_1",
		"type":          "message",
		"role":          "assistant",
		"model":         req.Model,
		"content":       []map[string]any{{"type": "text", "text": content}},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage":         map[string]int{"input_tokens": in, "output_tokens": out},
	})
}

// writeStream emits the Anthropic SSE frame sequence. Content is split
// into word chunks so the client sees more than one delta.
func (m *MockUpstream) writeStream(w http.ResponseWriter, model, content string, in, out int, abort bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	writeFrame := func(event string, data any) {
		payload, _ := json.Marshal(data) //nolint:errcheck // test code
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
		flusher.Flush()
	}

	writeFrame("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":      "msg_mock_1",
			"type":    "message",
			"role":    "assistant",
			"model":   model,
			"content": []any{},
			"usage":   map[string]int{"input_tokens": in, "output_tokens": 1},
		},
	})
	writeFrame("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]any{"type": "text", "text": ""},
	})

	words := strings.SplitAfter(content, " ")
	for i, chunk := range words {
		writeFrame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": chunk},
		})
		if abort && i == 0 {
			// Drop the connection without the closing frames.
			panic(http.ErrAbortHandler)
		}
	}

	writeFrame("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": 0,
	})
	writeFrame("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": out},
	})
	writeFrame("message_stop", map[string]any{"type": "message_stop"})
}

func (m *MockUpstream) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	body, _ := readBody(r) //nolint:errcheck // test code
	m.record(r, body)

	resp := m.next()
	if resp.StatusCode >= 400 {
		writeAnthropicError(w, resp)
		return
	}
	in := resp.InputTokens
	if in <= 0 {
		in = defaultInputTokens
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"input_tokens":%d}`, in)
}

func (m *MockUpstream) handleModels(w http.ResponseWriter, r *http.Request) {
	m.record(r, nil)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test code
		"data": []map[string]any{
			{"type": "model", "id": "glm-4.7", "display_name": "GLM-4.7"},
			{"type": "model", "id": "glm-4.6", "display_name": "GLM-4.6"},
			{"type": "model", "id": "glm-4.5-air", "display_name": "GLM-4.5-Air"},
		},
	})
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}

func writeAnthropicError(w http.ResponseWriter, resp MockResponse) {
	errType := resp.ErrorType
	if errType == "" {
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			errType = "rate_limit_error"
		case http.StatusUnauthorized:
			errType = "authentication_error"
		case http.StatusBadRequest:
			errType = "invalid_request_error"
		case 529:
			errType = "overloaded_error"
		default:
			errType = "api_error"
		}
	}
	msg := resp.ErrorMessage
	if msg == "" {
		msg = fmt.Sprintf("mock upstream error %d", resp.StatusCode)
	}
	if resp.RetryAfter != "" {
		w.Header().Set("Retry-After", resp.RetryAfter)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	fmt.Fprintf(w, `{"type":"error","error":{"type":%q,"message":%q}}`, errType, msg)
}

package testutil

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// TestClient provides helper methods for driving the gateway in tests.
type TestClient struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
	tenant     string
}

// NewTestClient creates a new test client.
func NewTestClient(baseURL string) *TestClient {
	return &TestClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithAPIKey sets a client-side x-api-key header on proxied requests.
// The gateway replaces it with a pool credential before forwarding.
func (c *TestClient) WithAPIKey(apiKey string) *TestClient {
	c.apiKey = apiKey
	return c
}

// WithTenant tags proxied requests with an X-Tenant-Id header so the
// gateway attributes their spend to that tenant.
func (c *TestClient) WithTenant(tenant string) *TestClient {
	c.tenant = tenant
	return c
}

// BaseURL returns the client's base URL.
func (c *TestClient) BaseURL() string {
	return c.baseURL
}

// HTTPClient returns the underlying http.Client.
func (c *TestClient) HTTPClient() *http.Client {
	return c.httpClient
}

// MessageRequest is an Anthropic Messages API request.
type MessageRequest struct {
	Model     string            `json:"model"`
	Messages  []MessageParam    `json:"messages"`
	MaxTokens int               `json:"max_tokens,omitempty"`
	System    string            `json:"system,omitempty"`
	Stream    bool              `json:"stream,omitempty"`
	Tools     []json.RawMessage `json:"tools,omitempty"`
}

// MessageParam is one conversation turn.
type MessageParam struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessageResponse is a non-streaming Messages API response.
type MessageResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock is one response content block.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Usage is the token accounting block of a response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Text concatenates the text blocks of the response.
func (r *MessageResponse) Text() string {
	var b strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// GatewayError is the JSON envelope of gateway-generated errors.
type GatewayError struct {
	Error     string `json:"error"`
	ErrorType string `json:"errorType,omitempty"`
	Details   string `json:"details,omitempty"`
}

// Messages sends a non-streaming Messages request. On statuses >= 400
// the response is returned undecoded with its body open.
func (c *TestClient) Messages(ctx context.Context, req *MessageRequest) (*MessageResponse, *http.Response, error) {
	resp, err := c.postMessages(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, resp, nil
	}

	var msg MessageResponse
	if derr := json.NewDecoder(resp.Body).Decode(&msg); derr != nil {
		resp.Body.Close()
		return nil, resp, fmt.Errorf("decode response: %w", derr)
	}
	resp.Body.Close()
	return &msg, resp, nil
}

// MessagesStream sends a streaming Messages request. On statuses >= 400
// the response is returned with no reader and its body open.
func (c *TestClient) MessagesStream(ctx context.Context, req *MessageRequest) (*SSEReader, *http.Response, error) {
	req.Stream = true
	resp, err := c.postMessages(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, resp, nil
	}
	return NewSSEReader(resp.Body), resp, nil
}

func (c *TestClient) postMessages(ctx context.Context, req *MessageRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Anthropic-Version", "2023-06-01")
	if c.apiKey != "" {
		httpReq.Header.Set("X-Api-Key", c.apiKey)
	}
	if c.tenant != "" {
		httpReq.Header.Set("X-Tenant-Id", c.tenant)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

// GetJSON sends a GET request to an admin path.
func (c *TestClient) GetJSON(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.httpClient.Do(req)
}

// PostJSON sends a POST request with a JSON body. A nil body posts
// empty.
func (c *TestClient) PostJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.sendJSON(ctx, "POST", path, body)
}

// PutJSON sends a PUT request with a JSON body.
func (c *TestClient) PutJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.sendJSON(ctx, "PUT", path, body)
}

// Delete sends a DELETE request to an admin path.
func (c *TestClient) Delete(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "DELETE", c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.httpClient.Do(req)
}

func (c *TestClient) sendJSON(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}

// SSEEvent is one server-sent-events frame.
type SSEEvent struct {
	Type string
	Data []byte
}

// SSEReader reads SSE frames from a streaming response body. Comment
// lines and heartbeats are skipped.
type SSEReader struct {
	reader *bufio.Reader
	body   io.ReadCloser
}

// NewSSEReader wraps a streaming response body.
func NewSSEReader(body io.ReadCloser) *SSEReader {
	return &SSEReader{
		reader: bufio.NewReader(body),
		body:   body,
	}
}

// Next reads the next frame. Returns nil, io.EOF when the stream ends.
func (r *SSEReader) Next() (*SSEEvent, error) {
	var ev SSEEvent
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(ev.Data) > 0 || ev.Type != "" {
				return &ev, nil
			}
		case strings.HasPrefix(line, ":"):
			// comment / heartbeat
		case strings.HasPrefix(line, "event: "):
			ev.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.Data = append(ev.Data, strings.TrimPrefix(line, "data: ")...)
		}
	}
}

// Close closes the stream.
func (r *SSEReader) Close() error {
	return r.body.Close()
}

// CollectEvents reads frames until the stream ends and returns them.
func (r *SSEReader) CollectEvents() ([]SSEEvent, error) {
	var events []SSEEvent
	for {
		ev, err := r.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, *ev)
	}
}

// CollectText reads the whole stream and returns the accumulated
// text deltas.
func (r *SSEReader) CollectText() (string, error) {
	var b strings.Builder
	for {
		ev, err := r.Next()
		if err == io.EOF {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		if ev.Type != "content_block_delta" {
			continue
		}
		var delta struct {
			Delta struct {
				Text string `json:"text"`
			} `json:"delta"`
		}
		if uerr := json.Unmarshal(ev.Data, &delta); uerr == nil {
			b.WriteString(delta.Delta.Text)
		}
	}
}

package testutil

import (
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertStatusCode asserts the response status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	assert.Equal(t, expected, resp.StatusCode, "unexpected status code")
}

// RequireStatusOK fails the test immediately unless the status is 200.
func RequireStatusOK(t *testing.T, resp *http.Response) {
	t.Helper()
	require.Equal(t, http.StatusOK, resp.StatusCode, "expected 200 OK")
}

// AssertContentType asserts the Content-Type header contains the
// expected value.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	ct := resp.Header.Get("Content-Type")
	assert.Contains(t, ct, expected, "unexpected content type")
}

// AssertJSONResponse asserts the response is JSON.
func AssertJSONResponse(t *testing.T, resp *http.Response) {
	t.Helper()
	AssertContentType(t, resp, "application/json")
}

// AssertSSEResponse asserts the response is a server-sent-events
// stream.
func AssertSSEResponse(t *testing.T, resp *http.Response) {
	t.Helper()
	AssertContentType(t, resp, "text/event-stream")
}

// AssertMessageResponse asserts the basic shape of a Messages
// response.
func AssertMessageResponse(t *testing.T, msg *MessageResponse) {
	t.Helper()
	require.NotNil(t, msg, "expected a message response")
	assert.NotEmpty(t, msg.ID, "message should have an ID")
	assert.Equal(t, "message", msg.Type)
	assert.Equal(t, "assistant", msg.Role)
	assert.NotEmpty(t, msg.Content, "message should have content")
}

// AssertHasUsage asserts the response carries token usage.
func AssertHasUsage(t *testing.T, msg *MessageResponse) {
	t.Helper()
	require.NotNil(t, msg.Usage, "message should have usage")
	assert.Positive(t, msg.Usage.InputTokens, "input tokens should be counted")
	assert.Positive(t, msg.Usage.OutputTokens, "output tokens should be counted")
}

// AssertRequestCount asserts how many requests the upstream received.
func AssertRequestCount(t *testing.T, mock *MockUpstream, expected int) {
	t.Helper()
	assert.Equal(t, expected, mock.RequestCount(), "unexpected upstream request count")
}

// AssertUpstreamModel asserts the model the upstream saw on the n-th
// request.
func AssertUpstreamModel(t *testing.T, mock *MockUpstream, index int, model string) {
	t.Helper()
	reqs := mock.Requests()
	require.Greater(t, len(reqs), index, "upstream request %d not recorded", index)
	assert.Equal(t, model, reqs[index].Model(), "unexpected model on upstream request %d", index)
}

// AssertUpstreamCredential asserts the credential the upstream saw on
// the n-th request, on both auth headers.
func AssertUpstreamCredential(t *testing.T, mock *MockUpstream, index int, credential string) {
	t.Helper()
	reqs := mock.Requests()
	require.Greater(t, len(reqs), index, "upstream request %d not recorded", index)
	req := reqs[index]
	assert.Equal(t, "Bearer "+credential, req.Headers.Get("Authorization"),
		"unexpected Authorization on upstream request %d", index)
	assert.Equal(t, credential, req.Headers.Get("X-Api-Key"),
		"unexpected X-Api-Key on upstream request %d", index)
}

// ReadJSON decodes a response body into out and closes it.
func ReadJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out), "decode response body")
}

// FormatRequests renders the recorded upstream requests for failure
// messages.
func FormatRequests(mock *MockUpstream) string {
	var b strings.Builder
	for i, req := range mock.Requests() {
		fmt.Fprintf(&b, "%d: %s %s model=%s stream=%v\n", i, req.Method, req.Path, req.Model(), req.Stream())
	}
	return b.String()
}

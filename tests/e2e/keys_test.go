//nolint:bodyclose // test code - response bodies are handled appropriately
package e2e

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zgate-dev/zgate/tests/testutil"
)

func TestKeys_RotatesAcrossSequentialRequests(t *testing.T) {
	upstream := testutil.NewMockUpstream()
	defer upstream.Close()

	gateway, err := testutil.NewGateway(
		testutil.WithUpstream(upstream.URL()),
		testutil.WithKeys("sk-alpha-0123456789", "sk-bravo-0123456789"),
	)
	require.NoError(t, err)
	defer gateway.Stop()
	client := gateway.Client()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		msg, resp, err := client.Messages(ctx, userMessage("claude-sonnet-4-20250514", "rotate"))
		require.NoError(t, err)
		testutil.RequireStatusOK(t, resp)
		require.NotNil(t, msg)
	}

	// The ring picks up after the last selected key, so two fresh keys
	// serve alternating requests.
	testutil.AssertRequestCount(t, upstream, 2)
	testutil.AssertUpstreamCredential(t, upstream, 0, "sk-alpha-0123456789")
	testutil.AssertUpstreamCredential(t, upstream, 1, "sk-bravo-0123456789")

	stats := fetchStats(t, client)
	assert.EqualValues(t, 2, stats.Requests.Succeeded)
	assert.EqualValues(t, 0, stats.Requests.Failed)
}

func TestKeys_StatsNeverLeakCredentials(t *testing.T) {
	upstream := testutil.NewMockUpstream()
	defer upstream.Close()

	gateway, err := testutil.NewGateway(
		testutil.WithUpstream(upstream.URL()),
		testutil.WithKeys("sk-alpha-0123456789", "sk-bravo-0123456789"),
	)
	require.NoError(t, err)
	defer gateway.Stop()
	client := gateway.Client()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, resp, err := client.Messages(ctx, userMessage("claude-sonnet-4-20250514", "hello"))
	require.NoError(t, err)
	testutil.RequireStatusOK(t, resp)

	statsResp, err := client.GetJSON(ctx, "/stats")
	require.NoError(t, err)
	testutil.RequireStatusOK(t, statsResp)
	raw, err := io.ReadAll(statsResp.Body)
	require.NoError(t, err)
	require.NoError(t, statsResp.Body.Close())

	// Raw credentials never appear anywhere in the stats body.
	body := string(raw)
	assert.NotContains(t, body, "sk-alpha-0123456789")
	assert.NotContains(t, body, "sk-bravo-0123456789")

	var stats gatewayStats
	require.NoError(t, json.Unmarshal(raw, &stats))
	require.Len(t, stats.Keys, 2)

	masked := make(map[string]string, len(stats.Keys))
	for _, k := range stats.Keys {
		masked[k.ID] = k.Credential
		assert.Equal(t, "closed", k.State)
	}
	assert.Equal(t, "sk-alpha…", masked["key-1"])
	assert.Equal(t, "sk-bravo…", masked["key-2"])
}

func TestKeys_Plain429FailsOverToNextKey(t *testing.T) {
	upstream := testutil.NewMockUpstream()
	defer upstream.Close()

	gateway, err := testutil.NewGateway(
		testutil.WithUpstream(upstream.URL()),
		testutil.WithKeys("sk-alpha-0123456789", "sk-bravo-0123456789"),
		testutil.WithRoutingDisabled(),
	)
	require.NoError(t, err)
	defer gateway.Stop()
	client := gateway.Client()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	upstream.QueueError(429, "")
	upstream.QueueContent("second key wins")

	msg, resp, err := client.Messages(ctx, userMessage("glm-4.6", "fail over please"))
	require.NoError(t, err)
	testutil.RequireStatusOK(t, resp)
	require.NotNil(t, msg)
	assert.Equal(t, "second key wins", msg.Text())

	// With routing off the model passes through unchanged on both
	// attempts; only the credential rotates.
	testutil.AssertRequestCount(t, upstream, 2)
	requests := upstream.Requests()
	assert.Equal(t, "glm-4.6", requests[0].Model())
	assert.Equal(t, "glm-4.6", requests[1].Model())
	testutil.AssertUpstreamCredential(t, upstream, 0, "sk-alpha-0123456789")
	testutil.AssertUpstreamCredential(t, upstream, 1, "sk-bravo-0123456789")

	stats := fetchStats(t, client)
	assert.False(t, stats.Routing.Enabled)
	assert.EqualValues(t, 1, stats.Total429)
	assert.EqualValues(t, 1, stats.Retries.Total)
	assert.EqualValues(t, 1, stats.Retries.SameModel)
	assert.EqualValues(t, 1, stats.Requests.Succeeded)
	assert.EqualValues(t, 0, stats.Requests.Failed)
}

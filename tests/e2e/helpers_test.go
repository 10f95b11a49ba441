package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zgate-dev/zgate/tests/testutil"
)

// gatewayStats mirrors the /stats fields the tests assert on.
type gatewayStats struct {
	Requests struct {
		Started   int64 `json:"started"`
		Succeeded int64 `json:"succeeded"`
		Failed    int64 `json:"failed"`
		InFlight  int64 `json:"inFlight"`
	} `json:"requests"`
	Retries struct {
		Total     int64 `json:"total"`
		SameModel int64 `json:"sameModel"`
		Backoff   struct {
			DelayCount int64 `json:"delayCount"`
			TotalMs    int64 `json:"totalMs"`
		} `json:"backoff"`
	} `json:"retries"`
	GiveUps      map[string]int64 `json:"giveUps"`
	FailedModels struct {
		Requests           int64   `json:"requests"`
		AvgAttemptedModels float64 `json:"avgAttemptedModels"`
		AvgModelSwitches   float64 `json:"avgModelSwitches"`
	} `json:"failedRequestModelStats"`
	Keys []struct {
		ID         string `json:"id"`
		Index      int    `json:"index"`
		Credential string `json:"credential"`
		State      string `json:"state"`
	} `json:"keys"`
	Total429 int64 `json:"total429"`
	Routing  struct {
		Enabled    bool `json:"enabled"`
		ShadowMode bool `json:"shadowMode"`
		Version    int  `json:"version"`
	} `json:"routing"`
	Paused bool `json:"paused"`
}

func fetchStats(t *testing.T, client *testutil.TestClient) gatewayStats {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.GetJSON(ctx, "/stats")
	require.NoError(t, err)
	testutil.RequireStatusOK(t, resp)

	var stats gatewayStats
	testutil.ReadJSON(t, resp, &stats)
	return stats
}

func userMessage(model, content string) *testutil.MessageRequest {
	return &testutil.MessageRequest{
		Model: model,
		Messages: []testutil.MessageParam{
			{Role: "user", Content: content},
		},
	}
}

package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/zgate-dev/zgate/internal/config"
	"github.com/zgate-dev/zgate/internal/events"
)

func TestEventStreamDeliversPublishedEvents(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	go func() {
		// Give the subscription a moment to register before publishing.
		time.Sleep(50 * time.Millisecond)
		ts.broker.Publish(events.TypeRequestStart, map[string]any{"requestId": "req-1", "model": "glm-4.7"})
	}()

	var eventName, data string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventName = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	require.Equal(t, events.TypeRequestStart, eventName)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(data), &payload))
	require.Equal(t, "req-1", payload["requestId"])
	require.Equal(t, events.TypeRequestStart, payload["type"])
	require.EqualValues(t, 1, payload["seq"])
	require.NotEmpty(t, payload["ts"])
}

func TestEventStreamEndsWhenBrokerCloses(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/requests/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		ts.broker.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
		}
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not end after broker close")
	}
}

func TestEventStreamUnconfiguredReturns404(t *testing.T) {
	ts := newTestServer(t, func(_ *config.Config, deps *Deps) {
		deps.Broker = nil
	})

	rec, _ := doRequest(t, ts.handler, http.MethodGet, "/events", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

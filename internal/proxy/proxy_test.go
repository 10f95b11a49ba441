package proxy

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/zgate-dev/zgate/internal/config"
	"github.com/zgate-dev/zgate/internal/costs"
	"github.com/zgate-dev/zgate/internal/keypool"
	"github.com/zgate-dev/zgate/internal/metrics"
	"github.com/zgate-dev/zgate/internal/router"
	"github.com/zgate-dev/zgate/internal/tracestore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const plainBody = `{"model":"glm-4.7","messages":[{"role":"user","content":"hello"}],"max_tokens":64}`

// scriptedResponse is one canned upstream reply. When block is set the
// upstream waits for it to close before answering.
type scriptedResponse struct {
	status int
	header map[string]string
	body   string
	block  chan struct{}
}

// upstreamCall is one request the scripted upstream received.
type upstreamCall struct {
	method string
	path   string
	auth   string
	apiKey string
	tenant string
	body   []byte
}

// upstreamScript serves scripted responses in order; the last one
// repeats once the script runs out.
type upstreamScript struct {
	mu        sync.Mutex
	responses []scriptedResponse
	calls     []upstreamCall
}

func newUpstreamScript(responses ...scriptedResponse) *upstreamScript {
	return &upstreamScript{responses: responses}
}

func (s *upstreamScript) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		s.mu.Lock()
		s.calls = append(s.calls, upstreamCall{
			method: r.Method,
			path:   r.URL.RequestURI(),
			auth:   r.Header.Get("Authorization"),
			apiKey: r.Header.Get("X-Api-Key"),
			tenant: r.Header.Get("X-Tenant-Id"),
			body:   body,
		})
		resp := s.responses[len(s.responses)-1]
		if n := len(s.calls) - 1; n < len(s.responses) {
			resp = s.responses[n]
		}
		s.mu.Unlock()

		if resp.block != nil {
			<-resp.block
		}
		for k, v := range resp.header {
			w.Header().Set(k, v)
		}
		w.WriteHeader(resp.status)
		if resp.body != "" {
			io.WriteString(w, resp.body)
		}
	}
}

func (s *upstreamScript) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *upstreamScript) call(i int) upstreamCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

// handlerSetup bundles the handler with the components tests assert on.
type handlerSetup struct {
	handler   *Handler
	pool      *keypool.Pool
	router    *router.Router
	collector *metrics.Collector
	tracker   *costs.Tracker
	traces    *tracestore.Store
}

func testKeySpecs(n int) []keypool.KeySpec {
	specs := make([]keypool.KeySpec, 0, n)
	for i := 0; i < n; i++ {
		specs = append(specs, keypool.KeySpec{
			ID:         "key-" + string(rune('1'+i)),
			Credential: "sk-test-credential-" + string(rune('1'+i)),
		})
	}
	return specs
}

// newTestHandler builds a handler against the given upstream with nkeys
// credentials. Backoff is shrunk to keep retry tests fast; mutate may
// adjust the config further before construction.
func newTestHandler(t *testing.T, upstreamURL string, nkeys int, routing bool, mutate func(*Config)) *handlerSetup {
	t.Helper()

	pool, err := keypool.New(keypool.Config{
		QueueTimeout: 100 * time.Millisecond,
		QueueSize:    8,
	}, testKeySpecs(nkeys), testLogger())
	if err != nil {
		t.Fatalf("keypool.New() error: %v", err)
	}

	doc := router.DefaultDocument("")
	doc.Enabled = routing
	rt, err := router.New(router.Config{Bootstrap: &doc}, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("router.New() error: %v", err)
	}

	cfg := Config{
		Proxy: config.ProxyConfig{
			MaxRetries: 3,
			Backoff: config.BackoffConfig{
				Base:       time.Millisecond,
				Multiplier: 1.0,
				Max:        2 * time.Millisecond,
			},
		},
		Upstream: config.UpstreamConfig{
			BaseURL:        upstreamURL,
			RequestTimeout: 5 * time.Second,
		},
		PoolCooldown: config.PoolCooldownConfig{
			Base:           time.Millisecond,
			Cap:            2 * time.Millisecond,
			SleepThreshold: time.Second,
		},
		Failover: config.FailoverConfig{
			Max429AttemptsPerRequest:   3,
			Max429RetryWindow:          30 * time.Second,
			MaxModelSwitchesPerRequest: 5,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	collector := metrics.NewCollector()
	tracker := costs.New(costs.Config{}, nil, nil, testLogger())
	traces := tracestore.NewStore(64)
	h := NewHandler(cfg, Deps{
		Pool:      pool,
		Router:    rt,
		Collector: collector,
		Tracker:   tracker,
		Traces:    traces,
		Logger:    testLogger(),
	})
	return &handlerSetup{handler: h, pool: pool, router: rt, collector: collector, tracker: tracker, traces: traces}
}

func doProxy(h *Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func lastTrace(t *testing.T, store *tracestore.Store) *tracestore.Trace {
	t.Helper()
	recent := store.Recent(1)
	if len(recent) == 0 {
		t.Fatal("no trace recorded")
	}
	return recent[0]
}

func TestHandler_ProxiesSuccess(t *testing.T) {
	script := newUpstreamScript(scriptedResponse{
		status: http.StatusOK,
		header: map[string]string{"Content-Type": "application/json"},
		body:   `{"id":"msg_1","usage":{"input_tokens":10,"output_tokens":20}}`,
	})
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	setup := newTestHandler(t, srv.URL, 1, false, nil)
	rr := doProxy(setup.handler, plainBody)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "msg_1") {
		t.Errorf("body not forwarded: %s", rr.Body.String())
	}
	if rr.Header().Get("X-Request-Id") == "" {
		t.Error("response missing X-Request-Id")
	}

	call := script.call(0)
	if call.auth != "Bearer sk-test-credential-1" {
		t.Errorf("Authorization = %q, want pool credential", call.auth)
	}
	if call.apiKey != "sk-test-credential-1" {
		t.Errorf("X-Api-Key = %q, want pool credential", call.apiKey)
	}
	if call.path != "/v1/messages" {
		t.Errorf("upstream path = %q, want /v1/messages", call.path)
	}

	tr := lastTrace(t, setup.traces)
	if tr.StatusCode != http.StatusOK || !tr.Success() {
		t.Errorf("trace = %s/%d, want success/200", tr.Status, tr.StatusCode)
	}
	if len(tr.Attempts) != 1 {
		t.Errorf("attempts = %d, want 1", len(tr.Attempts))
	}

	snap := setup.collector.Snapshot()
	if snap.Requests.Succeeded != 1 || snap.Requests.Failed != 0 {
		t.Errorf("requests = %+v, want 1 success", snap.Requests)
	}
	if got := snap.Models["glm-4.7"].InputTokens; got != 10 {
		t.Errorf("input tokens = %d, want 10", got)
	}
}

func TestHandler_PausedRefusesRequests(t *testing.T) {
	script := newUpstreamScript(scriptedResponse{status: http.StatusOK, body: "{}"})
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	setup := newTestHandler(t, srv.URL, 1, false, nil)
	setup.handler.Gate().Pause()

	rr := doProxy(setup.handler, plainBody)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if script.callCount() != 0 {
		t.Error("paused proxy must not reach upstream")
	}

	setup.handler.Gate().Resume()
	if rr := doProxy(setup.handler, plainBody); rr.Code != http.StatusOK {
		t.Errorf("status after resume = %d, want 200", rr.Code)
	}
}

func TestHandler_RejectsOversizedBody(t *testing.T) {
	script := newUpstreamScript(scriptedResponse{status: http.StatusOK, body: "{}"})
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	setup := newTestHandler(t, srv.URL, 1, false, func(cfg *Config) {
		cfg.MaxBodyBytes = 32
	})

	rr := doProxy(setup.handler, plainBody)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rr.Code)
	}
	if script.callCount() != 0 {
		t.Error("oversized body must not reach upstream")
	}
}

func TestHandler_RejectsInvalidJSON(t *testing.T) {
	script := newUpstreamScript(scriptedResponse{status: http.StatusOK, body: "{}"})
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	setup := newTestHandler(t, srv.URL, 1, false, nil)

	rr := doProxy(setup.handler, `{"model": not json`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if script.callCount() != 0 {
		t.Error("invalid body must not reach upstream")
	}

	var eb errorBody
	if err := json.Unmarshal(rr.Body.Bytes(), &eb); err != nil {
		t.Fatalf("error body not JSON: %v", err)
	}
	if eb.Error == "" {
		t.Error("error body missing message")
	}
}

func TestHandler_GlobalConcurrencyCap(t *testing.T) {
	release := make(chan struct{})
	script := newUpstreamScript(scriptedResponse{
		status: http.StatusOK,
		body:   "{}",
		block:  release,
	})
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	setup := newTestHandler(t, srv.URL, 2, false, func(cfg *Config) {
		cfg.Proxy.MaxTotalConcurrency = 1
	})

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- doProxy(setup.handler, plainBody)
	}()

	for i := 0; script.callCount() == 0 && i < 200; i++ {
		time.Sleep(time.Millisecond)
	}
	if script.callCount() == 0 {
		t.Fatal("first request never reached upstream")
	}

	rr := doProxy(setup.handler, plainBody)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("second request status = %d, want 503", rr.Code)
	}

	close(release)
	if first := <-done; first.Code != http.StatusOK {
		t.Errorf("first request status = %d, want 200", first.Code)
	}
}

func TestHandler_PlainClientErrorPassesThrough(t *testing.T) {
	script := newUpstreamScript(scriptedResponse{
		status: http.StatusNotFound,
		header: map[string]string{"Content-Type": "application/json"},
		body:   `{"error":{"type":"not_found_error"}}`,
	})
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	setup := newTestHandler(t, srv.URL, 2, false, nil)
	rr := doProxy(setup.handler, plainBody)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want upstream 404 passed through", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "not_found_error") {
		t.Errorf("upstream error body not passed through: %s", rr.Body.String())
	}
	if script.callCount() != 1 {
		t.Errorf("upstream calls = %d, want 1 (no retry on plain 4xx)", script.callCount())
	}
}

func TestHandler_AuthErrorIsTerminal(t *testing.T) {
	script := newUpstreamScript(scriptedResponse{
		status: http.StatusUnauthorized,
		body:   `{"error":{"type":"authentication_error"}}`,
	})
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	setup := newTestHandler(t, srv.URL, 3, false, nil)
	rr := doProxy(setup.handler, plainBody)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 replayed", rr.Code)
	}
	if script.callCount() != 1 {
		t.Errorf("upstream calls = %d, want 1 (auth errors do not retry)", script.callCount())
	}

	tr := lastTrace(t, setup.traces)
	if tr.Status != tracestore.StatusError {
		t.Errorf("trace status = %s, want error", tr.Status)
	}

	snap := setup.collector.Snapshot()
	if snap.Requests.Failed != 1 {
		t.Errorf("failed = %d, want 1", snap.Requests.Failed)
	}
}

func TestHandler_RoutingRewritesModel(t *testing.T) {
	script := newUpstreamScript(scriptedResponse{
		status: http.StatusOK,
		body:   `{"id":"msg_1","usage":{"input_tokens":5,"output_tokens":7}}`,
	})
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	setup := newTestHandler(t, srv.URL, 1, true, nil)
	body := `{"model":"claude-opus-4-20250514","messages":[{"role":"user","content":"hello"}],"max_tokens":64}`
	rr := doProxy(setup.handler, body)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var sent struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(script.call(0).body, &sent); err != nil {
		t.Fatalf("upstream body not JSON: %v", err)
	}
	if sent.Model != "glm-4.7" {
		t.Errorf("upstream model = %q, want glm-4.7", sent.Model)
	}

	tr := lastTrace(t, setup.traces)
	if tr.OriginalModel != "claude-opus-4-20250514" {
		t.Errorf("OriginalModel = %q", tr.OriginalModel)
	}
	if tr.MappedModel != "glm-4.7" {
		t.Errorf("MappedModel = %q, want glm-4.7", tr.MappedModel)
	}
}

func TestHandler_StreamingPassThrough(t *testing.T) {
	sse := "event: message_start\ndata: {\"type\":\"message_start\"}\n\n" +
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"input_tokens\":12,\"output_tokens\":34}}\n\n" +
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"
	script := newUpstreamScript(scriptedResponse{
		status: http.StatusOK,
		header: map[string]string{"Content-Type": "text/event-stream"},
		body:   sse,
	})
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	setup := newTestHandler(t, srv.URL, 1, false, nil)
	body := `{"model":"glm-4.7","messages":[{"role":"user","content":"hello"}],"stream":true}`
	rr := doProxy(setup.handler, body)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", got)
	}
	if rr.Body.String() != sse {
		t.Errorf("stream altered in flight:\n%s", rr.Body.String())
	}

	snap := setup.collector.Snapshot()
	m := snap.Models["glm-4.7"]
	if m.InputTokens != 12 || m.OutputTokens != 34 {
		t.Errorf("sniffed usage = %d/%d, want 12/34", m.InputTokens, m.OutputTokens)
	}
}

func TestHandler_TraceRecordsRequestID(t *testing.T) {
	script := newUpstreamScript(scriptedResponse{status: http.StatusOK, body: "{}"})
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	setup := newTestHandler(t, srv.URL, 1, false, nil)
	rr := doProxy(setup.handler, plainBody)

	requestID := rr.Header().Get("X-Request-Id")
	if requestID == "" {
		t.Fatal("response missing X-Request-Id")
	}
	if _, ok := setup.traces.GetByRequestID(requestID); !ok {
		t.Errorf("no trace stored for request id %s", requestID)
	}
}

func TestHandler_TenantAttribution(t *testing.T) {
	script := newUpstreamScript(scriptedResponse{
		status: http.StatusOK,
		header: map[string]string{"Content-Type": "application/json"},
		body:   `{"id":"msg_1","usage":{"input_tokens":1000000,"output_tokens":0}}`,
	})
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	setup := newTestHandler(t, srv.URL, 1, false, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(plainBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", "  acme  ")
	rr := httptest.NewRecorder()
	setup.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if got := script.call(0).tenant; got != "" {
		t.Errorf("tenant header reached upstream: %q", got)
	}

	tenants := setup.tracker.TenantCosts()
	usage, ok := tenants["acme"]
	if !ok {
		t.Fatalf("TenantCosts() = %v, want trimmed acme entry", tenants)
	}
	if usage.Requests != 1 {
		t.Errorf("tenant requests = %d, want 1", usage.Requests)
	}
	if usage.Cost < 0.599 || usage.Cost > 0.601 {
		t.Errorf("tenant cost = %v, want 0.60 for 1M glm-4.7 input tokens", usage.Cost)
	}
}

package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zgate-dev/zgate/internal/config"
	"github.com/zgate-dev/zgate/internal/keypool"
	"github.com/zgate-dev/zgate/internal/tracestore"
	proxyerrors "github.com/zgate-dev/zgate/pkg/errors"
)

func TestHandler_RetriesServerErrorOnNextKey(t *testing.T) {
	script := newUpstreamScript(
		scriptedResponse{status: http.StatusInternalServerError, body: `{"error":"boom"}`},
		scriptedResponse{status: http.StatusOK, body: `{"id":"msg_1"}`},
	)
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	setup := newTestHandler(t, srv.URL, 2, false, nil)
	rr := doProxy(setup.handler, plainBody)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after retry", rr.Code)
	}
	if script.callCount() != 2 {
		t.Fatalf("upstream calls = %d, want 2", script.callCount())
	}
	if script.call(0).auth == script.call(1).auth {
		t.Error("retry must rotate to a different credential")
	}

	tr := lastTrace(t, setup.traces)
	if len(tr.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(tr.Attempts))
	}
	if tr.Attempts[0].ErrorType != proxyerrors.KindServerError || !tr.Attempts[0].Retried {
		t.Errorf("first attempt = %q retried=%v, want server_error retried",
			tr.Attempts[0].ErrorType, tr.Attempts[0].Retried)
	}
	if !tr.Success() {
		t.Errorf("trace status = %s, want success", tr.Status)
	}

	snap := setup.collector.Snapshot()
	if snap.Retries.Total != 1 {
		t.Errorf("retries = %d, want 1", snap.Retries.Total)
	}
}

func TestHandler_ReplaysUpstreamErrorWhenKeysExhausted(t *testing.T) {
	script := newUpstreamScript(scriptedResponse{
		status: http.StatusInternalServerError,
		header: map[string]string{"Content-Type": "application/json"},
		body:   `{"error":{"type":"api_error","message":"upstream exploded"}}`,
	})
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	setup := newTestHandler(t, srv.URL, 2, false, nil)
	rr := doProxy(setup.handler, plainBody)

	// Both keys burned by excludeKey failures; the final response is the
	// upstream's own 500, replayed byte for byte.
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want replayed 500", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "upstream exploded") {
		t.Errorf("body not replayed: %s", rr.Body.String())
	}
	if script.callCount() != 2 {
		t.Errorf("upstream calls = %d, want one per key", script.callCount())
	}

	tr := lastTrace(t, setup.traces)
	if tr.Status != tracestore.StatusError || tr.StatusCode != http.StatusInternalServerError {
		t.Errorf("trace = %s/%d, want error/500", tr.Status, tr.StatusCode)
	}
}

func TestHandler_RateLimitExhaustsKeysWithoutRouting(t *testing.T) {
	script := newUpstreamScript(scriptedResponse{
		status: http.StatusTooManyRequests,
		body:   `{"error":{"type":"rate_limit_error"}}`,
	})
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	setup := newTestHandler(t, srv.URL, 2, false, nil)
	rr := doProxy(setup.handler, plainBody)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "rate_limit_error") {
		t.Errorf("upstream 429 body not replayed: %s", rr.Body.String())
	}
	if script.callCount() != 2 {
		t.Errorf("upstream calls = %d, want one per key", script.callCount())
	}

	snap := setup.collector.Snapshot()
	if snap.Pool429Count != 2 {
		t.Errorf("pool 429 count = %d, want 2", snap.Pool429Count)
	}
	if got := setup.pool.Model429Count("glm-4.7"); got != 2 {
		t.Errorf("model 429 count = %d, want 2", got)
	}
}

func TestHandler_RateLimitGiveUpWithRouting(t *testing.T) {
	script := newUpstreamScript(scriptedResponse{
		status: http.StatusTooManyRequests,
		body:   `{"error":{"type":"rate_limit_error"}}`,
	})
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	setup := newTestHandler(t, srv.URL, 2, true, func(cfg *Config) {
		cfg.Failover.Max429AttemptsPerRequest = 2
	})
	body := `{"model":"claude-opus-4-20250514","messages":[{"role":"user","content":"hello"}]}`
	rr := doProxy(setup.handler, body)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if got := rr.Header().Get(headerRateLimit); got != markerModelExhausted {
		t.Errorf("%s = %q, want %q", headerRateLimit, got, markerModelExhausted)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("give-up response missing Retry-After")
	}
	if !strings.Contains(rr.Body.String(), "all models exhausted") {
		t.Errorf("body = %s, want exhaustion message", rr.Body.String())
	}
	if script.callCount() != 2 {
		t.Errorf("upstream calls = %d, want Max429AttemptsPerRequest", script.callCount())
	}

	snap := setup.collector.Snapshot()
	if snap.GiveUps[reasonMax429Attempts] != 1 {
		t.Errorf("give-ups = %v, want one %s", snap.GiveUps, reasonMax429Attempts)
	}
	if snap.FailedModels.Requests != 1 {
		t.Errorf("failed model stats requests = %d, want 1", snap.FailedModels.Requests)
	}
}

func TestHandler_PoolCooldownRejectsBeforeUpstream(t *testing.T) {
	script := newUpstreamScript(scriptedResponse{status: http.StatusOK, body: "{}"})
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	setup := newTestHandler(t, srv.URL, 1, false, func(cfg *Config) {
		cfg.PoolCooldown.SleepThreshold = 50 * time.Millisecond
	})
	setup.pool.RecordRateLimitHit(keypool.RateLimitHit{
		Model:      "glm-4.7",
		RetryAfter: 5 * time.Second,
	})

	rr := doProxy(setup.handler, plainBody)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 during pool cooldown", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("cooldown rejection missing Retry-After")
	}
	if !strings.Contains(rr.Body.String(), "cooling down") {
		t.Errorf("body = %s, want cooldown message", rr.Body.String())
	}
	if script.callCount() != 0 {
		t.Error("cooled pool must not reach upstream")
	}
}

func TestHandler_ShortPoolCooldownSleptThrough(t *testing.T) {
	script := newUpstreamScript(scriptedResponse{status: http.StatusOK, body: "{}"})
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	setup := newTestHandler(t, srv.URL, 1, false, nil)
	setup.pool.RecordRateLimitHit(keypool.RateLimitHit{
		Model:      "glm-4.7",
		RetryAfter: 5 * time.Millisecond,
	})

	// Remaining cooldown is under the sleep threshold: the request waits
	// it out instead of bouncing.
	rr := doProxy(setup.handler, plainBody)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after sleeping out the cooldown", rr.Code)
	}
	if script.callCount() != 1 {
		t.Errorf("upstream calls = %d, want 1", script.callCount())
	}
}

func TestHandler_NoKeyAvailableReturns503(t *testing.T) {
	script := newUpstreamScript(scriptedResponse{status: http.StatusOK, body: "{}"})
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	setup := newTestHandler(t, srv.URL, 1, false, nil)

	// Saturate the only key so the bounded wait times out.
	var leases []*keypool.Lease
	for {
		lease, err := setup.pool.Acquire()
		if err != nil {
			break
		}
		leases = append(leases, lease)
	}
	defer func() {
		for _, l := range leases {
			l.Release(keypool.Aborted())
		}
	}()

	rr := doProxy(setup.handler, plainBody)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "exhausted") {
		t.Errorf("body = %s, want key exhaustion message", rr.Body.String())
	}
	if script.callCount() != 0 {
		t.Error("request must not reach upstream without a key")
	}
}

func TestHandler_ModelAtCapacityBouncesBeforeUpstream(t *testing.T) {
	script := newUpstreamScript(scriptedResponse{status: http.StatusOK, body: "{}"})
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	setup := newTestHandler(t, srv.URL, 1, true, func(cfg *Config) {
		cfg.Proxy.MaxRetries = 1
	})
	for i := 0; i < 50; i++ {
		if err := setup.router.AcquireModel("glm-4.7"); err != nil {
			t.Fatalf("saturating model: %v", err)
		}
	}
	defer func() {
		for i := 0; i < 50; i++ {
			setup.router.ReleaseModel("glm-4.7")
		}
	}()

	body := `{"model":"claude-opus-4-20250514","messages":[{"role":"user","content":"hello"}]}`
	rr := doProxy(setup.handler, body)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "capacity") {
		t.Errorf("body = %s, want capacity message", rr.Body.String())
	}
	if script.callCount() != 0 {
		t.Error("capacity bounce must not reach upstream")
	}

	// No key was charged for the bounced attempts.
	if got := setup.pool.CooldownRemaining(); got > 0 {
		t.Errorf("pool cooldown = %v, want none", got)
	}
}

func TestHandler_SocketHangupCappedBelowMaxRetries(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("recorder does not support hijack")
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	setup := newTestHandler(t, srv.URL, 1, false, nil)
	rr := doProxy(setup.handler, plainBody)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
	// maxRetries is 3 but hangups are capped harder: initial attempt
	// plus limitedRetryCap retries.
	if got := attempts.Load(); got != int64(limitedRetryCap)+1 {
		t.Errorf("upstream attempts = %d, want %d", got, limitedRetryCap+1)
	}

	tr := lastTrace(t, setup.traces)
	if tr.Status != tracestore.StatusError {
		t.Errorf("trace status = %s, want error", tr.Status)
	}
}

func TestHandler_ClientDisconnectRecords499(t *testing.T) {
	block := make(chan struct{})
	script := newUpstreamScript(scriptedResponse{
		status: http.StatusOK,
		body:   "{}",
		block:  block,
	})
	srv := httptest.NewServer(script.handler())
	defer srv.Close()
	defer close(block)

	setup := newTestHandler(t, srv.URL, 1, false, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(plainBody)).WithContext(ctx)
	rr := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		setup.handler.ServeHTTP(rr, req)
		close(done)
	}()

	for i := 0; script.callCount() == 0 && i < 500; i++ {
		time.Sleep(time.Millisecond)
	}
	if script.callCount() == 0 {
		t.Fatal("request never reached upstream")
	}
	cancel()
	<-done

	tr := lastTrace(t, setup.traces)
	if tr.StatusCode != statusClientClosedRequest {
		t.Errorf("trace status code = %d, want %d", tr.StatusCode, statusClientClosedRequest)
	}
	if len(tr.Attempts) != 1 || tr.Attempts[0].ErrorType != proxyerrors.KindClientDisconnect {
		t.Errorf("attempts = %+v, want one client_disconnect", tr.Attempts)
	}

	snap := setup.collector.Snapshot()
	if snap.Requests.Failed != 1 {
		t.Errorf("failed = %d, want 1", snap.Requests.Failed)
	}
}

func TestHandler_AdmissionHoldTimeoutSurfaces429(t *testing.T) {
	script := newUpstreamScript(scriptedResponse{status: http.StatusOK, body: "{}"})
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	setup := newTestHandler(t, srv.URL, 1, true, func(cfg *Config) {
		cfg.Proxy.AdmissionHold = config.AdmissionHoldConfig{
			Enabled:           true,
			Tiers:             []string{"heavy"},
			MaxHold:           20 * time.Millisecond,
			MinCooldownToHold: time.Millisecond,
		}
	})
	// Cool the only heavy candidate far beyond the hold budget.
	setup.router.ApplyRateLimit(context.Background(), "glm-4.7", 10*time.Second, 10*time.Second)

	body := `{"model":"claude-opus-4-20250514","messages":[{"role":"user","content":"hello"}]}`
	rr := doProxy(setup.handler, body)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if got := rr.Header().Get(headerRateLimit); got != markerAdmissionHoldTimeout {
		t.Errorf("%s = %q, want %q", headerRateLimit, got, markerAdmissionHoldTimeout)
	}
	if got := rr.Header().Get(headerTier); got != "HEAVY" {
		t.Errorf("%s = %q, want HEAVY", headerTier, got)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("hold timeout missing Retry-After")
	}
	if script.callCount() != 0 {
		t.Error("held request must not reach upstream")
	}
}

func TestHandler_AdmissionHoldProceedsWhenTierClears(t *testing.T) {
	script := newUpstreamScript(scriptedResponse{status: http.StatusOK, body: `{"id":"msg_1"}`})
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	setup := newTestHandler(t, srv.URL, 1, true, func(cfg *Config) {
		cfg.Proxy.AdmissionHold = config.AdmissionHoldConfig{
			Enabled:           true,
			Tiers:             []string{"heavy"},
			MaxHold:           500 * time.Millisecond,
			MinCooldownToHold: time.Millisecond,
		}
	})
	// Short cooldown: the hold outlasts it and the request proceeds.
	setup.router.ApplyRateLimit(context.Background(), "glm-4.7", 120*time.Millisecond, 30*time.Millisecond)

	body := `{"model":"claude-opus-4-20250514","messages":[{"role":"user","content":"hello"}]}`
	rr := doProxy(setup.handler, body)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after hold", rr.Code)
	}
	if script.callCount() != 1 {
		t.Errorf("upstream calls = %d, want 1", script.callCount())
	}
}

func TestHandler_FreshConnectionAfterHangup(t *testing.T) {
	// First attempt dies on a hangup, second succeeds. The retry must
	// carry Connection: close semantics via the one-shot transport; the
	// observable contract here is just that the request recovers.
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			hj := w.(http.Hijacker)
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"msg_1"}`))
	}))
	defer srv.Close()

	setup := newTestHandler(t, srv.URL, 1, false, nil)
	rr := doProxy(setup.handler, plainBody)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after hangup retry", rr.Code)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("upstream attempts = %d, want 2", got)
	}

	tr := lastTrace(t, setup.traces)
	if len(tr.Attempts) != 2 {
		t.Fatalf("trace attempts = %d, want 2", len(tr.Attempts))
	}
	if tr.Attempts[0].ErrorType != proxyerrors.KindSocketHangup {
		t.Errorf("first attempt error = %q, want socket_hangup", tr.Attempts[0].ErrorType)
	}
}

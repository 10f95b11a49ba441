package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zgate-dev/zgate/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.Port = 0
	cfg.Keys = []config.KeyConfig{{ID: "key-1", Credential: "sk-test-credential-1"}}
	cfg.KeyPool.PersistPath = ""
	cfg.Costs.PersistPath = ""
	cfg.Routing.ConfigPath = filepath.Join(dir, "model-routing.json")
	cfg.Metrics.Enabled = false
	cfg.CORS.Enabled = false
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, Options{LogOutput: io.Discard})
	require.NoError(t, err)
	return a
}

func TestNewAssemblesGateway(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	defer func() {
		require.NoError(t, a.Shutdown(context.Background()))
	}()

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/model-routing", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNewWithRoutingDisabledProxiesPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_1","type":"message","role":"assistant","model":"glm-4.7","content":[{"type":"text","text":"ok"}],"usage":{"input_tokens":3,"output_tokens":2}}`)
	}))
	defer upstream.Close()

	cfg := testConfig(t)
	cfg.Routing.Enabled = false
	cfg.Upstream.BaseURL = upstream.URL

	a := newTestApp(t, cfg)
	defer a.Shutdown(context.Background())

	body := `{"model":"glm-4.7","messages":[{"role":"user","content":"hi"}]}`
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/model-routing", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"enabled":false`)
}

func TestNewRequiresCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.Keys = nil
	_, err := New(context.Background(), cfg, Options{LogOutput: io.Discard})
	require.Error(t, err)
	require.Contains(t, err.Error(), "key pool")
}

func TestNewResolvesEnvCredentials(t *testing.T) {
	t.Setenv("ZGATE_TEST_CREDENTIAL", "sk-env-resolved-1")
	cfg := testConfig(t)
	cfg.Keys = []config.KeyConfig{{ID: "key-env", Credential: "env://ZGATE_TEST_CREDENTIAL"}}

	a := newTestApp(t, cfg)
	defer a.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"sk-env-r…"`)
	require.NotContains(t, rec.Body.String(), "sk-env-resolved-1")
}

func TestNewFailsOnUnresolvableCredential(t *testing.T) {
	cfg := testConfig(t)
	cfg.Keys = []config.KeyConfig{{ID: "key-env", Credential: "env://ZGATE_DEFINITELY_UNSET"}}
	_, err := New(context.Background(), cfg, Options{LogOutput: io.Discard})
	require.Error(t, err)
	require.Contains(t, err.Error(), "key-env")
}

func TestStartServesAndShutsDown(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	require.NoError(t, a.Start())

	resp, err := http.Get("http://" + a.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))

	_, err = http.Get("http://" + a.Addr() + "/health")
	require.Error(t, err)
}

func TestStartReportsBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	cfg := testConfig(t)
	cfg.Server.Port = port
	a := newTestApp(t, cfg)
	defer a.Shutdown(context.Background())

	err = a.Start()
	require.ErrorIs(t, err, ErrBind)
}

func TestApplyConfigReloadsLevelAndBudget(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	defer a.Shutdown(context.Background())

	next := testConfig(t)
	next.Logging.Level = "debug"
	next.Budget.Daily = 42.5
	a.applyConfig(next)

	require.Equal(t, slog.LevelDebug, a.level.Level())
	require.InDelta(t, 42.5, a.tracker.FullReport().Budget.Daily, 0.0001)
}

func TestApplyConfigReloadsRoutingSection(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	defer a.Shutdown(context.Background())

	next := testConfig(t)
	next.Routing.DefaultModel = "glm-4.6"
	next.Routing.LogDecisions = true
	a.applyConfig(next)

	doc := a.router.Document()
	require.Equal(t, "glm-4.6", doc.DefaultModel)
	require.True(t, doc.LogDecisions)
}

func TestApplyConfigRejectsUnknownDefaultModel(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	defer a.Shutdown(context.Background())

	before := a.router.Document()
	next := testConfig(t)
	next.Routing.DefaultModel = "no-such-model"
	a.applyConfig(next)

	require.Equal(t, before.DefaultModel, a.router.Document().DefaultModel)
}

func TestPoolGaugesCountsStates(t *testing.T) {
	cfg := testConfig(t)
	cfg.Keys = []config.KeyConfig{
		{ID: "key-1", Credential: "sk-test-credential-1"},
		{ID: "key-2", Credential: "sk-test-credential-2"},
	}
	a := newTestApp(t, cfg)
	defer a.Shutdown(context.Background())

	g := a.poolGauges()
	require.Equal(t, 2, g.Closed)
	require.Zero(t, g.Open)
	require.Zero(t, g.HalfOpen)
}

func TestUpstreamProbe(t *testing.T) {
	var status atomic.Int64
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		code := int(status.Load())
		w.WriteHeader(code)
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer srv.Close()

	probe := upstreamProbe(srv.URL)

	status.Store(http.StatusOK)
	require.NoError(t, probe(context.Background(), "sk-probe-1"))
	require.Equal(t, "Bearer sk-probe-1", gotAuth.Load())

	status.Store(http.StatusTooManyRequests)
	require.NoError(t, probe(context.Background(), "sk-probe-1"))

	status.Store(http.StatusUnauthorized)
	require.Error(t, probe(context.Background(), "sk-probe-1"))

	status.Store(http.StatusBadGateway)
	require.Error(t, probe(context.Background(), "sk-probe-1"))
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		require.Equal(t, want, parseLevel(in), "parseLevel(%q)", in)
	}
}

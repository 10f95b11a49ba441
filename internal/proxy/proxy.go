// Package proxy implements the request pipeline: admission, credential
// leasing, model mapping, the upstream attempt loop with bounded
// retries, and response passthrough.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/goccy/go-json"

	"github.com/zgate-dev/zgate/internal/config"
	"github.com/zgate-dev/zgate/internal/costs"
	"github.com/zgate-dev/zgate/internal/events"
	"github.com/zgate-dev/zgate/internal/httputil"
	"github.com/zgate-dev/zgate/internal/keypool"
	"github.com/zgate-dev/zgate/internal/metrics"
	"github.com/zgate-dev/zgate/internal/observability"
	"github.com/zgate-dev/zgate/internal/router"
	"github.com/zgate-dev/zgate/internal/tracestore"
	"github.com/zgate-dev/zgate/pkg/anthropic"
)

// Handler proxies Anthropic-shaped API requests to the upstream,
// rotating pool credentials and retrying transient failures.
type Handler struct {
	logger    *slog.Logger
	pool      *keypool.Pool
	router    *router.Router
	collector *metrics.Collector
	tracker   *costs.Tracker
	traces    *tracestore.Store
	broker    *events.Broker
	sinks     *observability.SinkSet
	tracer    trace.Tracer

	upstream  *upstreamClient
	admission *AdmissionController
	backoff   BackoffPolicy
	gate      *Gate

	maxRetries   int
	maxBody      int64
	poolCooldown config.PoolCooldownConfig
	failover     config.FailoverConfig

	// global bounds total in-flight requests; nil means unlimited.
	global chan struct{}

	nowFunc func() time.Time
}

// Config carries the proxy tuning sections.
type Config struct {
	Proxy        config.ProxyConfig
	Upstream     config.UpstreamConfig
	PoolCooldown config.PoolCooldownConfig
	Failover     config.FailoverConfig
	MaxBodyBytes int64
}

// Deps carries the shared components the handler composes.
type Deps struct {
	Pool      *keypool.Pool
	Router    *router.Router
	Collector *metrics.Collector
	Tracker   *costs.Tracker
	Traces    *tracestore.Store
	Broker    *events.Broker
	Sinks     *observability.SinkSet
	Tracer    trace.Tracer
	Logger    *slog.Logger
}

// NewHandler builds the proxy handler. Zero-valued tuning fields pick
// up the same defaults the config loader applies.
func NewHandler(cfg Config, deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "proxy")

	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(observability.TracerName)
	}

	maxRetries := cfg.Proxy.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = httputil.DefaultMaxRequestBodyBytes
	}

	h := &Handler{
		logger:       logger,
		pool:         deps.Pool,
		router:       deps.Router,
		collector:    deps.Collector,
		tracker:      deps.Tracker,
		traces:       deps.Traces,
		broker:       deps.Broker,
		sinks:        deps.Sinks,
		tracer:       tracer,
		backoff:      NewBackoffPolicy(cfg.Proxy.Backoff),
		gate:         &Gate{},
		admission:    NewAdmissionController(cfg.Proxy.AdmissionHold, logger),
		maxRetries:   maxRetries,
		maxBody:      maxBody,
		poolCooldown: cfg.PoolCooldown,
		failover:     cfg.Failover,
		nowFunc:      time.Now,
	}

	tm := NewTransportManager(cfg.Proxy.HangupThreshold, logger)
	h.upstream = newUpstreamClient(cfg.Upstream, tm, deps.Collector, logger)

	if cfg.Proxy.MaxTotalConcurrency > 0 {
		h.global = make(chan struct{}, cfg.Proxy.MaxTotalConcurrency)
	}
	return h
}

// Gate exposes the pause switch for the control endpoints.
func (h *Handler) Gate() *Gate {
	return h.gate
}

// ServeHTTP handles one proxied API request end to end.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.gate.Paused() {
		h.writeJSONError(w, http.StatusServiceUnavailable, "proxy paused", "")
		return
	}

	ctx, requestID := observability.GetOrCreateRequestID(r.Context())
	r = r.WithContext(ctx)
	if w.Header().Get(observability.RequestIDHeader) == "" {
		w.Header().Set(observability.RequestIDHeader, requestID)
	}

	if h.global != nil {
		select {
		case h.global <- struct{}{}:
			defer func() { <-h.global }()
		default:
			h.writeJSONError(w, http.StatusServiceUnavailable, "proxy at capacity", "")
			return
		}
	}

	body, err := httputil.ReadLimitedBody(r.Body, h.maxBody)
	if err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			h.writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large", "")
			return
		}
		h.writeJSONError(w, http.StatusBadRequest, "failed to read request body", "")
		return
	}

	features, err := anthropic.ExtractFeatures(body)
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid JSON in request body", "")
		return
	}

	tr := tracestore.Begin(requestID, r.Method, r.URL.Path)
	tr.OriginalModel = features.Model
	h.collector.RecordClientRequestStart(features.Model, "")
	if h.broker != nil {
		h.broker.Publish(events.TypeRequestStart, events.RequestStartPayload(tr))
	}

	st := newRequestState(features, body, h.nowFunc())
	st.tenant = strings.TrimSpace(r.Header.Get(observability.TenantIDHeader))
	r.Header.Del(observability.TenantIDHeader)

	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("panic while proxying request",
				"request_id", requestID, "panic", rec)
			if !st.headersSent {
				h.writeJSONError(w, http.StatusGatewayTimeout, "Gateway timeout", "")
			}
			h.fail(tr, st, http.StatusGatewayTimeout, "internal_error")
		}
		h.finish(tr, st)
	}()

	h.proxyWithRetries(ctx, w, r, tr, st)
}

// finish archives the trace, publishes completion and hands the record
// to the usage sinks. Runs once per request from the ServeHTTP defer.
func (h *Handler) finish(tr *tracestore.Trace, st *requestState) {
	if !tr.Ended() {
		tr.End(http.StatusInternalServerError, "request ended without outcome")
	}
	if h.traces != nil {
		h.traces.Put(tr)
	}
	if h.broker != nil {
		h.broker.Publish(events.TypeRequestComplete, events.RequestCompletePayload(tr))
	}
	h.exportUsage(tr, st)
}

// exportUsage fans the completed request out to the registered usage
// sinks. Sinks buffer internally and never block this path.
func (h *Handler) exportUsage(tr *tracestore.Trace, st *requestState) {
	if h.sinks == nil || h.sinks.Len() == 0 {
		return
	}
	outcome := "success"
	if !tr.Success() {
		outcome = "error"
	}
	retries := len(tr.Attempts) - 1
	if retries < 0 {
		retries = 0
	}
	h.sinks.Record(context.Background(), &observability.UsageRecord{
		Timestamp:      tr.EndedAt,
		RequestID:      tr.RequestID,
		Model:          tr.MappedModel,
		RequestedModel: tr.OriginalModel,
		Tier:           st.tier,
		KeyID:          st.keyID,
		Tenant:         st.tenant,
		Outcome:        outcome,
		StatusCode:     tr.StatusCode,
		Stream:         st.features.Stream,
		InputTokens:    st.inputTokens,
		OutputTokens:   st.outputTokens,
		CostUSD:        st.costUSD,
		LatencyMs:      tr.LatencyMs,
		Retries:        retries,
		Error:          tr.Error,
	})
}

type errorBody struct {
	Error     string `json:"error"`
	ErrorType string `json:"errorType,omitempty"`
	Details   string `json:"details,omitempty"`
}

func (h *Handler) writeJSONError(w http.ResponseWriter, status int, msg, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorBody{Error: msg, ErrorType: errType}); err != nil {
		h.logger.Debug("failed to write error response", "error", err)
	}
}

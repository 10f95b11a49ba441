// Package api serves the operational HTTP surface of the gateway:
// proxied LLM routes, health and stats, routing administration, trace
// queries, cost reports, logs, control switches, and the SSE event
// stream. Handlers compose the subsystems they report on; none of them
// own state beyond the models catalog cache.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/zgate-dev/zgate/internal/config"
	"github.com/zgate-dev/zgate/internal/costs"
	"github.com/zgate-dev/zgate/internal/events"
	"github.com/zgate-dev/zgate/internal/keypool"
	"github.com/zgate-dev/zgate/internal/metrics"
	"github.com/zgate-dev/zgate/internal/observability"
	"github.com/zgate-dev/zgate/internal/proxy"
	"github.com/zgate-dev/zgate/internal/router"
	"github.com/zgate-dev/zgate/internal/tracestore"
)

// Server mounts every HTTP endpoint and holds the subsystems they read.
type Server struct {
	logger    *slog.Logger
	proxy     http.Handler
	gate      *proxy.Gate
	pool      *keypool.Pool
	router    *router.Router
	collector *metrics.Collector
	costs     *costs.Tracker
	traces    *tracestore.Store
	broker    *events.Broker
	ring      *observability.RingHandler
	catalog   *ModelCatalog

	cors       config.CORSConfig
	metricsCfg config.MetricsConfig
	limiter    *rate.Limiter
	startedAt  time.Time
	nowFunc    func() time.Time
}

// Deps are the subsystems the endpoints expose. Proxy and Gate are
// required; everything else degrades to an empty response when nil.
type Deps struct {
	Proxy     http.Handler
	Gate      *proxy.Gate
	Pool      *keypool.Pool
	Router    *router.Router
	Collector *metrics.Collector
	Costs     *costs.Tracker
	Traces    *tracestore.Store
	Broker    *events.Broker
	Ring      *observability.RingHandler
	Catalog   *ModelCatalog
	Logger    *slog.Logger
}

// NewServer wires the endpoint surface from configuration and deps.
func NewServer(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:     logger.With("component", "api"),
		proxy:      deps.Proxy,
		gate:       deps.Gate,
		pool:       deps.Pool,
		router:     deps.Router,
		collector:  deps.Collector,
		costs:      deps.Costs,
		traces:     deps.Traces,
		broker:     deps.Broker,
		ring:       deps.Ring,
		catalog:    deps.Catalog,
		cors:       cfg.CORS,
		metricsCfg: cfg.Metrics,
		startedAt:  time.Now(),
		nowFunc:    time.Now,
	}
	if cfg.RateLimit.Enabled && cfg.RateLimit.RequestsPerSecond > 0 {
		burst := cfg.RateLimit.Burst
		if burst <= 0 {
			burst = int(cfg.RateLimit.RequestsPerSecond)
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), burst)
	}
	return s
}

// Handler returns the fully assembled route tree. Request-id assignment
// and per-route metrics wrap every endpoint; CORS wraps the lot so
// preflights reach it before method matching.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	var h http.Handler = mux
	h = metrics.Middleware(h)
	h = observability.RequestIDMiddleware(h)
	if s.cors.Enabled {
		h = corsMiddleware(s.cors, h)
	}
	return h
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// LLM routes. Everything POSTed under /v1/ goes to the proxy so
	// sibling paths like /v1/messages/count_tokens pass through with
	// the same substitution and retry semantics.
	llm := s.proxy
	if s.limiter != nil {
		llm = rateLimitMiddleware(s.limiter, llm)
	}
	mux.Handle("POST /v1/", llm)
	mux.HandleFunc("GET /v1/models", s.handleModelsAnthropic)

	// Status surface.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /models", s.handleModels)
	mux.HandleFunc("GET /logs", s.handleLogs)
	mux.HandleFunc("GET /persistent-stats", s.handlePersistentStats)

	// Cost reports.
	mux.HandleFunc("GET /stats/cost", s.handleCost)
	mux.HandleFunc("GET /stats/cost/history", s.handleCostHistory)

	// Routing administration.
	mux.HandleFunc("GET /model-routing", s.handleRoutingGet)
	mux.HandleFunc("PUT /model-routing", s.handleRoutingPut)
	mux.HandleFunc("POST /model-routing/reset", s.handleRoutingReset)
	mux.HandleFunc("GET /model-routing/test", s.handleRoutingTest)
	mux.HandleFunc("GET /model-routing/overrides", s.handleOverridesGet)
	mux.HandleFunc("PUT /model-routing/overrides", s.handleOverridesPut)
	mux.HandleFunc("DELETE /model-routing/overrides", s.handleOverridesDelete)
	mux.HandleFunc("GET /model-routing/cooldowns", s.handleCooldowns)
	mux.HandleFunc("GET /model-routing/pools", s.handleRoutingPools)
	mux.HandleFunc("PUT /model-routing/enable-safe", s.handleEnableSafe)

	// Trace queries.
	mux.HandleFunc("GET /traces", s.handleTraceDump)
	mux.HandleFunc("GET /traces/{id}", s.handleTraceByID)
	mux.HandleFunc("GET /requests", s.handleRequestList)
	mux.HandleFunc("GET /requests/search", s.handleRequestSearch)
	mux.HandleFunc("GET /requests/stream", s.handleEventStream)
	mux.HandleFunc("GET /requests/{id}", s.handleRequestByID)

	// Control and events.
	mux.HandleFunc("POST /control/pause", s.handlePause)
	mux.HandleFunc("POST /control/resume", s.handleResume)
	mux.HandleFunc("GET /events", s.handleEventStream)

	if s.metricsCfg.Enabled {
		path := s.metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.Handler())
	}
}

// errorBody is the JSON envelope every proxy-generated error uses.
type errorBody struct {
	Error     string `json:"error"`
	ErrorType string `json:"errorType,omitempty"`
	Details   string `json:"details,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorBody{Error: message})
}

func (s *Server) writeErrorDetails(w http.ResponseWriter, status int, message, errorType, details string) {
	s.writeJSON(w, status, errorBody{Error: message, ErrorType: errorType, Details: details})
}

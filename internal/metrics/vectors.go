// Package metrics provides Prometheus metrics and the internal counters
// behind the /stats and /history endpoints.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "zgate"
)

// LatencyBuckets defines histogram buckets for latency metrics (in seconds).
var LatencyBuckets = []float64{
	0.005, 0.00625, 0.0125, 0.025, 0.05, 0.1, 0.5,
	1.0, 1.5, 2.0, 2.5, 3.0, 3.5, 4.0, 4.5, 5.0,
	5.5, 6.0, 6.5, 7.0, 7.5, 8.0, 8.5, 9.0, 9.5,
	10.0, 15.0, 20.0, 25.0, 30.0, 60.0, 120.0,
	180.0, 240.0, 300.0,
}

// =============================================================================
// Request Metrics
// =============================================================================

var (
	// RequestsTotal counts completed client requests by final outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of proxied client requests",
		},
		[]string{"model", "tier", "outcome"},
	)

	// RequestsFailed counts failed client requests.
	RequestsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_failed_total",
			Help:      "Total number of failed client requests",
		},
		[]string{"model", "reason"},
	)

	// RequestsInFlight tracks client requests currently inside the handler.
	RequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Client requests currently being handled",
		},
	)
)

// =============================================================================
// Latency Metrics
// =============================================================================

var (
	// RequestDuration tracks end-to-end client request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end client request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"model", "tier"},
	)

	// UpstreamAttemptDuration tracks per-attempt upstream latency.
	UpstreamAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_attempt_duration_seconds",
			Help:      "Single upstream attempt latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"model"},
	)

	// TimeToFirstByte tracks time until upstream response headers arrive.
	TimeToFirstByte = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_byte_seconds",
			Help:      "Time until upstream response headers for streaming requests",
			Buckets:   LatencyBuckets,
		},
		[]string{"model"},
	)
)

// =============================================================================
// Token and Cost Metrics
// =============================================================================

var (
	// InputTokens counts input tokens.
	InputTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_tokens_total",
			Help:      "Total input tokens",
		},
		[]string{"model"},
	)

	// OutputTokens counts output tokens.
	OutputTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_tokens_total",
			Help:      "Total output tokens",
		},
		[]string{"model"},
	)

	// SpendTotal tracks total spend in USD.
	SpendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_total",
			Help:      "Total spend in USD",
		},
		[]string{"model"},
	)

	// BudgetAlertsTotal counts fired budget alerts.
	BudgetAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_alerts_total",
			Help:      "Budget alert threshold crossings",
		},
		[]string{"period", "threshold"},
	)

	// CostValidationWarnings counts rejected usage records.
	CostValidationWarnings = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_validation_warnings_total",
			Help:      "Usage records rejected by validation",
		},
	)
)

// =============================================================================
// Retry and Failover Metrics
// =============================================================================

var (
	// RetriesTotal counts retries by the outcome that triggered them.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total retries by triggering outcome",
		},
		[]string{"outcome"},
	)

	// SameModelRetriesTotal counts 429 retries that stayed on the same model.
	SameModelRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "same_model_retries_total",
			Help:      "Total 429 retries that reused an already attempted model",
		},
	)

	// RetryBackoffSeconds tracks time spent sleeping between attempts.
	RetryBackoffSeconds = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_backoff_seconds_total",
			Help:      "Total seconds spent in retry backoff",
		},
	)

	// GiveUpsTotal counts abandoned requests by reason.
	GiveUpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "give_ups_total",
			Help:      "Total abandoned requests by reason",
		},
		[]string{"reason"},
	)

	// Pool429Total counts pool-wide 429 observations.
	Pool429Total = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_429_total",
			Help:      "Total upstream 429 responses observed across the key pool",
		},
	)
)

// =============================================================================
// Key Pool Metrics
// =============================================================================

var (
	// KeyPoolKeys tracks keys by circuit state.
	KeyPoolKeys = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "keypool_keys",
			Help:      "Credential pool keys by circuit state",
		},
		[]string{"state"}, // "closed", "open", "half-open"
	)

	// KeyCircuitState tracks the circuit state per key. The key_id label
	// is the operator-assigned name from the config, never the secret.
	KeyCircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "key_circuit_state",
			Help:      "Circuit breaker state per key (0=closed, 1=open, 2=half-open)",
		},
		[]string{"key_id"},
	)

	// KeyHealthScore tracks the composite health score per key.
	KeyHealthScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "key_health_score",
			Help:      "Composite key health score (0-100)",
		},
		[]string{"key_id"},
	)

	// PoolCooldownSeconds tracks the remaining pool-wide 429 cooldown.
	PoolCooldownSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_cooldown_seconds",
			Help:      "Remaining pool-wide 429 cooldown in seconds",
		},
	)

	// KeyQueueDepth tracks requests waiting for a key.
	KeyQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "key_queue_depth",
			Help:      "Requests waiting for a key to become available",
		},
	)
)

// =============================================================================
// Router Metrics
// =============================================================================

var (
	// TierRequestsTotal counts routed requests per tier.
	TierRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_requests_total",
			Help:      "Total requests routed per tier",
		},
		[]string{"tier"},
	)

	// ModelCooldownsActive tracks models currently in cooldown.
	ModelCooldownsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_cooldowns_active",
			Help:      "Models currently in routing cooldown",
		},
	)

	// AdmissionHoldsActive tracks requests currently held at admission.
	AdmissionHoldsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admission_holds_active",
			Help:      "Requests currently parked in an admission hold",
		},
	)

	// AdmissionHoldOutcomes counts admission hold resolutions.
	AdmissionHoldOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_hold_outcomes_total",
			Help:      "Admission hold resolutions by outcome",
		},
		[]string{"outcome"}, // "proceed", "timeout", "rejected", "disconnect"
	)

	// ModelSwitchesTotal counts mid-request model switches.
	ModelSwitchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_switches_total",
			Help:      "Total mid-request model switches",
		},
	)
)

// =============================================================================
// Event Stream Metrics
// =============================================================================

var (
	// EventStreamClients tracks connected SSE subscribers.
	EventStreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_stream_clients",
			Help:      "Connected SSE subscribers",
		},
	)

	// EventsEmitted counts emitted SSE events by type.
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Total SSE events emitted by type",
		},
		[]string{"type"},
	)
)

// =============================================================================
// HTTP Server Metrics
// =============================================================================

var (
	// HTTPRequestDuration tracks HTTP request duration by route.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status_code"},
	)

	// HTTPRequestsInFlight tracks currently processing HTTP requests.
	// No route label: mux patterns are only known after the handler runs.
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)
)

// =============================================================================
// System Metrics
// =============================================================================

var (
	// GoroutineCount tracks the number of goroutines.
	GoroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutine_count",
			Help:      "Current number of goroutines",
		},
	)

	// MemoryUsage tracks memory usage.
	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Memory usage in bytes",
		},
		[]string{"type"}, // "alloc", "sys", "heap_alloc", "heap_sys"
	)
)

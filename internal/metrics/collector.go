package metrics

import (
	"strings"
	"sync"
	"time"
)

// historyCapacity bounds the per-minute ring behind /history (24 hours).
const historyCapacity = 1440

// HistorySchemaVersion identifies the /history payload shape.
const HistorySchemaVersion = 2

// Collector owns the internal counters behind /stats and /history and
// mirrors every recording into the Prometheus vectors, so the JSON surface
// and scrapes always agree.
type Collector struct {
	startTime time.Time
	nowFunc   func() time.Time

	mu sync.Mutex

	requestsStarted   int64
	requestsSucceeded int64
	requestsFailed    int64

	totalRetries     int64
	sameModelRetries int64
	backoffDelays    int64
	backoffTotalMs   int64
	pool429Count     int64

	giveUpsByReason map[string]int64
	giveUpRequests  int64
	attemptedModels int64
	modelSwitches   int64

	byModel map[string]*modelCounters

	minutes []minuteBucket
}

type modelCounters struct {
	Requests     int64
	Successes    int64
	Failures     int64
	Retries      int64
	InputTokens  int64
	OutputTokens int64
	LatencyMs    int64
}

type tierCounters struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Retries   int64 `json:"retries"`
}

type minuteBucket struct {
	minute int64 // unix minutes
	totals tierCounters
	byTier map[string]*tierCounters
}

// NewCollector creates a collector.
func NewCollector() *Collector {
	return &Collector{
		startTime:       time.Now(),
		nowFunc:         time.Now,
		giveUpsByReason: make(map[string]int64),
		byModel:         make(map[string]*modelCounters),
	}
}

func (c *Collector) now() time.Time {
	return c.nowFunc()
}

// RecordClientRequestStart records the admission of a client request.
func (c *Collector) RecordClientRequestStart(model, tier string) {
	model = sanitizeModelLabel(model)
	RequestsInFlight.Inc()
	TierRequestsTotal.WithLabelValues(tier).Inc()

	c.mu.Lock()
	c.requestsStarted++
	c.modelEntry(model).Requests++
	b := c.bucket()
	b.totals.Requests++
	c.tierEntry(b, tier).Requests++
	c.mu.Unlock()
}

// RecordClientRequestSuccess records a request that completed successfully.
func (c *Collector) RecordClientRequestSuccess(model, tier string, latency time.Duration, inputTokens, outputTokens int) {
	model = sanitizeModelLabel(model)
	RequestsInFlight.Dec()
	RequestsTotal.WithLabelValues(model, tier, "success").Inc()
	RequestDuration.WithLabelValues(model, tier).Observe(latency.Seconds())
	if inputTokens > 0 {
		InputTokens.WithLabelValues(model).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		OutputTokens.WithLabelValues(model).Add(float64(outputTokens))
	}

	c.mu.Lock()
	c.requestsSucceeded++
	entry := c.modelEntry(model)
	entry.Successes++
	entry.InputTokens += int64(inputTokens)
	entry.OutputTokens += int64(outputTokens)
	entry.LatencyMs += latency.Milliseconds()
	b := c.bucket()
	b.totals.Successes++
	c.tierEntry(b, tier).Successes++
	c.mu.Unlock()
}

// RecordClientRequestFailure records a failed client request. Fires exactly
// once per failed request, including queue rejections and handler panics.
func (c *Collector) RecordClientRequestFailure(model, tier, reason string) {
	model = sanitizeModelLabel(model)
	RequestsInFlight.Dec()
	RequestsTotal.WithLabelValues(model, tier, "failure").Inc()
	RequestsFailed.WithLabelValues(model, reason).Inc()

	c.mu.Lock()
	c.requestsFailed++
	c.modelEntry(model).Failures++
	b := c.bucket()
	b.totals.Failures++
	c.tierEntry(b, tier).Failures++
	c.mu.Unlock()
}

// RecordRetry records one retry. Fired once per attempt with index > 0,
// never for the first attempt.
func (c *Collector) RecordRetry(model, tier, outcome string) {
	model = sanitizeModelLabel(model)
	RetriesTotal.WithLabelValues(outcome).Inc()

	c.mu.Lock()
	c.totalRetries++
	c.modelEntry(model).Retries++
	b := c.bucket()
	b.totals.Retries++
	c.tierEntry(b, tier).Retries++
	c.mu.Unlock()
}

// RecordRetryBackoff records time spent sleeping before a retry. Only
// called when the computed backoff is positive, so delayCount never exceeds
// totalRetries.
func (c *Collector) RecordRetryBackoff(d time.Duration) {
	RetryBackoffSeconds.Add(d.Seconds())

	c.mu.Lock()
	c.backoffDelays++
	c.backoffTotalMs += d.Milliseconds()
	c.mu.Unlock()
}

// RecordSameModelRetry records a 429 retry that stayed on an already
// attempted model.
func (c *Collector) RecordSameModelRetry() {
	SameModelRetriesTotal.Inc()

	c.mu.Lock()
	c.sameModelRetries++
	c.mu.Unlock()
}

// RecordGiveUp records an abandoned request with a non-empty reason.
func (c *Collector) RecordGiveUp(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	GiveUpsTotal.WithLabelValues(reason).Inc()

	c.mu.Lock()
	c.giveUpsByReason[reason]++
	c.mu.Unlock()
}

// RecordFailedRequestModelStats records how many models a failed request
// attempted and how many switches it made. Fires exactly once per give-up.
func (c *Collector) RecordFailedRequestModelStats(attempted, switches int) {
	if switches > 0 {
		ModelSwitchesTotal.Add(float64(switches))
	}

	c.mu.Lock()
	c.giveUpRequests++
	c.attemptedModels += int64(attempted)
	c.modelSwitches += int64(switches)
	c.mu.Unlock()
}

// RecordPool429 records a pool-wide 429 observation.
func (c *Collector) RecordPool429() {
	Pool429Total.Inc()

	c.mu.Lock()
	c.pool429Count++
	c.mu.Unlock()
}

// RecordUpstreamAttempt records per-attempt upstream latency.
func (c *Collector) RecordUpstreamAttempt(model string, d time.Duration) {
	UpstreamAttemptDuration.WithLabelValues(sanitizeModelLabel(model)).Observe(d.Seconds())
}

// RecordTimeToFirstByte records header arrival latency for a streaming
// attempt.
func (c *Collector) RecordTimeToFirstByte(model string, d time.Duration) {
	TimeToFirstByte.WithLabelValues(sanitizeModelLabel(model)).Observe(d.Seconds())
}

// RecordSpend mirrors cost-tracker recordings into Prometheus.
func (c *Collector) RecordSpend(model string, usd float64) {
	if usd > 0 {
		SpendTotal.WithLabelValues(sanitizeModelLabel(model)).Add(usd)
	}
}

// mu must be held.
func (c *Collector) modelEntry(model string) *modelCounters {
	entry, ok := c.byModel[model]
	if !ok {
		entry = &modelCounters{}
		c.byModel[model] = entry
	}
	return entry
}

// mu must be held.
func (c *Collector) bucket() *minuteBucket {
	minute := c.now().Unix() / 60
	if n := len(c.minutes); n > 0 && c.minutes[n-1].minute == minute {
		return &c.minutes[n-1]
	}
	c.minutes = append(c.minutes, minuteBucket{
		minute: minute,
		byTier: make(map[string]*tierCounters),
	})
	if len(c.minutes) > historyCapacity {
		c.minutes = c.minutes[len(c.minutes)-historyCapacity:]
	}
	return &c.minutes[len(c.minutes)-1]
}

// mu must be held.
func (c *Collector) tierEntry(b *minuteBucket, tier string) *tierCounters {
	if tier == "" {
		tier = "unknown"
	}
	entry, ok := b.byTier[tier]
	if !ok {
		entry = &tierCounters{}
		b.byTier[tier] = entry
	}
	return entry
}

const maxModelLabelLen = 64

// sanitizeModelLabel keeps model label cardinality and charset bounded.
func sanitizeModelLabel(model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(minInt(len(model), maxModelLabelLen))
	for _, r := range model {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' || r == ':' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
		if b.Len() >= maxModelLabelLen {
			break
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "unknown"
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

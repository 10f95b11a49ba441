package metrics

import "time"

// Snapshot is the /stats payload.
type Snapshot struct {
	UptimeSeconds float64                  `json:"uptimeSeconds"`
	Requests      RequestsSnapshot         `json:"requests"`
	Retries       RetriesSnapshot          `json:"retries"`
	GiveUps       map[string]int64         `json:"giveUps"`
	FailedModels  FailedModelsSnapshot     `json:"failedRequestModelStats"`
	Pool429Count  int64                    `json:"pool429Count"`
	Models        map[string]ModelSnapshot `json:"models"`
}

// RequestsSnapshot carries the top-level request counters. InFlight is
// derived, so failures + successes always equals starts - inFlight.
type RequestsSnapshot struct {
	Started   int64 `json:"started"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	InFlight  int64 `json:"inFlight"`
}

type RetriesSnapshot struct {
	Total     int64           `json:"total"`
	SameModel int64           `json:"sameModel"`
	Backoff   BackoffSnapshot `json:"backoff"`
}

type BackoffSnapshot struct {
	DelayCount int64 `json:"delayCount"`
	TotalMs    int64 `json:"totalMs"`
}

type FailedModelsSnapshot struct {
	Requests           int64   `json:"requests"`
	AvgAttemptedModels float64 `json:"avgAttemptedModels"`
	AvgModelSwitches   float64 `json:"avgModelSwitches"`
}

type ModelSnapshot struct {
	Requests     int64 `json:"requests"`
	Successes    int64 `json:"successes"`
	Failures     int64 `json:"failures"`
	Retries      int64 `json:"retries"`
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	AvgLatencyMs int64 `json:"avgLatencyMs"`
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Requests: RequestsSnapshot{
			Started:   c.requestsStarted,
			Succeeded: c.requestsSucceeded,
			Failed:    c.requestsFailed,
			InFlight:  c.requestsStarted - c.requestsSucceeded - c.requestsFailed,
		},
		Retries: RetriesSnapshot{
			Total:     c.totalRetries,
			SameModel: c.sameModelRetries,
			Backoff: BackoffSnapshot{
				DelayCount: c.backoffDelays,
				TotalMs:    c.backoffTotalMs,
			},
		},
		GiveUps: make(map[string]int64, len(c.giveUpsByReason)),
		FailedModels: FailedModelsSnapshot{
			Requests: c.giveUpRequests,
		},
		Pool429Count: c.pool429Count,
		Models:       make(map[string]ModelSnapshot, len(c.byModel)),
	}

	for reason, n := range c.giveUpsByReason {
		snap.GiveUps[reason] = n
	}
	if c.giveUpRequests > 0 {
		snap.FailedModels.AvgAttemptedModels = float64(c.attemptedModels) / float64(c.giveUpRequests)
		snap.FailedModels.AvgModelSwitches = float64(c.modelSwitches) / float64(c.giveUpRequests)
	}
	for model, entry := range c.byModel {
		ms := ModelSnapshot{
			Requests:     entry.Requests,
			Successes:    entry.Successes,
			Failures:     entry.Failures,
			Retries:      entry.Retries,
			InputTokens:  entry.InputTokens,
			OutputTokens: entry.OutputTokens,
		}
		if entry.Successes > 0 {
			ms.AvgLatencyMs = entry.LatencyMs / entry.Successes
		}
		snap.Models[model] = ms
	}

	return snap
}

// History is the /history payload.
type History struct {
	SchemaVersion  int            `json:"schemaVersion"`
	Tier           string         `json:"tier"`
	TierResolution string         `json:"tierResolution"`
	Points         []HistoryPoint `json:"points"`
}

// HistoryPoint is one minute of traffic. Ts is unix milliseconds at the
// start of the minute.
type HistoryPoint struct {
	Ts        int64 `json:"ts"`
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Retries   int64 `json:"retries"`
}

// History returns per-minute points for the last minutes, oldest first.
// An empty or "all" tier aggregates across tiers; otherwise only the named
// tier's counts are returned. Empty minutes are omitted.
func (c *Collector) History(minutes int, tier string) History {
	if minutes <= 0 {
		minutes = 60
	}
	if minutes > historyCapacity {
		minutes = historyCapacity
	}
	if tier == "" {
		tier = "all"
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Unix()/60 - int64(minutes)
	out := History{
		SchemaVersion:  HistorySchemaVersion,
		Tier:           tier,
		TierResolution: "minute",
		Points:         make([]HistoryPoint, 0, minInt(minutes, len(c.minutes))),
	}

	for i := range c.minutes {
		b := &c.minutes[i]
		if b.minute <= cutoff {
			continue
		}
		counts := &b.totals
		if tier != "all" {
			tc, ok := b.byTier[tier]
			if !ok {
				continue
			}
			counts = tc
		}
		out.Points = append(out.Points, HistoryPoint{
			Ts:        b.minute * 60 * 1000,
			Requests:  counts.Requests,
			Successes: counts.Successes,
			Failures:  counts.Failures,
			Retries:   counts.Retries,
		})
	}

	return out
}

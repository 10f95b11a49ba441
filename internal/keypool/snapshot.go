package keypool

import (
	"github.com/zgate-dev/zgate/internal/observability"
)

// KeySnapshot is the externally visible state of one credential. The
// credential itself is masked; the id is the operator-assigned name.
type KeySnapshot struct {
	ID             string  `json:"id"`
	Index          int     `json:"index"`
	Credential     string  `json:"credential"`
	State          string  `json:"state"`
	InFlight       int     `json:"inFlight"`
	MaxConcurrency int     `json:"maxConcurrency"`
	HealthScore    float64 `json:"healthScore"`
	P95LatencyMs   float64 `json:"p95LatencyMs"`
	SuccessRate    float64 `json:"successRate"`
	Slow           bool    `json:"slow"`

	CircuitOpenRemainingMs int64 `json:"circuitOpenRemainingMs,omitempty"`

	RateLimit RateLimitSnapshot `json:"rateLimit"`
	Totals    KeyTotals         `json:"totals"`
}

// RateLimitSnapshot is the per-key 429 record. LastHitAgoMs is -1 when
// the key has never been rate limited.
type RateLimitSnapshot struct {
	Count               int64 `json:"count"`
	LastHitAgoMs        int64 `json:"lastHitAgoMs"`
	CooldownRemainingMs int64 `json:"cooldownRemainingMs"`
}

// Snapshot is the pool state served by /stats and the event stream.
type Snapshot struct {
	Keys           []KeySnapshot `json:"keys"`
	QueueDepth     int           `json:"queueDepth"`
	PoolCooldownMs int64         `json:"poolCooldownMs"`
	Total429       int64         `json:"total429"`
}

// Snapshot captures the pool under the lock and refreshes the exported
// gauges as a side effect.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowFunc()
	snap := Snapshot{
		Keys:       make([]KeySnapshot, 0, len(p.keys)),
		QueueDepth: len(p.waiters),
		Total429:   p.total429,
	}
	if p.cooldownUntil.After(now) {
		snap.PoolCooldownMs = p.cooldownUntil.Sub(now).Milliseconds()
	}

	for _, k := range p.keys {
		state := k.breaker.State()
		ks := KeySnapshot{
			ID:             k.id,
			Index:          k.index,
			Credential:     observability.MaskCredential(k.credential),
			State:          state.String(),
			InFlight:       k.inFlight,
			MaxConcurrency: k.maxConcurrency,
			HealthScore:    k.health,
			Slow:           k.slow,
			RateLimit: RateLimitSnapshot{
				Count:        k.rate.count,
				LastHitAgoMs: -1,
			},
			Totals: k.totals,
		}
		if p95, ok := k.latency.p95(); ok {
			ks.P95LatencyMs = p95
		}
		if rate, ok := k.outcomes.rate(); ok {
			ks.SuccessRate = rate
		} else {
			ks.SuccessRate = 1
		}
		if state == StateOpen {
			if until := k.breaker.OpenUntil(); until.After(now) {
				ks.CircuitOpenRemainingMs = until.Sub(now).Milliseconds()
			}
		}
		if !k.rate.lastHitAt.IsZero() {
			ks.RateLimit.LastHitAgoMs = now.Sub(k.rate.lastHitAt).Milliseconds()
		}
		if k.rate.inCooldownUntil.After(now) {
			ks.RateLimit.CooldownRemainingMs = k.rate.inCooldownUntil.Sub(now).Milliseconds()
		}
		snap.Keys = append(snap.Keys, ks)
	}

	p.updateGaugesLocked()
	return snap
}

// Totals aggregates the persisted cross-restart counters.
type Totals struct {
	Total429 int64                `json:"total429"`
	Keys     map[string]KeyTotals `json:"keys"`
}

// Totals returns the cross-restart counters for /persistent-stats.
func (p *Pool) Totals() Totals {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := Totals{
		Total429: p.total429,
		Keys:     make(map[string]KeyTotals, len(p.keys)),
	}
	for _, k := range p.keys {
		t.Keys[k.id] = k.totals
	}
	return t
}

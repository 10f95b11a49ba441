package keypool

import (
	"math"
	"strings"
	"time"

	"github.com/zgate-dev/zgate/internal/metrics"
)

// rateWindow is a per-model 429 counter with exponential half-life decay.
type rateWindow struct {
	count   float64
	lastHit time.Time
}

// decayedCount applies the half-life decay up to now.
func (w *rateWindow) decayedCount(now time.Time, halfLife time.Duration) float64 {
	if w.lastHit.IsZero() || halfLife <= 0 {
		return w.count
	}
	elapsed := now.Sub(w.lastHit)
	if elapsed <= 0 {
		return w.count
	}
	return w.count * math.Pow(0.5, float64(elapsed)/float64(halfLife))
}

// RateLimitHit describes one upstream 429. Base and Cap override the
// pool defaults when positive; RetryAfter, when the upstream sent one,
// replaces Base as the backoff seed.
type RateLimitHit struct {
	Model      string
	RetryAfter time.Duration
	Base       time.Duration
	Cap        time.Duration
}

// PoolRateLimit is the state after recording a hit.
type PoolRateLimit struct {
	// Count is the decayed per-model hit count including this hit.
	Count int
	// Cooldown is the backoff computed for this hit.
	Cooldown time.Duration
}

// RecordRateLimitHit folds an upstream 429 into the per-model window and
// advances the pool-wide cooldown deadline. The cooldown doubles per
// decayed hit: min(base * 2^(count-1), cap).
func (p *Pool) RecordRateLimitHit(hit RateLimitHit) PoolRateLimit {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowFunc()
	w := p.rateWindows[hit.Model]
	if w == nil {
		w = &rateWindow{}
		p.rateWindows[hit.Model] = w
	}
	w.count = w.decayedCount(now, p.cfg.CooldownDecay) + 1
	w.lastHit = now
	p.total429++

	count := int(math.Round(w.count))
	if count < 1 {
		count = 1
	}

	base := hit.RetryAfter
	if base <= 0 {
		base = hit.Base
	}
	if base <= 0 {
		base = p.cfg.CooldownBase
	}
	ceiling := hit.Cap
	if ceiling <= 0 {
		ceiling = p.cfg.CooldownCap
	}

	cooldown := backoffFor(base, ceiling, count)
	if cooldown > p.cfg.CooldownMax {
		cooldown = p.cfg.CooldownMax
	}

	until := now.Add(cooldown)
	if until.After(p.cooldownUntil) {
		p.cooldownUntil = until
	}
	metrics.PoolCooldownSeconds.Set(p.cooldownUntil.Sub(now).Seconds())

	p.logger.Warn("pool rate limit hit",
		"model", hit.Model,
		"count", count,
		"cooldown_ms", cooldown.Milliseconds(),
	)

	return PoolRateLimit{Count: count, Cooldown: cooldown}
}

// backoffFor doubles base per prior hit, bounded by ceiling.
func backoffFor(base, ceiling time.Duration, count int) time.Duration {
	cooldown := base
	for i := 1; i < count; i++ {
		cooldown *= 2
		if cooldown >= ceiling {
			return ceiling
		}
	}
	if cooldown > ceiling {
		return ceiling
	}
	return cooldown
}

// CooldownRemaining returns how much of the pool-wide cooldown is left.
// The handler reads this as an admission signal; it never blocks acquire.
func (p *Pool) CooldownRemaining() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.nowFunc()
	if !p.cooldownUntil.After(now) {
		metrics.PoolCooldownSeconds.Set(0)
		return 0
	}
	remaining := p.cooldownUntil.Sub(now)
	metrics.PoolCooldownSeconds.Set(remaining.Seconds())
	return remaining
}

// Model429Count returns the decayed 429 count for one model.
func (p *Pool) Model429Count(model string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.rateWindows[model]
	if w == nil {
		return 0
	}
	return int(math.Round(w.decayedCount(p.nowFunc(), p.cfg.CooldownDecay)))
}

// RateLimitEvidence carries the upstream 429 fields the account-level
// heuristic inspects.
type RateLimitEvidence struct {
	RetryAfter time.Duration
	// Scope is the value of an upstream rate-limit scope or quota
	// header when present.
	Scope string
	// BodySnippet is the leading part of the 429 response body.
	BodySnippet string
}

// AccountRateLimit is the heuristic's verdict.
type AccountRateLimit struct {
	IsAccountLevel bool
	Cooldown       time.Duration
}

// accountMarkers are body and header fragments indicating the limit
// applies to the whole account rather than one credential.
var accountMarkers = []string{"account", "organization", "quota", "balance", "credit"}

// accountEvidenceWindow is how close together distinct keys must be
// throttled before the pool concludes the limit is account-wide.
const accountEvidenceWindow = 10 * time.Second

// DetectAccountRateLimit decides whether an upstream 429 throttles the
// whole account. Two signals: the upstream saying so (scope header or
// body wording), or several distinct keys hitting 429 near-simultaneously.
func (p *Pool) DetectAccountRateLimit(model string, ev RateLimitEvidence) AccountRateLimit {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.nowFunc()

	account := markersMatch(ev.Scope) || markersMatch(ev.BodySnippet)
	if !account && len(p.keys) >= 2 {
		recent := 0
		for _, k := range p.keys {
			if !k.rate.lastHitAt.IsZero() && now.Sub(k.rate.lastHitAt) <= accountEvidenceWindow {
				recent++
			}
		}
		account = recent >= 2
	}

	cooldown := ev.RetryAfter
	if cooldown <= 0 && p.cooldownUntil.After(now) {
		cooldown = p.cooldownUntil.Sub(now)
	}
	if cooldown <= 0 {
		cooldown = p.cfg.CooldownBase
	}
	if cooldown > p.cfg.CooldownMax {
		cooldown = p.cfg.CooldownMax
	}
	if !account {
		cooldown = 0
	}
	return AccountRateLimit{IsAccountLevel: account, Cooldown: cooldown}
}

func markersMatch(s string) bool {
	if s == "" {
		return false
	}
	s = strings.ToLower(s)
	for i := 0; i < len(accountMarkers); i++ {
		if strings.Contains(s, accountMarkers[i]) {
			return true
		}
	}
	return false
}

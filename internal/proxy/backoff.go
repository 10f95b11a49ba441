package proxy

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/zgate-dev/zgate/internal/config"
)

// BackoffPolicy computes the sleep between retry attempts: exponential
// from Base up to Max, plus jitter. An upstream Retry-After hint wins
// outright.
type BackoffPolicy struct {
	base       time.Duration
	multiplier float64
	max        time.Duration
	jitter     time.Duration
}

// NewBackoffPolicy builds a policy, filling unset fields with defaults.
func NewBackoffPolicy(cfg config.BackoffConfig) BackoffPolicy {
	b := BackoffPolicy{
		base:       cfg.Base,
		multiplier: cfg.Multiplier,
		max:        cfg.Max,
		jitter:     cfg.Jitter,
	}
	if b.base <= 0 {
		b.base = 500 * time.Millisecond
	}
	if b.multiplier < 1 {
		b.multiplier = 2.0
	}
	if b.max <= 0 {
		b.max = 10 * time.Second
	}
	return b
}

// Delay returns the sleep before the retry following attempt. retryAfter
// is the upstream hint; when positive it replaces the computed backoff.
func (b BackoffPolicy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter + jitterDuration(b.jitter)
	}
	d := time.Duration(float64(b.base) * math.Pow(b.multiplier, float64(attempt)))
	if d > b.max || d <= 0 {
		d = b.max
	}
	return d + jitterDuration(b.jitter)
}

// jitterDuration returns a uniform random duration in [0, max).
func jitterDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// sleepCtx sleeps for d unless ctx ends first. Reports whether the full
// sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

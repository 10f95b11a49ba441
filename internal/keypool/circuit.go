package keypool

import (
	"sync"
	"time"
)

// CircuitState represents the state of a credential's circuit breaker.
type CircuitState int

const (
	// StateClosed allows requests normally.
	StateClosed CircuitState = iota
	// StateOpen rejects the credential until the open deadline passes.
	StateOpen
	// StateHalfOpen admits exactly one probe request.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// GaugeValue returns the numeric encoding exported to metrics.
func (s CircuitState) GaugeValue() float64 {
	return float64(s)
}

// BreakerConfig tunes one credential's circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of failures inside FailureWindow
	// that opens the circuit.
	FailureThreshold int
	// FailureWindow bounds how long a failure counts toward the threshold.
	FailureWindow time.Duration
	// OpenDuration is how long the circuit stays open before admitting
	// a half-open probe.
	OpenDuration time.Duration
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		OpenDuration:     30 * time.Second,
	}
}

// Breaker is a per-credential circuit breaker with a rolling failure
// window. Unlike count-reset breakers, successes do not erase failures;
// failures only age out of the window. Half-open admits a single probe:
// its success closes the circuit, its failure reopens it.
type Breaker struct {
	mu      sync.Mutex
	cfg     BreakerConfig
	nowFunc func() time.Time

	state     CircuitState
	failures  []time.Time
	openUntil time.Time
	probing   bool

	onStateChange func(from, to CircuitState)
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultBreakerConfig().FailureWindow
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = DefaultBreakerConfig().OpenDuration
	}
	return &Breaker{
		cfg:     cfg,
		nowFunc: time.Now,
		state:   StateClosed,
	}
}

// OnStateChange registers a callback invoked on every transition. The
// callback runs synchronously under the breaker lock and must not call
// back into the breaker.
func (b *Breaker) OnStateChange(fn func(from, to CircuitState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// State reports the current state, advancing OPEN to HALF_OPEN when the
// open deadline has passed.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.nowFunc())
	return b.state
}

// Admittable reports whether TryAcquire would succeed, without consuming
// the half-open probe slot.
func (b *Breaker) Admittable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.nowFunc())
	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return !b.probing
	default:
		return false
	}
}

// TryAcquire reports whether a request may proceed on this credential.
// In HALF_OPEN the first caller wins the probe slot; others are rejected
// until the probe resolves.
func (b *Breaker) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.nowFunc())
	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// RecordSuccess advances the breaker after a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.nowFunc())
	if b.state == StateHalfOpen {
		b.failures = b.failures[:0]
		b.probing = false
		b.transition(StateClosed)
	}
}

// RecordFailure advances the breaker after a failed request. In CLOSED
// the failure joins the rolling window; reaching the threshold opens the
// circuit. In HALF_OPEN any failure reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.nowFunc()
	b.advance(now)
	switch b.state {
	case StateClosed:
		b.failures = append(b.failures, now)
		b.trimWindow(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.open(now)
		}
	case StateHalfOpen:
		b.open(now)
	}
	// OPEN: a straggler release from before the transition changes nothing.
}

// OpenUntil returns the open deadline, zero when not open.
func (b *Breaker) OpenUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return time.Time{}
	}
	return b.openUntil
}

// FailureCount returns the number of failures currently in the window.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trimWindow(b.nowFunc())
	return len(b.failures)
}

// ForceOpen opens the circuit immediately. Used by the prober when a
// credential fails its health probe.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		b.open(b.nowFunc())
	}
}

// Reset returns the breaker to CLOSED and clears the failure window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = b.failures[:0]
	b.probing = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

func (b *Breaker) open(now time.Time) {
	b.openUntil = now.Add(b.cfg.OpenDuration)
	b.failures = b.failures[:0]
	b.probing = false
	b.transition(StateOpen)
}

// advance moves OPEN to HALF_OPEN once the deadline passes.
func (b *Breaker) advance(now time.Time) {
	if b.state == StateOpen && !now.Before(b.openUntil) {
		b.probing = false
		b.transition(StateHalfOpen)
	}
}

func (b *Breaker) trimWindow(now time.Time) {
	cutoff := now.Add(-b.cfg.FailureWindow)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

func (b *Breaker) transition(to CircuitState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

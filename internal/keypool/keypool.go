// Package keypool owns the upstream credential pool: selection, per-key
// circuit breakers and health scores, the bounded wait queue, pool-wide
// rate-limit tracking, and cross-restart counters.
package keypool

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zgate-dev/zgate/internal/metrics"
	proxyerrors "github.com/zgate-dev/zgate/pkg/errors"
)

var (
	// ErrNoKeyAvailable means every credential is at capacity or circuit-open.
	ErrNoKeyAvailable = errors.New("no key available")
	// ErrQueueFull means the bounded wait queue is at capacity.
	ErrQueueFull = errors.New("key queue full")
	// ErrQueueTimeout means no credential freed up within the queue timeout.
	ErrQueueTimeout = errors.New("key queue timeout")
)

// queueRecheckInterval bounds how long a queued waiter goes without
// re-checking the pool. Circuit reopens and prober-closed breakers free a
// key without any release, so waiting on release signals alone is not
// enough.
const queueRecheckInterval = 250 * time.Millisecond

// Config tunes the credential pool.
type Config struct {
	// MaxConcurrencyPerKey is the default in-flight bound for keys that
	// do not set their own.
	MaxConcurrencyPerKey int
	// QueueSize bounds how many acquirers may wait for a key.
	QueueSize int
	// QueueTimeout bounds how long one acquirer waits.
	QueueTimeout time.Duration

	Circuit BreakerConfig

	// SlowKeyLatencyThreshold is the absolute p95 above which a key may
	// be marked slow. It also serves as the latency full scale for the
	// health score.
	SlowKeyLatencyThreshold time.Duration
	// SlowKeyMedianMultiplier is the multiple of the pool median p95 a
	// key must exceed to be marked slow.
	SlowKeyMedianMultiplier float64

	// CooldownBase, CooldownCap and CooldownDecay drive the pool-wide
	// 429 backoff: cooldown doubles per decayed hit from CooldownBase up
	// to CooldownCap, and the hit counter halves every CooldownDecay.
	CooldownBase  time.Duration
	CooldownCap   time.Duration
	CooldownDecay time.Duration
	// CooldownMax is a hard ceiling on any cooldown this pool reports.
	CooldownMax time.Duration

	// PersistPath is the JSON file for cross-restart counters. Empty
	// disables persistence.
	PersistPath string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrencyPerKey:    8,
		QueueSize:               100,
		QueueTimeout:            10 * time.Second,
		Circuit:                 DefaultBreakerConfig(),
		SlowKeyLatencyThreshold: 30 * time.Second,
		SlowKeyMedianMultiplier: 2.5,
		CooldownBase:            time.Second,
		CooldownCap:             60 * time.Second,
		CooldownDecay:           60 * time.Second,
		CooldownMax:             120 * time.Second,
	}
}

// KeySpec describes one credential after secret resolution.
type KeySpec struct {
	ID         string
	Credential string
	// Weight orders equal-health keys; higher wins. Zero means 1.
	Weight int
	// MaxConcurrency overrides the pool default when positive.
	MaxConcurrency int
}

// rateRecord is the per-credential 429 history.
type rateRecord struct {
	count           int64
	lastHitAt       time.Time
	inCooldownUntil time.Time
}

type key struct {
	id             string
	index          int
	credential     string
	weight         int
	maxConcurrency int

	breaker  *Breaker
	inFlight int

	latency     *latencyWindow
	outcomes    *outcomeWindow
	lastErrorAt time.Time

	health float64
	slow   bool

	rate   rateRecord
	totals KeyTotals
}

// Pool is the credential pool. All mutable state is guarded by mu; the
// per-key breakers carry their own locks so the prober can advance them
// without holding the pool lock.
type Pool struct {
	cfg     Config
	logger  *slog.Logger
	nowFunc func() time.Time

	mu      sync.Mutex
	keys    []*key
	cursor  int
	waiters []chan struct{}

	rateWindows   map[string]*rateWindow
	cooldownUntil time.Time
	total429      int64
}

// New builds a pool over the given credentials and loads persisted
// counters when a persist path is configured.
func New(cfg Config, specs []KeySpec, logger *slog.Logger) (*Pool, error) {
	if len(specs) == 0 {
		return nil, errors.New("keypool: at least one credential required")
	}
	def := DefaultConfig()
	if cfg.MaxConcurrencyPerKey <= 0 {
		cfg.MaxConcurrencyPerKey = def.MaxConcurrencyPerKey
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = def.QueueTimeout
	}
	if cfg.SlowKeyLatencyThreshold <= 0 {
		cfg.SlowKeyLatencyThreshold = def.SlowKeyLatencyThreshold
	}
	if cfg.SlowKeyMedianMultiplier <= 0 {
		cfg.SlowKeyMedianMultiplier = def.SlowKeyMedianMultiplier
	}
	if cfg.CooldownBase <= 0 {
		cfg.CooldownBase = def.CooldownBase
	}
	if cfg.CooldownCap <= 0 {
		cfg.CooldownCap = def.CooldownCap
	}
	if cfg.CooldownDecay <= 0 {
		cfg.CooldownDecay = def.CooldownDecay
	}
	if cfg.CooldownMax <= 0 {
		cfg.CooldownMax = def.CooldownMax
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		cfg:         cfg,
		logger:      logger,
		nowFunc:     time.Now,
		cursor:      -1, // first scan starts at index 0
		rateWindows: make(map[string]*rateWindow),
	}

	for i, spec := range specs {
		if spec.ID == "" {
			return nil, errors.New("keypool: credential without id")
		}
		if spec.Credential == "" {
			return nil, errors.New("keypool: credential without secret")
		}
		maxConc := spec.MaxConcurrency
		if maxConc <= 0 {
			maxConc = cfg.MaxConcurrencyPerKey
		}
		weight := spec.Weight
		if weight <= 0 {
			weight = 1
		}
		k := &key{
			id:             spec.ID,
			index:          i,
			credential:     spec.Credential,
			weight:         weight,
			maxConcurrency: maxConc,
			breaker:        NewBreaker(cfg.Circuit),
			latency:        newLatencyWindow(latencySampleSize),
			outcomes:       newOutcomeWindow(outcomeSampleSize),
			health:         100,
		}
		id := k.id
		k.breaker.OnStateChange(func(from, to CircuitState) {
			logger.Warn("key circuit state change",
				"key_id", id,
				"from", from.String(),
				"to", to.String(),
			)
		})
		p.keys = append(p.keys, k)
	}

	p.loadTotals()
	p.mu.Lock()
	p.updateGaugesLocked()
	p.mu.Unlock()
	return p, nil
}

// Len returns the number of credentials in the pool.
func (p *Pool) Len() int {
	return len(p.keys)
}

// Acquire selects a usable credential without waiting: circuit CLOSED or
// HALF_OPEN with a free probe slot, inFlight below the key's bound,
// highest health first, ring order from the last pick breaking ties.
func (p *Pool) Acquire() (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquireLocked(nil)
}

func (p *Pool) acquireLocked(excluded map[string]bool) (*Lease, error) {
	n := len(p.keys)
	best := -1
	for off := 1; off <= n; off++ {
		i := (p.cursor + off) % n
		k := p.keys[i]
		if excluded[k.id] {
			continue
		}
		if k.inFlight >= k.maxConcurrency {
			continue
		}
		if !k.breaker.Admittable() {
			continue
		}
		if best == -1 || preferKey(k, p.keys[best]) {
			best = i
		}
	}
	if best == -1 {
		return nil, ErrNoKeyAvailable
	}
	k := p.keys[best]
	if !k.breaker.TryAcquire() {
		// The prober raced us to the half-open probe slot.
		return nil, ErrNoKeyAvailable
	}
	p.cursor = best
	k.inFlight++
	k.totals.Requests++
	p.updateGaugesLocked()
	return &Lease{pool: p, key: k, acquiredAt: p.nowFunc()}, nil
}

// preferKey reports whether a beats b: higher health first, then weight.
// Callers scan in ring order, so equal keys keep the earlier pick.
func preferKey(a, b *key) bool {
	if a.health != b.health {
		return a.health > b.health
	}
	return a.weight > b.weight
}

// AcquireWait acquires a credential, waiting in the bounded queue when
// none is immediately usable. It returns ErrQueueFull when the queue is
// at capacity, ErrQueueTimeout after the queue timeout, or the context
// error if the caller goes away.
func (p *Pool) AcquireWait(ctx context.Context) (*Lease, error) {
	return p.AcquireWaitExcluding(ctx, nil)
}

// AcquireWaitExcluding is AcquireWait with a per-request exclusion set:
// keys whose id is in excluded are skipped even when otherwise usable.
// Retries use it to avoid re-picking a key that just failed the same
// request.
func (p *Pool) AcquireWaitExcluding(ctx context.Context, excluded map[string]bool) (*Lease, error) {
	p.mu.Lock()
	lease, err := p.acquireLocked(excluded)
	if err == nil {
		p.mu.Unlock()
		return lease, nil
	}
	if len(p.waiters) >= p.cfg.QueueSize {
		p.mu.Unlock()
		return nil, ErrQueueFull
	}
	ch := make(chan struct{})
	p.waiters = append(p.waiters, ch)
	metrics.KeyQueueDepth.Set(float64(len(p.waiters)))
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.QueueTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(queueRecheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ch:
			// Signaled by a release; our waiter slot is already gone.
			p.mu.Lock()
			lease, err := p.acquireLocked(excluded)
			if err == nil {
				p.mu.Unlock()
				return lease, nil
			}
			if len(p.waiters) >= p.cfg.QueueSize {
				p.mu.Unlock()
				return nil, ErrQueueFull
			}
			ch = make(chan struct{})
			p.waiters = append(p.waiters, ch)
			metrics.KeyQueueDepth.Set(float64(len(p.waiters)))
			p.mu.Unlock()
		case <-ticker.C:
			p.mu.Lock()
			lease, err := p.acquireLocked(excluded)
			if err == nil {
				p.removeWaiterLocked(ch)
				p.mu.Unlock()
				return lease, nil
			}
			p.mu.Unlock()
		case <-ctx.Done():
			p.removeWaiter(ch)
			return nil, ctx.Err()
		case <-timer.C:
			p.removeWaiter(ch)
			return nil, ErrQueueTimeout
		}
	}
}

func (p *Pool) removeWaiter(ch chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeWaiterLocked(ch)
}

func (p *Pool) removeWaiterLocked(ch chan struct{}) {
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	metrics.KeyQueueDepth.Set(float64(len(p.waiters)))
}

// signalLocked wakes the oldest waiter. The waiter re-runs acquisition
// itself; no key is reserved for it.
func (p *Pool) signalLocked() {
	if len(p.waiters) == 0 {
		return
	}
	ch := p.waiters[0]
	p.waiters = p.waiters[1:]
	close(ch)
	metrics.KeyQueueDepth.Set(float64(len(p.waiters)))
}

// OutcomeKind classifies how an attempt on a leased credential ended.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeRateLimited
	// OutcomeAborted means the attempt never reached the upstream with
	// this key: nothing is counted against or for it.
	OutcomeAborted
)

// Outcome carries the result a lease is released with.
type Outcome struct {
	Kind OutcomeKind
	// ErrorKind is the taxonomy kind for OutcomeFailure.
	ErrorKind string
	// Latency is the measured upstream attempt duration; zero when the
	// attempt never reached the upstream.
	Latency time.Duration
	// RetryAfter is the upstream hint for OutcomeRateLimited.
	RetryAfter time.Duration
	// Evidence carries the upstream 429 fields for account-level
	// detection.
	Evidence RateLimitEvidence
}

// Success builds a success outcome with the measured latency.
func Success(latency time.Duration) Outcome {
	return Outcome{Kind: OutcomeSuccess, Latency: latency}
}

// Failure builds a failure outcome from a taxonomy kind.
func Failure(errorKind string, latency time.Duration) Outcome {
	return Outcome{Kind: OutcomeFailure, ErrorKind: errorKind, Latency: latency}
}

// RateLimited builds a 429 outcome.
func RateLimited(retryAfter time.Duration, ev RateLimitEvidence) Outcome {
	return Outcome{Kind: OutcomeRateLimited, RetryAfter: retryAfter, Evidence: ev}
}

// Aborted builds a neutral outcome for attempts that never used the key.
func Aborted() Outcome {
	return Outcome{Kind: OutcomeAborted}
}

// Lease is one acquired credential. Release must be called exactly once;
// extra calls are ignored.
type Lease struct {
	pool       *Pool
	key        *key
	acquiredAt time.Time
	released   bool
}

// KeyID returns the credential's configured id.
func (l *Lease) KeyID() string {
	return l.key.id
}

// Index returns the credential's position in the pool.
func (l *Lease) Index() int {
	return l.key.index
}

// Credential returns the resolved secret for the Authorization header.
func (l *Lease) Credential() string {
	return l.key.credential
}

// Release returns the credential and folds the outcome into its health,
// circuit and rate-limit state.
func (l *Lease) Release(o Outcome) {
	p := l.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if l.released {
		return
	}
	l.released = true

	k := l.key
	if k.inFlight > 0 {
		k.inFlight--
	}
	now := p.nowFunc()

	switch o.Kind {
	case OutcomeSuccess:
		k.totals.Successes++
		k.outcomes.record(true)
		if o.Latency > 0 {
			k.latency.record(o.Latency)
		}
		k.breaker.RecordSuccess()
	case OutcomeFailure:
		k.totals.Failures++
		k.outcomes.record(false)
		k.lastErrorAt = now
		if o.Latency > 0 {
			k.latency.record(o.Latency)
		}
		if proxyerrors.KindExcludesKey(o.ErrorKind) {
			k.breaker.RecordFailure()
		}
	case OutcomeAborted:
		// Lease returned unused; only the in-flight count moves.
	case OutcomeRateLimited:
		// Account-scoped throttling: recorded on the key but kept out
		// of its circuit and success window.
		k.totals.RateLimitHits++
		k.rate.count++
		k.rate.lastHitAt = now
		retryAfter := o.RetryAfter
		if retryAfter <= 0 {
			retryAfter = o.Evidence.RetryAfter
		}
		if retryAfter > 0 {
			k.rate.inCooldownUntil = now.Add(retryAfter)
		}
	}

	p.refreshHealthLocked(k, now)
	p.refreshSlowLocked(k)
	p.updateGaugesLocked()
	p.signalLocked()
}

func (p *Pool) refreshHealthLocked(k *key, now time.Time) {
	p95, hasLatency := k.latency.p95()
	rate, hasOutcomes := k.outcomes.rate()
	var age time.Duration
	erred := !k.lastErrorAt.IsZero()
	if erred {
		age = now.Sub(k.lastErrorAt)
	}
	k.health = healthScore(p95, hasLatency, rate, hasOutcomes, age, erred, p.cfg.SlowKeyLatencyThreshold)
}

func (p *Pool) refreshSlowLocked(k *key) {
	if k.latency.size() < slowKeyMinSamples {
		return
	}
	p95, _ := k.latency.p95()
	med, ok := p.medianP95Locked()
	slow := ok &&
		p95 > float64(p.cfg.SlowKeyLatencyThreshold.Milliseconds()) &&
		p95 > med*p.cfg.SlowKeyMedianMultiplier
	switch {
	case slow && !k.slow:
		k.slow = true
		k.totals.SlowKeyEntries++
		p.logger.Warn("key marked slow",
			"key_id", k.id,
			"p95_ms", p95,
			"pool_median_ms", med,
		)
	case !slow && k.slow:
		k.slow = false
		k.totals.SlowKeyExits++
		p.logger.Info("key left slow set", "key_id", k.id, "p95_ms", p95)
	}
}

// medianP95Locked returns the median of per-key p95 latencies over keys
// with enough history.
func (p *Pool) medianP95Locked() (float64, bool) {
	vals := make([]float64, 0, len(p.keys))
	for _, k := range p.keys {
		if k.latency.size() < slowKeyMinSamples {
			continue
		}
		if v, ok := k.latency.p95(); ok {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return 0, false
	}
	sort.Float64s(vals)
	mid := len(vals) / 2
	if len(vals)%2 == 1 {
		return vals[mid], true
	}
	return (vals[mid-1] + vals[mid]) / 2, true
}

func (p *Pool) updateGaugesLocked() {
	var closed, open, halfOpen int
	for _, k := range p.keys {
		state := k.breaker.State()
		switch state {
		case StateOpen:
			open++
		case StateHalfOpen:
			halfOpen++
		default:
			closed++
		}
		metrics.KeyCircuitState.WithLabelValues(k.id).Set(state.GaugeValue())
		metrics.KeyHealthScore.WithLabelValues(k.id).Set(k.health)
	}
	metrics.KeyPoolKeys.WithLabelValues(StateClosed.String()).Set(float64(closed))
	metrics.KeyPoolKeys.WithLabelValues(StateOpen.String()).Set(float64(open))
	metrics.KeyPoolKeys.WithLabelValues(StateHalfOpen.String()).Set(float64(halfOpen))
}

// RefreshGauges re-exports pool state to metrics. The prober calls this
// after advancing breakers outside the acquire/release paths.
func (p *Pool) RefreshGauges() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateGaugesLocked()
}

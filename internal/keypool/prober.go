package keypool

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	defaultProbeInterval = 60 * time.Second
	defaultProbeTimeout  = 10 * time.Second
)

// ProbeFunc issues one minimal upstream request with the given
// credential. A nil error means the credential works.
type ProbeFunc func(ctx context.Context, credential string) error

// ProberConfig controls the background credential prober.
type ProberConfig struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
}

// Prober periodically checks every credential against the upstream.
// Probe failures open the key's circuit early; a probe success resolves
// a half-open circuit without waiting for production traffic.
type Prober struct {
	cfg     ProberConfig
	pool    *Pool
	probe   ProbeFunc
	logger  *slog.Logger
	started atomic.Bool
}

// NewProber creates a prober over the pool.
func NewProber(cfg ProberConfig, pool *Pool, probe ProbeFunc, logger *slog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		cfg:    cfg,
		pool:   pool,
		probe:  probe,
		logger: logger,
	}
}

// Start begins the probe loop until the context is canceled.
func (p *Prober) Start(ctx context.Context) {
	if p == nil || !p.cfg.Enabled {
		return
	}
	if p.probe == nil {
		p.logger.Warn("key prober missing probe function")
		return
	}
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	go p.run(ctx)
}

func (p *Prober) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			p.runOnce(ctx)
		case <-ctx.Done():
			p.logger.Info("key prober stopped")
			return
		}
	}
}

func (p *Prober) runOnce(ctx context.Context) {
	for _, target := range p.pool.probeTargets() {
		if ctx.Err() != nil {
			return
		}
		p.probeKey(ctx, target)
	}
	p.pool.RefreshGauges()
}

func (p *Prober) probeKey(ctx context.Context, target probeTarget) {
	// TryAcquire claims the half-open probe slot when there is one;
	// an open circuit before its deadline is skipped.
	if !target.breaker.TryAcquire() {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	if err := p.probe(probeCtx, target.credential); err != nil {
		target.breaker.ForceOpen()
		p.logger.Warn("key probe failed", "key_id", target.id, "error", err)
		return
	}
	target.breaker.RecordSuccess()
}

type probeTarget struct {
	id         string
	credential string
	breaker    *Breaker
}

func (p *Pool) probeTargets() []probeTarget {
	p.mu.Lock()
	defer p.mu.Unlock()
	targets := make([]probeTarget, 0, len(p.keys))
	for _, k := range p.keys {
		targets = append(targets, probeTarget{
			id:         k.id,
			credential: k.credential,
			breaker:    k.breaker,
		})
	}
	return targets
}

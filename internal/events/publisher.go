package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zgate-dev/zgate/internal/router"
)

// DefaultPoolStatusInterval is how often pool-status events are published.
const DefaultPoolStatusInterval = 3 * time.Second

// PoolModelStatus is one model's state inside a pool-status event.
type PoolModelStatus struct {
	Model          string `json:"model"`
	InFlight       int    `json:"inFlight"`
	MaxConcurrency int    `json:"maxConcurrency"`
	Available      bool   `json:"available"`
	CooldownMs     int64  `json:"cooldownMs"`
}

// PoolTierStatus is one tier's entry inside a pool-status event.
type PoolTierStatus struct {
	Tier          string            `json:"tier"`
	Models        []PoolModelStatus `json:"models"`
	AllCooled     bool              `json:"allCooled"`
	MinCooldownMs int64             `json:"minCooldownMs"`
}

// PoolStatusPayload converts router snapshots to the pool-status wire shape.
// The admin pools endpoint serves the same structure.
func PoolStatusPayload(snaps []router.TierPoolSnapshot) map[string]any {
	tiers := make([]PoolTierStatus, 0, len(snaps))
	for _, s := range snaps {
		models := make([]PoolModelStatus, 0, len(s.Models))
		for _, m := range s.Models {
			models = append(models, PoolModelStatus{
				Model:          m.Model,
				InFlight:       m.InFlight,
				MaxConcurrency: m.MaxConcurrency,
				Available:      modelAvailable(m),
				CooldownMs:     m.CooldownMs,
			})
		}
		tiers = append(tiers, PoolTierStatus{
			Tier:          string(s.Tier),
			Models:        models,
			AllCooled:     s.AllCooled,
			MinCooldownMs: s.MinCooldownMs,
		})
	}
	return map[string]any{"tiers": tiers}
}

func modelAvailable(m router.ModelPoolSnapshot) bool {
	if m.CoolingDown {
		return false
	}
	// maxConcurrency 0 means unbounded
	return m.MaxConcurrency <= 0 || m.InFlight < m.MaxConcurrency
}

// PoolStatusSource supplies per-tier pool snapshots.
type PoolStatusSource interface {
	PoolSnapshots() []router.TierPoolSnapshot
}

// PoolStatusPublisher periodically publishes pool-status events to a broker.
type PoolStatusPublisher struct {
	broker   *Broker
	source   PoolStatusSource
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPoolStatusPublisher creates a publisher. An interval <= 0 falls back to
// DefaultPoolStatusInterval.
func NewPoolStatusPublisher(broker *Broker, source PoolStatusSource, interval time.Duration, logger *slog.Logger) *PoolStatusPublisher {
	if interval <= 0 {
		interval = DefaultPoolStatusInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PoolStatusPublisher{
		broker:   broker,
		source:   source,
		interval: interval,
		logger:   logger.With("component", "pool_status"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the publish loop.
func (p *PoolStatusPublisher) Start() {
	go p.run()
}

// Stop halts the loop. Safe to call more than once.
func (p *PoolStatusPublisher) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *PoolStatusPublisher) run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Publish immediately so a fresh dashboard is not blank for a tick.
	p.publishOnce()

	for {
		select {
		case <-ticker.C:
			p.publishOnce()
		case <-p.stopCh:
			p.logger.Debug("pool status publisher stopped")
			return
		}
	}
}

func (p *PoolStatusPublisher) publishOnce() {
	p.broker.Publish(TypePoolStatus, PoolStatusPayload(p.source.PoolSnapshots()))
}

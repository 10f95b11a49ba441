package proxy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zgate-dev/zgate/internal/config"
	"github.com/zgate-dev/zgate/internal/metrics"
	"github.com/zgate-dev/zgate/internal/router"
)

// Admission hold outcomes.
const (
	holdProceed    = "proceed"
	holdTimeout    = "timeout"
	holdRejected   = "rejected"
	holdDisconnect = "disconnect"
)

// AdmissionController parks requests headed at a fully cooled tier for
// up to MaxHold instead of letting them bounce off a guaranteed 429.
// The number of parked requests is bounded; at capacity the request
// proceeds and takes the 429 naturally.
type AdmissionController struct {
	cfg     config.AdmissionHoldConfig
	tiers   map[router.Tier]bool
	logger  *slog.Logger
	nowFunc func() time.Time

	mu     sync.Mutex
	active int
}

// NewAdmissionController builds a controller, filling unset fields with
// defaults.
func NewAdmissionController(cfg config.AdmissionHoldConfig, logger *slog.Logger) *AdmissionController {
	if cfg.MaxHold <= 0 {
		cfg.MaxHold = 10 * time.Second
	}
	if cfg.MaxConcurrentHolds <= 0 {
		cfg.MaxConcurrentHolds = 10
	}
	if cfg.MinCooldownToHold <= 0 {
		cfg.MinCooldownToHold = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	// Config names tiers in lower case; the router's canonical form wins.
	tiers := make(map[router.Tier]bool, len(cfg.Tiers))
	for _, t := range cfg.Tiers {
		if tier, ok := router.ParseTier(t); ok {
			tiers[tier] = true
		}
	}
	return &AdmissionController{
		cfg:     cfg,
		tiers:   tiers,
		logger:  logger.With("component", "admission"),
		nowFunc: time.Now,
	}
}

// ShouldHold reports whether the tier's cooldown picture warrants
// parking the request: holds enabled, the tier participates, every
// candidate is cooling, and the shortest cooldown is worth waiting out.
func (a *AdmissionController) ShouldHold(hold router.AdmissionHold) bool {
	if !a.cfg.Enabled || !a.tiers[hold.Tier] {
		return false
	}
	return hold.AllCooled && hold.MinCooldown >= a.cfg.MinCooldownToHold
}

// Hold parks the caller for min(minCooldown+jitter, MaxHold). It
// returns the time actually held and one of holdProceed, holdRejected
// or holdDisconnect; whether a completed hold counts as proceed or
// timeout is the caller's call after re-checking the tier.
func (a *AdmissionController) Hold(ctx context.Context, minCooldown time.Duration) (time.Duration, string) {
	a.mu.Lock()
	if a.active >= a.cfg.MaxConcurrentHolds {
		a.mu.Unlock()
		return 0, holdRejected
	}
	a.active++
	metrics.AdmissionHoldsActive.Set(float64(a.active))
	a.mu.Unlock()
	defer a.exit()

	d := minCooldown + jitterDuration(a.cfg.Jitter)
	if d > a.cfg.MaxHold {
		d = a.cfg.MaxHold
	}

	start := a.nowFunc()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return a.nowFunc().Sub(start), holdProceed
	case <-ctx.Done():
		return a.nowFunc().Sub(start), holdDisconnect
	}
}

// exit releases the hold slot. Deferred from Hold so the decrement runs
// exactly once per entered hold.
func (a *AdmissionController) exit() {
	a.mu.Lock()
	a.active--
	metrics.AdmissionHoldsActive.Set(float64(a.active))
	a.mu.Unlock()
}

// Active returns the number of currently parked requests.
func (a *AdmissionController) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

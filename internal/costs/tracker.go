// Package costs meters token spend across rolling periods and raises
// budget alerts. Aggregates roll over automatically when the UTC day,
// ISO week or month changes, and the whole state survives restarts via
// a debounced JSON snapshot.
package costs

import (
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zgate-dev/zgate/internal/metrics"
	"github.com/zgate-dev/zgate/internal/pricing"
)

const maxIDLength = 256

// Config tunes the tracker. Zero values fall back to defaults.
type Config struct {
	// PersistPath is the JSON snapshot location. Empty disables
	// persistence.
	PersistPath string

	// SaveDebounce coalesces bursts of updates into one disk write.
	SaveDebounce time.Duration

	// SlowSaveThreshold logs a warning when a snapshot write exceeds it.
	SlowSaveThreshold time.Duration

	Budget Budget

	MaxKeyEntries    int
	MaxTenantEntries int
	MaxHistoryDays   int
	MaxSeriesBuckets int
}

func (c *Config) setDefaults() {
	if c.SaveDebounce <= 0 {
		c.SaveDebounce = 5 * time.Second
	}
	if c.SlowSaveThreshold <= 0 {
		c.SlowSaveThreshold = 500 * time.Millisecond
	}
	if c.MaxKeyEntries <= 0 {
		c.MaxKeyEntries = 1000
	}
	if c.MaxTenantEntries <= 0 {
		c.MaxTenantEntries = 1000
	}
	if c.MaxHistoryDays <= 0 {
		c.MaxHistoryDays = 24
	}
	if c.MaxSeriesBuckets <= 0 {
		c.MaxSeriesBuckets = 720
	}
}

// UsageRecord is one usage report. Token counts arrive as float64
// because they come straight from parsed provider JSON; validation
// rejects anything that is not a finite non-negative number.
type UsageRecord struct {
	KeyID        string  `json:"keyId"`
	TenantID     string  `json:"tenantId,omitempty"`
	Model        string  `json:"model,omitempty"`
	InputTokens  float64 `json:"inputTokens"`
	OutputTokens float64 `json:"outputTokens"`
}

// Recorded is the accepted-record receipt returned by RecordUsage.
type Recorded struct {
	Cost         float64 `json:"cost"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	TotalTokens  int64   `json:"totalTokens"`
}

// BatchResult summarizes a RecordBatch call. Errors stays zero on the
// typed ingest path and exists for response-shape compatibility with
// feed formats that can carry malformed rows.
type BatchResult struct {
	Processed   int     `json:"processed"`
	Skipped     int     `json:"skipped"`
	Errors      int     `json:"errors"`
	TotalCost   float64 `json:"totalCost"`
	TotalTokens int64   `json:"totalTokens"`
}

// Tracker accumulates usage into four rolling periods plus bounded
// per-key and per-tenant aggregates, a daily archive and an hourly
// per-model cost series.
type Tracker struct {
	logger  *slog.Logger
	calc    *pricing.Calculator
	cfg     Config
	onAlert AlertFunc
	nowFunc func() time.Time

	mu        sync.Mutex
	today     PeriodUsage
	thisWeek  PeriodUsage
	thisMonth PeriodUsage
	allTime   PeriodUsage
	keys      periodKeys
	byKey     *aggregateLRU
	byTenant  *aggregateLRU
	history   []ArchiveEntry
	series    CostTimeSeries
	budget    Budget

	firedDaily   map[float64]bool
	firedMonthly map[float64]bool

	validationWarnings int64
	recordsProcessed   int64

	saveTimer   *time.Timer
	saves       int64
	lastSavedAt time.Time
	destroyed   bool

	// saveMu serializes snapshot writes so Flush waits out an
	// in-flight debounced save.
	saveMu sync.Mutex
}

// New builds a tracker, loading persisted state when cfg.PersistPath
// points at an existing snapshot.
func New(cfg Config, calc *pricing.Calculator, onAlert AlertFunc, logger *slog.Logger) *Tracker {
	cfg.setDefaults()
	if calc == nil {
		calc = pricing.NewCalculator(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		logger:       logger.With("component", "costs"),
		calc:         calc,
		cfg:          cfg,
		onAlert:      onAlert,
		nowFunc:      time.Now,
		byKey:        newAggregateLRU(cfg.MaxKeyEntries),
		byTenant:     newAggregateLRU(cfg.MaxTenantEntries),
		series:       newCostTimeSeries(),
		budget:       cfg.Budget.normalized(),
		firedDaily:   make(map[float64]bool),
		firedMonthly: make(map[float64]bool),
	}
	now := t.nowFunc()
	t.keys = currentKeys(now)
	t.today.StartedAt = now
	t.thisWeek.StartedAt = now
	t.thisMonth.StartedAt = now
	t.allTime.StartedAt = now
	if cfg.PersistPath != "" {
		t.mu.Lock()
		t.loadLocked()
		t.rolloverLocked(t.nowFunc())
		t.mu.Unlock()
	}
	return t
}

// RecordUsage books one usage record. It returns false when the record
// fails validation, in which case nothing is counted.
func (t *Tracker) RecordUsage(rec UsageRecord) (Recorded, bool) {
	t.mu.Lock()
	out, ok := t.recordLocked(rec)
	var alerts []Alert
	if ok {
		alerts = t.evaluateBudgetsLocked()
		t.scheduleSaveLocked()
	}
	t.mu.Unlock()
	t.deliver(alerts)
	return out, ok
}

// RecordBatch books a slice of records in one pass, evaluating budgets
// once at the end. An empty batch changes nothing.
func (t *Tracker) RecordBatch(records []UsageRecord) BatchResult {
	var res BatchResult
	if len(records) == 0 {
		return res
	}
	t.mu.Lock()
	for i := range records {
		rec, ok := t.recordLocked(records[i])
		if !ok {
			res.Skipped++
			continue
		}
		res.Processed++
		res.TotalCost = round6(res.TotalCost + rec.Cost)
		res.TotalTokens += rec.TotalTokens
	}
	var alerts []Alert
	if res.Processed > 0 {
		alerts = t.evaluateBudgetsLocked()
		t.scheduleSaveLocked()
	}
	t.mu.Unlock()
	t.deliver(alerts)
	return res
}

func (t *Tracker) recordLocked(rec UsageRecord) (Recorded, bool) {
	now := t.nowFunc()
	t.rolloverLocked(now)

	keyID := sanitizeID(rec.KeyID)
	if keyID == "" || !finite(rec.InputTokens) || !finite(rec.OutputTokens) ||
		rec.InputTokens < 0 || rec.OutputTokens < 0 {
		t.validationWarnings++
		metrics.CostValidationWarnings.Inc()
		t.logger.Warn("usage record rejected",
			"keyId", keyID,
			"inputTokens", rec.InputTokens,
			"outputTokens", rec.OutputTokens)
		return Recorded{}, false
	}

	in := int64(rec.InputTokens)
	out := int64(rec.OutputTokens)
	cost := round6(t.calc.Calculate(rec.Model, int(in), int(out)))

	t.today.add(in, out, cost)
	t.thisWeek.add(in, out, cost)
	t.thisMonth.add(in, out, cost)
	t.allTime.add(in, out, cost)
	t.byKey.touch(keyID, now).add(in, out, cost)
	if tenant := sanitizeID(rec.TenantID); tenant != "" {
		t.byTenant.touch(tenant, now).add(in, out, cost)
	}
	if rec.Model != "" {
		t.series.add(hourKey(now), rec.Model, cost, t.cfg.MaxSeriesBuckets)
	}
	t.recordsProcessed++

	return Recorded{
		Cost:         cost,
		InputTokens:  in,
		OutputTokens: out,
		TotalTokens:  in + out,
	}, true
}

// rolloverLocked archives and resets aggregates whose period key moved
// on. Called before every read and write so stale periods never leak
// into responses.
func (t *Tracker) rolloverLocked(now time.Time) {
	if day := dayKey(now); day != t.keys.Day {
		if t.today.Requests > 0 {
			t.history = append(t.history, ArchiveEntry{Date: t.keys.Day, Usage: t.today})
			if len(t.history) > t.cfg.MaxHistoryDays {
				t.history = append(t.history[:0], t.history[len(t.history)-t.cfg.MaxHistoryDays:]...)
			}
		}
		t.today = PeriodUsage{StartedAt: now}
		t.keys.Day = day
		t.firedDaily = make(map[float64]bool)
	}
	if week := weekKey(now); week != t.keys.Week {
		t.thisWeek = PeriodUsage{StartedAt: now}
		t.keys.Week = week
	}
	if month := monthKey(now); month != t.keys.Month {
		t.thisMonth = PeriodUsage{StartedAt: now}
		t.keys.Month = month
		t.firedMonthly = make(map[float64]bool)
	}
}

func (t *Tracker) evaluateBudgetsLocked() []Alert {
	now := t.nowFunc()
	alerts := checkBudget(PeriodDaily, t.today.Cost, t.budget.Daily, t.firedDaily, t.budget.AlertThresholds, now)
	alerts = append(alerts, checkBudget(PeriodMonthly, t.thisMonth.Cost, t.budget.Monthly, t.firedMonthly, t.budget.AlertThresholds, now)...)
	return alerts
}

func (t *Tracker) deliver(alerts []Alert) {
	for _, a := range alerts {
		metrics.BudgetAlertsTotal.WithLabelValues(a.Period, formatThreshold(a.Threshold)).Inc()
		t.logger.Warn("budget alert",
			"type", a.Type,
			"period", a.Period,
			"threshold", a.Threshold,
			"currentCost", a.CurrentCost,
			"budgetLimit", a.BudgetLimit)
		if t.onAlert != nil {
			t.onAlert(a)
		}
	}
}

// BudgetStatus describes how far into a budget the current period is.
type BudgetStatus struct {
	Limit       float64 `json:"limit"`
	Used        float64 `json:"used"`
	Remaining   float64 `json:"remaining"`
	PercentUsed float64 `json:"percentUsed"`
}

// PeriodStats is the Stats response for one period.
type PeriodStats struct {
	Period string        `json:"period"`
	Key    string        `json:"key,omitempty"`
	Usage  PeriodUsage   `json:"usage"`
	Budget *BudgetStatus `json:"budget,omitempty"`
}

// Stats returns the named period aggregate. The second return is false
// for an unknown period name.
func (t *Tracker) Stats(period string) (PeriodStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked(t.nowFunc())

	var (
		usage PeriodUsage
		key   string
		limit float64
	)
	switch period {
	case PeriodDaily:
		usage, key, limit = t.today, t.keys.Day, t.budget.Daily
	case PeriodWeekly:
		usage, key = t.thisWeek, t.keys.Week
	case PeriodMonthly:
		usage, key, limit = t.thisMonth, t.keys.Month, t.budget.Monthly
	case PeriodTotal:
		usage = t.allTime
	default:
		return PeriodStats{}, false
	}
	stats := PeriodStats{Period: period, Key: key, Usage: usage}
	if limit > 0 {
		stats.Budget = &BudgetStatus{
			Limit:       limit,
			Used:        usage.Cost,
			Remaining:   round6(limit - usage.Cost),
			PercentUsed: math.Round(usage.Cost/limit*10000) / 100,
		}
	}
	return stats, true
}

// Projection extrapolates the month's spend from the daily average so
// far.
type Projection struct {
	DailyAverage      float64 `json:"dailyAverage"`
	ProjectedMonthEnd float64 `json:"projectedMonthEnd"`
	DaysElapsed       int     `json:"daysElapsed"`
	DaysInMonth       int     `json:"daysInMonth"`
	BudgetLimit       float64 `json:"budgetLimit,omitempty"`
	OnTrack           bool    `json:"onTrack"`
}

func (t *Tracker) Projection() Projection {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.nowFunc().UTC()
	t.rolloverLocked(now)

	elapsed := now.Day()
	daysInMonth := time.Date(now.Year(), now.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
	avg := t.thisMonth.Cost / float64(elapsed)
	projected := round6(avg * float64(daysInMonth))
	return Projection{
		DailyAverage:      round6(avg),
		ProjectedMonthEnd: projected,
		DaysElapsed:       elapsed,
		DaysInMonth:       daysInMonth,
		BudgetLimit:       t.budget.Monthly,
		OnTrack:           t.budget.Monthly <= 0 || projected <= t.budget.Monthly,
	}
}

// Report is the full cost report consumed by the stats endpoint.
type Report struct {
	GeneratedAt    time.Time              `json:"generatedAt"`
	Usage          map[string]PeriodUsage `json:"usage"`
	Projection     Projection             `json:"projection"`
	Budget         Budget                 `json:"budget"`
	TrackedKeys    int                    `json:"trackedKeys"`
	TrackedTenants int                    `json:"trackedTenants"`
	HistoryDays    int                    `json:"historyDays"`
	SeriesBuckets  int                    `json:"seriesBuckets"`
	Metrics        ReportMetrics          `json:"metrics"`
}

// ReportMetrics exposes tracker internals for diagnostics.
type ReportMetrics struct {
	ValidationWarnings int64     `json:"validationWarnings"`
	RecordsProcessed   int64     `json:"recordsProcessed"`
	Saves              int64     `json:"saves"`
	LastSavedAt        time.Time `json:"lastSavedAt"`
}

func (t *Tracker) FullReport() Report {
	proj := t.Projection()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked(t.nowFunc())
	return Report{
		GeneratedAt: t.nowFunc(),
		Usage: map[string]PeriodUsage{
			"today":     t.today,
			"thisWeek":  t.thisWeek,
			"thisMonth": t.thisMonth,
			"allTime":   t.allTime,
		},
		Projection:     proj,
		Budget:         t.budget,
		TrackedKeys:    t.byKey.len(),
		TrackedTenants: t.byTenant.len(),
		HistoryDays:    len(t.history),
		SeriesBuckets:  len(t.series.Times),
		Metrics: ReportMetrics{
			ValidationWarnings: t.validationWarnings,
			RecordsProcessed:   t.recordsProcessed,
			Saves:              t.saves,
			LastSavedAt:        t.lastSavedAt,
		},
	}
}

// History returns the most recent n archived days, oldest first. n <= 0
// returns everything retained.
func (t *Tracker) History(n int) []ArchiveEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked(t.nowFunc())
	entries := t.history
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return append([]ArchiveEntry(nil), entries...)
}

// TimeSeries returns a copy of the hourly per-model cost series.
func (t *Tracker) TimeSeries() CostTimeSeries {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.series.clone()
}

// CostByKey returns per-key aggregates for the keys still tracked.
func (t *Tracker) CostByKey() map[string]PeriodUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byKey.snapshot()
}

// KeyUsage returns the aggregate for a single key id.
func (t *Tracker) KeyUsage(keyID string) (PeriodUsage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byKey.get(sanitizeID(keyID))
}

// TenantCosts returns per-tenant aggregates.
func (t *Tracker) TenantCosts() map[string]PeriodUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byTenant.snapshot()
}

// Budget returns the active budget.
func (t *Tracker) Budget() Budget {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.budget
	b.AlertThresholds = append([]float64(nil), b.AlertThresholds...)
	return b
}

// SetBudget replaces the budget. Already-fired thresholds stay fired
// for the current period.
func (t *Tracker) SetBudget(b Budget) {
	t.mu.Lock()
	t.budget = b.normalized()
	t.scheduleSaveLocked()
	t.mu.Unlock()
}

// SetRates updates the pricing table for one model.
func (t *Tracker) SetRates(p pricing.ModelPricing) {
	t.calc.SetRates(p)
}

// Rates exposes the pricing table snapshot.
func (t *Tracker) Rates() []pricing.ModelPricing {
	return t.calc.Snapshot()
}

// Reset clears every aggregate, the archive, the series and the fired
// alert sets.
func (t *Tracker) Reset() {
	t.mu.Lock()
	now := t.nowFunc()
	t.today = PeriodUsage{StartedAt: now}
	t.thisWeek = PeriodUsage{StartedAt: now}
	t.thisMonth = PeriodUsage{StartedAt: now}
	t.allTime = PeriodUsage{StartedAt: now}
	t.keys = currentKeys(now)
	t.byKey.reset()
	t.byTenant.reset()
	t.history = nil
	t.series = newCostTimeSeries()
	t.firedDaily = make(map[float64]bool)
	t.firedMonthly = make(map[float64]bool)
	t.scheduleSaveLocked()
	t.mu.Unlock()
	t.logger.Info("cost tracker reset")
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) > maxIDLength {
		id = id[:maxIDLength]
	}
	return id
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func formatThreshold(th float64) string {
	return strconv.FormatFloat(th, 'g', -1, 64)
}

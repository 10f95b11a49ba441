package costs

import (
	"math"
	"sort"
	"time"
)

// Alert types delivered to the alert callback.
const (
	AlertBudgetWarning  = "budget.warning"
	AlertBudgetExceeded = "budget.exceeded"
)

// Budget caps spend per period. A zero limit disables alerting for that
// period.
type Budget struct {
	Daily           float64   `json:"daily"`
	Monthly         float64   `json:"monthly"`
	AlertThresholds []float64 `json:"alertThresholds"`
}

// DefaultAlertThresholds fire at 50%, 80%, 95% and 100% of a budget.
func DefaultAlertThresholds() []float64 {
	return []float64{0.5, 0.8, 0.95, 1.0}
}

func (b Budget) normalized() Budget {
	out := Budget{Daily: b.Daily, Monthly: b.Monthly}
	if out.Daily < 0 {
		out.Daily = 0
	}
	if out.Monthly < 0 {
		out.Monthly = 0
	}
	for _, th := range b.AlertThresholds {
		if th > 0 && !math.IsNaN(th) && !math.IsInf(th, 0) {
			out.AlertThresholds = append(out.AlertThresholds, th)
		}
	}
	if len(out.AlertThresholds) == 0 {
		out.AlertThresholds = DefaultAlertThresholds()
	}
	sort.Float64s(out.AlertThresholds)
	return out
}

// Alert is the payload delivered on a budget threshold crossing. Each
// threshold fires at most once per period; the fired set clears when
// the period rolls over.
type Alert struct {
	Type        string    `json:"type"`
	Period      string    `json:"period"`
	Threshold   float64   `json:"threshold"`
	PercentUsed float64   `json:"percentUsed"`
	CurrentCost float64   `json:"currentCost"`
	BudgetLimit float64   `json:"budgetLimit"`
	Remaining   float64   `json:"remaining"`
	Timestamp   time.Time `json:"timestamp"`
}

// AlertFunc receives fired alerts. The tracker invokes it outside its
// lock, so callbacks may call back into the tracker.
type AlertFunc func(Alert)

// checkBudget returns the alerts newly crossed for one period, marking
// them in fired. A spend jump across several thresholds fires them all.
func checkBudget(period string, cost, limit float64, fired map[float64]bool, thresholds []float64, now time.Time) []Alert {
	if limit <= 0 {
		return nil
	}
	ratio := cost / limit
	var alerts []Alert
	for _, th := range thresholds {
		if ratio < th || fired[th] {
			continue
		}
		fired[th] = true
		typ := AlertBudgetWarning
		if th >= 1.0 {
			typ = AlertBudgetExceeded
		}
		alerts = append(alerts, Alert{
			Type:        typ,
			Period:      period,
			Threshold:   th,
			PercentUsed: math.Round(ratio*10000) / 100,
			CurrentCost: cost,
			BudgetLimit: limit,
			Remaining:   round6(limit - cost),
			Timestamp:   now,
		})
	}
	return alerts
}

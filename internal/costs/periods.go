package costs

import (
	"fmt"
	"math"
	"time"
)

// Period names accepted by Stats.
const (
	PeriodDaily   = "daily"
	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"
	PeriodTotal   = "total"
)

// PeriodUsage is one rolling aggregate. All aggregates are monotonic
// between period resets.
type PeriodUsage struct {
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	TotalTokens  int64     `json:"totalTokens"`
	Cost         float64   `json:"cost"`
	Requests     int64     `json:"requests"`
	StartedAt    time.Time `json:"startedAt"`
}

func (u *PeriodUsage) add(in, out int64, cost float64) {
	u.InputTokens += in
	u.OutputTokens += out
	u.TotalTokens += in + out
	u.Cost = round6(u.Cost + cost)
	u.Requests++
}

// periodKeys records which day, ISO week and month the live aggregates
// belong to. A key change on any operation triggers the rollover.
type periodKeys struct {
	Day   string `json:"day"`
	Week  string `json:"week"`
	Month string `json:"month"`
}

func currentKeys(now time.Time) periodKeys {
	return periodKeys{Day: dayKey(now), Week: weekKey(now), Month: monthKey(now)}
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func weekKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

func hourKey(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:00")
}

// ArchiveEntry is one closed day in the bounded history.
type ArchiveEntry struct {
	Date  string      `json:"date"`
	Usage PeriodUsage `json:"usage"`
}

// round6 keeps costs at 6 decimal places, the finest unit the pricing
// table can produce per token.
func round6(x float64) float64 {
	return math.Round(x*1e6) / 1e6
}

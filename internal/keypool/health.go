package keypool

import (
	"sort"
	"time"
)

// Health score weights. The three components sum to 100.
const (
	latencyWeight = 40.0
	successWeight = 40.0
	recencyWeight = 20.0

	// latencySampleSize bounds the rolling latency history per credential.
	latencySampleSize = 100
	// outcomeSampleSize bounds the rolling success/failure history.
	outcomeSampleSize = 50
	// slowKeyMinSamples is the minimum latency history before slow-key
	// detection applies; below it the percentile is noise.
	slowKeyMinSamples = 5
	// errorRecencyFull is the age at which a past error stops costing
	// health points.
	errorRecencyFull = 5 * time.Minute
)

// latencyWindow is a bounded rolling latency history in milliseconds.
type latencyWindow struct {
	samples []float64
	maxSize int
}

func newLatencyWindow(maxSize int) *latencyWindow {
	if maxSize <= 0 {
		maxSize = latencySampleSize
	}
	return &latencyWindow{
		samples: make([]float64, 0, maxSize),
		maxSize: maxSize,
	}
}

func (w *latencyWindow) record(d time.Duration) {
	v := float64(d.Milliseconds())
	if len(w.samples) < w.maxSize {
		w.samples = append(w.samples, v)
		return
	}
	// Shift left and append
	copy(w.samples[0:], w.samples[1:])
	w.samples[len(w.samples)-1] = v
}

func (w *latencyWindow) size() int {
	return len(w.samples)
}

// p95 returns the 95th percentile latency in milliseconds. The second
// return is false when no samples have been recorded.
func (w *latencyWindow) p95() (float64, bool) {
	return percentile(w.samples, 0.95)
}

// percentile computes the q-th percentile of a latency history using the
// nearest-rank method. Returns false when the history is empty.
func percentile(samples []float64, q float64) (float64, bool) {
	if len(samples) == 0 {
		return 0, false
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	rank := int(q*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank], true
}

// outcomeWindow is a bounded rolling success/failure history.
type outcomeWindow struct {
	samples   []bool
	maxSize   int
	successes int
}

func newOutcomeWindow(maxSize int) *outcomeWindow {
	if maxSize <= 0 {
		maxSize = outcomeSampleSize
	}
	return &outcomeWindow{
		samples: make([]bool, 0, maxSize),
		maxSize: maxSize,
	}
}

func (w *outcomeWindow) record(ok bool) {
	if len(w.samples) < w.maxSize {
		w.samples = append(w.samples, ok)
		if ok {
			w.successes++
		}
		return
	}
	if w.samples[0] {
		w.successes--
	}
	copy(w.samples[0:], w.samples[1:])
	w.samples[len(w.samples)-1] = ok
	if ok {
		w.successes++
	}
}

// rate returns the success rate over the window. The second return is
// false when no outcomes have been recorded.
func (w *outcomeWindow) rate() (float64, bool) {
	if len(w.samples) == 0 {
		return 0, false
	}
	return float64(w.successes) / float64(len(w.samples)), true
}

// healthScore computes the composite credential health in [0,100]:
// normalized p95 latency (40 points), recent success rate (40 points),
// and time since the last error (20 points). Credentials without history
// start at full marks so fresh keys are not penalized.
func healthScore(p95Ms float64, hasLatency bool, successRate float64, hasOutcomes bool, lastErrorAge time.Duration, everErred bool, latencyFullScale time.Duration) float64 {
	latency := latencyWeight
	if hasLatency && latencyFullScale > 0 {
		frac := 1 - p95Ms/float64(latencyFullScale.Milliseconds())
		latency = latencyWeight * clamp01(frac)
	}

	success := successWeight
	if hasOutcomes {
		success = successWeight * clamp01(successRate)
	}

	recency := recencyWeight
	if everErred {
		frac := float64(lastErrorAge) / float64(errorRecencyFull)
		recency = recencyWeight * clamp01(frac)
	}

	score := latency + success + recency
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

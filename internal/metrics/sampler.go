package metrics

import (
	"context"
	"runtime"
	"time"
)

// StartSystemSampler updates the goroutine and memory gauges every interval
// until ctx is cancelled.
func StartSystemSampler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sampleSystem()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sampleSystem()
			}
		}
	}()
}

func sampleSystem() {
	GoroutineCount.Set(float64(runtime.NumGoroutine()))

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	MemoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
	MemoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
	MemoryUsage.WithLabelValues("heap_alloc").Set(float64(m.HeapAlloc))
	MemoryUsage.WithLabelValues("heap_sys").Set(float64(m.HeapSys))
}

package router

import (
	"context"
	"sync"
	"time"
)

const minuteKeyLayout = "2006-01-02-15-04"

func minuteKey(t time.Time) string {
	return t.UTC().Format(minuteKeyLayout)
}

// StatsStore keeps the per-model counters behind the burst-dampening
// policy: minute-keyed 429 and request counts plus cooldown marks that
// other instances can observe.
//
// Implementations must be safe for concurrent use and fail-safe: a
// store error must never fail the request, only degrade the policy.
type StatsStore interface {
	// Record429 counts one upstream 429 for the model and returns the
	// count inside the current window, including this one.
	Record429(ctx context.Context, model string) (int, error)

	// Count429 returns the model's 429 count inside the current window.
	Count429(ctx context.Context, model string) (int, error)

	// RecordRequest counts one routed request for the model.
	RecordRequest(ctx context.Context, model string) error

	// MarkCooldown publishes a cooldown deadline for the model. A zero
	// time clears the mark.
	MarkCooldown(ctx context.Context, model string, until time.Time) error

	// CooldownMark returns the published deadline, zero when none.
	CooldownMark(ctx context.Context, model string) (time.Time, error)

	// Close releases store resources.
	Close() error
}

// modelMinutes is a rolling set of minute buckets for one model.
type modelMinutes struct {
	counts map[string]int
}

// MemoryStatsStore is the in-process StatsStore. Counters are local to
// the instance and lost on restart.
type MemoryStatsStore struct {
	mu            sync.Mutex
	rateLimits    map[string]*modelMinutes
	requests      map[string]*modelMinutes
	cooldowns     map[string]time.Time
	windowMinutes int
	nowFunc       func() time.Time
}

// NewMemoryStatsStore creates a memory store counting over the given
// window. Zero or negative means one minute.
func NewMemoryStatsStore(windowMinutes int) *MemoryStatsStore {
	if windowMinutes <= 0 {
		windowMinutes = 1
	}
	return &MemoryStatsStore{
		rateLimits:    make(map[string]*modelMinutes),
		requests:      make(map[string]*modelMinutes),
		cooldowns:     make(map[string]time.Time),
		windowMinutes: windowMinutes,
		nowFunc:       time.Now,
	}
}

func (m *MemoryStatsStore) Record429(ctx context.Context, model string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFunc()
	mm := getOrCreateMinutes(m.rateLimits, model)
	mm.counts[minuteKey(now)]++
	m.pruneLocked(mm, now)
	return m.sumLocked(mm, now), nil
}

func (m *MemoryStatsStore) Count429(ctx context.Context, model string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, ok := m.rateLimits[model]
	if !ok {
		return 0, nil
	}
	return m.sumLocked(mm, m.nowFunc()), nil
}

func (m *MemoryStatsStore) RecordRequest(ctx context.Context, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFunc()
	mm := getOrCreateMinutes(m.requests, model)
	mm.counts[minuteKey(now)]++
	m.pruneLocked(mm, now)
	return nil
}

func (m *MemoryStatsStore) MarkCooldown(ctx context.Context, model string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if until.IsZero() {
		delete(m.cooldowns, model)
		return nil
	}
	m.cooldowns[model] = until
	return nil
}

func (m *MemoryStatsStore) CooldownMark(ctx context.Context, model string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cooldowns[model], nil
}

func (m *MemoryStatsStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimits = make(map[string]*modelMinutes)
	m.requests = make(map[string]*modelMinutes)
	m.cooldowns = make(map[string]time.Time)
	return nil
}

func getOrCreateMinutes(byModel map[string]*modelMinutes, model string) *modelMinutes {
	mm, ok := byModel[model]
	if !ok {
		mm = &modelMinutes{counts: make(map[string]int)}
		byModel[model] = mm
	}
	return mm
}

// windowKeysLocked returns the minute keys covering the window ending
// at now.
func (m *MemoryStatsStore) windowKeysLocked(now time.Time) []string {
	keys := make([]string, 0, m.windowMinutes)
	for i := 0; i < m.windowMinutes; i++ {
		keys = append(keys, minuteKey(now.Add(-time.Duration(i)*time.Minute)))
	}
	return keys
}

func (m *MemoryStatsStore) sumLocked(mm *modelMinutes, now time.Time) int {
	total := 0
	for _, key := range m.windowKeysLocked(now) {
		total += mm.counts[key]
	}
	return total
}

// pruneLocked drops buckets that fell out of the window.
func (m *MemoryStatsStore) pruneLocked(mm *modelMinutes, now time.Time) {
	if len(mm.counts) <= m.windowMinutes {
		return
	}
	keep := make(map[string]bool, m.windowMinutes)
	for _, key := range m.windowKeysLocked(now) {
		keep[key] = true
	}
	for key := range mm.counts {
		if !keep[key] {
			delete(mm.counts, key)
		}
	}
}

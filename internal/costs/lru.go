package costs

import (
	"container/list"
	"time"
)

// aggregateLRU is a bounded map of per-key usage aggregates with
// least-recently-updated eviction. Unbounded key cardinality would let
// a misbehaving client grow the tracker without limit.
type aggregateLRU struct {
	limit   int
	order   *list.List // front is most recently touched
	entries map[string]*list.Element
}

type lruEntry struct {
	key   string
	usage *PeriodUsage
}

func newAggregateLRU(limit int) *aggregateLRU {
	return &aggregateLRU{
		limit:   limit,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// touch returns the aggregate for key, creating it when absent and
// evicting the least recently touched entry once over the limit.
func (l *aggregateLRU) touch(key string, now time.Time) *PeriodUsage {
	if el, ok := l.entries[key]; ok {
		l.order.MoveToFront(el)
		return el.Value.(*lruEntry).usage
	}
	usage := &PeriodUsage{StartedAt: now}
	l.entries[key] = l.order.PushFront(&lruEntry{key: key, usage: usage})
	if l.order.Len() > l.limit {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.entries, oldest.Value.(*lruEntry).key)
	}
	return usage
}

func (l *aggregateLRU) get(key string) (PeriodUsage, bool) {
	el, ok := l.entries[key]
	if !ok {
		return PeriodUsage{}, false
	}
	return *el.Value.(*lruEntry).usage, true
}

func (l *aggregateLRU) len() int {
	return l.order.Len()
}

func (l *aggregateLRU) snapshot() map[string]PeriodUsage {
	out := make(map[string]PeriodUsage, l.order.Len())
	for el := l.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*lruEntry)
		out[e.key] = *e.usage
	}
	return out
}

// replace rebuilds the cache from persisted aggregates. Recency order
// is not persisted, so entries come back in arbitrary order.
func (l *aggregateLRU) replace(data map[string]PeriodUsage) {
	l.reset()
	for key, usage := range data {
		u := usage
		l.entries[key] = l.order.PushFront(&lruEntry{key: key, usage: &u})
		if l.order.Len() > l.limit {
			oldest := l.order.Back()
			l.order.Remove(oldest)
			delete(l.entries, oldest.Value.(*lruEntry).key)
		}
	}
}

func (l *aggregateLRU) reset() {
	l.order.Init()
	l.entries = make(map[string]*list.Element)
}

package tracestore

import (
	"sync"
	"time"
)

// DefaultCapacity bounds the ring when the config does not.
const DefaultCapacity = 500

// Store is a fixed-capacity ring of ended traces. Put overwrites the
// oldest entry once full. Readers receive shared pointers; the
// immutable-once-ended contract makes that safe.
type Store struct {
	mu   sync.RWMutex
	ring []*Trace
	next int
	size int
	byID map[string]int
	puts int64
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		ring: make([]*Trace, capacity),
		byID: make(map[string]int, capacity),
	}
}

// Put stores an ended trace, evicting the oldest when full.
func (s *Store) Put(t *Trace) {
	if t == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if old := s.ring[s.next]; old != nil {
		delete(s.byID, old.TraceID)
	}
	s.ring[s.next] = t
	s.byID[t.TraceID] = s.next
	s.next = (s.next + 1) % len(s.ring)
	if s.size < len(s.ring) {
		s.size++
	}
	s.puts++
}

// Get returns the trace with the given id.
func (s *Store) Get(traceID string) (*Trace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[traceID]
	if !ok {
		return nil, false
	}
	return s.ring[idx], true
}

// GetByRequestID scans newest-first for the trace of a request id.
func (s *Store) GetByRequestID(requestID string) (*Trace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := 0; i < s.size; i++ {
		t := s.ring[s.indexBack(i)]
		if t.RequestID == requestID {
			return t, true
		}
	}
	return nil, false
}

// Filter selects traces in Query. Nil pointer fields match everything.
type Filter struct {
	Success     *bool
	Model       string
	HasRetries  *bool
	MinDuration time.Duration
	Since       time.Time
	Limit       int
}

func (f Filter) matches(t *Trace) bool {
	if f.Success != nil && t.Success() != *f.Success {
		return false
	}
	if f.Model != "" && t.MappedModel != f.Model && t.OriginalModel != f.Model {
		return false
	}
	if f.HasRetries != nil && t.HasRetries() != *f.HasRetries {
		return false
	}
	if f.MinDuration > 0 && time.Duration(t.LatencyMs)*time.Millisecond < f.MinDuration {
		return false
	}
	if !f.Since.IsZero() && t.StartedAt.Before(f.Since) {
		return false
	}
	return true
}

// Query returns matching traces, newest first.
func (s *Store) Query(f Filter) []*Trace {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 || limit > s.size {
		limit = s.size
	}
	out := make([]*Trace, 0, limit)
	for i := 0; i < s.size && len(out) < limit; i++ {
		t := s.ring[s.indexBack(i)]
		if f.matches(t) {
			out = append(out, t)
		}
	}
	return out
}

// Recent returns the latest traces, newest first.
func (s *Store) Recent(limit int) []*Trace {
	return s.Query(Filter{Limit: limit})
}

// Export is the bounded dump served by the trace endpoints.
type Export struct {
	ExportedAt time.Time `json:"exportedAt"`
	Capacity   int       `json:"capacity"`
	Count      int       `json:"count"`
	TotalSeen  int64     `json:"totalSeen"`
	Traces     []*Trace  `json:"traces"`
}

// Dump returns up to limit traces newest first, with ring bookkeeping.
func (s *Store) Dump(limit int) Export {
	traces := s.Recent(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Export{
		ExportedAt: time.Now(),
		Capacity:   len(s.ring),
		Count:      len(traces),
		TotalSeen:  s.puts,
		Traces:     traces,
	}
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *Store) Capacity() int {
	return len(s.ring)
}

// indexBack maps 0 to the newest slot, 1 to the one before, and so on.
// Callers hold s.mu.
func (s *Store) indexBack(i int) int {
	return (s.next - 1 - i + len(s.ring)) % len(s.ring)
}

package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LogEntry is one captured log record, shaped for the /logs endpoint.
type LogEntry struct {
	Time    time.Time         `json:"ts"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// RingHandler is a slog.Handler that keeps the most recent records in a
// bounded in-memory ring so the server can serve them back over HTTP.
type RingHandler struct {
	mu       sync.RWMutex
	entries  []LogEntry
	capacity int
	level    slog.Level
	attrs    []slog.Attr
}

// NewRingHandler creates a ring handler holding up to capacity records.
func NewRingHandler(capacity int, level slog.Level) *RingHandler {
	if capacity <= 0 {
		capacity = 500
	}
	return &RingHandler{
		entries:  make([]LogEntry, 0, capacity),
		capacity: capacity,
		level:    level,
	}
}

// Enabled implements slog.Handler.
func (h *RingHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle implements slog.Handler.
func (h *RingHandler) Handle(_ context.Context, record slog.Record) error {
	entry := LogEntry{
		Time:    record.Time,
		Level:   record.Level.String(),
		Message: record.Message,
	}
	if record.NumAttrs() > 0 || len(h.attrs) > 0 {
		entry.Attrs = make(map[string]string, record.NumAttrs()+len(h.attrs))
		for _, a := range h.attrs {
			entry.Attrs[a.Key] = a.Value.String()
		}
		record.Attrs(func(a slog.Attr) bool {
			entry.Attrs[a.Key] = a.Value.String()
			return true
		})
	}

	h.mu.Lock()
	h.entries = append(h.entries, entry)
	if len(h.entries) > h.capacity {
		h.entries = h.entries[len(h.entries)-h.capacity:]
	}
	h.mu.Unlock()
	return nil
}

// WithAttrs implements slog.Handler. The returned handler shares the ring.
func (h *RingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	clone := &RingHandler{
		entries:  h.entries,
		capacity: h.capacity,
		level:    h.level,
	}
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return clone
}

// WithGroup implements slog.Handler. Groups are flattened.
func (h *RingHandler) WithGroup(string) slog.Handler {
	return h
}

// Entries returns up to limit of the most recent records, oldest first.
// limit <= 0 returns everything retained.
func (h *RingHandler) Entries(limit int) []LogEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := len(h.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]LogEntry, n)
	copy(out, h.entries[len(h.entries)-n:])
	return out
}

// Len returns the number of retained records.
func (h *RingHandler) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// MultiHandler fans each record out to every child handler.
type MultiHandler struct {
	handlers []slog.Handler
}

// NewMultiHandler creates a handler that duplicates records across handlers.
func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

// Enabled implements slog.Handler.
func (m *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle implements slog.Handler.
func (m *MultiHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WithAttrs implements slog.Handler.
func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: handlers}
}

// WithGroup implements slog.Handler.
func (m *MultiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &MultiHandler{handlers: handlers}
}

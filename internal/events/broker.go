// Package events fans named gateway events out to SSE subscribers.
// The proxy publishes pool-status snapshots and request lifecycle
// messages; dashboard clients subscribe and render them live. A slow
// subscriber loses messages rather than stalling the publisher.
package events

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/zgate-dev/zgate/internal/metrics"
	"github.com/zgate-dev/zgate/internal/observability"
)

// SchemaVersion identifies the event envelope layout.
const SchemaVersion = 1

// Event types published by the gateway.
const (
	TypePoolStatus      = "pool-status"
	TypeRequestStart    = "request-start"
	TypeRequestComplete = "request-complete"
)

// Message is one published event, marshaled once and shared by every
// subscriber. Data holds the complete envelope JSON.
type Message struct {
	Seq  uint64
	Type string
	Data []byte
}

// WriteSSE writes the message as a single server-sent-events frame.
func (m Message) WriteSSE(w io.Writer) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", m.Seq, m.Type, m.Data)
	return err
}

// Config controls broker behavior.
type Config struct {
	// BufferSize is the per-subscriber channel depth. A subscriber whose
	// buffer is full misses messages until it drains.
	BufferSize int
}

func (c *Config) setDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
}

// Broker delivers published events to every subscriber without blocking.
type Broker struct {
	logger   *slog.Logger
	redactor *observability.Redactor
	buffer   int
	nowFunc  func() time.Time

	mu          sync.Mutex
	subscribers map[int]chan Message
	nextSubID   int
	seq         uint64
	published   uint64
	dropped     uint64
	closed      bool
}

// NewBroker creates an event broker. The redactor, when non-nil, is applied
// to every payload before marshaling.
func NewBroker(cfg Config, redactor *observability.Redactor, logger *slog.Logger) *Broker {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		logger:      logger.With("component", "events"),
		redactor:    redactor,
		buffer:      cfg.BufferSize,
		nowFunc:     time.Now,
		subscribers: make(map[int]chan Message),
	}
}

// Publish wraps payload in the event envelope and delivers it to every
// subscriber. Envelope fields (seq, ts, schemaVersion, type) overwrite
// colliding payload keys.
func (b *Broker) Publish(eventType string, payload map[string]any) {
	envelope := make(map[string]any, len(payload)+4)
	for k, v := range payload {
		envelope[k] = v
	}
	if b.redactor != nil {
		envelope = b.redactor.RedactMap(envelope)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.seq++
	envelope["seq"] = b.seq
	envelope["ts"] = b.nowFunc().UTC().Format(time.RFC3339Nano)
	envelope["schemaVersion"] = SchemaVersion
	envelope["type"] = eventType

	// Marshal and fan out under the same lock so every subscriber sees
	// seq strictly ascending.
	data, err := json.Marshal(envelope)
	if err != nil {
		b.mu.Unlock()
		b.logger.Warn("dropping unencodable event", "type", eventType, "error", err)
		return
	}
	msg := Message{Seq: b.seq, Type: eventType, Data: data}
	b.published++
	var full int
	for _, ch := range b.subscribers {
		select {
		case ch <- msg:
		default:
			full++
		}
	}
	b.dropped += uint64(full)
	b.mu.Unlock()

	metrics.EventsEmitted.WithLabelValues(eventType).Inc()
	if full > 0 {
		b.logger.Debug("dropped event for slow subscribers", "type", eventType, "subscribers", full)
	}
}

// Subscribe registers a subscriber and returns its channel plus a cancel
// function. The channel closes when cancel runs, ctx ends, or the broker
// shuts down. Cancel is idempotent.
func (b *Broker) Subscribe(ctx context.Context) (<-chan Message, func()) {
	ch := make(chan Message, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.nextSubID++
	id := b.nextSubID
	b.subscribers[id] = ch
	count := len(b.subscribers)
	b.mu.Unlock()

	metrics.EventStreamClients.Set(float64(count))
	b.logger.Debug("subscriber connected", "subscribers", count)

	cancel := func() { b.unsubscribe(id) }
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return ch, cancel
}

func (b *Broker) unsubscribe(id int) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	count := len(b.subscribers)
	b.mu.Unlock()
	if !ok {
		return
	}

	// The channel left the map under the lock, so no publish can still
	// reach it.
	close(ch)
	metrics.EventStreamClients.Set(float64(count))
	b.logger.Debug("subscriber disconnected", "subscribers", count)
}

// Close shuts the broker down and closes every subscriber channel. Later
// publishes are dropped; later subscribes receive an already-closed channel.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subscribers
	b.subscribers = make(map[int]chan Message)
	b.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
	metrics.EventStreamClients.Set(0)
	b.logger.Info("event broker closed", "subscribers", len(subs))
}

// Stats reports broker counters for status surfaces.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	LastSeq     uint64 `json:"lastSeq"`
}

// Stats returns a snapshot of the broker counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Subscribers: len(b.subscribers),
		Published:   b.published,
		Dropped:     b.dropped,
		LastSeq:     b.seq,
	}
}

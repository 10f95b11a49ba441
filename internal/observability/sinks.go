package observability

import (
	"context"
	"time"
)

// UsageRecord is one completed client request, shaped for export sinks.
// Credential identifiers must already be masked.
type UsageRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	RequestID      string    `json:"request_id"`
	Model          string    `json:"model"`
	RequestedModel string    `json:"requested_model,omitempty"`
	Tier           string    `json:"tier,omitempty"`
	KeyID          string    `json:"key_id,omitempty"`
	Tenant         string    `json:"tenant,omitempty"`
	Outcome        string    `json:"outcome"`
	StatusCode     int       `json:"status_code"`
	Stream         bool      `json:"stream"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	CostUSD        float64   `json:"cost_usd"`
	LatencyMs      int64     `json:"latency_ms"`
	Retries        int       `json:"retries,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// UsageSink receives completed-request records. Implementations must not
// block the request path; buffer and flush in the background.
type UsageSink interface {
	// Name identifies the sink in logs.
	Name() string

	// Record accepts one completed request.
	Record(ctx context.Context, rec *UsageRecord) error

	// Shutdown flushes buffered records and releases resources.
	Shutdown(ctx context.Context) error
}

// SinkSet fans records out to every registered sink. A failing sink is
// logged and skipped; it never fails the request.
type SinkSet struct {
	sinks  []UsageSink
	logger *Logger
}

// NewSinkSet creates an empty sink set.
func NewSinkSet(logger *Logger) *SinkSet {
	if logger == nil {
		logger = NewLogger(LoggerConfig{JSONFormat: true}, nil)
	}
	return &SinkSet{logger: logger}
}

// Register adds a sink.
func (s *SinkSet) Register(sink UsageSink) {
	s.sinks = append(s.sinks, sink)
}

// Len returns the number of registered sinks.
func (s *SinkSet) Len() int {
	return len(s.sinks)
}

// Record delivers one record to every sink.
func (s *SinkSet) Record(ctx context.Context, rec *UsageRecord) {
	for _, sink := range s.sinks {
		if err := sink.Record(ctx, rec); err != nil {
			s.logger.Error("usage sink record failed", "sink", sink.Name(), "error", err)
		}
	}
}

// Shutdown shuts down all sinks, returning the first error.
func (s *SinkSet) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.Shutdown(ctx); err != nil {
			s.logger.Error("usage sink shutdown failed", "sink", sink.Name(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

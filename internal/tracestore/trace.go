// Package tracestore retains recent request traces in a bounded ring.
// A trace is built by the single goroutine serving its request and
// becomes immutable once ended, so readers share trace pointers safely.
package tracestore

import (
	"time"

	"github.com/google/uuid"
)

// Trace statuses.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusError   = "error"
)

// Trace records one client request end to end.
type Trace struct {
	TraceID       string     `json:"traceId"`
	RequestID     string     `json:"requestId"`
	Method        string     `json:"method"`
	Path          string     `json:"path"`
	StartedAt     time.Time  `json:"startedAt"`
	EndedAt       time.Time  `json:"endedAt"`
	Attempts      []*Attempt `json:"attempts"`
	Status        string     `json:"status"`
	StatusCode    int        `json:"statusCode"`
	MappedModel   string     `json:"mappedModel,omitempty"`
	OriginalModel string     `json:"originalModel,omitempty"`
	KeyIndex      int        `json:"keyIndex"`
	LatencyMs     int64      `json:"latencyMs"`
	Error         string     `json:"error,omitempty"`
}

// Attempt is one upstream try within a trace.
type Attempt struct {
	AttemptNumber int       `json:"attemptNumber"`
	Spans         []Span    `json:"spans"`
	ErrorType     string    `json:"errorType,omitempty"`
	Retried       bool      `json:"retried,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	EndedAt       time.Time `json:"endedAt"`
}

// Span is one timed interval within an attempt.
type Span struct {
	Type       string         `json:"type"`
	StartedAt  time.Time      `json:"startedAt"`
	EndedAt    time.Time      `json:"endedAt"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Begin starts a trace. An empty requestID gets a generated one.
func Begin(requestID, method, path string) *Trace {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return &Trace{
		TraceID:   uuid.NewString(),
		RequestID: requestID,
		Method:    method,
		Path:      path,
		StartedAt: time.Now(),
		Status:    StatusPending,
		KeyIndex:  -1,
	}
}

// StartAttempt appends a new attempt and returns it for span recording.
func (t *Trace) StartAttempt() *Attempt {
	a := &Attempt{
		AttemptNumber: len(t.Attempts),
		StartedAt:     time.Now(),
	}
	t.Attempts = append(t.Attempts, a)
	return a
}

// End closes the trace. A non-empty errMsg marks it failed. Calling End
// again is a no-op; the first outcome wins.
func (t *Trace) End(statusCode int, errMsg string) {
	if t.Status != StatusPending {
		return
	}
	t.EndedAt = time.Now()
	t.LatencyMs = t.EndedAt.Sub(t.StartedAt).Milliseconds()
	t.StatusCode = statusCode
	if errMsg != "" {
		t.Error = errMsg
		t.Status = StatusError
	} else {
		t.Status = StatusSuccess
	}
}

func (t *Trace) Ended() bool {
	return t.Status != StatusPending
}

func (t *Trace) Success() bool {
	return t.Status == StatusSuccess
}

// HasRetries reports whether the request needed more than one attempt.
func (t *Trace) HasRetries() bool {
	if len(t.Attempts) > 1 {
		return true
	}
	for _, a := range t.Attempts {
		if a.Retried {
			return true
		}
	}
	return false
}

// End closes the attempt with its outcome. retried marks that another
// attempt followed this one.
func (a *Attempt) End(errType string, retried bool) {
	a.EndedAt = time.Now()
	a.ErrorType = errType
	a.Retried = retried
}

// AddSpan records a timed interval on the attempt.
func (a *Attempt) AddSpan(typ string, startedAt, endedAt time.Time, attrs map[string]any) {
	a.Spans = append(a.Spans, Span{
		Type:       typ,
		StartedAt:  startedAt,
		EndedAt:    endedAt,
		Attributes: attrs,
	})
}

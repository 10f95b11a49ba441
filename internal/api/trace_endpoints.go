package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/zgate-dev/zgate/internal/tracestore"
)

const defaultRequestListLimit = 50

func (s *Server) requireTraces(w http.ResponseWriter) bool {
	if s.traces == nil {
		s.writeError(w, http.StatusNotFound, "trace store not configured")
		return false
	}
	return true
}

// handleTraceDump serves the bounded export with ring bookkeeping.
func (s *Server) handleTraceDump(w http.ResponseWriter, r *http.Request) {
	if !s.requireTraces(w) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.traces.Dump(parseIntParam(r, "limit", 0)))
}

func (s *Server) handleTraceByID(w http.ResponseWriter, r *http.Request) {
	if !s.requireTraces(w) {
		return
	}
	trace, ok := s.traces.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	s.writeJSON(w, http.StatusOK, trace)
}

// requestSummary is the compact per-request row for listings. Detail
// lives behind /requests/{id}.
type requestSummary struct {
	RequestID     string    `json:"requestId"`
	TraceID       string    `json:"traceId"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	Status        string    `json:"status"`
	StatusCode    int       `json:"statusCode"`
	OriginalModel string    `json:"originalModel,omitempty"`
	MappedModel   string    `json:"mappedModel,omitempty"`
	Attempts      int       `json:"attempts"`
	KeyIndex      int       `json:"keyIndex"`
	LatencyMs     int64     `json:"latencyMs"`
	StartedAt     time.Time `json:"startedAt"`
	Error         string    `json:"error,omitempty"`
}

func summarize(traces []*tracestore.Trace) []requestSummary {
	out := make([]requestSummary, 0, len(traces))
	for _, t := range traces {
		out = append(out, requestSummary{
			RequestID:     t.RequestID,
			TraceID:       t.TraceID,
			Method:        t.Method,
			Path:          t.Path,
			Status:        t.Status,
			StatusCode:    t.StatusCode,
			OriginalModel: t.OriginalModel,
			MappedModel:   t.MappedModel,
			Attempts:      len(t.Attempts),
			KeyIndex:      t.KeyIndex,
			LatencyMs:     t.LatencyMs,
			StartedAt:     t.StartedAt,
			Error:         t.Error,
		})
	}
	return out
}

func (s *Server) handleRequestList(w http.ResponseWriter, r *http.Request) {
	if !s.requireTraces(w) {
		return
	}
	summaries := summarize(s.traces.Recent(parseIntParam(r, "limit", defaultRequestListLimit)))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"requests": summaries,
		"count":    len(summaries),
		"total":    s.traces.Len(),
	})
}

// handleRequestSearch filters the ring on query parameters: success,
// model, hasRetries, minDurationMs, sinceMs (unix millis), limit.
func (s *Server) handleRequestSearch(w http.ResponseWriter, r *http.Request) {
	if !s.requireTraces(w) {
		return
	}
	q := r.URL.Query()
	filter := tracestore.Filter{
		Model: q.Get("model"),
		Limit: parseIntParam(r, "limit", defaultRequestListLimit),
	}
	if raw := q.Get("success"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "success must be true or false")
			return
		}
		filter.Success = &v
	}
	if raw := q.Get("hasRetries"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "hasRetries must be true or false")
			return
		}
		filter.HasRetries = &v
	}
	if ms := parseIntParam(r, "minDurationMs", 0); ms > 0 {
		filter.MinDuration = time.Duration(ms) * time.Millisecond
	}
	if raw := q.Get("sinceMs"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "sinceMs must be unix milliseconds")
			return
		}
		filter.Since = time.UnixMilli(ms)
	}

	summaries := summarize(s.traces.Query(filter))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"requests": summaries,
		"count":    len(summaries),
	})
}

func (s *Server) handleRequestByID(w http.ResponseWriter, r *http.Request) {
	if !s.requireTraces(w) {
		return
	}
	id := r.PathValue("id")
	trace, ok := s.traces.GetByRequestID(id)
	if !ok {
		// Dashboards link by either id; fall back to the trace id.
		trace, ok = s.traces.Get(id)
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "request not found")
		return
	}
	s.writeJSON(w, http.StatusOK, trace)
}

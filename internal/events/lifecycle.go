package events

import (
	"github.com/zgate-dev/zgate/internal/tracestore"
)

// RequestStartPayload announces an accepted request. The trace's original
// model is included when already known.
func RequestStartPayload(tr *tracestore.Trace) map[string]any {
	payload := map[string]any{
		"requestId": tr.RequestID,
		"traceId":   tr.TraceID,
		"method":    tr.Method,
		"path":      tr.Path,
	}
	if tr.OriginalModel != "" {
		payload["model"] = tr.OriginalModel
	}
	return payload
}

// RequestCompletePayload summarizes a finished trace for the event stream.
func RequestCompletePayload(tr *tracestore.Trace) map[string]any {
	payload := map[string]any{
		"requestId":  tr.RequestID,
		"traceId":    tr.TraceID,
		"status":     tr.Status,
		"statusCode": tr.StatusCode,
		"latencyMs":  tr.LatencyMs,
		"attempts":   len(tr.Attempts),
	}
	if tr.MappedModel != "" {
		payload["model"] = tr.MappedModel
	}
	if tr.OriginalModel != "" && tr.OriginalModel != tr.MappedModel {
		payload["originalModel"] = tr.OriginalModel
	}
	if tr.Error != "" {
		payload["error"] = tr.Error
	}
	return payload
}

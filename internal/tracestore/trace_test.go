package tracestore

import (
	"testing"
	"time"
)

func TestBegin_Defaults(t *testing.T) {
	tr := Begin("", "POST", "/v1/messages")
	if tr.TraceID == "" || tr.RequestID == "" {
		t.Fatalf("ids not generated: %+v", tr)
	}
	if tr.TraceID == tr.RequestID {
		t.Error("trace and request ids should be distinct")
	}
	if tr.Status != StatusPending || tr.Ended() {
		t.Errorf("new trace status = %s", tr.Status)
	}
	if tr.KeyIndex != -1 {
		t.Errorf("keyIndex = %d, want -1", tr.KeyIndex)
	}

	other := Begin("req-abc", "GET", "/health")
	if other.RequestID != "req-abc" {
		t.Errorf("supplied request id replaced with %s", other.RequestID)
	}
}

func TestTrace_EndIsFinal(t *testing.T) {
	tr := Begin("", "POST", "/v1/messages")
	tr.End(200, "")

	if !tr.Ended() || !tr.Success() {
		t.Fatalf("ended trace: status=%s", tr.Status)
	}
	if tr.StatusCode != 200 {
		t.Errorf("statusCode = %d", tr.StatusCode)
	}
	if tr.LatencyMs < 0 {
		t.Errorf("latency = %d", tr.LatencyMs)
	}
	if tr.EndedAt.Before(tr.StartedAt) {
		t.Error("endedAt before startedAt")
	}

	tr.End(500, "boom")
	if tr.Status != StatusSuccess || tr.StatusCode != 200 || tr.Error != "" {
		t.Fatalf("second End mutated the trace: %+v", tr)
	}
}

func TestTrace_EndFailure(t *testing.T) {
	tr := Begin("", "POST", "/v1/messages")
	tr.End(504, "Gateway timeout")

	if tr.Status != StatusError || tr.Success() {
		t.Fatalf("status = %s", tr.Status)
	}
	if tr.Error != "Gateway timeout" || tr.StatusCode != 504 {
		t.Fatalf("outcome = %q / %d", tr.Error, tr.StatusCode)
	}
}

func TestTrace_AttemptsAndSpans(t *testing.T) {
	tr := Begin("", "POST", "/v1/messages")

	first := tr.StartAttempt()
	start := time.Now()
	first.AddSpan("upstream_request", start, start.Add(20*time.Millisecond), map[string]any{
		"model": "glm-4.7",
	})
	first.End("rate_limited", true)

	second := tr.StartAttempt()
	second.End("", false)
	tr.End(200, "")

	if len(tr.Attempts) != 2 {
		t.Fatalf("attempts = %d", len(tr.Attempts))
	}
	if tr.Attempts[0].AttemptNumber != 0 || tr.Attempts[1].AttemptNumber != 1 {
		t.Errorf("attempt numbering: %d, %d", tr.Attempts[0].AttemptNumber, tr.Attempts[1].AttemptNumber)
	}
	if !tr.Attempts[0].Retried || tr.Attempts[0].ErrorType != "rate_limited" {
		t.Errorf("first attempt = %+v", tr.Attempts[0])
	}
	if len(first.Spans) != 1 || first.Spans[0].Type != "upstream_request" {
		t.Fatalf("spans = %+v", first.Spans)
	}
	if first.Spans[0].Attributes["model"] != "glm-4.7" {
		t.Errorf("span attributes = %v", first.Spans[0].Attributes)
	}
}

func TestTrace_HasRetries(t *testing.T) {
	single := Begin("", "POST", "/v1/messages")
	single.StartAttempt().End("", false)
	if single.HasRetries() {
		t.Error("one clean attempt counted as retried")
	}

	multi := Begin("", "POST", "/v1/messages")
	multi.StartAttempt()
	multi.StartAttempt()
	if !multi.HasRetries() {
		t.Error("two attempts not counted as retried")
	}

	flagged := Begin("", "POST", "/v1/messages")
	flagged.StartAttempt().End("socket_hangup", true)
	if !flagged.HasRetries() {
		t.Error("retried flag ignored")
	}
}

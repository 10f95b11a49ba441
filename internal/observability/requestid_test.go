package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateRequestID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		id := GenerateRequestID()
		if len(id) != 36 {
			t.Fatalf("GenerateRequestID() = %q, want UUID form", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestRequestIDContextRoundTrip(t *testing.T) {
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("empty context yielded %q", got)
	}
	ctx := ContextWithRequestID(context.Background(), "req-42")
	if got := RequestIDFromContext(ctx); got != "req-42" {
		t.Errorf("RequestIDFromContext() = %q, want req-42", got)
	}
}

func TestGetOrCreateRequestID(t *testing.T) {
	ctx, id := GetOrCreateRequestID(context.Background())
	if id == "" {
		t.Fatal("no id minted for bare context")
	}
	if RequestIDFromContext(ctx) != id {
		t.Fatalf("minted id %q not attached to context", id)
	}
	_, again := GetOrCreateRequestID(ctx)
	if again != id {
		t.Errorf("second call minted %q, want existing %q", again, id)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		inbound string
		keep    bool
	}{
		{"mints when absent", "", false},
		{"keeps safe inbound", "trace-042.retry_1", true},
		{"replaces control characters", "bad id\nwith newline", false},
		{"replaces oversized", strings.Repeat("a", 200), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fromCtx string
			h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fromCtx = RequestIDFromContext(r.Context())
			}))
			req := httptest.NewRequest("GET", "/health", nil)
			if tt.inbound != "" {
				req.Header.Set(RequestIDHeader, tt.inbound)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			echoed := rec.Header().Get(RequestIDHeader)
			if echoed == "" || echoed != fromCtx {
				t.Fatalf("header id %q and context id %q must agree", echoed, fromCtx)
			}
			if tt.keep && echoed != tt.inbound {
				t.Errorf("safe inbound id %q replaced with %q", tt.inbound, echoed)
			}
			if !tt.keep && tt.inbound != "" && echoed == tt.inbound {
				t.Errorf("unsafe inbound id %q was kept", tt.inbound)
			}
		})
	}
}

func TestSanitizeRequestID(t *testing.T) {
	tests := []struct {
		in string
		ok bool
	}{
		{"abc-123_x.y", true},
		{"  padded  ", true},
		{"", false},
		{"has space", false},
		{"semi;colon", false},
		{strings.Repeat("b", maxRequestIDLen+1), false},
	}
	for _, tt := range tests {
		got, ok := sanitizeRequestID(tt.in)
		if ok != tt.ok {
			t.Errorf("sanitizeRequestID(%q) ok = %v, want %v", tt.in, ok, tt.ok)
		}
		if ok && got != strings.TrimSpace(tt.in) {
			t.Errorf("sanitizeRequestID(%q) = %q, want trimmed input", tt.in, got)
		}
	}
}

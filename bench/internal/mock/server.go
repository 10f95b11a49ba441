// Package mock provides a stand-in provider for load-testing the
// gateway without real credentials or spend. It speaks the
// Anthropic-shaped surface the gateway forwards to.
package mock

import (
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// Server simulates the upstream provider.
type Server struct {
	// Latency simulates provider processing time per request.
	Latency time.Duration

	// RateLimitRate is the probability of answering 429 (0.0 to 1.0).
	// Rate-limited answers carry Retry-After so the gateway's rotation
	// and cooldown paths get exercised under load.
	RateLimitRate float64

	// ErrorRate is the probability of answering 500 (0.0 to 1.0).
	ErrorRate float64

	// RequestCount tracks total requests handled.
	RequestCount atomic.Int64

	// RateLimited tracks injected 429 answers.
	RateLimited atomic.Int64
}

// NewServer creates a mock provider with default settings.
func NewServer() *Server {
	return &Server{
		Latency: 50 * time.Millisecond,
	}
}

type messagesRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Handler returns the provider's route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", s.handleMessages)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.RequestCount.Add(1)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}

	var req messagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	if s.Latency > 0 {
		time.Sleep(s.Latency)
	}

	if s.RateLimitRate > 0 && rand.Float64() < s.RateLimitRate {
		s.RateLimited.Add(1)
		w.Header().Set("Retry-After", "1")
		writeAPIError(w, http.StatusTooManyRequests, "rate_limit_error", "simulated rate limit")
		return
	}
	if s.ErrorRate > 0 && rand.Float64() < s.ErrorRate {
		writeAPIError(w, http.StatusInternalServerError, "api_error", "simulated provider failure")
		return
	}

	if req.Stream {
		s.writeStream(w, req)
		return
	}

	in := promptTokens(req.Messages)
	resp := map[string]any{
		"id":            fmt.Sprintf("msg_mock_%d", time.Now().UnixNano()),
		"type":          "message",
		"role":          "assistant",
		"model":         req.Model,
		"content":       []map[string]any{{"type": "text", "text": replyText}},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage":         map[string]int{"input_tokens": in, "output_tokens": 20},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

const replyText = "Mock reply for load testing. Real content would come from the provider."

func (s *Server) writeStream(w http.ResponseWriter, req messagesRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	frame := func(event string, data any) {
		payload, _ := json.Marshal(data)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
		flusher.Flush()
	}

	in := promptTokens(req.Messages)
	frame("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":      fmt.Sprintf("msg_mock_%d", time.Now().UnixNano()),
			"type":    "message",
			"role":    "assistant",
			"model":   req.Model,
			"content": []any{},
			"usage":   map[string]int{"input_tokens": in, "output_tokens": 1},
		},
	})
	frame("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]any{"type": "text", "text": ""},
	})
	for _, chunk := range strings.SplitAfter(replyText, " ") {
		frame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": chunk},
		})
		time.Sleep(5 * time.Millisecond)
	}
	frame("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
	frame("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": 20},
	})
	frame("message_stop", map[string]any{"type": "message_stop"})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	models := []string{"glm-4.7", "glm-4.6", "glm-4.5", "glm-4.5-air", "glm-4.5-flash"}
	data := make([]map[string]any, 0, len(models))
	for _, id := range models {
		data = append(data, map[string]any{"id": id, "type": "model"})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data, "has_more": false})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"request_count": s.RequestCount.Load(),
		"rate_limited":  s.RateLimited.Load(),
	})
}

func writeAPIError(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":  "error",
		"error": map[string]string{"type": kind, "message": msg},
	})
}

// promptTokens is a rough estimate, four characters per token.
func promptTokens(messages []message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 4
	}
	if total == 0 {
		total = 1
	}
	return total
}

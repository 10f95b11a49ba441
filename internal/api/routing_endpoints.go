package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/zgate-dev/zgate/internal/events"
	"github.com/zgate-dev/zgate/internal/router"
	"github.com/zgate-dev/zgate/pkg/anthropic"
)

// routingState is the full routing picture: the editable document plus
// the hashes the dashboard uses for change detection.
type routingState struct {
	Document    router.Document `json:"document"`
	ContentHash string          `json:"contentHash"`
	FileHash    string          `json:"fileHash,omitempty"`
	Path        string          `json:"path,omitempty"`
}

func (s *Server) requireRouter(w http.ResponseWriter) bool {
	if s.router == nil {
		s.writeError(w, http.StatusNotFound, "model routing not configured")
		return false
	}
	return true
}

func (s *Server) routingStateLocked() routingState {
	return routingState{
		Document:    s.router.Document(),
		ContentHash: s.router.ContentHash(),
		FileHash:    s.router.FileHash(),
		Path:        s.router.DocumentPath(),
	}
}

func (s *Server) handleRoutingGet(w http.ResponseWriter, r *http.Request) {
	if !s.requireRouter(w) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.routingStateLocked())
}

func (s *Server) handleRoutingPut(w http.ResponseWriter, r *http.Request) {
	if !s.requireRouter(w) {
		return
	}
	var doc router.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		s.writeErrorDetails(w, http.StatusBadRequest, "invalid routing document", "validation_error", err.Error())
		return
	}
	if _, err := s.router.UpdateDocument(doc); err != nil {
		s.writeErrorDetails(w, http.StatusBadRequest, "routing document rejected", "validation_error", err.Error())
		return
	}
	s.logger.Info("routing document updated", "version", s.router.Document().Version)
	s.writeJSON(w, http.StatusOK, s.routingStateLocked())
}

func (s *Server) handleRoutingReset(w http.ResponseWriter, r *http.Request) {
	if !s.requireRouter(w) {
		return
	}
	if _, err := s.router.Reset(r.Context()); err != nil {
		s.writeErrorDetails(w, http.StatusInternalServerError, "routing reset failed", "persist_error", err.Error())
		return
	}
	s.logger.Info("routing overrides and cooldowns cleared")
	s.writeJSON(w, http.StatusOK, s.routingStateLocked())
}

// handleRoutingTest dry-runs the classifier and selection on synthetic
// features built from query parameters. Nothing is recorded.
func (s *Server) handleRoutingTest(w http.ResponseWriter, r *http.Request) {
	if !s.requireRouter(w) {
		return
	}
	q := r.URL.Query()
	f := anthropic.Features{
		Model:        q.Get("model"),
		MessageCount: parseIntParam(r, "messages", 1),
		HasTools:     q.Get("tools") == "true",
		HasVision:    q.Get("vision") == "true",
		SystemLength: parseIntParam(r, "system_length", 0),
		MaxTokens:    parseIntParam(r, "max_tokens", 0),
	}
	decision := s.router.DryRun(f, router.SelectOptions{OverrideKey: q.Get("key")})
	s.writeJSON(w, http.StatusOK, map[string]any{
		"features": map[string]any{
			"model":        f.Model,
			"messageCount": f.MessageCount,
			"hasTools":     f.HasTools,
			"hasVision":    f.HasVision,
			"systemLength": f.SystemLength,
			"maxTokens":    f.MaxTokens,
		},
		"decision": decision,
	})
}

func (s *Server) handleOverridesGet(w http.ResponseWriter, r *http.Request) {
	if !s.requireRouter(w) {
		return
	}
	overrides := s.router.Overrides()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"overrides": overrides,
		"count":     len(overrides),
	})
}

// overrideRequest sets one key's override, or replaces the whole map
// when Overrides is present.
type overrideRequest struct {
	Key       string            `json:"key"`
	Model     string            `json:"model"`
	Overrides map[string]string `json:"overrides"`
}

func (s *Server) handleOverridesPut(w http.ResponseWriter, r *http.Request) {
	if !s.requireRouter(w) {
		return
	}
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorDetails(w, http.StatusBadRequest, "invalid override request", "validation_error", err.Error())
		return
	}

	var err error
	switch {
	case req.Overrides != nil:
		_, err = s.router.ReplaceOverrides(req.Overrides)
	case req.Key != "" && req.Model != "":
		_, err = s.router.SetOverride(req.Key, req.Model)
	default:
		s.writeError(w, http.StatusBadRequest, "override request needs key and model, or an overrides map")
		return
	}
	if err != nil {
		s.writeErrorDetails(w, http.StatusBadRequest, "override rejected", "validation_error", err.Error())
		return
	}
	s.handleOverridesGet(w, r)
}

func (s *Server) handleOverridesDelete(w http.ResponseWriter, r *http.Request) {
	if !s.requireRouter(w) {
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeError(w, http.StatusBadRequest, "key query parameter is required")
		return
	}
	if _, err := s.router.DeleteOverride(key); err != nil {
		s.writeErrorDetails(w, http.StatusInternalServerError, "override delete failed", "persist_error", err.Error())
		return
	}
	s.handleOverridesGet(w, r)
}

func (s *Server) handleCooldowns(w http.ResponseWriter, r *http.Request) {
	if !s.requireRouter(w) {
		return
	}
	cooldowns := s.router.ActiveCooldowns()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"cooldowns": cooldowns,
		"count":     len(cooldowns),
	})
}

// handleRoutingPools serves the same structure the pool-status SSE
// event carries so dashboards can render either source.
func (s *Server) handleRoutingPools(w http.ResponseWriter, r *http.Request) {
	if !s.requireRouter(w) {
		return
	}
	s.writeJSON(w, http.StatusOK, events.PoolStatusPayload(s.router.PoolSnapshots()))
}

// enableSafeRequest optionally replaces tiers and rules while turning
// routing on. Empty fields keep the live document's values.
type enableSafeRequest struct {
	Tiers map[router.Tier]router.TierConfig `json:"tiers"`
	Rules []router.Rule                     `json:"rules"`
}

func (s *Server) handleEnableSafe(w http.ResponseWriter, r *http.Request) {
	if !s.requireRouter(w) {
		return
	}
	var req enableSafeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeErrorDetails(w, http.StatusBadRequest, "invalid enable request", "validation_error", err.Error())
		return
	}
	if _, err := s.router.EnableSafe(req.Tiers, req.Rules); err != nil {
		s.writeErrorDetails(w, http.StatusBadRequest, "enable rejected", "validation_error", err.Error())
		return
	}
	s.logger.Info("routing enabled", "version", s.router.Document().Version)
	s.writeJSON(w, http.StatusOK, s.routingStateLocked())
}

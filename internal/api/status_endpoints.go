package api

import (
	"net/http"
	"time"

	"github.com/zgate-dev/zgate/internal/costs"
	"github.com/zgate-dev/zgate/internal/events"
	"github.com/zgate-dev/zgate/internal/keypool"
	"github.com/zgate-dev/zgate/internal/metrics"
	"github.com/zgate-dev/zgate/internal/observability"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": s.nowFunc().Sub(s.startedAt).Seconds(),
	})
}

// statsResponse is the aggregated counters snapshot. The request
// counters embed at the top level; subsystem snapshots hang off named
// keys so dashboards can pick what they render.
type statsResponse struct {
	metrics.Snapshot
	Keys           []keypool.KeySnapshot `json:"keys"`
	QueueDepth     int                   `json:"queueDepth"`
	PoolCooldownMs int64                 `json:"poolCooldownMs"`
	Total429       int64                 `json:"total429"`
	Routing        *routingStatus        `json:"routing,omitempty"`
	Events         *events.Stats         `json:"events,omitempty"`
	Traces         *traceStoreStatus     `json:"traces,omitempty"`
	Paused         bool                  `json:"paused"`
}

type routingStatus struct {
	Enabled     bool   `json:"enabled"`
	ShadowMode  bool   `json:"shadowMode"`
	Version     int    `json:"version"`
	ContentHash string `json:"contentHash"`
}

type traceStoreStatus struct {
	Size     int `json:"size"`
	Capacity int `json:"capacity"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{}
	if s.collector != nil {
		resp.Snapshot = s.collector.Snapshot()
	}
	if s.pool != nil {
		pool := s.pool.Snapshot()
		resp.Keys = pool.Keys
		resp.QueueDepth = pool.QueueDepth
		resp.PoolCooldownMs = pool.PoolCooldownMs
		resp.Total429 = pool.Total429
	}
	if s.router != nil {
		doc := s.router.Document()
		resp.Routing = &routingStatus{
			Enabled:     doc.Enabled,
			ShadowMode:  doc.ShadowMode,
			Version:     doc.Version,
			ContentHash: s.router.ContentHash(),
		}
	}
	if s.broker != nil {
		st := s.broker.Stats()
		resp.Events = &st
	}
	if s.traces != nil {
		resp.Traces = &traceStoreStatus{Size: s.traces.Len(), Capacity: s.traces.Capacity()}
	}
	if s.gate != nil {
		resp.Paused = s.gate.Paused()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		s.writeError(w, http.StatusNotFound, "stats collector not configured")
		return
	}
	minutes := parseIntParam(r, "minutes", 60)
	tier := r.URL.Query().Get("tier")
	s.writeJSON(w, http.StatusOK, s.collector.History(minutes, tier))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.ring == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"count": 0, "logs": []observability.LogEntry{}})
		return
	}
	limit := parseIntParam(r, "limit", 100)
	entries := s.ring.Entries(limit)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count": len(entries),
		"logs":  entries,
	})
}

// persistentStatsResponse carries the counters that survive restarts:
// the pool's per-key totals and the cost tracker's all-time spend.
type persistentStatsResponse struct {
	SchemaVersion int                `json:"schemaVersion"`
	GeneratedAt   time.Time          `json:"generatedAt"`
	Pool          *keypool.Totals    `json:"pool,omitempty"`
	Spend         *costs.PeriodStats `json:"spend,omitempty"`
}

func (s *Server) handlePersistentStats(w http.ResponseWriter, r *http.Request) {
	resp := persistentStatsResponse{
		SchemaVersion: 1,
		GeneratedAt:   s.nowFunc().UTC(),
	}
	if s.pool != nil {
		totals := s.pool.Totals()
		resp.Pool = &totals
	}
	if s.costs != nil {
		if stats, ok := s.costs.Stats(costs.PeriodTotal); ok {
			resp.Spend = &stats
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

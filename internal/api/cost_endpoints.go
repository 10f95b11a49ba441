package api

import (
	"net/http"

	"github.com/zgate-dev/zgate/internal/costs"
)

func (s *Server) requireCosts(w http.ResponseWriter) bool {
	if s.costs == nil {
		s.writeError(w, http.StatusNotFound, "cost tracking not configured")
		return false
	}
	return true
}

// costResponse is the full report plus per-key and per-tenant
// breakdowns. Key ids here are operator-assigned names, never
// credential material.
type costResponse struct {
	costs.Report
	ByKey    map[string]costs.PeriodUsage `json:"byKey"`
	ByTenant map[string]costs.PeriodUsage `json:"byTenant,omitempty"`
}

func (s *Server) handleCost(w http.ResponseWriter, r *http.Request) {
	if !s.requireCosts(w) {
		return
	}
	resp := costResponse{
		Report: s.costs.FullReport(),
		ByKey:  s.costs.CostByKey(),
	}
	if tenants := s.costs.TenantCosts(); len(tenants) > 0 {
		resp.ByTenant = tenants
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCostHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireCosts(w) {
		return
	}
	days := s.costs.History(parseIntParam(r, "days", 0))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"days":   days,
		"count":  len(days),
		"hourly": s.costs.TimeSeries(),
	})
}

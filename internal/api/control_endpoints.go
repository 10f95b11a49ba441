package api

import "net/http"

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if s.gate == nil {
		s.writeError(w, http.StatusNotFound, "control gate not configured")
		return
	}
	changed := s.gate.Pause()
	if changed {
		s.logger.Warn("proxy paused by operator")
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"paused":  true,
		"changed": changed,
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.gate == nil {
		s.writeError(w, http.StatusNotFound, "control gate not configured")
		return
	}
	changed := s.gate.Resume()
	if changed {
		s.logger.Info("proxy resumed by operator")
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"paused":  false,
		"changed": changed,
	})
}

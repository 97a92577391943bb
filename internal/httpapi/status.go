package httpapi

import (
	"net/http"
	"time"
)

type healthResponse struct {
	OK      bool   `json:"ok"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// handleHealth is GET /health: a liveness probe with no subsystem
// fan-out, safe to keep public.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{OK: true, Name: s.cfg.Name, Version: s.cfg.Version})
}

// handleStatus is GET /status: a fuller readiness view across the
// subsystems this deployment has wired in. Unlike /health this touches
// the outbox backend, so it is slower and, per spec.md §6, should not
// sit in the public-prefix bypass list in a production deployment unless
// operators accept the exposure.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startedAt)
	body := map[string]interface{}{
		"ok":               true,
		"name":             s.cfg.Name,
		"version":          s.cfg.Version,
		"uptime_seconds":   uptime.Seconds(),
		"outbox_backend":   s.supervisor.CurrentBackend(),
		"outbox_promoted":  s.supervisor.Promoted(),
		"task_queue":       s.taskStore != nil,
		"preferences":      s.prefStore != nil,
		"messaging":        s.interpreter != nil,
	}

	if summary, err := s.supervisor.Backend().Summary(r.Context()); err == nil {
		body["outbox_summary"] = summary
	}

	writeJSON(w, http.StatusOK, body)
}

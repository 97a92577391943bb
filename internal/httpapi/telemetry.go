package httpapi

import (
	"net/http"
	"time"

	"memoryorch/internal/apierr"
	"memoryorch/internal/outbox"
)

// handleFanoutSummary is GET /telemetry/fanout: the outbox's
// status/target summary plus the current backend name.
func (s *Server) handleFanoutSummary(w http.ResponseWriter, r *http.Request) {
	backend := s.supervisor.Backend()
	summary, err := backend.Summary(r.Context())
	if err != nil {
		writeError(w, apierr.Internal(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"summary":       summary,
		"backend":       s.supervisor.CurrentBackend(),
		"promoted":      s.supervisor.Promoted(),
	})
}

// handleFanoutDeadletters is GET /telemetry/fanout/deadletters: failed
// outbox rows, optionally scoped to one target.
func (s *Server) handleFanoutDeadletters(w http.ResponseWriter, r *http.Request) {
	target := outbox.Target(r.URL.Query().Get("target"))
	limit := parseLimit(r, 100)

	rows, err := s.supervisor.Backend().ListDeadletter(r.Context(), target, limit)
	if err != nil {
		writeError(w, apierr.Internal(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deadletters": rows})
}

type fanoutGCRequest struct {
	SucceededHours    int      `json:"succeeded_hours"`
	FailedHours       int      `json:"failed_hours"`
	StalePendingHours int      `json:"stale_pending_hours"`
	StaleTargets      []string `json:"stale_targets"`
}

// handleFanoutGC is POST /telemetry/fanout/gc: an on-demand outbox GC
// pass, using the request's overrides or the runner's configured defaults
// when a field is left at zero.
func (s *Server) handleFanoutGC(w http.ResponseWriter, r *http.Request) {
	var req fanoutGCRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	ret := s.cfg.Retention
	succeededAge := hoursOrDefault(req.SucceededHours, ret.SucceededHours)
	failedAge := hoursOrDefault(req.FailedHours, ret.FailedHours)
	staleAge := hoursOrDefault(req.StalePendingHours, ret.StalePendingHours)

	staleNames := req.StaleTargets
	if len(staleNames) == 0 {
		staleNames = ret.StaleTargets
	}
	staleTargets := make([]outbox.Target, 0, len(staleNames))
	for _, t := range staleNames {
		staleTargets = append(staleTargets, outbox.Target(t))
	}

	result, err := s.supervisor.Backend().GC(r.Context(), succeededAge, failedAge, staleAge, staleTargets)
	if err != nil {
		writeError(w, apierr.Internal(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "result": result, "warnings": []string{}})
}

func hoursOrDefault(hours, def int) time.Duration {
	if hours <= 0 {
		hours = def
	}
	return time.Duration(hours) * time.Hour
}

// handleRetentionStatus is GET /telemetry/retention: the most recent GC
// and sink-sweep outcomes.
func (s *Server) handleRetentionStatus(w http.ResponseWriter, r *http.Request) {
	gcResult, gcAt := s.gcRunner.LastResult()
	sweepResult := s.sweeper.LastResult()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"last_gc":        gcResult,
		"last_gc_at":     gcAt,
		"last_sweep":     sweepResult,
	})
}

// handleRetentionRun is POST /telemetry/retention/run: triggers one
// synchronous sink-sweep pass outside the sweeper's own ticker.
func (s *Server) handleRetentionRun(w http.ResponseWriter, r *http.Request) {
	result := s.sweeper.RunOnce(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "result": result, "warnings": []string{}})
}

type rollupFlushRequest struct {
	Force bool `json:"force"`
}

// handleRollupFlush is POST /telemetry/memory/rollups/flush: force-drains
// the high-frequency rollup buffer.
func (s *Server) handleRollupFlush(w http.ResponseWriter, r *http.Request) {
	var req rollupFlushRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	flushed, err := s.ingestHandler.FlushRollups(r.Context(), req.Force)
	if err != nil {
		writeError(w, apierr.Internal(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "result": map[string]int{"flushed": flushed}, "warnings": []string{}})
}

package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"memoryorch/internal/apierr"
	"memoryorch/internal/taskqueue"
)

func (s *Server) requireTaskStore(w http.ResponseWriter) bool {
	if s.taskStore == nil {
		writeError(w, apierr.Saturated("task queue is not enabled on this deployment"))
		return false
	}
	return true
}

type taskCreateRequest struct {
	Title       string          `json:"title"`
	Project     string          `json:"project"`
	Agent       string          `json:"agent"`
	Priority    int             `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	Action      string          `json:"action"`
	RunAfter    time.Time       `json:"run_after"`
	MaxAttempts int             `json:"max_attempts"`
}

// handleTaskCreate is POST /agents/tasks: spec.md §4.7's create().
func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	if !s.requireTaskStore(w) {
		return
	}
	var req taskCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Title == "" || req.Action == "" {
		writeError(w, apierr.Validation("title and action are required"))
		return
	}

	row, err := s.taskStore.Create(r.Context(), taskqueue.CreateParams{
		Title:       req.Title,
		Project:     req.Project,
		Agent:       req.Agent,
		Priority:    req.Priority,
		Payload:     req.Payload,
		Action:      taskqueue.Action(req.Action),
		RunAfter:    req.RunAfter,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		writeError(w, apierr.Validation(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

// handleTaskList is GET /agents/tasks: list by project and status.
func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	if !s.requireTaskStore(w) {
		return
	}
	project := r.URL.Query().Get("project")
	status := taskqueue.Status(r.URL.Query().Get("status"))
	limit := parseLimit(r, 100)

	rows, err := s.taskStore.ListByProject(r.Context(), project, status, limit)
	if err != nil {
		writeError(w, apierr.Internal(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": rows})
}

// handleTaskGet is GET /agents/tasks/{id}.
func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	if !s.requireTaskStore(w) {
		return
	}
	row, err := s.taskStore.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, apierr.NotFound("no such task: "+r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, row)
}

type taskStatusRequest struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// handleTaskUpdateStatus is POST /agents/tasks/{id}/status: spec.md
// §4.7's update_status().
func (s *Server) handleTaskUpdateStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireTaskStore(w) {
		return
	}
	var req taskStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Status == "" {
		writeError(w, apierr.Validation("status is required"))
		return
	}

	id := r.PathValue("id")
	if err := s.taskStore.UpdateStatus(r.Context(), id, taskqueue.Status(req.Status), req.Message, req.Result); err != nil {
		writeError(w, apierr.Validation(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "warnings": []string{}})
}

type taskApproveRequest struct {
	Approver string `json:"approver"`
	Note     string `json:"note"`
}

// handleTaskApprove is POST /agents/tasks/{id}/approve.
func (s *Server) handleTaskApprove(w http.ResponseWriter, r *http.Request) {
	if !s.requireTaskStore(w) {
		return
	}
	var req taskApproveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Approver == "" {
		writeError(w, apierr.Validation("approver is required"))
		return
	}

	id := r.PathValue("id")
	if err := s.taskStore.Approve(r.Context(), id, req.Approver, req.Note); err != nil {
		writeError(w, apierr.Validation(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "warnings": []string{}})
}

type taskReplayRequest struct {
	ResetAttempts bool `json:"reset_attempts"`
}

// handleTaskReplay is POST /agents/tasks/{id}/replay.
func (s *Server) handleTaskReplay(w http.ResponseWriter, r *http.Request) {
	if !s.requireTaskStore(w) {
		return
	}
	var req taskReplayRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	id := r.PathValue("id")
	if err := s.taskStore.Replay(r.Context(), id, req.ResetAttempts); err != nil {
		writeError(w, apierr.Validation(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "warnings": []string{}})
}

// handleTaskDeadletter is GET /agents/tasks/deadletter: spec.md §4.7's
// list_deadletter().
func (s *Server) handleTaskDeadletter(w http.ResponseWriter, r *http.Request) {
	if !s.requireTaskStore(w) {
		return
	}
	project := r.URL.Query().Get("project")
	limit := parseLimit(r, 100)

	rows, err := s.taskStore.ListDeadletter(r.Context(), project, limit)
	if err != nil {
		writeError(w, apierr.Internal(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": rows})
}

// handleTaskRuntime is GET /agents/tasks/runtime: spec.md §4.7's
// runtime_snapshot().
func (s *Server) handleTaskRuntime(w http.ResponseWriter, r *http.Request) {
	if !s.requireTaskStore(w) {
		return
	}
	snap, err := s.taskStore.RuntimeSnapshot(r.Context())
	if err != nil {
		writeError(w, apierr.Internal(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

package httpapi

import (
	"net/http"

	"memoryorch/internal/apierr"
	"memoryorch/internal/preference"
)

func (s *Server) requirePrefStore(w http.ResponseWriter) bool {
	if s.prefStore == nil {
		writeError(w, apierr.Saturated("preference store is not enabled on this deployment"))
		return false
	}
	return true
}

type feedbackCreateRequest struct {
	Project   string                 `json:"project"`
	UserID    string                 `json:"user_id"`
	Source    string                 `json:"source"`
	TaskID    string                 `json:"task_id"`
	Rating    int                    `json:"rating"`
	Sentiment string                 `json:"sentiment"`
	Tags      []string               `json:"tags"`
	Content   string                 `json:"content"`
	TopicPath string                 `json:"topic_path"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// handleFeedbackCreate is POST /feedback: spec.md §4.8's
// create_feedback().
func (s *Server) handleFeedbackCreate(w http.ResponseWriter, r *http.Request) {
	if !s.requirePrefStore(w) {
		return
	}
	var req feedbackCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	fb, err := s.prefStore.CreateFeedback(r.Context(), preference.CreateFeedbackParams{
		Project:   req.Project,
		UserID:    req.UserID,
		Source:    req.Source,
		TaskID:    req.TaskID,
		Rating:    req.Rating,
		Sentiment: req.Sentiment,
		Tags:      req.Tags,
		Content:   req.Content,
		TopicPath: req.TopicPath,
		Metadata:  req.Metadata,
	})
	if err != nil {
		writeError(w, apierr.Validation(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, fb)
}

// handleFeedbackList is GET /feedback: spec.md §4.8's list_feedback().
func (s *Server) handleFeedbackList(w http.ResponseWriter, r *http.Request) {
	if !s.requirePrefStore(w) {
		return
	}
	q := r.URL.Query()
	rows, err := s.prefStore.ListFeedback(r.Context(), q.Get("project"), q.Get("user_id"), q.Get("source"), parseLimit(r, 100))
	if err != nil {
		writeError(w, apierr.Internal(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"feedback": rows})
}

// handlePreferences is GET /preferences: spec.md §4.8's
// build_preference_context(), the same context retrieval's learning
// rerank consumes.
func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	if s.prefProvider == nil {
		writeError(w, apierr.Saturated("preference store is not enabled on this deployment"))
		return
	}
	q := r.URL.Query()
	userID := q.Get("user_id")
	project := q.Get("project")
	if userID == "" {
		writeError(w, apierr.Validation("user_id query parameter is required"))
		return
	}

	ctx, err := s.prefProvider.BuildContext(r.Context(), userID, project)
	if err != nil {
		writeError(w, apierr.Internal(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, ctx)
}

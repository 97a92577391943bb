package httpapi

import (
	"errors"
	"net/http"

	"memoryorch/internal/apierr"
	"memoryorch/internal/messaging"
)

type messagingCommandRequest struct {
	Channel       string `json:"channel"`
	SourceID      string `json:"source_id"`
	Text          string `json:"text"`
	Project       string `json:"project"`
	TopicPath     string `json:"topic_path"`
	UserID        string `json:"user_id"`
	RequirePrefix *bool  `json:"require_prefix"`
}

// handleMessagingCommand is POST /messaging/command: the HTTP front door
// for the same {channel, source_id, text} shape every chat surface
// funnels through, per spec.md §4.9.
func (s *Server) handleMessagingCommand(w http.ResponseWriter, r *http.Request) {
	if s.interpreter == nil {
		writeError(w, apierr.Saturated("messaging interpreter is not enabled on this deployment"))
		return
	}
	var req messagingCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Text == "" {
		writeError(w, apierr.Validation("text is required"))
		return
	}

	resp, err := s.interpreter.Handle(r.Context(), messaging.CommandRequest{
		Channel:       req.Channel,
		SourceID:      req.SourceID,
		Text:          req.Text,
		Project:       req.Project,
		TopicPath:     req.TopicPath,
		UserID:        req.UserID,
		RequirePrefix: req.RequirePrefix,
	})
	if err != nil {
		switch {
		case errors.Is(err, messaging.ErrSecretDetected):
			writeError(w, apierr.Validation("potential secret detected"))
		case errors.Is(err, messaging.ErrPrefixRequired), errors.Is(err, messaging.ErrUnknownCommand), errors.Is(err, messaging.ErrUnknownTaskSub):
			writeError(w, apierr.Validation(err.Error()))
		default:
			writeError(w, apierr.Internal(err.Error()))
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

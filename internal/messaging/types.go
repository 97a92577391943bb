// Package messaging implements spec.md §4.9's command interpreter: the
// messaging surface (Telegram/Slack/custom channels, out of scope
// themselves per spec.md's Non-goals) all funnel through one
// {channel, source_id, text} shape, and this package turns that text into
// remember/recall/status/task/help actions. Grounded on
// original_source/services/orchestrator's _execute_messaging_command and
// on original_source/scripts/agent_orchestration.py's name-keyed
// runner-dispatch idiom, reused here for the task <sub> switch.
package messaging

import (
	"encoding/json"
	"fmt"
)

var (
	ErrPrefixRequired = fmt.Errorf("messaging: mention prefix required")
	ErrUnknownCommand = fmt.Errorf("messaging: unknown command")
	ErrUnknownTaskSub = fmt.Errorf("messaging: unknown task sub-command")
	ErrSecretDetected = fmt.Errorf("messaging: potential secret detected")
)

// CommandRequest is one inbound messaging command, consumed by
// Interpreter.Handle.
type CommandRequest struct {
	Channel       string
	SourceID      string
	Text          string
	Project       string
	TopicPath     string
	UserID        string
	RequirePrefix *bool // overrides MessagingConfig.RequirePrefix for this request
}

// CommandResponse is the rendered reply: a short text line plus an
// optional structured result payload. On strict surfaces both fields pass
// through secret redaction before being returned to the caller.
type CommandResponse struct {
	Text   string          `json:"text"`
	Result json.RawMessage `json:"result,omitempty"`
}

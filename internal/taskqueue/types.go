// Package taskqueue implements the durable task queue from spec.md §4.7:
// create/claim/approve/retry/replay over a leased SQL-backed queue, with
// an internal worker pool dispatching allowlisted actions. Grounded on
// internal/outbox's claim/lease/retry shape (itself grounded on the
// teacher's reflection_worker.go ticker loop) and on
// internal/core/shards/spawn_queue.go's priority/worker-class matching.
package taskqueue

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is a TaskRow's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusBlocked   Status = "blocked"
	StatusApproved  Status = "approved"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// IsTerminal reports whether status is a final task state.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// Action is one of the allowlisted payload actions a task may carry.
type Action string

const (
	ActionMemoryWrite      Action = "memory_write"
	ActionMemorySearch     Action = "memory_search"
	ActionMessagingCommand Action = "messaging_command"
	ActionHTTPCallback     Action = "http_callback"
	ActionProviderChat     Action = "provider_chat"
)

// RiskLevel classifies an action for the approval gate.
type RiskLevel string

const (
	RiskLow  RiskLevel = "low"
	RiskHigh RiskLevel = "high"
)

// highRiskActions require approval by default: both reach outside the
// process (an arbitrary HTTP host, an external chat-completion
// provider), unlike memory_write/memory_search/messaging_command which
// only touch this process's own stores.
var highRiskActions = map[Action]bool{
	ActionHTTPCallback: true,
	ActionProviderChat: true,
}

// ClassifyRisk derives a RiskLevel from an action.
func ClassifyRisk(action Action) RiskLevel {
	if highRiskActions[action] {
		return RiskHigh
	}
	return RiskLow
}

// WorkerClass distinguishes internal (in-process) workers from external
// (agent/operator-driven) claimants for spec.md §4.7's agent-affinity
// matching rule.
type WorkerClass string

const (
	WorkerInternal WorkerClass = "internal"
	WorkerExternal WorkerClass = "external"
)

// Worker identifies a claimant for MatchesAgent.
type Worker struct {
	Name  string
	Class WorkerClass
}

// TaskRow is one queued unit of work.
type TaskRow struct {
	ID               string
	Title            string
	Status           Status
	Project          string
	Agent            string // "", "any", "internal", "external", or an exact agent name
	Priority         int
	Payload          json.RawMessage
	ActionType       Action
	RiskLevel        RiskLevel
	ApprovalRequired bool
	Approved         bool
	Approver         string
	RunAfter         time.Time
	Attempts         int
	MaxAttempts      int
	LeaseExpiresAt   time.Time
	ClaimedBy        string
	LastError        string
	Result           json.RawMessage
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      time.Time
}

// MatchesAgent implements spec.md §4.7's claim_next matching rules:
// unassigned/"any" tasks match any worker; "internal"/"external" tasks
// match only that worker class; anything else matches only a worker
// whose name equals the agent selector, case-insensitively.
func (t TaskRow) MatchesAgent(w Worker) bool {
	switch strings.ToLower(t.Agent) {
	case "", "any":
		return true
	case "internal":
		return w.Class == WorkerInternal
	case "external":
		return w.Class == WorkerExternal
	default:
		return strings.EqualFold(w.Name, t.Agent)
	}
}

// CreateParams is the input to Store.Create.
type CreateParams struct {
	Title       string
	Project     string
	Agent       string
	Priority    int
	Payload     json.RawMessage
	Action      Action
	RunAfter    time.Time
	MaxAttempts int
}

// RuntimeSnapshot is spec.md §4.7's runtime_snapshot() output.
type RuntimeSnapshot struct {
	CountByStatus       map[Status]int
	ReadyToRun          int
	OldestPendingRunAt  time.Time
	GeneratedAt         time.Time
}

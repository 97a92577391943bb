package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"memoryorch/internal/taskqueue"
)

const taskHelpText = "task commands: create title=... action=... [project=...] [agent=...] [priority=N] [payload=<json>], status <id>, approve <id> [note], replay <id> [reset], cancel <id>, list, deadletter, runtime, help"

// handleTask implements spec.md §4.9's "task <sub>" dispatch as a
// name-keyed switch over sub-verbs, grounded on
// original_source/scripts/agent_orchestration.py's runner-name dispatch
// shape rather than a generic command parser.
func (i *Interpreter) handleTask(ctx context.Context, req CommandRequest, args string) (CommandResponse, error) {
	if i.taskStore == nil {
		return CommandResponse{}, fmt.Errorf("messaging: task queue unavailable")
	}

	sub, rest := splitVerb(args)
	switch sub {
	case "create":
		return i.taskCreate(ctx, req, rest)
	case "status":
		return i.taskStatus(ctx, rest)
	case "approve":
		return i.taskApprove(ctx, req, rest)
	case "replay":
		return i.taskReplay(ctx, rest)
	case "cancel":
		return i.taskCancel(ctx, rest)
	case "list":
		return i.taskList(ctx, req)
	case "deadletter":
		return i.taskDeadletter(ctx, req)
	case "runtime":
		return i.taskRuntime(ctx)
	case "", "help":
		return CommandResponse{Text: taskHelpText}, nil
	default:
		return CommandResponse{}, fmt.Errorf("%w: %q", ErrUnknownTaskSub, sub)
	}
}

func (i *Interpreter) taskCreate(ctx context.Context, req CommandRequest, rest string) (CommandResponse, error) {
	params, err := parseCreateArgs(rest)
	if err != nil {
		return CommandResponse{}, err
	}
	if params.Project == "" {
		params.Project = req.Project
	}

	task, err := i.taskStore.Create(ctx, params)
	if err != nil {
		return CommandResponse{}, err
	}
	return CommandResponse{Text: fmt.Sprintf("task %s created (%s)", task.ID, task.Status), Result: marshalResult(task)}, nil
}

func (i *Interpreter) taskStatus(ctx context.Context, rest string) (CommandResponse, error) {
	id := strings.TrimSpace(rest)
	if id == "" {
		return CommandResponse{}, fmt.Errorf("messaging: task status requires a task id")
	}
	task, err := i.taskStore.Get(ctx, id)
	if err != nil {
		return CommandResponse{}, err
	}
	return CommandResponse{Text: fmt.Sprintf("task %s: %s", task.ID, task.Status), Result: marshalResult(task)}, nil
}

func (i *Interpreter) taskApprove(ctx context.Context, req CommandRequest, rest string) (CommandResponse, error) {
	id, note := splitVerb(rest)
	if id == "" {
		return CommandResponse{}, fmt.Errorf("messaging: task approve requires a task id")
	}
	if err := i.taskStore.Approve(ctx, id, req.UserID, note); err != nil {
		return CommandResponse{}, err
	}
	return CommandResponse{Text: fmt.Sprintf("task %s approved", id)}, nil
}

func (i *Interpreter) taskReplay(ctx context.Context, rest string) (CommandResponse, error) {
	id, flag := splitVerb(rest)
	if id == "" {
		return CommandResponse{}, fmt.Errorf("messaging: task replay requires a task id")
	}
	reset := strings.EqualFold(strings.TrimSpace(flag), "reset")
	if err := i.taskStore.Replay(ctx, id, reset); err != nil {
		return CommandResponse{}, err
	}
	return CommandResponse{Text: fmt.Sprintf("task %s replayed", id)}, nil
}

func (i *Interpreter) taskCancel(ctx context.Context, rest string) (CommandResponse, error) {
	id := strings.TrimSpace(rest)
	if id == "" {
		return CommandResponse{}, fmt.Errorf("messaging: task cancel requires a task id")
	}
	if err := i.taskStore.UpdateStatus(ctx, id, taskqueue.StatusCanceled, "canceled via messaging", nil); err != nil {
		return CommandResponse{}, err
	}
	return CommandResponse{Text: fmt.Sprintf("task %s canceled", id)}, nil
}

func (i *Interpreter) taskList(ctx context.Context, req CommandRequest) (CommandResponse, error) {
	tasks, err := i.taskStore.ListByProject(ctx, req.Project, "", 10)
	if err != nil {
		return CommandResponse{}, err
	}
	return CommandResponse{Text: fmt.Sprintf("%d tasks", len(tasks)), Result: marshalResult(tasks)}, nil
}

func (i *Interpreter) taskDeadletter(ctx context.Context, req CommandRequest) (CommandResponse, error) {
	tasks, err := i.taskStore.ListDeadletter(ctx, req.Project, 10)
	if err != nil {
		return CommandResponse{}, err
	}
	return CommandResponse{Text: fmt.Sprintf("%d deadlettered tasks", len(tasks)), Result: marshalResult(tasks)}, nil
}

func (i *Interpreter) taskRuntime(ctx context.Context) (CommandResponse, error) {
	snap, err := i.taskStore.RuntimeSnapshot(ctx)
	if err != nil {
		return CommandResponse{}, err
	}
	return CommandResponse{Text: "runtime snapshot", Result: marshalResult(snap)}, nil
}

// parseCreateArgs parses "key=value" tokens for title/project/agent/
// priority/action, with a trailing "payload=<json>" taking the rest of
// the string so the JSON payload itself can contain spaces. Tokens
// without "=" that follow title= are appended to the title, so a title
// may span several words.
func parseCreateArgs(rest string) (taskqueue.CreateParams, error) {
	var p taskqueue.CreateParams

	fields := rest
	var payloadStr string
	if idx := strings.Index(rest, "payload="); idx >= 0 {
		payloadStr = strings.TrimSpace(rest[idx+len("payload="):])
		fields = rest[:idx]
	}

	inTitle := false
	for _, tok := range strings.Fields(fields) {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			if inTitle {
				p.Title += " " + tok
			}
			continue
		}
		key, val := kv[0], kv[1]
		inTitle = key == "title"
		switch key {
		case "title":
			p.Title = val
		case "project":
			p.Project = val
		case "agent":
			p.Agent = val
		case "priority":
			if n, err := strconv.Atoi(val); err == nil {
				p.Priority = n
			}
		case "action":
			p.Action = taskqueue.Action(val)
		}
	}

	if p.Title == "" {
		return p, fmt.Errorf("messaging: task create requires title=")
	}
	if p.Action == "" {
		return p, fmt.Errorf("messaging: task create requires action=")
	}
	if payloadStr == "" {
		payloadStr = "{}"
	}
	if !json.Valid([]byte(payloadStr)) {
		return p, fmt.Errorf("messaging: task create payload is not valid json")
	}
	p.Payload = json.RawMessage(payloadStr)
	return p, nil
}

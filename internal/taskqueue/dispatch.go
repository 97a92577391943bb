package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// MemoryWriter is the narrow slice of ingest.Handler a memory_write
// action dispatches to.
type MemoryWriter interface {
	HandleTaskPayload(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// MemorySearcher is the narrow slice of retrieval.Engine a
// memory_search action dispatches to.
type MemorySearcher interface {
	SearchTaskPayload(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// MessagingRunner is the narrow slice of the messaging interpreter a
// messaging_command action dispatches to.
type MessagingRunner interface {
	RunTaskPayload(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// ProviderChatter is the narrow slice of a chat-completion client a
// provider_chat action dispatches to. Model/endpoint come from the
// task's own payload (validated against configuration by the caller
// constructing the task).
type ProviderChatter interface {
	Chat(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// httpCallbackPayload is the expected shape of an http_callback
// action's payload.
type httpCallbackPayload struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// Dispatcher executes allowlisted task actions, re-validating the
// payload against the allowlist before running the action-specific
// handler, per spec.md §4.7's execution section.
type Dispatcher struct {
	allowed      map[Action]bool
	memoryWrite  MemoryWriter
	memorySearch MemorySearcher
	messaging    MessagingRunner
	providerChat ProviderChatter
	httpClient   *http.Client
	hostAllow    map[string]bool
}

// NewDispatcher builds a Dispatcher. Any handler may be nil; dispatching
// an action with no configured handler fails that task rather than
// panicking, so a deployment can opt into a subset of actions.
func NewDispatcher(allowedActions []string, hostAllow []string, httpTimeout time.Duration, memoryWrite MemoryWriter, memorySearch MemorySearcher, messaging MessagingRunner, providerChat ProviderChatter) *Dispatcher {
	if httpTimeout <= 0 {
		httpTimeout = 10 * time.Second
	}
	hosts := make(map[string]bool, len(hostAllow))
	for _, h := range hostAllow {
		hosts[strings.ToLower(h)] = true
	}
	return &Dispatcher{
		allowed:      actionSet(allowedActions),
		memoryWrite:  memoryWrite,
		memorySearch: memorySearch,
		messaging:    messaging,
		providerChat: providerChat,
		httpClient:   &http.Client{Timeout: httpTimeout},
		hostAllow:    hosts,
	}
}

// Dispatch re-validates t's action against the allowlist and executes
// it, returning the raw result payload for UpdateStatus.
func (d *Dispatcher) Dispatch(ctx context.Context, t TaskRow) (json.RawMessage, error) {
	if !d.allowed[t.ActionType] {
		return nil, fmt.Errorf("taskqueue: action %q is not in the allowlist", t.ActionType)
	}
	switch t.ActionType {
	case ActionMemoryWrite:
		if d.memoryWrite == nil {
			return nil, fmt.Errorf("taskqueue: no memory_write handler configured")
		}
		return d.memoryWrite.HandleTaskPayload(ctx, t.Payload)
	case ActionMemorySearch:
		if d.memorySearch == nil {
			return nil, fmt.Errorf("taskqueue: no memory_search handler configured")
		}
		return d.memorySearch.SearchTaskPayload(ctx, t.Payload)
	case ActionMessagingCommand:
		if d.messaging == nil {
			return nil, fmt.Errorf("taskqueue: no messaging_command handler configured")
		}
		return d.messaging.RunTaskPayload(ctx, t.Payload)
	case ActionHTTPCallback:
		return d.dispatchHTTPCallback(ctx, t.Payload)
	case ActionProviderChat:
		if d.providerChat == nil {
			return nil, fmt.Errorf("taskqueue: no provider_chat handler configured")
		}
		return d.providerChat.Chat(ctx, t.Payload)
	default:
		return nil, fmt.Errorf("taskqueue: unknown action %q", t.ActionType)
	}
}

// dispatchHTTPCallback validates method/URL/scheme/host against the
// allowlist before issuing the request, per spec.md §4.7's
// "validated against a host allowlist and http/https scheme".
func (d *Dispatcher) dispatchHTTPCallback(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p httpCallbackPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("taskqueue: http_callback payload: %w", err)
	}
	if p.Method == "" {
		p.Method = http.MethodGet
	}

	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: http_callback url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("taskqueue: http_callback scheme %q not allowed", u.Scheme)
	}
	if len(d.hostAllow) > 0 && !d.hostAllow[strings.ToLower(u.Hostname())] {
		return nil, fmt.Errorf("taskqueue: http_callback host %q not in allowlist", u.Hostname())
	}

	var body io.Reader
	if len(p.Body) > 0 {
		body = strings.NewReader(string(p.Body))
	}
	req, err := http.NewRequestWithContext(ctx, p.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: http_callback request: %w", err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: http_callback: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("taskqueue: http_callback read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("taskqueue: http_callback status %d: %s", resp.StatusCode, respBody)
	}

	result, _ := json.Marshal(map[string]interface{}{
		"status_code": resp.StatusCode,
		"body":        string(respBody),
	})
	return result, nil
}

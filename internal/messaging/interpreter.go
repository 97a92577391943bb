package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"memoryorch/internal/config"
	"memoryorch/internal/ingest"
	"memoryorch/internal/logging"
	"memoryorch/internal/memevent"
	"memoryorch/internal/retrieval"
	"memoryorch/internal/taskqueue"
)

// Interpreter dispatches CommandRequests to the ingest handler, the
// retrieval engine, and the task queue. taskStore may be nil, in which
// case "task" commands fail with a clear error rather than panicking.
type Interpreter struct {
	log *zap.Logger

	ingestHandler *ingest.Handler
	retrievalEng  *retrieval.Engine
	taskStore     *taskqueue.Store
	history       *logging.History

	cfg        config.MessagingConfig
	secretsCfg config.SecretsConfig

	serviceName    string
	serviceVersion string
}

// NewInterpreter wires an Interpreter. taskStore may be nil if the task
// queue isn't enabled in this deployment.
func NewInterpreter(log *zap.Logger, ingestHandler *ingest.Handler, retrievalEng *retrieval.Engine, taskStore *taskqueue.Store, history *logging.History, cfg config.MessagingConfig, secretsCfg config.SecretsConfig, serviceName, serviceVersion string) *Interpreter {
	return &Interpreter{
		log:            log,
		ingestHandler:  ingestHandler,
		retrievalEng:   retrievalEng,
		taskStore:      taskStore,
		history:        history,
		cfg:            cfg,
		secretsCfg:     secretsCfg,
		serviceName:    serviceName,
		serviceVersion: serviceVersion,
	}
}

// Handle strips the configured mention prefix, classifies strict-surface
// handling, dispatches to the matching action, and redacts the response
// when the channel is on the strict list.
func (i *Interpreter) Handle(ctx context.Context, req CommandRequest) (CommandResponse, error) {
	strict := i.isStrict(req.Channel)

	rest, matched := stripMention(req.Text, i.cfg)
	requirePrefix := i.cfg.RequirePrefix
	if req.RequirePrefix != nil {
		requirePrefix = *req.RequirePrefix
	}
	if !matched {
		if requirePrefix {
			return CommandResponse{}, ErrPrefixRequired
		}
		rest = strings.TrimSpace(req.Text)
	}

	verb, args := splitVerb(rest)

	var resp CommandResponse
	var err error
	switch verb {
	case "remember":
		resp, err = i.handleRemember(ctx, req, args, strict)
	case "recall":
		resp, err = i.handleRecall(ctx, req, args, strict)
	case "status":
		resp, err = i.handleStatus(ctx)
	case "task":
		resp, err = i.handleTask(ctx, req, args)
	case "help", "":
		resp = i.handleHelp()
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownCommand, verb)
	}
	if err != nil {
		return CommandResponse{}, err
	}
	return i.finalize(resp, strict), nil
}

func (i *Interpreter) isStrict(channel string) bool {
	for _, c := range i.secretsCfg.StrictChannels {
		if strings.EqualFold(c, channel) {
			return true
		}
	}
	return false
}

// finalize applies strict-surface redaction to both the text line and the
// nested result payload, per spec.md §4.9's "redact secret-pattern
// substrings in any returned text or nested result payload".
func (i *Interpreter) finalize(resp CommandResponse, strict bool) CommandResponse {
	if !strict {
		return resp
	}
	text, _, _ := memevent.ApplySecretPolicy(resp.Text, memevent.SecretModeRedact)
	resp.Text = text
	if len(resp.Result) > 0 {
		redacted, _, _ := memevent.ApplySecretPolicy(string(resp.Result), memevent.SecretModeRedact)
		resp.Result = json.RawMessage(redacted)
	}
	return resp
}

func (i *Interpreter) handleRemember(ctx context.Context, req CommandRequest, content string, strict bool) (CommandResponse, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return CommandResponse{}, fmt.Errorf("messaging: remember requires content")
	}
	if strict && memevent.ScanSecrets(content) {
		i.appendHistory("messaging_blocked", req.Channel, req.SourceID)
		return CommandResponse{}, ErrSecretDetected
	}

	project := req.Project
	if project == "" {
		project = i.cfg.DefaultProject
	}
	topicPath := req.TopicPath
	if topicPath == "" {
		topicPath = fmt.Sprintf("channels/%s", req.Channel)
	}
	file := fmt.Sprintf("channels/%s/%s/msg_%d.md", req.Channel, req.SourceID, time.Now().UnixNano())

	outcome, err := i.ingestHandler.Handle(ctx, ingest.Request{
		Project:    project,
		File:       file,
		Content:    content,
		TopicPath:  topicPath,
		SourceKind: "messaging_command",
		RequestID:  req.SourceID,
	})
	if err != nil {
		return CommandResponse{}, err
	}
	if outcome.SecretBlocked {
		return CommandResponse{Text: "blocked: potential secret detected"}, nil
	}
	return CommandResponse{Text: fmt.Sprintf("remembered as %s", file), Result: marshalResult(outcome)}, nil
}

func (i *Interpreter) handleRecall(ctx context.Context, req CommandRequest, query string, strict bool) (CommandResponse, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return CommandResponse{}, fmt.Errorf("messaging: recall requires a query")
	}
	if strict && memevent.ScanSecrets(query) {
		return CommandResponse{}, ErrSecretDetected
	}
	if i.retrievalEng == nil {
		return CommandResponse{}, fmt.Errorf("messaging: retrieval unavailable")
	}

	limit := i.cfg.RecallLimit
	result, err := i.retrievalEng.Search(ctx, retrieval.Request{
		Query:   query,
		Limit:   limit,
		Project: req.Project,
		UserID:  req.UserID,
	})
	if err != nil {
		return CommandResponse{}, err
	}
	return CommandResponse{Text: fmt.Sprintf("%d results for %q", len(result.Results), query), Result: marshalResult(result)}, nil
}

func (i *Interpreter) handleStatus(ctx context.Context) (CommandResponse, error) {
	status := map[string]interface{}{
		"name":    i.serviceName,
		"version": i.serviceVersion,
	}
	if i.taskStore != nil {
		if snap, err := i.taskStore.RuntimeSnapshot(ctx); err == nil {
			status["task_queue"] = snap
		}
	}
	return CommandResponse{Text: "ok", Result: marshalResult(status)}, nil
}

const helpText = "commands: remember <text>, recall <query>, status, task <sub>, help"

func (i *Interpreter) handleHelp() CommandResponse {
	return CommandResponse{Text: helpText}
}

func (i *Interpreter) appendHistory(category, channel, sourceID string) {
	if i.history == nil {
		return
	}
	if err := i.history.Append(category, map[string]interface{}{
		"channel":   channel,
		"source_id": sourceID,
	}); err != nil {
		i.log.Warn("messaging: history append failed", zap.Error(err), zap.String("category", category))
	}
}

func marshalResult(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// stripMention removes the configured mention prefix (and any
// channel-bot-suffix variant, e.g. "@memoryorch-bot") from text, reporting
// whether a prefix was found.
func stripMention(text string, cfg config.MessagingConfig) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if cfg.MentionPrefix == "" {
		return trimmed, false
	}

	// Suffixed variants go first: the bare prefix is itself a prefix of
	// every variant and would otherwise leave the suffix in the text.
	candidates := make([]string, 0, len(cfg.BotSuffixes)+1)
	for _, suffix := range cfg.BotSuffixes {
		candidates = append(candidates, cfg.MentionPrefix+suffix)
	}
	candidates = append(candidates, cfg.MentionPrefix)

	lower := strings.ToLower(trimmed)
	for _, c := range candidates {
		cl := strings.ToLower(c)
		if strings.HasPrefix(lower, cl) {
			return strings.TrimSpace(trimmed[len(c):]), true
		}
	}
	return trimmed, false
}

// splitVerb splits s into its first word and the remainder.
func splitVerb(s string) (verb, rest string) {
	parts := strings.SplitN(strings.TrimSpace(s), " ", 2)
	verb = strings.ToLower(parts[0])
	if len(parts) > 1 {
		rest = strings.TrimSpace(parts[1])
	}
	return verb, rest
}

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"memoryorch/internal/config"
	"memoryorch/internal/logging"
	"memoryorch/internal/memevent"
	"memoryorch/internal/outbox"
	"memoryorch/internal/topictree"
)

// RawEventWriter persists the immutable raw event record. internal/store's
// raw store satisfies this; kept as a narrow interface here so ingest does
// not import store directly.
type RawEventWriter interface {
	PutRawEvent(ctx context.Context, ev memevent.Event) error
}

// Request is one inbound memory write.
type Request struct {
	Project     string
	File        string
	Content     string
	TopicPath   string // explicit override, optional
	RequestID   string
	SourceKind  string // e.g. "agent_write", "high_frequency_rollup"
	Strict      bool   // strict churn classification for this channel
	Async       bool   // caller requested async memory-bank write
}

// Outcome reports what the handler did with a request, for the HTTP
// response and for tests.
type Outcome struct {
	EventID      string
	Deduped      bool
	Unchanged    bool // hot-file short-circuit: identical content, no-op
	SecretBlocked bool
	Warnings     []string
	EnqueuedTargets []outbox.Target
	RollupBuffered  bool
}

// Handler implements spec.md §4.1's ingest pipeline: normalize, apply the
// secret policy, derive topic/summary/hash, short-circuit unchanged
// hot-file writes, dedupe within a sliding window, persist the raw event,
// buffer high-frequency rollup writes instead of fanning them out
// directly, and enqueue the remaining targets to the outbox, gated by
// archival admission control.
type Handler struct {
	log *zap.Logger

	supervisor *outbox.Supervisor
	tree       *topictree.Tree
	rawStore   RawEventWriter
	history    *logging.History

	dedup    *DedupWindow
	hotCache *HotFileHashCache
	rollup   *RollupBuffer

	fanoutCfg  config.FanoutConfig
	secretMode memevent.SecretMode
	strictChannels map[string]bool
}

// NewHandler wires a Handler from its dependencies and the fanout/secrets
// configuration.
func NewHandler(log *zap.Logger, supervisor *outbox.Supervisor, tree *topictree.Tree, rawStore RawEventWriter, history *logging.History, fanoutCfg config.FanoutConfig, secretsCfg config.SecretsConfig, dedupWindow time.Duration, dedupCapacity, hotCacheCapacity int) *Handler {
	strict := make(map[string]bool, len(secretsCfg.StrictChannels))
	for _, ch := range secretsCfg.StrictChannels {
		strict[ch] = true
	}
	return &Handler{
		log:            log,
		supervisor:     supervisor,
		tree:           tree,
		rawStore:       rawStore,
		history:        history,
		dedup:          NewDedupWindow(dedupWindow, dedupCapacity),
		hotCache:       NewHotFileHashCache(hotCacheCapacity),
		rollup:         NewRollupBuffer(),
		fanoutCfg:      fanoutCfg,
		secretMode:     memevent.SecretMode(secretsCfg.Mode),
		strictChannels: strict,
	}
}

// Handle runs the full §4.1 pipeline for one request.
func (h *Handler) Handle(ctx context.Context, req Request) (Outcome, error) {
	file, err := memevent.NormalizeFile(req.File)
	if err != nil {
		return Outcome{}, fmt.Errorf("ingest: %w", err)
	}

	strict := req.Strict || h.strictChannels[req.SourceKind]

	content, warnings, ok := memevent.ApplySecretPolicy(req.Content, h.secretMode)
	if !ok {
		h.appendHistory("ingest_blocked", req.Project, file, req.RequestID)
		return Outcome{SecretBlocked: true}, nil
	}

	now := time.Now().UTC()
	topicPath := memevent.DeriveTopicPath(file, req.TopicPath)
	summary := memevent.Summarize(content)
	contentHash := memevent.ContentHash(content)
	eventID := memevent.EventID(req.Project, file, content)

	hotKey := req.Project + ":" + file
	if h.hotCache.CheckAndUpdate(hotKey, contentHash) {
		return Outcome{EventID: eventID, Unchanged: true, Warnings: warnings}, nil
	}

	dedupeKey := memevent.DedupeKey(req.Project, file, content)
	if h.dedup.CheckAndRecord(dedupeKey, now) {
		return Outcome{EventID: eventID, Deduped: true, Warnings: warnings}, nil
	}

	ev := memevent.Event{
		EventID:     eventID,
		Project:     req.Project,
		File:        file,
		ContentRaw:  content,
		Summary:     summary,
		TopicPath:   topicPath,
		TopicTags:   memevent.TopicTags(topicPath),
		RequestID:   req.RequestID,
		ContentHash: contentHash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if h.rawStore != nil {
		if err := h.rawStore.PutRawEvent(ctx, ev); err != nil {
			h.log.Warn("ingest: raw event persist failed, falling back to outbox", zap.Error(err), zap.String("event_id", eventID))
			if fbErr := h.enqueueRawFallback(ctx, ev); fbErr != nil {
				h.log.Error("ingest: raw fallback enqueue failed, event not durable", zap.Error(fbErr), zap.String("event_id", eventID))
			}
		}
	}

	if h.tree != nil {
		if err := h.tree.Record(req.Project, topicPath); err != nil {
			h.log.Warn("ingest: topic tree record failed", zap.Error(err))
		}
	}

	if req.SourceKind == "high_frequency_rollup" {
		h.rollup.Append(req.Project, file, contentHash, summary, int64(len(content)), now)
		h.appendHistory("ingest_rollup_buffered", req.Project, file, req.RequestID)
		return Outcome{EventID: eventID, RollupBuffered: true, Warnings: warnings}, nil
	}

	targets, err := h.computeTargets(ctx, ev, strict)
	if err != nil {
		return Outcome{}, err
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return Outcome{}, fmt.Errorf("ingest: marshal payload: %w", err)
	}

	items := make([]outbox.EnqueueItem, 0, len(targets))
	for _, target := range targets {
		items = append(items, outbox.EnqueueItem{
			EventID:     eventID,
			Target:      target,
			Project:     req.Project,
			File:        file,
			Summary:     summary,
			Payload:     payload,
			TopicPath:   topicPath,
			TopicTags:   ev.TopicTags,
			MaxAttempts: h.fanoutCfg.MaxAttempts,
		})
	}

	coalesceTargets := make(map[outbox.Target]bool, len(h.fanoutCfg.CoalesceTargets))
	for _, t := range h.fanoutCfg.CoalesceTargets {
		coalesceTargets[outbox.Target(t)] = true
	}

	backend := h.supervisor.Backend()
	res, err := backend.Enqueue(ctx, items, coalesceTargets, h.fanoutCfg.CoalesceWindow.Duration, false)
	if err != nil {
		h.supervisor.ReportIOError(err)
		return Outcome{}, fmt.Errorf("ingest: enqueue: %w", err)
	}

	h.log.Debug("ingest: enqueued", zap.String("event_id", eventID), zap.Int("inserted", res.Inserted), zap.Int("coalesced", res.Coalesced))
	h.appendHistory("ingest_enqueued", req.Project, file, req.RequestID)

	return Outcome{
		EventID:         eventID,
		Warnings:        warnings,
		EnqueuedTargets: targets,
		RollupBuffered:  false,
	}, nil
}

// enqueueRawFallback durably re-routes a raw event through the outbox's
// raw target when the synchronous store write fails, per spec.md §4.1
// step 6: the row is inserted with an immediate NextAttemptAt so RawSink
// picks it up on its next poll rather than losing the event.
func (h *Handler) enqueueRawFallback(ctx context.Context, ev memevent.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ingest: marshal raw fallback payload: %w", err)
	}
	backend := h.supervisor.Backend()
	_, err = backend.Enqueue(ctx, []outbox.EnqueueItem{{
		EventID:     ev.EventID,
		Target:      outbox.TargetRaw,
		Project:     ev.Project,
		File:        ev.File,
		Summary:     ev.Summary,
		Payload:     payload,
		TopicPath:   ev.TopicPath,
		TopicTags:   ev.TopicTags,
		MaxAttempts: h.fanoutCfg.MaxAttempts,
	}}, nil, 0, false)
	if err != nil {
		h.supervisor.ReportIOError(err)
		return err
	}
	return nil
}

// computeTargets decides the fanout target set for one event, applying
// admission control (low-value classification and archival backlog caps)
// from spec.md §4.5.
func (h *Handler) computeTargets(ctx context.Context, ev memevent.Event, strict bool) ([]outbox.Target, error) {
	targets := []outbox.Target{outbox.TargetVector, outbox.TargetSQL, outbox.TargetObservability}

	lowValue := outbox.IsLowValue(outbox.LowValueInput{
		File:             ev.File,
		TopicPath:        ev.TopicPath,
		Strict:           strict,
		Summary:          ev.Summary,
		LowValueSuffixes: h.fanoutCfg.LowValueSuffixes,
		LowValuePrefixes: h.fanoutCfg.LowValueTopicPrefixes,
	})
	if lowValue {
		return targets, nil
	}

	backend := h.supervisor.Backend()
	summary, err := backend.Summary(ctx)
	if err != nil {
		return nil, fmt.Errorf("ingest: outbox summary: %w", err)
	}
	archivalPending := summary.ByTargetStatus[outbox.TargetArchival][outbox.StatusPending] +
		summary.ByTargetStatus[outbox.TargetArchival][outbox.StatusRetrying]

	switch {
	case archivalPending >= h.fanoutCfg.ArchivalHardLimit:
		// Backlog is saturated: drop archival entirely for this event.
	case archivalPending >= h.fanoutCfg.ArchivalSoftLimit:
		// Past the soft limit: still admit, but only non-low-value events
		// reach this branch already, so no further filtering applies here.
		targets = append(targets, outbox.TargetArchival)
	default:
		targets = append(targets, outbox.TargetArchival)
	}

	return targets, nil
}

// FlushRollups drains the rollup buffer and enqueues one write per
// drained entry. Its only caller in the process is the HTTP flush
// endpoint; no timer or shutdown hook calls it. Returns the number of
// entries flushed.
func (h *Handler) FlushRollups(ctx context.Context, force bool) (int, error) {
	writes := h.rollup.Flush(force)
	if len(writes) == 0 {
		return 0, nil
	}

	backend := h.supervisor.Backend()
	items := make([]outbox.EnqueueItem, 0, len(writes))
	for _, w := range writes {
		now := time.Now().UTC()
		eventID := memevent.EventID(w.Project, w.File, w.Content)
		ev := memevent.Event{
			EventID:     eventID,
			Project:     w.Project,
			File:        w.File,
			ContentRaw:  w.Content,
			Summary:     memevent.Summarize(w.Content),
			TopicPath:   w.TopicPath,
			TopicTags:   memevent.TopicTags(w.TopicPath),
			ContentHash: memevent.ContentHash(w.Content),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return 0, fmt.Errorf("ingest: marshal rollup payload: %w", err)
		}
		items = append(items, outbox.EnqueueItem{
			EventID:     eventID,
			Target:      outbox.TargetVector,
			Project:     w.Project,
			File:        w.File,
			Summary:     ev.Summary,
			Payload:     payload,
			TopicPath:   w.TopicPath,
			TopicTags:   ev.TopicTags,
			MaxAttempts: h.fanoutCfg.MaxAttempts,
		})
	}

	if _, err := backend.Enqueue(ctx, items, nil, 0, false); err != nil {
		h.supervisor.ReportIOError(err)
		return 0, fmt.Errorf("ingest: rollup flush enqueue: %w", err)
	}
	return len(writes), nil
}

func (h *Handler) appendHistory(category, project, file, requestID string) {
	if h.history == nil {
		return
	}
	if err := h.history.Append(category, map[string]interface{}{
		"project":    project,
		"file":       file,
		"request_id": requestID,
	}); err != nil {
		h.log.Warn("ingest: history append failed", zap.Error(err), zap.String("category", category))
	}
}

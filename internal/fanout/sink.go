// Package fanout drives the outbox worker pool described in spec.md
// §4.3: per-target claim loops, rate limiting, backpressure, bulk
// dispatch, and target-specific error classification. Grounded on the
// teacher's reflection_worker.go ticker-driven loop shape.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"memoryorch/internal/memevent"
	"memoryorch/internal/outbox"
	"memoryorch/internal/store"
)

// Sink is the per-target write path a worker dispatches a claimed batch
// to. Bulk-capable sinks (vector, sql) accept the whole batch in one
// call; archival internally bounds its own fan-out concurrency within
// the call instead of issuing one request per row serially.
type Sink interface {
	Target() outbox.Target
	WriteBatch(ctx context.Context, rows []outbox.Row) error
}

// decodeEvent recovers the memevent.Event a row's Payload was built from.
func decodeEvent(row outbox.Row) (memevent.Event, error) {
	var ev memevent.Event
	if err := json.Unmarshal(row.Payload, &ev); err != nil {
		return memevent.Event{}, fmt.Errorf("fanout: decode payload for %s: %w", row.EventID, err)
	}
	return ev, nil
}

// RawEventPutter is the subset of store.RawEventStore the raw sink needs.
type RawEventPutter interface {
	PutRawEvent(ctx context.Context, ev memevent.Event) error
}

// RawSink writes through the raw event store.
type RawSink struct {
	store RawEventPutter
}

// NewRawSink builds a RawSink over store.
func NewRawSink(store RawEventPutter) *RawSink { return &RawSink{store: store} }

// Target identifies this sink's outbox target.
func (s *RawSink) Target() outbox.Target { return outbox.TargetRaw }

// WriteBatch writes each row's event to the raw store.
func (s *RawSink) WriteBatch(ctx context.Context, rows []outbox.Row) error {
	for _, row := range rows {
		ev, err := decodeEvent(row)
		if err != nil {
			return err
		}
		if err := s.store.PutRawEvent(ctx, ev); err != nil {
			return fmt.Errorf("fanout: raw sink write %s: %w", row.EventID, err)
		}
	}
	return nil
}

// VectorPutter is the subset of store.VectorStore the vector sink needs.
type VectorPutter interface {
	PutBatch(ctx context.Context, items []store.VectorPutItem) error
}

// VectorSink writes through the vector store's bulk embed-and-upsert path.
type VectorSink struct {
	store VectorPutter
}

// NewVectorSink builds a VectorSink over store.
func NewVectorSink(store VectorPutter) *VectorSink { return &VectorSink{store: store} }

// Target identifies this sink's outbox target.
func (s *VectorSink) Target() outbox.Target { return outbox.TargetVector }

// WriteBatch embeds and upserts every row's content in one call.
func (s *VectorSink) WriteBatch(ctx context.Context, rows []outbox.Row) error {
	items := make([]store.VectorPutItem, 0, len(rows))
	for _, row := range rows {
		ev, err := decodeEvent(row)
		if err != nil {
			return err
		}
		items = append(items, store.VectorPutItem{
			Project:   row.Project,
			File:      row.File,
			TopicPath: row.TopicPath,
			EventID:   row.EventID,
			Content:   ev.ContentRaw,
		})
	}
	if err := s.store.PutBatch(ctx, items); err != nil {
		return fmt.Errorf("fanout: vector sink batch write: %w", err)
	}
	return nil
}

// AnalyticPutter is the subset of store.AnalyticStore the sql sink needs.
type AnalyticPutter interface {
	PutBatch(ctx context.Context, events []memevent.Event) error
}

// SQLSink writes through the analytic store's bulk multi-row insert.
type SQLSink struct {
	store AnalyticPutter
}

// NewSQLSink builds a SQLSink over store.
func NewSQLSink(store AnalyticPutter) *SQLSink { return &SQLSink{store: store} }

// Target identifies this sink's outbox target.
func (s *SQLSink) Target() outbox.Target { return outbox.TargetSQL }

// WriteBatch bulk-inserts every row's event in one transaction.
func (s *SQLSink) WriteBatch(ctx context.Context, rows []outbox.Row) error {
	events := make([]memevent.Event, 0, len(rows))
	for _, row := range rows {
		ev, err := decodeEvent(row)
		if err != nil {
			return err
		}
		events = append(events, ev)
	}
	if err := s.store.PutBatch(ctx, events); err != nil {
		return fmt.Errorf("fanout: sql sink batch write: %w", err)
	}
	return nil
}

// ArchivalPutter is the subset of store.ArchivalClient the archival sink
// needs.
type ArchivalPutter interface {
	PutBatch(ctx context.Context, events []memevent.Event) error
}

// ArchivalSink writes through the archival client, which bounds its own
// fan-out concurrency per batch rather than relying on a bulk SQL
// statement (spec.md §4.3: "archival uses a bounded concurrency fan-out
// within a batch").
type ArchivalSink struct {
	client ArchivalPutter
}

// NewArchivalSink builds an ArchivalSink over client.
func NewArchivalSink(client ArchivalPutter) *ArchivalSink { return &ArchivalSink{client: client} }

// Target identifies this sink's outbox target.
func (s *ArchivalSink) Target() outbox.Target { return outbox.TargetArchival }

// WriteBatch forwards the batch to the archival client.
func (s *ArchivalSink) WriteBatch(ctx context.Context, rows []outbox.Row) error {
	events := make([]memevent.Event, 0, len(rows))
	for _, row := range rows {
		ev, err := decodeEvent(row)
		if err != nil {
			return err
		}
		events = append(events, ev)
	}
	if err := s.client.PutBatch(ctx, events); err != nil {
		return fmt.Errorf("fanout: archival sink batch write: %w", err)
	}
	return nil
}

// HistoryAppender is the subset of logging.History the observability
// sink needs.
type HistoryAppender interface {
	Append(category string, fields map[string]interface{}) error
}

// ObservabilitySink emits an NDJSON history line per row, standing in for
// the Langfuse-like sink spec.md's glossary implies without naming.
type ObservabilitySink struct {
	history HistoryAppender
}

// NewObservabilitySink builds an ObservabilitySink over history.
func NewObservabilitySink(history HistoryAppender) *ObservabilitySink {
	return &ObservabilitySink{history: history}
}

// Target identifies this sink's outbox target.
func (s *ObservabilitySink) Target() outbox.Target { return outbox.TargetObservability }

// WriteBatch appends one NDJSON line per row.
func (s *ObservabilitySink) WriteBatch(ctx context.Context, rows []outbox.Row) error {
	for _, row := range rows {
		err := s.history.Append("fanout_observability", map[string]interface{}{
			"event_id":   row.EventID,
			"project":    row.Project,
			"file":       row.File,
			"topic_path": row.TopicPath,
			"summary":    row.Summary,
		})
		if err != nil {
			return fmt.Errorf("fanout: observability sink write %s: %w", row.EventID, err)
		}
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"memoryorch/internal/memevent"
)

// RawEventStore persists every memevent.Event verbatim as a JSON blob,
// satisfying ingest.RawEventWriter. Grounded on the teacher's
// local_session.go StoreSessionTurn idiom: one upsert (INSERT ... ON
// CONFLICT DO UPDATE, which keeps the row's created_at) against a
// narrow table, no secondary indexes beyond what lookups need.
type RawEventStore struct {
	db *sql.DB
}

// OpenRawEventStore opens (and migrates) the raw event database at path.
func OpenRawEventStore(path string) (*RawEventStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open raw event db %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = err // best effort; non-WAL is still correct, just slower under concurrency
	}

	s := &RawEventStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *RawEventStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS raw_events (
		event_id    TEXT PRIMARY KEY,
		project     TEXT NOT NULL,
		file        TEXT NOT NULL,
		body        TEXT NOT NULL,
		created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("store: migrate raw_events table: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_raw_events_project_file ON raw_events(project, file)`)
	if err != nil {
		return fmt.Errorf("store: migrate raw_events index: %w", err)
	}
	return nil
}

// PutRawEvent stores ev verbatim, keyed by event ID. Implements
// ingest.RawEventWriter.
func (s *RawEventStore) PutRawEvent(ctx context.Context, ev memevent.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("store: marshal raw event %s: %w", ev.EventID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO raw_events (event_id, project, file, body) VALUES (?, ?, ?, ?)
		 ON CONFLICT(event_id) DO UPDATE SET body=excluded.body`,
		ev.EventID, ev.Project, ev.File, string(body))
	if err != nil {
		return fmt.Errorf("store: upsert raw event %s: %w", ev.EventID, err)
	}
	return nil
}

// GetRawEvent fetches a single raw event by ID.
func (s *RawEventStore) GetRawEvent(ctx context.Context, eventID string) (memevent.Event, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM raw_events WHERE event_id = ?`, eventID).Scan(&body)
	if err != nil {
		return memevent.Event{}, fmt.Errorf("store: get raw event %s: %w", eventID, err)
	}
	var ev memevent.Event
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		return memevent.Event{}, fmt.Errorf("store: unmarshal raw event %s: %w", eventID, err)
	}
	return ev, nil
}

// ListRawEventsByProject returns every raw event recorded for project,
// newest first, bounded by limit.
func (s *RawEventStore) ListRawEventsByProject(ctx context.Context, project string, limit int) ([]memevent.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM raw_events WHERE project = ? ORDER BY created_at DESC LIMIT ?`, project, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list raw events for %s: %w", project, err)
	}
	defer rows.Close()

	var out []memevent.Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			continue
		}
		var ev memevent.Event
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// ScanForPrune returns up to scanCap raw events ordered by created_at
// ascending, for internal/retention's sink pruner. raw_events carries no
// source_kind column (that classifier input exists only transiently on
// ingest.Request), so candidates leave that field empty.
func (s *RawEventStore) ScanForPrune(ctx context.Context, scanCap int) ([]PruneCandidate, error) {
	if scanCap <= 0 {
		scanCap = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, body, created_at FROM raw_events ORDER BY created_at ASC LIMIT ?`, scanCap)
	if err != nil {
		return nil, fmt.Errorf("store: scan raw events for prune: %w", err)
	}
	defer rows.Close()

	var out []PruneCandidate
	for rows.Next() {
		var eventID, body string
		var createdAt time.Time
		if err := rows.Scan(&eventID, &body, &createdAt); err != nil {
			continue
		}
		var ev memevent.Event
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			continue
		}
		out = append(out, PruneCandidate{
			EventID: eventID, File: ev.File, TopicPath: ev.TopicPath,
			Summary: ev.Summary, CreatedAt: createdAt,
		})
	}
	return out, nil
}

// DeleteBatch removes the given event IDs, returning the count deleted.
func (s *RawEventStore) DeleteBatch(ctx context.Context, eventIDs []string) (int, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	deleted := 0
	for _, id := range eventIDs {
		res, err := s.db.ExecContext(ctx, `DELETE FROM raw_events WHERE event_id = ?`, id)
		if err != nil {
			return deleted, fmt.Errorf("store: delete raw event %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			deleted += int(n)
		}
	}
	return deleted, nil
}

// Close closes the underlying database handle.
func (s *RawEventStore) Close() error { return s.db.Close() }

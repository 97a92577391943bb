package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"memoryorch/internal/memevent"
)

// AnalyticStore is the "SQL analytic store" sink: a second sqlite handle
// distinct from the vector and raw stores, bulk-inserted via a single
// multi-row INSERT per batch and queried with plain SQL LIKE. Grounded on
// the teacher's local_session.go plain-table idiom; the bulk-insert shape
// is grounded on StoreVectorBatchWithEmbedding's prepared-statement-inside-
// a-transaction pattern in vector_store.go.
type AnalyticStore struct {
	db *sql.DB
}

// OpenAnalyticStore opens (and migrates) the analytic database at path.
func OpenAnalyticStore(path string) (*AnalyticStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open analytic db %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = err
	}

	s := &AnalyticStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *AnalyticStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS analytic_events (
		event_id    TEXT PRIMARY KEY,
		project     TEXT NOT NULL,
		file        TEXT NOT NULL,
		topic_path  TEXT NOT NULL,
		summary     TEXT NOT NULL,
		created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("store: migrate analytic_events table: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_analytic_events_project_topic ON analytic_events(project, topic_path)`)
	if err != nil {
		return fmt.Errorf("store: migrate analytic_events index: %w", err)
	}
	return nil
}

// PutBatch bulk-inserts events in a single multi-row INSERT within one
// transaction, satisfying spec.md's "bulk paths MUST be implemented for
// vector and SQL-analytic sinks" requirement.
func (s *AnalyticStore) PutBatch(ctx context.Context, events []memevent.Event) error {
	if len(events) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO analytic_events (event_id, project, file, topic_path, summary) VALUES ")
	args := make([]interface{}, 0, len(events)*5)
	for i, ev := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?)")
		args = append(args, ev.EventID, ev.Project, ev.File, ev.TopicPath, ev.Summary)
	}
	sb.WriteString(" ON CONFLICT(event_id) DO UPDATE SET summary=excluded.summary, topic_path=excluded.topic_path")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin analytic batch: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("store: insert analytic batch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit analytic batch: %w", err)
	}
	return nil
}

// AnalyticHit is one row matched by Search. Search leaves Score at zero;
// callers score hits themselves.
type AnalyticHit struct {
	EventID   string
	Project   string
	File      string
	TopicPath string
	Summary   string
	Score     float64
}

// Search performs a SQL LIKE match over summary+file, scoped to project and
// (optionally) a topic-path prefix. Scoring is left to the caller
// (retrieval.textScore, shared with the canonical-lexical source) — this
// store only narrows candidates. Grounded on spec.md §4.6's "Analytic
// store: SQL LIKE over summary+file with a project/topic scope; score by
// text match."
func (s *AnalyticStore) Search(ctx context.Context, project, topicPrefix, query string, limit int) ([]AnalyticHit, error) {
	if limit <= 0 {
		limit = 20
	}
	like := "%" + query + "%"

	sqlText := `SELECT event_id, project, file, topic_path, summary FROM analytic_events
		WHERE project = ? AND (summary LIKE ? OR file LIKE ?)`
	args := []interface{}{project, like, like}
	if topicPrefix != "" {
		sqlText += " AND topic_path LIKE ?"
		args = append(args, topicPrefix+"%")
	}
	sqlText += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("store: analytic search: %w", err)
	}
	defer rows.Close()

	var out []AnalyticHit
	for rows.Next() {
		var h AnalyticHit
		if err := rows.Scan(&h.EventID, &h.Project, &h.File, &h.TopicPath, &h.Summary); err != nil {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// ScanForPrune returns up to scanCap analytic rows ordered by created_at
// ascending, for internal/retention's sink pruner. analytic_events carries
// no source_kind column, so candidates leave that field empty.
func (s *AnalyticStore) ScanForPrune(ctx context.Context, scanCap int) ([]PruneCandidate, error) {
	if scanCap <= 0 {
		scanCap = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, file, topic_path, summary, created_at FROM analytic_events ORDER BY created_at ASC LIMIT ?`, scanCap)
	if err != nil {
		return nil, fmt.Errorf("store: scan analytic events for prune: %w", err)
	}
	defer rows.Close()

	var out []PruneCandidate
	for rows.Next() {
		var eventID, file, topicPath, summary string
		var createdAt time.Time
		if err := rows.Scan(&eventID, &file, &topicPath, &summary, &createdAt); err != nil {
			continue
		}
		out = append(out, PruneCandidate{
			EventID: eventID, File: file, TopicPath: topicPath,
			Summary: summary, CreatedAt: createdAt,
		})
	}
	return out, nil
}

// DeleteBatch removes the given event IDs, returning the count deleted.
func (s *AnalyticStore) DeleteBatch(ctx context.Context, eventIDs []string) (int, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	deleted := 0
	for _, id := range eventIDs {
		res, err := s.db.ExecContext(ctx, `DELETE FROM analytic_events WHERE event_id = ?`, id)
		if err != nil {
			return deleted, fmt.Errorf("store: delete analytic event %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			deleted += int(n)
		}
	}
	return deleted, nil
}

// Close closes the underlying database handle.
func (s *AnalyticStore) Close() error { return s.db.Close() }

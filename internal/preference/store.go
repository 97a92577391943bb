// Package preference implements the feedback store and preference
// context builder from spec.md §4.8: create_feedback, list_feedback, and
// build_preference_context, whose output feeds internal/retrieval's
// learning rerank (§4.6 step 5). Grounded on internal/store/analytic.go's
// plain-table sqlite idiom and on the teacher's
// internal/store/learning_candidates.go rating/status bucketing shape.
package preference

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Feedback is one row of user/agent feedback on a memory or task outcome.
type Feedback struct {
	ID        int64
	CreatedAt time.Time
	Project   string
	UserID    string
	Source    string
	TaskID    string
	Rating    int
	Sentiment string
	Tags      []string
	Content   string
	TopicPath string
	Metadata  map[string]interface{}
}

// CreateFeedbackParams is the input to Store.CreateFeedback.
type CreateFeedbackParams struct {
	Project   string
	UserID    string
	Source    string
	TaskID    string
	Rating    int
	Sentiment string
	Tags      []string
	Content   string
	TopicPath string
	Metadata  map[string]interface{}
}

// Store is the feedback table backend: one sqlite handle, the same
// single-writer discipline as internal/store.AnalyticStore.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the feedback database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("preference: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS feedback (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		project    TEXT NOT NULL DEFAULT '',
		user_id    TEXT NOT NULL DEFAULT '',
		source     TEXT NOT NULL DEFAULT '',
		task_id    TEXT NOT NULL DEFAULT '',
		rating     INTEGER NOT NULL DEFAULT 0,
		sentiment  TEXT NOT NULL DEFAULT '',
		tags       TEXT NOT NULL DEFAULT '[]',
		content    TEXT NOT NULL DEFAULT '',
		topic_path TEXT NOT NULL DEFAULT '',
		metadata   TEXT NOT NULL DEFAULT '{}'
	)`)
	if err != nil {
		return fmt.Errorf("preference: migrate feedback table: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_feedback_scope ON feedback(project, user_id, source, created_at)`)
	if err != nil {
		return fmt.Errorf("preference: migrate feedback index: %w", err)
	}
	return nil
}

// CreateFeedback implements spec.md §4.8's create_feedback.
func (s *Store) CreateFeedback(ctx context.Context, p CreateFeedbackParams) (Feedback, error) {
	tagsJSON, _ := json.Marshal(p.Tags)
	if p.Metadata == nil {
		p.Metadata = map[string]interface{}{}
	}
	metaJSON, _ := json.Marshal(p.Metadata)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (project, user_id, source, task_id, rating, sentiment, tags, content, topic_path, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Project, p.UserID, p.Source, p.TaskID, p.Rating, p.Sentiment, string(tagsJSON), p.Content, p.TopicPath, string(metaJSON))
	if err != nil {
		return Feedback{}, fmt.Errorf("preference: insert feedback: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Feedback{}, fmt.Errorf("preference: feedback insert id: %w", err)
	}

	return Feedback{
		ID: id, Project: p.Project, UserID: p.UserID, Source: p.Source, TaskID: p.TaskID,
		Rating: p.Rating, Sentiment: p.Sentiment, Tags: p.Tags, Content: p.Content,
		TopicPath: p.TopicPath, Metadata: p.Metadata, CreatedAt: time.Now(),
	}, nil
}

// ListFeedback implements spec.md §4.8's list_feedback: filtered by
// project/user/source, newest first, bounded by limit.
func (s *Store) ListFeedback(ctx context.Context, project, userID, source string, limit int) ([]Feedback, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, created_at, project, user_id, source, task_id, rating, sentiment, tags, content, topic_path, metadata FROM feedback WHERE 1=1`
	var args []interface{}
	if project != "" {
		query += " AND project = ?"
		args = append(args, project)
	}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	if source != "" {
		query += " AND source = ?"
		args = append(args, source)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("preference: list feedback: %w", err)
	}
	defer rows.Close()

	var out []Feedback
	for rows.Next() {
		var f Feedback
		var createdAt time.Time
		var tagsJSON, metaJSON string
		if err := rows.Scan(&f.ID, &createdAt, &f.Project, &f.UserID, &f.Source, &f.TaskID, &f.Rating, &f.Sentiment, &tagsJSON, &f.Content, &f.TopicPath, &metaJSON); err != nil {
			return nil, fmt.Errorf("preference: scan feedback: %w", err)
		}
		f.CreatedAt = createdAt
		_ = json.Unmarshal([]byte(tagsJSON), &f.Tags)
		_ = json.Unmarshal([]byte(metaJSON), &f.Metadata)
		out = append(out, f)
	}
	return out, nil
}

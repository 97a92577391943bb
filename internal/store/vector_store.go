// Package store holds the sink-side persistence the fanout workers write
// through: the vector store, the raw event store, the analytic (SQL)
// store, the canonical file store, and the archival client. Grounded on
// the teacher's internal/store package, adapted from code/session
// embeddings to memory-event embeddings.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"memoryorch/internal/embedding"
)

// VectorEntry is one stored embedding row, returned by recall.
type VectorEntry struct {
	EventID    string
	Project    string
	File       string
	TopicPath  string
	Content    string
	Metadata   map[string]interface{}
	Similarity float64
	CreatedAt  time.Time
}

// VectorStore persists content alongside its embedding, and answers
// semantic recall queries. When sqlite-vec is available (built with
// -tags sqlite_vec,cgo, see init_vec.go) lookups use the vec0 ANN index;
// otherwise it falls back to brute-force cosine similarity, the same
// fallback the teacher's vector_store.go uses whenever s.vectorExt is
// false.
type VectorStore struct {
	db     *sql.DB
	log    *zap.Logger
	engine embedding.Engine

	mu        sync.RWMutex
	vectorExt bool
}

// OpenVectorStore opens (and migrates) the vector database at path and
// wires engine for future embeds. engine may be nil; callers that only
// recall by precomputed vector don't need one.
func OpenVectorStore(path string, engine embedding.Engine, log *zap.Logger) (*VectorStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open vector db %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug("store: vector db WAL pragma failed", zap.Error(err))
	}

	s := &VectorStore{db: db, log: log, engine: engine}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if engine != nil {
		s.initVecIndex(engine.Dimensions())
	}
	return s, nil
}

func (s *VectorStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS vectors (
		event_id    TEXT PRIMARY KEY,
		project     TEXT NOT NULL,
		file        TEXT NOT NULL,
		topic_path  TEXT NOT NULL,
		content     TEXT NOT NULL,
		embedding   TEXT,
		metadata    TEXT,
		created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("store: migrate vectors table: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_vectors_project_file ON vectors(project, file)`)
	if err != nil {
		return fmt.Errorf("store: migrate vectors index: %w", err)
	}
	return nil
}

// initVecIndex attempts to create a sqlite-vec virtual table; it only
// succeeds when the extension was registered by init_vec.go's cgo build.
func (s *VectorStore) initVecIndex(dim int) {
	if dim <= 0 {
		return
	}
	stmt := fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS vec_index USING vec0(embedding float[%d], event_id TEXT)", dim)
	if _, err := s.db.Exec(stmt); err == nil {
		s.mu.Lock()
		s.vectorExt = true
		s.mu.Unlock()
		s.log.Info("store: sqlite-vec index enabled", zap.Int("dimensions", dim))
	} else {
		s.log.Debug("store: sqlite-vec unavailable, using brute-force recall", zap.Error(err))
	}
}

// Put embeds content (if engine is configured and embedding is nil) and
// upserts the row, plus the vec0 index when available.
func (s *VectorStore) Put(ctx context.Context, project, file, topicPath, eventID, content string, metadata map[string]interface{}, precomputed []float32) error {
	vec := precomputed
	if vec == nil {
		if s.engine == nil {
			return fmt.Errorf("store: no embedding engine configured and no precomputed vector given")
		}
		var err error
		vec, err = s.engine.Embed(ctx, content)
		if err != nil {
			return fmt.Errorf("store: embed %s/%s: %w", project, file, err)
		}
	}

	embJSON, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("store: marshal embedding: %w", err)
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}

	s.mu.RLock()
	vecEnabled := s.vectorExt
	s.mu.RUnlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vectors (event_id, project, file, topic_path, content, embedding, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO UPDATE SET content=excluded.content, embedding=excluded.embedding, metadata=excluded.metadata`,
		eventID, project, file, topicPath, content, string(embJSON), string(metaJSON))
	if err != nil {
		return fmt.Errorf("store: upsert vector row: %w", err)
	}

	if vecEnabled {
		blob := encodeFloat32Slice(vec)
		if _, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO vec_index (rowid, embedding, event_id) VALUES ((SELECT rowid FROM vectors WHERE event_id = ?), ?, ?)`, eventID, blob, eventID); err != nil {
			s.log.Warn("store: vec_index insert failed, relying on brute-force recall", zap.Error(err))
		}
	}
	return nil
}

// VectorPutItem is one entry of a PutBatch call.
type VectorPutItem struct {
	Project   string
	File      string
	TopicPath string
	EventID   string
	Content   string
	Metadata  map[string]interface{}
}

// PutBatch embeds every item's content in one engine.EmbedBatch call and
// upserts all rows inside a single transaction. Grounded on the teacher's
// StoreVectorBatchWithEmbedding: batch-embed once, then a prepared
// statement reused across rows in one transaction, rather than one
// round-trip per item. Satisfies spec.md's "Bulk paths MUST be
// implemented for vector ... sinks."
func (s *VectorStore) PutBatch(ctx context.Context, items []VectorPutItem) error {
	if len(items) == 0 {
		return nil
	}
	if s.engine == nil {
		return fmt.Errorf("store: no embedding engine configured for batch put")
	}

	contents := make([]string, len(items))
	for i, it := range items {
		contents[i] = it.Content
	}
	vecs, err := s.engine.EmbedBatch(ctx, contents)
	if err != nil {
		return fmt.Errorf("store: batch embed: %w", err)
	}
	if len(vecs) != len(items) {
		return fmt.Errorf("store: batch embed returned %d vectors for %d items", len(vecs), len(items))
	}

	s.mu.RLock()
	vecEnabled := s.vectorExt
	s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin vector batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO vectors (event_id, project, file, topic_path, content, embedding, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO UPDATE SET content=excluded.content, embedding=excluded.embedding, metadata=excluded.metadata`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("store: prepare vector batch insert: %w", err)
	}
	defer stmt.Close()

	var vecStmt *sql.Stmt
	if vecEnabled {
		vecStmt, err = tx.PrepareContext(ctx, `INSERT OR REPLACE INTO vec_index (rowid, embedding, event_id) VALUES ((SELECT rowid FROM vectors WHERE event_id = ?), ?, ?)`)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("store: prepare vec_index batch insert: %w", err)
		}
		defer vecStmt.Close()
	}

	for i, it := range items {
		embJSON, err := json.Marshal(vecs[i])
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("store: marshal embedding for %s: %w", it.EventID, err)
		}
		metaJSON, err := json.Marshal(it.Metadata)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("store: marshal metadata for %s: %w", it.EventID, err)
		}
		if _, err := stmt.ExecContext(ctx, it.EventID, it.Project, it.File, it.TopicPath, it.Content, string(embJSON), string(metaJSON)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("store: insert vector row %s: %w", it.EventID, err)
		}
		if vecEnabled {
			blob := encodeFloat32Slice(vecs[i])
			if _, err := vecStmt.ExecContext(ctx, it.EventID, blob, it.EventID); err != nil {
				s.log.Warn("store: vec_index batch insert failed, relying on brute-force recall", zap.Error(err), zap.String("event_id", it.EventID))
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit vector batch: %w", err)
	}
	return nil
}

// Recall embeds query with the configured engine (returning an error when
// none is configured) and returns the top limit most-similar entries.
// Always brute-force unless sqlite-vec
// is compiled in.
func (s *VectorStore) Recall(ctx context.Context, query string, limit int) ([]VectorEntry, error) {
	if s.engine == nil {
		return nil, fmt.Errorf("store: recall requires an embedding engine")
	}
	queryVec, err := s.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: embed query: %w", err)
	}
	return s.RecallByVector(ctx, queryVec, limit)
}

// RecallByVector scores stored entries against a precomputed query vector.
func (s *VectorStore) RecallByVector(ctx context.Context, queryVec []float32, limit int) ([]VectorEntry, error) {
	s.mu.RLock()
	vecEnabled := s.vectorExt
	s.mu.RUnlock()

	if vecEnabled {
		entries, err := s.recallVec(ctx, queryVec, limit)
		if err == nil {
			return entries, nil
		}
		s.log.Warn("store: vec0 recall failed, falling back to brute force", zap.Error(err))
	}
	return s.recallBruteForce(ctx, queryVec, limit)
}

func (s *VectorStore) recallVec(ctx context.Context, queryVec []float32, limit int) ([]VectorEntry, error) {
	blob := encodeFloat32Slice(queryVec)
	rows, err := s.db.QueryContext(ctx,
		`SELECT v.event_id, v.project, v.file, v.topic_path, v.content, v.metadata, v.created_at, vec_index.distance
		 FROM vec_index
		 JOIN vectors v ON v.event_id = vec_index.event_id
		 WHERE vec_index.embedding MATCH ? AND k = ?
		 ORDER BY vec_index.distance`, blob, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VectorEntry
	for rows.Next() {
		var e VectorEntry
		var metaJSON string
		var distance float64
		if err := rows.Scan(&e.EventID, &e.Project, &e.File, &e.TopicPath, &e.Content, &metaJSON, &e.CreatedAt, &distance); err != nil {
			continue
		}
		if metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &e.Metadata)
		}
		e.Similarity = 1 - distance
		out = append(out, e)
	}
	return out, nil
}

// recallBruteForce performs brute-force cosine similarity search,
// mirroring the teacher's vectorRecallBruteForce.
func (s *VectorStore) recallBruteForce(ctx context.Context, queryVec []float32, limit int) ([]VectorEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id, project, file, topic_path, content, embedding, metadata, created_at FROM vectors WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("store: query vectors: %w", err)
	}
	defer rows.Close()

	type candidate struct {
		entry      VectorEntry
		similarity float64
	}
	var candidates []candidate

	for rows.Next() {
		var e VectorEntry
		var embJSON, metaJSON string
		if err := rows.Scan(&e.EventID, &e.Project, &e.File, &e.TopicPath, &e.Content, &embJSON, &metaJSON, &e.CreatedAt); err != nil {
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(embJSON), &vec); err != nil {
			continue
		}
		sim, err := embedding.CosineSimilarity(queryVec, vec)
		if err != nil {
			continue
		}
		if metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &e.Metadata)
		}
		candidates = append(candidates, candidate{entry: e, similarity: sim})
	}

	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].similarity > candidates[i].similarity {
				candidates[i], candidates[j] = candidates[j], candidates[i]
			}
		}
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]VectorEntry, len(candidates))
	for i, c := range candidates {
		out[i] = c.entry
		out[i].Similarity = c.similarity
	}
	return out, nil
}

func encodeFloat32Slice(vec []float32) []byte {
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.LittleEndian, vec)
	return buf.Bytes()
}

// ScanForPrune returns up to scanCap vector rows ordered by created_at
// ascending, for internal/retention's sink pruner. The vectors table
// carries no source_kind column, so candidates leave that field empty.
func (s *VectorStore) ScanForPrune(ctx context.Context, scanCap int) ([]PruneCandidate, error) {
	if scanCap <= 0 {
		scanCap = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, file, topic_path, content, created_at FROM vectors ORDER BY created_at ASC LIMIT ?`, scanCap)
	if err != nil {
		return nil, fmt.Errorf("store: scan vectors for prune: %w", err)
	}
	defer rows.Close()

	var out []PruneCandidate
	for rows.Next() {
		var eventID, file, topicPath, content string
		var createdAt time.Time
		if err := rows.Scan(&eventID, &file, &topicPath, &content, &createdAt); err != nil {
			continue
		}
		out = append(out, PruneCandidate{
			EventID: eventID, File: file, TopicPath: topicPath,
			Summary: content, CreatedAt: createdAt,
		})
	}
	return out, nil
}

// DeleteBatch removes the given event IDs from both the vectors table and,
// when present, the vec0 ANN index.
func (s *VectorStore) DeleteBatch(ctx context.Context, eventIDs []string) (int, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	s.mu.RLock()
	vecEnabled := s.vectorExt
	s.mu.RUnlock()

	deleted := 0
	for _, id := range eventIDs {
		res, err := s.db.ExecContext(ctx, `DELETE FROM vectors WHERE event_id = ?`, id)
		if err != nil {
			return deleted, fmt.Errorf("store: delete vector row %s: %w", id, err)
		}
		if vecEnabled {
			if _, err := s.db.ExecContext(ctx, `DELETE FROM vec_index WHERE event_id = ?`, id); err != nil {
				s.log.Warn("store: vec_index delete failed", zap.Error(err), zap.String("event_id", id))
			}
		}
		if n, _ := res.RowsAffected(); n > 0 {
			deleted += int(n)
		}
	}
	return deleted, nil
}

// Close closes the underlying database handle.
func (s *VectorStore) Close() error { return s.db.Close() }

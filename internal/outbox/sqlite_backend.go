package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend is the default embedded outbox backend: one transactional
// modernc.org/sqlite database file. Migrations follow the teacher's
// internal/store/migrations.go idiom of idempotent CREATE TABLE IF NOT
// EXISTS guarded by PRAGMA user_version.
type SQLiteBackend struct {
	db *sql.DB

	mu                 sync.Mutex
	compactionThresh   int
	minCompactInterval time.Duration
	lastCompactAt      time.Time
}

const sqliteSchemaVersion = 1

// OpenSQLiteBackend opens (and migrates) the embedded outbox database.
func OpenSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("outbox: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite: single-writer discipline, avoid SQLITE_BUSY storms
	b := &SQLiteBackend{db: db, compactionThresh: 1000, minCompactInterval: 6 * time.Hour}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// SetCompactionPolicy overrides the default deletion threshold and minimum
// inter-compaction interval gating VACUUM after GC.
func (b *SQLiteBackend) SetCompactionPolicy(threshold int, minInterval time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.compactionThresh = threshold
	b.minCompactInterval = minInterval
}

func (b *SQLiteBackend) migrate() error {
	var version int
	if err := b.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("outbox: read schema version: %w", err)
	}
	if version >= sqliteSchemaVersion {
		return nil
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS outbox_rows (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			target TEXT NOT NULL,
			project TEXT NOT NULL,
			file TEXT NOT NULL,
			summary TEXT NOT NULL,
			payload BLOB,
			topic_path TEXT NOT NULL DEFAULT '',
			topic_tags TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			next_attempt_at INTEGER NOT NULL,
			last_attempt_at INTEGER NOT NULL DEFAULT 0,
			completed_at INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			dedupe_key TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_dedupe_key ON outbox_rows(dedupe_key)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_claim ON outbox_rows(status, next_attempt_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_coalesce ON outbox_rows(target, project, file, status, updated_at)`,
		fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion),
	}
	for _, stmt := range stmts {
		if _, err := b.db.Exec(stmt); err != nil {
			return fmt.Errorf("outbox: migrate: %w", err)
		}
	}
	return nil
}

func (b *SQLiteBackend) Name() string { return "sqlite" }

func (b *SQLiteBackend) Close() error { return b.db.Close() }

func (b *SQLiteBackend) Enqueue(ctx context.Context, items []EnqueueItem, coalesceTargets map[Target]bool, coalesceWindow time.Duration, forceRequeue bool) (EnqueueResult, error) {
	result := EnqueueResult{CoalescedByTarget: make(map[Target]int)}
	if len(items) == 0 {
		return result, nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("outbox: begin enqueue tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for _, item := range items {
		coalesced := false
		if coalesceTargets[item.Target] && coalesceWindow > 0 {
			coalesced, err = coalesceLocked(ctx, tx, item, now, coalesceWindow)
			if err != nil {
				return result, err
			}
		}
		if coalesced {
			result.Coalesced++
			result.CoalescedByTarget[item.Target]++
			continue
		}

		dedupeKey := item.EventID + ":" + string(item.Target)
		tagsJSON, _ := json.Marshal(item.TopicTags)
		maxAttempts := item.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 8
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO outbox_rows
				(event_id, target, project, file, summary, payload, topic_path, topic_tags,
				 status, attempts, max_attempts, next_attempt_at, created_at, updated_at, dedupe_key)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
			ON CONFLICT(dedupe_key) DO NOTHING`,
			item.EventID, string(item.Target), item.Project, item.File, item.Summary, item.Payload,
			item.TopicPath, string(tagsJSON), string(StatusPending), maxAttempts,
			now.UnixNano(), now.UnixNano(), now.UnixNano(), dedupeKey)
		if err != nil {
			return result, fmt.Errorf("outbox: insert row: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected > 0 {
			result.Inserted++
			continue
		}

		// Row already existed.
		if forceRequeue {
			if err := requeueExistingLocked(ctx, tx, dedupeKey, item, now); err != nil {
				return result, err
			}
			result.Requeued++
		} else {
			result.Existing++
		}
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("outbox: commit enqueue tx: %w", err)
	}
	return result, nil
}

// coalesceLocked finds the most recent non-terminal row for
// (target, project, file) updated within window and, if found, overwrites
// its payload and resets next_attempt_at to now.
func coalesceLocked(ctx context.Context, tx *sql.Tx, item EnqueueItem, now time.Time, window time.Duration) (bool, error) {
	cutoff := now.Add(-window).UnixNano()
	var id int64
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM outbox_rows
		WHERE target = ? AND project = ? AND file = ?
		  AND status NOT IN (?, ?)
		  AND updated_at >= ?
		ORDER BY updated_at DESC, id DESC LIMIT 1`,
		string(item.Target), item.Project, item.File,
		string(StatusSucceeded), string(StatusFailed), cutoff,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("outbox: coalesce lookup: %w", err)
	}

	tagsJSON, _ := json.Marshal(item.TopicTags)
	_, err = tx.ExecContext(ctx, `
		UPDATE outbox_rows
		SET payload = ?, summary = ?, topic_path = ?, topic_tags = ?,
		    next_attempt_at = ?, updated_at = ?
		WHERE id = ?`,
		item.Payload, item.Summary, item.TopicPath, string(tagsJSON),
		now.UnixNano(), now.UnixNano(), id)
	if err != nil {
		return false, fmt.Errorf("outbox: coalesce update: %w", err)
	}
	return true, nil
}

func requeueExistingLocked(ctx context.Context, tx *sql.Tx, dedupeKey string, item EnqueueItem, now time.Time) error {
	tagsJSON, _ := json.Marshal(item.TopicTags)
	_, err := tx.ExecContext(ctx, `
		UPDATE outbox_rows
		SET status = ?, payload = ?, summary = ?, topic_path = ?, topic_tags = ?,
		    next_attempt_at = ?, updated_at = ?, last_error = ''
		WHERE dedupe_key = ?`,
		string(StatusPending), item.Payload, item.Summary, item.TopicPath, string(tagsJSON),
		now.UnixNano(), now.UnixNano(), dedupeKey)
	if err != nil {
		return fmt.Errorf("outbox: requeue existing: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) ClaimBatch(ctx context.Context, limit int, target Target, excludeTarget bool) ([]Row, error) {
	if limit <= 0 {
		limit = 1
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("outbox: begin claim tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	args := []interface{}{string(StatusPending), string(StatusRetrying), now.UnixNano()}
	query := `SELECT id FROM outbox_rows WHERE status IN (?, ?) AND next_attempt_at <= ?`
	if target != "" {
		if excludeTarget {
			query += " AND target != ?"
		} else {
			query += " AND target = ?"
		}
		args = append(args, string(target))
	}
	query += " ORDER BY next_attempt_at ASC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim select: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("outbox: claim scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	placeholders := make([]string, len(ids))
	updateArgs := make([]interface{}, 0, len(ids)+2)
	updateArgs = append(updateArgs, string(StatusRunning), now.UnixNano(), now.UnixNano())
	for i, id := range ids {
		placeholders[i] = "?"
		updateArgs = append(updateArgs, id)
	}
	updateQuery := fmt.Sprintf(`
		UPDATE outbox_rows
		SET status = ?, attempts = attempts + 1, last_attempt_at = ?, updated_at = ?
		WHERE id IN (%s)`, strings.Join(placeholders, ","))
	if _, err := tx.ExecContext(ctx, updateQuery, updateArgs...); err != nil {
		return nil, fmt.Errorf("outbox: claim update: %w", err)
	}

	claimed, err := selectByIDs(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	return claimed, tx.Commit()
}

func selectByIDs(ctx context.Context, q queryer, ids []int64) ([]Row, error) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT %s FROM outbox_rows WHERE id IN (%s) ORDER BY id ASC`, rowColumns, strings.Join(placeholders, ","))
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("outbox: select by ids: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

const rowColumns = `id, event_id, target, project, file, summary, payload, topic_path, topic_tags,
	status, attempts, max_attempts, next_attempt_at, last_attempt_at, completed_at,
	last_error, created_at, updated_at, dedupe_key`

func scanRows(rows *sql.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		var r Row
		var target, status, tagsJSON string
		var nextAt, lastAt, completedAt, createdAt, updatedAt int64
		if err := rows.Scan(&r.ID, &r.EventID, &target, &r.Project, &r.File, &r.Summary, &r.Payload,
			&r.TopicPath, &tagsJSON, &status, &r.Attempts, &r.MaxAttempts,
			&nextAt, &lastAt, &completedAt, &r.LastError, &createdAt, &updatedAt, &r.DedupeKey); err != nil {
			return nil, fmt.Errorf("outbox: scan row: %w", err)
		}
		r.Target = Target(target)
		r.Status = Status(status)
		_ = json.Unmarshal([]byte(tagsJSON), &r.TopicTags)
		r.NextAttemptAt = nanoToTime(nextAt)
		r.LastAttemptAt = nanoToTime(lastAt)
		r.CompletedAt = nanoToTime(completedAt)
		r.CreatedAt = nanoToTime(createdAt)
		r.UpdatedAt = nanoToTime(updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nanoToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (b *SQLiteBackend) MarkSuccess(ctx context.Context, id int64) error {
	now := time.Now().UnixNano()
	_, err := b.db.ExecContext(ctx, `
		UPDATE outbox_rows SET status = ?, completed_at = ?, last_error = '', updated_at = ? WHERE id = ?`,
		string(StatusSucceeded), now, now, id)
	if err != nil {
		return fmt.Errorf("outbox: mark success: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	now := time.Now().UnixNano()
	_, err := b.db.ExecContext(ctx, `
		UPDATE outbox_rows SET status = ?, completed_at = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(StatusFailed), now, truncateError(errMsg), now, id)
	if err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) MarkRetry(ctx context.Context, row Row, errMsg string, backoff BackoffFunc) error {
	now := time.Now()
	if row.Attempts >= row.MaxAttempts {
		return b.MarkFailed(ctx, row.ID, errMsg)
	}
	delay := backoff(row.Attempts)
	_, err := b.db.ExecContext(ctx, `
		UPDATE outbox_rows SET status = ?, next_attempt_at = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(StatusRetrying), now.Add(delay).UnixNano(), truncateError(errMsg), now.UnixNano(), row.ID)
	if err != nil {
		return fmt.Errorf("outbox: mark retry: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) RecoverStaleRunning(ctx context.Context, maxAge time.Duration) (int, error) {
	now := time.Now()
	cutoff := now.Add(-maxAge).UnixNano()
	res, err := b.db.ExecContext(ctx, `
		UPDATE outbox_rows
		SET status = ?, next_attempt_at = ?, updated_at = ?,
		    last_error = CASE WHEN last_error = '' THEN 'recovered from stale running' ELSE last_error END
		WHERE status = ? AND last_attempt_at <= ?`,
		string(StatusRetrying), now.UnixNano(), now.UnixNano(), string(StatusRunning), cutoff)
	if err != nil {
		return 0, fmt.Errorf("outbox: recover stale running: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (b *SQLiteBackend) Summary(ctx context.Context) (StatusSummary, error) {
	summary := StatusSummary{
		ByStatus:       make(map[Status]int),
		ByTargetStatus: make(map[Target]map[Status]int),
		Backend:        b.Name(),
		GeneratedAt:    time.Now(),
	}
	rows, err := b.db.QueryContext(ctx, `SELECT target, status, COUNT(*) FROM outbox_rows GROUP BY target, status`)
	if err != nil {
		return summary, fmt.Errorf("outbox: summary query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var target, status string
		var count int
		if err := rows.Scan(&target, &status, &count); err != nil {
			return summary, fmt.Errorf("outbox: summary scan: %w", err)
		}
		summary.ByStatus[Status(status)] += count
		if summary.ByTargetStatus[Target(target)] == nil {
			summary.ByTargetStatus[Target(target)] = make(map[Status]int)
		}
		summary.ByTargetStatus[Target(target)][Status(status)] = count
	}
	return summary, rows.Err()
}

func (b *SQLiteBackend) GC(ctx context.Context, succeededAge, failedAge, stalePendingAge time.Duration, staleTargets []Target) (GCResult, error) {
	start := time.Now()
	var result GCResult

	res, err := b.db.ExecContext(ctx, `DELETE FROM outbox_rows WHERE status = ? AND updated_at <= ?`,
		string(StatusSucceeded), start.Add(-succeededAge).UnixNano())
	if err != nil {
		return result, fmt.Errorf("outbox: gc succeeded: %w", err)
	}
	n, _ := res.RowsAffected()
	result.SucceededDeleted = int(n)

	res, err = b.db.ExecContext(ctx, `DELETE FROM outbox_rows WHERE status = ? AND updated_at <= ?`,
		string(StatusFailed), start.Add(-failedAge).UnixNano())
	if err != nil {
		return result, fmt.Errorf("outbox: gc failed: %w", err)
	}
	n, _ = res.RowsAffected()
	result.FailedDeleted = int(n)

	for _, target := range staleTargets {
		res, err = b.db.ExecContext(ctx, `
			DELETE FROM outbox_rows
			WHERE target = ? AND status NOT IN (?, ?) AND last_attempt_at <= ? AND last_attempt_at != 0`,
			string(target), string(StatusSucceeded), string(StatusFailed), start.Add(-stalePendingAge).UnixNano())
		if err != nil {
			return result, fmt.Errorf("outbox: gc stale target %s: %w", target, err)
		}
		n, _ = res.RowsAffected()
		result.StaleDeleted += int(n)
	}

	total := result.SucceededDeleted + result.FailedDeleted + result.StaleDeleted
	b.mu.Lock()
	shouldCompact := total >= b.compactionThresh && time.Since(b.lastCompactAt) >= b.minCompactInterval
	if shouldCompact {
		b.lastCompactAt = start
	}
	b.mu.Unlock()
	if shouldCompact {
		if _, err := b.db.ExecContext(ctx, "VACUUM"); err == nil {
			result.Compacted = true
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}

func (b *SQLiteBackend) ListDeadletter(ctx context.Context, target Target, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM outbox_rows WHERE status = ?`, rowColumns)
	args := []interface{}{string(StatusFailed)}
	if target != "" {
		query += " AND target = ?"
		args = append(args, string(target))
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("outbox: list deadletter: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

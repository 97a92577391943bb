package taskqueue

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"

	"memoryorch/internal/logging"
	"memoryorch/internal/outbox"
)

const schemaVersion = 1

// ErrNotFound is returned when a task ID does not exist.
var ErrNotFound = fmt.Errorf("taskqueue: task not found")

// OutcomeWriter is the narrow slice of store.CanonicalStore the task
// store needs to persist a terminal outcome record.
type OutcomeWriter interface {
	Put(ctx context.Context, project, file, content string) error
}

// Store is the durable task queue backend: one modernc.org/sqlite
// database, migrated the same idempotent
// CREATE TABLE IF NOT EXISTS / PRAGMA user_version way as
// internal/outbox's SQLiteBackend.
type Store struct {
	db        *sql.DB
	log       *zap.Logger
	history   *logging.History
	outcome   OutcomeWriter
	allowed   map[Action]bool
	retryBase time.Duration
	retryCap  time.Duration
}

// OpenStore opens (and migrates) the task queue database at path.
// history may be nil, in which case status transitions are not recorded
// as NDJSON events (only as row updates). outcome may be nil, in which
// case terminal transitions skip the canonical outcome-record write.
// allowedActions is the configured action allowlist
// (config.TaskQueueConfig.AllowedActions); an empty list falls back to
// every known Action. retryBase/retryCap feed outbox.DefaultBackoff for
// RequeueForRetry.
func OpenStore(log *zap.Logger, path string, history *logging.History, outcome OutcomeWriter, allowedActions []string, retryBase, retryCap time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if retryBase <= 0 {
		retryBase = time.Second
	}
	if retryCap <= 0 {
		retryCap = 2 * time.Minute
	}
	s := &Store{db: db, log: log, history: history, outcome: outcome, allowed: actionSet(allowedActions), retryBase: retryBase, retryCap: retryCap}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func actionSet(names []string) map[Action]bool {
	if len(names) == 0 {
		return map[Action]bool{
			ActionMemoryWrite: true, ActionMemorySearch: true, ActionMessagingCommand: true,
			ActionHTTPCallback: true, ActionProviderChat: true,
		}
	}
	set := make(map[Action]bool, len(names))
	for _, n := range names {
		set[Action(n)] = true
	}
	return set
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("taskqueue: read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			status TEXT NOT NULL,
			project TEXT NOT NULL DEFAULT '',
			agent TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			payload BLOB,
			action_type TEXT NOT NULL,
			risk_level TEXT NOT NULL,
			approval_required INTEGER NOT NULL DEFAULT 0,
			approved INTEGER NOT NULL DEFAULT 0,
			approver TEXT NOT NULL DEFAULT '',
			run_after INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			lease_expires_at INTEGER NOT NULL DEFAULT 0,
			claimed_by TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			result BLOB,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, priority DESC, run_after ASC, id ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project, status)`,
		fmt.Sprintf("PRAGMA user_version = %d", schemaVersion),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("taskqueue: migrate: %w", err)
		}
	}
	return nil
}

func newTaskID() string {
	var b [12]byte
	_, _ = rand.Read(b)
	return hex.EncodeToString(b[:])
}

func (s *Store) recordEvent(taskID string, status Status, fields map[string]interface{}) {
	if s.history == nil {
		return
	}
	row := map[string]interface{}{
		"task_id": taskID,
		"status":  string(status),
	}
	for k, v := range fields {
		row[k] = v
	}
	if err := s.history.Append("task_queue", row); err != nil {
		s.log.Warn("task queue history append failed", zap.Error(err))
	}
}

// Create implements spec.md §4.7's create(): validates the action
// against the allowlist, derives risk_level/approval_required, and
// inserts queued (or blocked, when approval is required and not yet
// granted).
func (s *Store) Create(ctx context.Context, p CreateParams) (TaskRow, error) {
	if !s.allowed[p.Action] {
		return TaskRow{}, fmt.Errorf("taskqueue: action %q is not in the allowlist", p.Action)
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.RunAfter.IsZero() {
		p.RunAfter = time.Now()
	}
	risk := ClassifyRisk(p.Action)
	approvalRequired := risk == RiskHigh

	status := StatusQueued
	if approvalRequired {
		status = StatusBlocked
	}

	now := time.Now()
	id := newTaskID()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks
			(id, title, status, project, agent, priority, payload, action_type, risk_level,
			 approval_required, approved, run_after, attempts, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, 0, ?, ?, ?)`,
		id, p.Title, string(status), p.Project, p.Agent, p.Priority, []byte(p.Payload), string(p.Action), string(risk),
		boolToInt(approvalRequired), p.RunAfter.UnixNano(), p.MaxAttempts, now.UnixNano(), now.UnixNano())
	if err != nil {
		return TaskRow{}, fmt.Errorf("taskqueue: insert task: %w", err)
	}

	s.recordEvent(id, status, map[string]interface{}{"action": string(p.Action), "risk_level": string(risk)})
	return s.Get(ctx, id)
}

// Get fetches one task by ID.
func (s *Store) Get(ctx context.Context, id string) (TaskRow, error) {
	row := s.db.QueryRowContext(ctx, taskSelectColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return TaskRow{}, ErrNotFound
	}
	return t, err
}

// ClaimNext implements spec.md §4.7's claim_next: recovers expired
// leases, then selects the top-priority, earliest-due task matching
// worker's class/name and whose approval gate is satisfied.
func (s *Store) ClaimNext(ctx context.Context, worker Worker, leaseDuration time.Duration) (TaskRow, bool, error) {
	if _, err := s.RecoverExpiredLeases(ctx, 1000); err != nil {
		return TaskRow{}, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TaskRow{}, false, fmt.Errorf("taskqueue: begin claim tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	rows, err := tx.QueryContext(ctx, taskSelectColumns+` FROM tasks
		WHERE status IN (?, ?)
		  AND run_after <= ?
		  AND attempts < max_attempts
		  AND (approval_required = 0 OR approved = 1)
		ORDER BY priority DESC, run_after ASC, id ASC`,
		string(StatusQueued), string(StatusApproved), now.UnixNano())
	if err != nil {
		return TaskRow{}, false, fmt.Errorf("taskqueue: claim query: %w", err)
	}

	var candidate *TaskRow
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			rows.Close()
			return TaskRow{}, false, err
		}
		if t.MatchesAgent(worker) {
			candidate = &t
			break
		}
	}
	rows.Close()
	if candidate == nil {
		return TaskRow{}, false, nil
	}

	leaseExpiry := now.Add(leaseDuration)
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, attempts = attempts + 1, claimed_by = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ?`,
		string(StatusRunning), worker.Name, leaseExpiry.UnixNano(), now.UnixNano(), candidate.ID)
	if err != nil {
		return TaskRow{}, false, fmt.Errorf("taskqueue: claim update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return TaskRow{}, false, fmt.Errorf("taskqueue: commit claim: %w", err)
	}

	candidate.Status = StatusRunning
	candidate.Attempts++
	candidate.ClaimedBy = worker.Name
	candidate.LeaseExpiresAt = leaseExpiry
	s.recordEvent(candidate.ID, StatusRunning, map[string]interface{}{"claimed_by": worker.Name})
	return *candidate, true, nil
}

// RecoverExpiredLeases implements spec.md §4.7's recover_expired_leases:
// atomically requeues running tasks whose lease has expired.
func (s *Store) RecoverExpiredLeases(ctx context.Context, limit int) (int, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, last_error = 'lease expired', updated_at = ?
		WHERE status = ? AND lease_expires_at > 0 AND lease_expires_at <= ?`,
		string(StatusQueued), now.UnixNano(), string(StatusRunning), now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("taskqueue: recover expired leases: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info("recovered expired task leases", zap.Int64("count", n))
	}
	return int(n), nil
}

// UpdateStatus implements spec.md §4.7's update_status: records a
// status transition, and on terminal statuses a caller-supplied result
// is persisted alongside it.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, message string, result json.RawMessage) error {
	now := time.Now()
	completedAt := int64(0)
	if status == StatusSucceeded || status == StatusFailed || status == StatusCanceled {
		completedAt = now.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, last_error = ?, result = ?, updated_at = ?, completed_at = CASE WHEN ? > 0 THEN ? ELSE completed_at END
		WHERE id = ?`,
		string(status), message, []byte(result), now.UnixNano(), completedAt, completedAt, id)
	if err != nil {
		return fmt.Errorf("taskqueue: update status: %w", err)
	}
	s.recordEvent(id, status, map[string]interface{}{"message": message})

	if status.IsTerminal() {
		if err := s.writeOutcomeRecord(ctx, id); err != nil {
			s.log.Warn("taskqueue: outcome record write failed", zap.String("id", id), zap.Error(err))
		}
	}
	return nil
}

// writeOutcomeRecord persists the task's final state to the canonical
// store under tasks/<id>__latest.json, per spec.md §4.7's terminal
// outcome-write requirement. A nil outcome writer (no canonical store
// configured on this deployment) is a no-op.
func (s *Store) writeOutcomeRecord(ctx context.Context, id string) error {
	if s.outcome == nil {
		return nil
	}
	row, err := s.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("taskqueue: load task for outcome record: %w", err)
	}
	record := struct {
		ID          string          `json:"id"`
		Title       string          `json:"title"`
		Status      Status          `json:"status"`
		Attempts    int             `json:"attempts"`
		LastError   string          `json:"last_error,omitempty"`
		Result      json.RawMessage `json:"result,omitempty"`
		CompletedAt time.Time       `json:"completed_at"`
	}{
		ID:          row.ID,
		Title:       row.Title,
		Status:      row.Status,
		Attempts:    row.Attempts,
		LastError:   row.LastError,
		Result:      row.Result,
		CompletedAt: row.CompletedAt,
	}
	content, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("taskqueue: marshal outcome record: %w", err)
	}
	project := row.Project
	if project == "" {
		project = "_tasks"
	}
	return s.outcome.Put(ctx, project, fmt.Sprintf("tasks/%s__latest.json", row.ID), string(content))
}

// Approve implements spec.md §4.7's approve(): grants approval and
// moves a blocked or queued task into the approved state.
func (s *Store) Approve(ctx context.Context, id, approver, note string) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, approved = 1, approver = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(StatusApproved), approver, now.UnixNano(), id, string(StatusBlocked), string(StatusQueued))
	if err != nil {
		return fmt.Errorf("taskqueue: approve: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("taskqueue: task %s not in an approvable state", id)
	}
	s.recordEvent(id, StatusApproved, map[string]interface{}{"approver": approver, "note": note})
	return nil
}

// RequeueForRetry implements spec.md §4.7's requeue_for_retry(): either
// terminal-fails a task that has exhausted max_attempts, or schedules
// it back to queued after outbox.DefaultBackoff's delay.
func (s *Store) RequeueForRetry(ctx context.Context, id string, taskErr string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Attempts >= t.MaxAttempts {
		return s.UpdateStatus(ctx, id, StatusFailed, taskErr, nil)
	}
	backoff := outbox.DefaultBackoff(s.retryBase, s.retryCap)
	delay := backoff(t.Attempts)
	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, run_after = ?, last_error = ?, claimed_by = '', lease_expires_at = 0, updated_at = ?
		WHERE id = ?`,
		string(StatusQueued), now.Add(delay).UnixNano(), taskErr, now.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("taskqueue: requeue for retry: %w", err)
	}
	s.recordEvent(id, StatusQueued, map[string]interface{}{"reason": "retry", "delay": delay.String()})
	return nil
}

// Replay implements spec.md §4.7's replay(): unconditionally moves a
// task back to queued, optionally zeroing its attempt count.
func (s *Store) Replay(ctx context.Context, id string, resetAttempts bool) error {
	now := time.Now()
	query := `UPDATE tasks SET status = ?, last_error = '', claimed_by = '', lease_expires_at = 0, updated_at = ?`
	args := []interface{}{string(StatusQueued), now.UnixNano()}
	if resetAttempts {
		query += ", attempts = 0"
	}
	query += " WHERE id = ?"
	args = append(args, id)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("taskqueue: replay: %w", err)
	}
	s.recordEvent(id, StatusQueued, map[string]interface{}{"reason": "replay", "reset_attempts": resetAttempts})
	return nil
}

// ListDeadletter implements spec.md §4.7's list_deadletter: failed
// tasks, optionally scoped to a project, newest first.
func (s *Store) ListDeadletter(ctx context.Context, project string, limit int) ([]TaskRow, error) {
	if limit <= 0 {
		limit = 50
	}
	query := taskSelectColumns + ` FROM tasks WHERE status = ?`
	args := []interface{}{string(StatusFailed)}
	if project != "" {
		query += " AND project = ?"
		args = append(args, project)
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: list deadletter: %w", err)
	}
	defer rows.Close()

	var out []TaskRow
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ListByProject lists tasks newest-first, optionally scoped to project and
// status, for the messaging interpreter's "task list" sub-command.
func (s *Store) ListByProject(ctx context.Context, project string, status Status, limit int) ([]TaskRow, error) {
	if limit <= 0 {
		limit = 50
	}
	query := taskSelectColumns + ` FROM tasks WHERE 1=1`
	var args []interface{}
	if project != "" {
		query += " AND project = ?"
		args = append(args, project)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: list by project: %w", err)
	}
	defer rows.Close()

	var out []TaskRow
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// RuntimeSnapshot implements spec.md §4.7's runtime_snapshot(): counts
// by status, ready-to-run count, and the oldest pending run_after.
func (s *Store) RuntimeSnapshot(ctx context.Context) (RuntimeSnapshot, error) {
	snap := RuntimeSnapshot{CountByStatus: make(map[Status]int), GeneratedAt: time.Now()}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return snap, fmt.Errorf("taskqueue: snapshot status counts: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return snap, err
		}
		snap.CountByStatus[Status(status)] = count
	}
	rows.Close()

	now := time.Now().UnixNano()
	var ready int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE status IN (?, ?) AND run_after <= ? AND attempts < max_attempts
		  AND (approval_required = 0 OR approved = 1)`,
		string(StatusQueued), string(StatusApproved), now).Scan(&ready); err != nil {
		return snap, fmt.Errorf("taskqueue: snapshot ready count: %w", err)
	}
	snap.ReadyToRun = ready

	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT MIN(run_after) FROM tasks WHERE status IN (?, ?)`,
		string(StatusQueued), string(StatusBlocked)).Scan(&oldest); err != nil {
		return snap, fmt.Errorf("taskqueue: snapshot oldest pending: %w", err)
	}
	if oldest.Valid {
		snap.OldestPendingRunAt = time.Unix(0, oldest.Int64)
	}
	return snap, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const taskSelectColumns = `SELECT
	id, title, status, project, agent, priority, payload, action_type, risk_level,
	approval_required, approved, approver, run_after, attempts, max_attempts,
	lease_expires_at, claimed_by, last_error, result, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row *sql.Row) (TaskRow, error) {
	return scanTaskInto(row)
}

func scanTaskRows(rows *sql.Rows) (TaskRow, error) {
	return scanTaskInto(rows)
}

func scanTaskInto(scanner rowScanner) (TaskRow, error) {
	var t TaskRow
	var status, actionType, risk string
	var approvalRequired, approved int
	var payload, result []byte
	var runAfter, leaseExpiresAt, createdAt, updatedAt, completedAt int64

	err := scanner.Scan(
		&t.ID, &t.Title, &status, &t.Project, &t.Agent, &t.Priority, &payload, &actionType, &risk,
		&approvalRequired, &approved, &t.Approver, &runAfter, &t.Attempts, &t.MaxAttempts,
		&leaseExpiresAt, &t.ClaimedBy, &t.LastError, &result, &createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return TaskRow{}, err
	}

	t.Status = Status(status)
	t.ActionType = Action(actionType)
	t.RiskLevel = RiskLevel(risk)
	t.ApprovalRequired = approvalRequired != 0
	t.Approved = approved != 0
	t.Payload = json.RawMessage(payload)
	t.Result = json.RawMessage(result)
	t.RunAfter = time.Unix(0, runAfter)
	t.CreatedAt = time.Unix(0, createdAt)
	t.UpdatedAt = time.Unix(0, updatedAt)
	if leaseExpiresAt > 0 {
		t.LeaseExpiresAt = time.Unix(0, leaseExpiresAt)
	}
	if completedAt > 0 {
		t.CompletedAt = time.Unix(0, completedAt)
	}
	return t, nil
}

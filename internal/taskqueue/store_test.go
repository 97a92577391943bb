package taskqueue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"memoryorch/internal/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenStore(logging.Noop(), filepath.Join(dir, "tasks.db"), logging.NewHistory(dir, "ts"), nil, nil, time.Millisecond, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeOutcomeWriter records every Put call for assertions, standing in
// for store.CanonicalStore.
type fakeOutcomeWriter struct {
	mu    sync.Mutex
	calls map[string]string // file -> content
}

func (f *fakeOutcomeWriter) Put(_ context.Context, _, file, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]string{}
	}
	f.calls[file] = content
	return nil
}

func TestCreateLowRiskTaskStartsQueued(t *testing.T) {
	s := newTestStore(t)
	task, err := s.Create(context.Background(), CreateParams{Title: "write", Action: ActionMemoryWrite, Priority: 1})
	require.NoError(t, err)
	require.Equal(t, StatusQueued, task.Status)
	require.False(t, task.ApprovalRequired)
}

func TestCreateHighRiskTaskStartsBlocked(t *testing.T) {
	s := newTestStore(t)
	task, err := s.Create(context.Background(), CreateParams{Title: "call out", Action: ActionHTTPCallback})
	require.NoError(t, err)
	require.Equal(t, StatusBlocked, task.Status)
	require.True(t, task.ApprovalRequired)
	require.Equal(t, RiskHigh, task.RiskLevel)
}

func TestCreateRejectsActionOutsideAllowlist(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(context.Background(), CreateParams{Title: "bad", Action: Action("delete_everything")})
	require.Error(t, err)
}

func TestClaimNextSkipsBlockedUntilApproved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task, err := s.Create(ctx, CreateParams{Title: "call out", Action: ActionHTTPCallback})
	require.NoError(t, err)

	_, ok, err := s.ClaimNext(ctx, Worker{Name: "w1", Class: WorkerInternal}, time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "blocked task must not be claimable")

	require.NoError(t, s.Approve(ctx, task.ID, "ops", "looks fine"))

	claimed, ok, err := s.ClaimNext(ctx, Worker{Name: "w1", Class: WorkerInternal}, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, task.ID, claimed.ID)
	require.Equal(t, StatusRunning, claimed.Status)
}

func TestClaimNextRespectsAgentAffinity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, CreateParams{Title: "internal only", Action: ActionMemoryWrite, Agent: "internal"})
	require.NoError(t, err)

	_, ok, err := s.ClaimNext(ctx, Worker{Name: "agent-x", Class: WorkerExternal}, time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "external worker must not claim an internal-only task")

	_, ok, err = s.ClaimNext(ctx, Worker{Name: "agent-x", Class: WorkerInternal}, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestClaimNextPrefersHigherPriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, CreateParams{Title: "low", Action: ActionMemoryWrite, Priority: 1})
	require.NoError(t, err)
	high, err := s.Create(ctx, CreateParams{Title: "high", Action: ActionMemoryWrite, Priority: 9})
	require.NoError(t, err)

	claimed, ok, err := s.ClaimNext(ctx, Worker{Name: "w1", Class: WorkerInternal}, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, high.ID, claimed.ID)
}

func TestRecoverExpiredLeasesRequeuesStaleRunningTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, CreateParams{Title: "t", Action: ActionMemoryWrite})
	require.NoError(t, err)

	_, ok, err := s.ClaimNext(ctx, Worker{Name: "w1", Class: WorkerInternal}, -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.RecoverExpiredLeases(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRequeueForRetryTerminalFailsAtMaxAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task, err := s.Create(ctx, CreateParams{Title: "t", Action: ActionMemoryWrite, MaxAttempts: 1})
	require.NoError(t, err)

	_, _, err = s.ClaimNext(ctx, Worker{Name: "w1", Class: WorkerInternal}, time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.RequeueForRetry(ctx, task.ID, "boom"))

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
}

func TestRequeueForRetryReschedulesWhenAttemptsRemain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task, err := s.Create(ctx, CreateParams{Title: "t", Action: ActionMemoryWrite, MaxAttempts: 5})
	require.NoError(t, err)

	_, _, err = s.ClaimNext(ctx, Worker{Name: "w1", Class: WorkerInternal}, time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.RequeueForRetry(ctx, task.ID, "transient"))

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, got.Status)
	require.True(t, got.RunAfter.After(time.Now()))
}

func TestReplayResetsAttemptsWhenRequested(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task, err := s.Create(ctx, CreateParams{Title: "t", Action: ActionMemoryWrite, MaxAttempts: 1})
	require.NoError(t, err)
	_, _, err = s.ClaimNext(ctx, Worker{Name: "w1", Class: WorkerInternal}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.RequeueForRetry(ctx, task.ID, "boom"))

	require.NoError(t, s.Replay(ctx, task.ID, true))

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, got.Status)
	require.Equal(t, 0, got.Attempts)
}

func TestListDeadletterReturnsOnlyFailedTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task, err := s.Create(ctx, CreateParams{Title: "t", Project: "proj", Action: ActionMemoryWrite, MaxAttempts: 1})
	require.NoError(t, err)
	_, _, err = s.ClaimNext(ctx, Worker{Name: "w1", Class: WorkerInternal}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.RequeueForRetry(ctx, task.ID, "boom"))

	list, err := s.ListDeadletter(ctx, "proj", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, task.ID, list[0].ID)
}

func TestListByProjectFiltersByProjectAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, CreateParams{Title: "t1", Project: "proj", Action: ActionMemoryWrite})
	require.NoError(t, err)
	_, err = s.Create(ctx, CreateParams{Title: "t2", Project: "other", Action: ActionMemoryWrite})
	require.NoError(t, err)

	list, err := s.ListByProject(ctx, "proj", "", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "t1", list[0].Title)

	list, err = s.ListByProject(ctx, "", StatusQueued, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestUpdateStatusOnTerminalWritesOutcomeRecord(t *testing.T) {
	dir := t.TempDir()
	outcome := &fakeOutcomeWriter{}
	s, err := OpenStore(logging.Noop(), filepath.Join(dir, "tasks.db"), logging.NewHistory(dir, "ts"), outcome, nil, time.Millisecond, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	task, err := s.Create(ctx, CreateParams{Title: "t", Project: "proj", Action: ActionMemoryWrite})
	require.NoError(t, err)

	require.NoError(t, s.UpdateStatus(ctx, task.ID, StatusSucceeded, "", nil))

	outcome.mu.Lock()
	defer outcome.mu.Unlock()
	content, ok := outcome.calls["tasks/"+task.ID+"__latest.json"]
	require.True(t, ok, "expected an outcome record write for a terminal status")
	require.Contains(t, content, string(StatusSucceeded))
}

func TestUpdateStatusOnNonTerminalSkipsOutcomeRecord(t *testing.T) {
	dir := t.TempDir()
	outcome := &fakeOutcomeWriter{}
	s, err := OpenStore(logging.Noop(), filepath.Join(dir, "tasks.db"), logging.NewHistory(dir, "ts"), outcome, nil, time.Millisecond, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	task, err := s.Create(ctx, CreateParams{Title: "t", Action: ActionMemoryWrite})
	require.NoError(t, err)

	require.NoError(t, s.UpdateStatus(ctx, task.ID, StatusRunning, "", nil))

	outcome.mu.Lock()
	defer outcome.mu.Unlock()
	require.Empty(t, outcome.calls)
}

func TestRuntimeSnapshotCountsByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, CreateParams{Title: "t1", Action: ActionMemoryWrite})
	require.NoError(t, err)
	_, err = s.Create(ctx, CreateParams{Title: "t2", Action: ActionMemoryWrite})
	require.NoError(t, err)

	snap, err := s.RuntimeSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, snap.CountByStatus[StatusQueued])
	require.Equal(t, 2, snap.ReadyToRun)
	require.False(t, snap.OldestPendingRunAt.IsZero())
}

package taskqueue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"memoryorch/internal/logging"
)

type countingMemoryWriter struct {
	calls int
	fail  error
}

func (c *countingMemoryWriter) HandleTaskPayload(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	c.calls++
	if c.fail != nil {
		return nil, c.fail
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func TestPoolClaimsAndSucceedsATask(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(logging.Noop(), filepath.Join(dir, "tasks.db"), logging.NewHistory(dir, "ts"), nil, nil, time.Minute, time.Second)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	task, err := store.Create(ctx, CreateParams{Title: "write", Action: ActionMemoryWrite})
	require.NoError(t, err)

	mw := &countingMemoryWriter{}
	d := NewDispatcher(nil, nil, time.Second, mw, nil, nil, nil)
	pool := NewPool(logging.Noop(), store, d, time.Minute, 5*time.Millisecond)
	pool.Start(1)
	defer pool.Stop()

	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, task.ID)
		return err == nil && got.Status == StatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, mw.calls)
}

func TestPoolRequeuesOnDispatchFailure(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(logging.Noop(), filepath.Join(dir, "tasks.db"), logging.NewHistory(dir, "ts"), nil, nil, time.Millisecond, time.Second)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	task, err := store.Create(ctx, CreateParams{Title: "write", Action: ActionMemoryWrite, MaxAttempts: 5})
	require.NoError(t, err)

	mw := &countingMemoryWriter{fail: errTest}
	d := NewDispatcher(nil, nil, time.Second, mw, nil, nil, nil)
	pool := NewPool(logging.Noop(), store, d, time.Minute, 5*time.Millisecond)
	pool.Start(1)
	defer pool.Stop()

	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, task.ID)
		return err == nil && got.Status == StatusQueued && got.Attempts >= 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, task.ID, task.ID)
}

var errTest = &taskqueueTestError{}

type taskqueueTestError struct{}

func (e *taskqueueTestError) Error() string { return "dispatch failed" }

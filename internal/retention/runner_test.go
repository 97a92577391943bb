package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"memoryorch/internal/config"
	"memoryorch/internal/logging"
	"memoryorch/internal/outbox"
)

func newTestSupervisor(t *testing.T) *outbox.Supervisor {
	t.Helper()
	sup, err := outbox.NewSupervisor(zap.NewNop(), "sqlite",
		filepath.Join(t.TempDir(), "outbox.db"),
		filepath.Join(t.TempDir(), "outbox.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Close() })
	return sup
}

func TestGCRunnerDeletesSucceededRows(t *testing.T) {
	sup := newTestSupervisor(t)
	backend := sup.Backend()
	ctx := context.Background()

	_, err := backend.Enqueue(ctx, []outbox.EnqueueItem{
		{EventID: "evt1", Target: outbox.TargetRaw, Project: "alpha", File: "a.md", MaxAttempts: 5},
	}, nil, 0, false)
	require.NoError(t, err)
	claimed, err := backend.ClaimBatch(ctx, 10, "", false)
	require.NoError(t, err)
	require.NoError(t, backend.MarkSuccess(ctx, claimed[0].ID))

	history := logging.NewHistory(t.TempDir(), "ts")
	// SucceededHours of 0 feeds durationFromHours as a zero age filter,
	// so rows already in the succeeded state are immediately eligible.
	runner := NewGCRunner(zap.NewNop(), sup, history, config.RetentionConfig{
		SucceededHours: 0,
	})
	runner.runOnce(ctx)

	result, lastRun := runner.LastResult()
	require.Equal(t, 1, result.SucceededDeleted)
	require.WithinDuration(t, time.Now(), lastRun, 5*time.Second)
}

func TestGCRunnerStartStop(t *testing.T) {
	sup := newTestSupervisor(t)
	runner := NewGCRunner(zap.NewNop(), sup, nil, config.RetentionConfig{
		GCInterval: config.Duration{Duration: 10 * time.Millisecond},
	})
	runner.Start()
	time.Sleep(50 * time.Millisecond)
	runner.Stop()
}

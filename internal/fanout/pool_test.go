package fanout

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoryorch/internal/config"
	"memoryorch/internal/logging"
	"memoryorch/internal/outbox"
)

type recordingSink struct {
	target  outbox.Target
	mu      sync.Mutex
	batches [][]outbox.Row
	fail    error
}

func (s *recordingSink) Target() outbox.Target { return s.target }

func (s *recordingSink) WriteBatch(ctx context.Context, rows []outbox.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, rows)
	return s.fail
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func testFanoutConfig() config.FanoutConfig {
	return config.FanoutConfig{
		WorkersPerTarget:      map[string]int{"raw": 1},
		ClaimBatchSize:        10,
		BulkSizePerTarget:     map[string]int{"raw": 10},
		RateLimitPerSec:       map[string]float64{},
		MaxAttempts:           3,
		RetryBase:             config.Duration{Duration: 10 * time.Millisecond},
		RetryCap:              config.Duration{Duration: 100 * time.Millisecond},
		BackpressureTargets:   []string{},
		BackpressureWatermark: 0.65,
		BackpressureMaxSleep:  config.Duration{Duration: 50 * time.Millisecond},
		PollInterval:          config.Duration{Duration: 10 * time.Millisecond},
		ArchivalSoftLimit:     500,
		ArchivalHardLimit:     2000,
		ArchivalErrorStreak:   3,
	}
}

func newTestSupervisor(t *testing.T) *outbox.Supervisor {
	t.Helper()
	dir := t.TempDir()
	sup, err := outbox.NewSupervisor(logging.Noop(), "sqlite", filepath.Join(dir, "outbox.db"), filepath.Join(dir, "outbox.bbolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Close() })
	return sup
}

func TestPoolClaimsAndMarksSuccessOnCleanWrite(t *testing.T) {
	sup := newTestSupervisor(t)
	ctx := context.Background()

	backend := sup.Backend()
	_, err := backend.Enqueue(ctx, []outbox.EnqueueItem{
		{EventID: "evt1", Target: outbox.TargetRaw, Project: "proj", File: "a.md", Summary: "s", Payload: []byte(`{}`), MaxAttempts: 5},
	}, nil, 0, false)
	require.NoError(t, err)

	sink := &recordingSink{target: outbox.TargetRaw}
	pool := NewPool(logging.Noop(), sup, map[outbox.Target]Sink{outbox.TargetRaw: sink}, testFanoutConfig())
	pool.Start()
	defer pool.Stop()

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)

	summary, err := backend.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ByStatus[outbox.StatusSucceeded])
}

func TestPoolRetriesOnTransientSinkError(t *testing.T) {
	sup := newTestSupervisor(t)
	ctx := context.Background()

	backend := sup.Backend()
	_, err := backend.Enqueue(ctx, []outbox.EnqueueItem{
		{EventID: "evt1", Target: outbox.TargetRaw, Project: "proj", File: "a.md", Summary: "s", Payload: []byte(`{}`), MaxAttempts: 5},
	}, nil, 0, false)
	require.NoError(t, err)

	sink := &recordingSink{target: outbox.TargetRaw, fail: errors.New("transient timeout")}
	pool := NewPool(logging.Noop(), sup, map[outbox.Target]Sink{outbox.TargetRaw: sink}, testFanoutConfig())
	pool.Start()
	defer pool.Stop()

	require.Eventually(t, func() bool { return sink.count() >= 1 }, time.Second, 5*time.Millisecond)

	summary, err := backend.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ByStatus[outbox.StatusRetrying])
}

func TestPoolDegradesToSuccessOnSQLCorruptionWhenFailOpen(t *testing.T) {
	sup := newTestSupervisor(t)
	ctx := context.Background()

	backend := sup.Backend()
	_, err := backend.Enqueue(ctx, []outbox.EnqueueItem{
		{EventID: "evt1", Target: outbox.TargetSQL, Project: "proj", File: "a.md", Summary: "s", Payload: []byte(`{}`), MaxAttempts: 5},
	}, nil, 0, false)
	require.NoError(t, err)

	sink := &recordingSink{target: outbox.TargetSQL, fail: errors.New("database disk image is malformed")}
	cfg := testFanoutConfig()
	cfg.SQLFailOpen = true
	pool := NewPool(logging.Noop(), sup, map[outbox.Target]Sink{outbox.TargetSQL: sink}, cfg)
	pool.Start()
	defer pool.Stop()

	require.Eventually(t, func() bool {
		summary, err := backend.Summary(ctx)
		return err == nil && summary.ByStatus[outbox.StatusSucceeded] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPoolMarksFailedOnPermanentSinkError(t *testing.T) {
	sup := newTestSupervisor(t)
	ctx := context.Background()

	backend := sup.Backend()
	_, err := backend.Enqueue(ctx, []outbox.EnqueueItem{
		{EventID: "evt1", Target: outbox.TargetRaw, Project: "proj", File: "a.md", Summary: "s", Payload: []byte(`{}`), MaxAttempts: 5},
	}, nil, 0, false)
	require.NoError(t, err)

	sink := &recordingSink{target: outbox.TargetRaw, fail: AsPermanent(errors.New("bad payload"))}
	pool := NewPool(logging.Noop(), sup, map[outbox.Target]Sink{outbox.TargetRaw: sink}, testFanoutConfig())
	pool.Start()
	defer pool.Stop()

	require.Eventually(t, func() bool {
		summary, err := backend.Summary(ctx)
		return err == nil && summary.ByStatus[outbox.StatusFailed] == 1
	}, time.Second, 5*time.Millisecond)
}

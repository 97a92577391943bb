package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"memoryorch/internal/config"
	"memoryorch/internal/store"
)

type fakePruner struct {
	candidates []store.PruneCandidate
	scanErr    error
	deleteErr  error
	deletedIDs []string
}

func (f *fakePruner) ScanForPrune(ctx context.Context, scanCap int) ([]store.PruneCandidate, error) {
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	return f.candidates, nil
}

func (f *fakePruner) DeleteBatch(ctx context.Context, eventIDs []string) (int, error) {
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	f.deletedIDs = append(f.deletedIDs, eventIDs...)
	return len(eventIDs), nil
}

func TestSweeperDeletesLowValueCandidatesOnly(t *testing.T) {
	raw := &fakePruner{candidates: []store.PruneCandidate{
		{EventID: "keep", File: "notes.md", TopicPath: "proj/docs", Summary: "a durable decision record"},
		{EventID: "drop", File: "debug.log", TopicPath: "proj/scratch", Summary: "noisy"},
	}}

	sw := NewSweeper(zap.NewNop(), config.RetentionConfig{ScanCap: 100}, []string{".log"}, nil, map[string]Pruner{"raw": raw})
	result := sw.RunOnce(context.Background())

	require.Len(t, result.Sinks, 1)
	require.Equal(t, "raw", result.Sinks[0].Sink)
	require.Equal(t, 2, result.Sinks[0].Scanned)
	require.Equal(t, 1, result.Sinks[0].Deleted)
	require.Equal(t, []string{"drop"}, raw.deletedIDs)
}

func TestSweeperCapsDeletesPerRun(t *testing.T) {
	raw := &fakePruner{candidates: []store.PruneCandidate{
		{EventID: "a", File: "a.log"},
		{EventID: "b", File: "b.log"},
		{EventID: "c", File: "c.log"},
	}}

	sw := NewSweeper(zap.NewNop(), config.RetentionConfig{ScanCap: 100, MaxDeletesPerRun: 1}, []string{".log"}, nil, map[string]Pruner{"raw": raw})
	result := sw.RunOnce(context.Background())

	require.Equal(t, 1, result.Sinks[0].Deleted)
	require.Len(t, raw.deletedIDs, 1)
}

func TestSweeperOneSinkFailureDoesNotFailOthers(t *testing.T) {
	raw := &fakePruner{scanErr: errors.New("raw unavailable")}
	analytic := &fakePruner{candidates: []store.PruneCandidate{
		{EventID: "x", File: "x.log"},
	}}

	sw := NewSweeper(zap.NewNop(), config.RetentionConfig{ScanCap: 100}, []string{".log"}, nil,
		map[string]Pruner{"raw": raw, "analytic": analytic})
	result := sw.RunOnce(context.Background())

	require.Len(t, result.Sinks, 2)
	var rawResult, analyticResult SinkResult
	for _, r := range result.Sinks {
		switch r.Sink {
		case "raw":
			rawResult = r
		case "analytic":
			analyticResult = r
		}
	}
	require.Error(t, rawResult.Err)
	require.NoError(t, analyticResult.Err)
	require.Equal(t, 1, analyticResult.Deleted)
}

func TestSweeperStartStop(t *testing.T) {
	raw := &fakePruner{}
	sw := NewSweeper(zap.NewNop(), config.RetentionConfig{
		SinkInterval: config.Duration{Duration: 10 * time.Millisecond},
	}, nil, nil, map[string]Pruner{"raw": raw})
	sw.Start()
	time.Sleep(50 * time.Millisecond)
	sw.Stop()
}

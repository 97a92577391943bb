package retention

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"memoryorch/internal/config"
	"memoryorch/internal/outbox"
	"memoryorch/internal/store"
)

// Pruner is the scan/delete surface internal/store's three sinks expose,
// satisfied by RawEventStore, VectorStore, and AnalyticStore.
type Pruner interface {
	ScanForPrune(ctx context.Context, scanCap int) ([]store.PruneCandidate, error)
	DeleteBatch(ctx context.Context, eventIDs []string) (int, error)
}

// SinkResult reports one sink's prune outcome.
type SinkResult struct {
	Sink    string
	Scanned int
	Deleted int
	Err     error
}

// SweepResult is the combined outcome of one sweeper pass.
type SweepResult struct {
	Sinks    []SinkResult
	Duration time.Duration
}

// Sweeper runs the three sink-specific pruners from spec.md §4.5 on an
// interval: scan by creation timestamp ascending up to a cap (an upsert
// does not move a row in that order), classify with outbox.IsLowValue,
// delete matches in bounded batches. One sink's failure
// never fails the others. Grounded on internal/store.ArchivalClient's
// errgroup-bounded fan-out idiom (archival.go).
type Sweeper struct {
	log     *zap.Logger
	cfg     config.RetentionConfig
	lowValueSuffixes []string
	lowValuePrefixes []string

	sinks map[string]Pruner

	stop chan struct{}
	done chan struct{}

	lastResult SweepResult
}

// NewSweeper wires a Sweeper over the given named sinks (e.g. "raw",
// "vector", "analytic"). lowValueSuffixes/lowValuePrefixes mirror the
// ingest-side fanout config so both admission control and retention agree
// on what counts as low-value.
func NewSweeper(log *zap.Logger, cfg config.RetentionConfig, lowValueSuffixes, lowValuePrefixes []string, sinks map[string]Pruner) *Sweeper {
	return &Sweeper{
		log:              log,
		cfg:              cfg,
		lowValueSuffixes: lowValueSuffixes,
		lowValuePrefixes: lowValuePrefixes,
		sinks:            sinks,
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// Start launches the sweep loop, ticking at cfg.SinkInterval.
func (s *Sweeper) Start() {
	interval := s.cfg.SinkInterval.Duration
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	go s.run(interval)
}

// Stop signals the loop to exit and waits (bounded) for the in-flight pass.
func (s *Sweeper) Stop() {
	close(s.stop)
	select {
	case <-s.done:
	case <-time.After(60 * time.Second):
	}
}

func (s *Sweeper) run(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.lastResult = s.RunOnce(context.Background())
		}
	}
}

// RunOnce sweeps every configured sink in parallel, each bounded by
// cfg.SinkTimeout. Exported for callers (and tests) that want a
// synchronous single pass.
func (s *Sweeper) RunOnce(ctx context.Context) SweepResult {
	start := time.Now()
	timeout := s.cfg.SinkTimeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	results := make([]SinkResult, len(s.sinks))
	names := make([]string, 0, len(s.sinks))
	for name := range s.sinks {
		names = append(names, name)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		pruner := s.sinks[name]
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			results[i] = s.sweepSink(sctx, name, pruner)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.Err != nil {
			s.log.Warn("retention: sink sweep failed", zap.String("sink", r.Sink), zap.Error(r.Err))
		} else {
			s.log.Info("retention: sink swept", zap.String("sink", r.Sink), zap.Int("scanned", r.Scanned), zap.Int("deleted", r.Deleted))
		}
	}

	return SweepResult{Sinks: results, Duration: time.Since(start)}
}

func (s *Sweeper) sweepSink(ctx context.Context, name string, pruner Pruner) SinkResult {
	scanCap := s.cfg.ScanCap
	if scanCap <= 0 {
		scanCap = 1000
	}

	candidates, err := pruner.ScanForPrune(ctx, scanCap)
	if err != nil {
		return SinkResult{Sink: name, Err: err}
	}

	var toDelete []string
	for _, c := range candidates {
		low := outbox.IsLowValue(outbox.LowValueInput{
			File:             c.File,
			TopicPath:        c.TopicPath,
			SourceKind:       c.SourceKind,
			Summary:          c.Summary,
			LowValueSuffixes: s.lowValueSuffixes,
			LowValuePrefixes: s.lowValuePrefixes,
		})
		if low {
			toDelete = append(toDelete, c.EventID)
		}
	}

	maxDeletes := s.cfg.MaxDeletesPerRun
	if maxDeletes > 0 && len(toDelete) > maxDeletes {
		toDelete = toDelete[:maxDeletes]
	}

	deleted, err := pruner.DeleteBatch(ctx, toDelete)
	if err != nil {
		return SinkResult{Sink: name, Scanned: len(candidates), Deleted: deleted, Err: err}
	}
	return SinkResult{Sink: name, Scanned: len(candidates), Deleted: deleted}
}

// LastResult reports the outcome of the most recent ticker-driven sweep,
// for telemetry endpoints. Passes run directly through RunOnce are not
// recorded.
func (s *Sweeper) LastResult() SweepResult {
	return s.lastResult
}

package fanout

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"memoryorch/internal/config"
	"memoryorch/internal/outbox"
)

// Pool runs the per-target claim loops described in spec.md §4.3: one or
// more workers per target, each ticking on PollInterval, claiming a
// bulk-sized batch, applying rate limiting and backpressure, dispatching
// to the target's Sink, and resolving every claimed row through the
// outbox backend. Grounded on the teacher's reflection_worker.go
// ticker+stop/done-channel loop shape, generalized from one worker to a
// configurable pool per target.
type Pool struct {
	log        *zap.Logger
	supervisor *outbox.Supervisor
	sinks      map[outbox.Target]Sink
	limiters   *Limiters
	cfg        config.FanoutConfig
	circuit    *ArchivalCircuit

	mu      sync.Mutex
	workers []*worker
}

type worker struct {
	target outbox.Target
	stop   chan struct{}
	done   chan struct{}
}

// NewPool wires a Pool from its dependencies. sinks must have one entry
// per target the caller wants serviced; targets absent from sinks are
// never claimed.
func NewPool(log *zap.Logger, supervisor *outbox.Supervisor, sinks map[outbox.Target]Sink, cfg config.FanoutConfig) *Pool {
	return &Pool{
		log:        log,
		supervisor: supervisor,
		sinks:      sinks,
		limiters:   NewLimiters(cfg.RateLimitPerSec),
		cfg:        cfg,
		circuit:    NewArchivalCircuit(cfg.ArchivalErrorStreak),
	}
}

// Start launches WorkersPerTarget[target] workers for every target with
// a registered sink.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for target, sink := range p.sinks {
		count := p.cfg.WorkersPerTarget[string(target)]
		if count <= 0 {
			count = 1
		}
		for i := 0; i < count; i++ {
			w := &worker{target: target, stop: make(chan struct{}), done: make(chan struct{})}
			p.workers = append(p.workers, w)
			go p.run(w, sink)
		}
	}
}

// Stop signals every worker to exit and waits (bounded) for them to
// drain their current batch.
func (p *Pool) Stop() {
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	for _, w := range workers {
		close(w.stop)
	}
	for _, w := range workers {
		select {
		case <-w.done:
		case <-time.After(10 * time.Second):
		}
	}
}

func (p *Pool) run(w *worker, sink Sink) {
	defer close(w.done)

	interval := p.cfg.PollInterval.Duration
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			p.cycle(w.target, sink)
		}
	}
}

// cycle claims and dispatches one batch for target, applying
// backpressure and rate limiting first.
func (p *Pool) cycle(target outbox.Target, sink Sink) {
	ctx := context.Background()

	if target == outbox.TargetArchival && p.circuit.Open() {
		p.log.Debug("fanout: archival circuit open, skipping cycle")
		return
	}

	if p.backpressured(target) {
		ratio := p.queueRatio(ctx, target)
		sleep := SleepDuration(ratio, p.cfg.BackpressureWatermark, p.cfg.BackpressureMaxSleep.Duration)
		if sleep > 0 {
			time.Sleep(sleep)
		}
	}

	if limiter := p.limiters.Limiter(target); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
	}

	batchSize := p.cfg.BulkSizePerTarget[string(target)]
	if batchSize <= 0 {
		batchSize = 16
	}

	backend := p.supervisor.Backend()
	rows, err := backend.ClaimBatch(ctx, batchSize, target, false)
	if err != nil {
		p.supervisor.ReportIOError(err)
		p.log.Warn("fanout: claim batch failed", zap.String("target", string(target)), zap.Error(err))
		return
	}
	if len(rows) == 0 {
		return
	}

	p.dispatch(ctx, target, sink, rows, backend)
}

func (p *Pool) backpressured(target outbox.Target) bool {
	for _, t := range p.cfg.BackpressureTargets {
		if outbox.Target(t) == target {
			return true
		}
	}
	return false
}

func (p *Pool) queueRatio(ctx context.Context, target outbox.Target) float64 {
	backend := p.supervisor.Backend()
	summary, err := backend.Summary(ctx)
	if err != nil {
		return 0
	}
	pending := summary.ByTargetStatus[target][outbox.StatusPending] + summary.ByTargetStatus[target][outbox.StatusRetrying]
	depthCap := p.cfg.ArchivalHardLimit
	if target != outbox.TargetArchival {
		depthCap = p.cfg.ClaimBatchSize * 10
	}
	return QueueRatio(pending, depthCap)
}

func (p *Pool) dispatch(ctx context.Context, target outbox.Target, sink Sink, rows []outbox.Row, backend outbox.Backend) {
	err := sink.WriteBatch(ctx, rows)
	if err == nil {
		for _, row := range rows {
			if markErr := backend.MarkSuccess(ctx, row.ID); markErr != nil {
				p.log.Warn("fanout: mark success failed", zap.Int64("id", row.ID), zap.Error(markErr))
			}
		}
		if target == outbox.TargetArchival {
			p.circuit.RecordSuccess()
		}
		return
	}

	p.log.Warn("fanout: sink write failed", zap.String("target", string(target)), zap.Int("rows", len(rows)), zap.Error(err))

	if target == outbox.TargetArchival {
		p.circuit.RecordFailure()
	}

	permanent := IsPermanent(err)
	sqlFailOpen := target == outbox.TargetSQL && p.cfg.SQLFailOpen && IsSQLCorruption(err)

	backoff := outbox.DefaultBackoff(p.cfg.RetryBase.Duration, p.cfg.RetryCap.Duration)
	for _, row := range rows {
		switch {
		case sqlFailOpen:
			// Corruption on the analytic store must not block the rest of
			// the pipeline: degrade to success rather than deadlettering.
			p.log.Warn("fanout: sql corruption, degrading to success (fail-open)", zap.Int64("id", row.ID), zap.Error(err))
			if markErr := backend.MarkSuccess(ctx, row.ID); markErr != nil {
				p.log.Warn("fanout: mark success (fail-open) error", zap.Int64("id", row.ID), zap.Error(markErr))
			}
		case permanent:
			if markErr := backend.MarkFailed(ctx, row.ID, err.Error()); markErr != nil {
				p.log.Warn("fanout: mark failed error", zap.Int64("id", row.ID), zap.Error(markErr))
			}
		default:
			if markErr := backend.MarkRetry(ctx, row, err.Error(), backoff); markErr != nil {
				p.log.Warn("fanout: mark retry error", zap.Int64("id", row.ID), zap.Error(markErr))
			}
		}
	}
}

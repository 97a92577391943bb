// Package retention implements spec.md §4.5's retention workers: an
// outbox GC runner and a sink-retention sweeper, both ticking on
// configurable intervals rather than invoked synchronously from the
// ingest path. Grounded on internal/taskqueue.Pool's ticker+stop/done
// channel worker shape and internal/outbox.Supervisor's GC plumbing.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"memoryorch/internal/config"
	"memoryorch/internal/logging"
	"memoryorch/internal/outbox"
)

// GCRunner periodically invokes the active outbox backend's GC, recording
// outcomes to history for /telemetry/fanout.
type GCRunner struct {
	log       *zap.Logger
	supervisor *outbox.Supervisor
	history   *logging.History
	cfg       config.RetentionConfig

	stop chan struct{}
	done chan struct{}

	lastResult outbox.GCResult
	lastRun    time.Time
}

// NewGCRunner wires a GCRunner over supervisor using cfg's durations and
// stale-target set.
func NewGCRunner(log *zap.Logger, supervisor *outbox.Supervisor, history *logging.History, cfg config.RetentionConfig) *GCRunner {
	return &GCRunner{
		log:        log,
		supervisor: supervisor,
		history:    history,
		cfg:        cfg,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the GC loop in a goroutine, ticking at cfg.GCInterval.
func (r *GCRunner) Start() {
	interval := r.cfg.GCInterval.Duration
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	go r.run(interval)
}

// Stop signals the loop to exit and waits (bounded) for it to finish its
// in-flight run.
func (r *GCRunner) Stop() {
	close(r.stop)
	select {
	case <-r.done:
	case <-time.After(30 * time.Second):
	}
}

func (r *GCRunner) run(interval time.Duration) {
	defer close(r.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.runOnce(context.Background())
		}
	}
}

// runOnce performs a single GC pass against the active backend.
func (r *GCRunner) runOnce(ctx context.Context) {
	staleTargets := make([]outbox.Target, 0, len(r.cfg.StaleTargets))
	for _, t := range r.cfg.StaleTargets {
		staleTargets = append(staleTargets, outbox.Target(t))
	}

	result, err := r.supervisor.Backend().GC(ctx,
		durationFromHours(r.cfg.SucceededHours),
		durationFromHours(r.cfg.FailedHours),
		durationFromHours(r.cfg.StalePendingHours),
		staleTargets)
	r.lastRun = time.Now()
	if err != nil {
		r.log.Warn("retention: outbox gc failed", zap.Error(err))
		r.appendHistory(false, result, err)
		return
	}

	r.lastResult = result
	r.log.Info("retention: outbox gc complete",
		zap.Int("succeeded_deleted", result.SucceededDeleted),
		zap.Int("failed_deleted", result.FailedDeleted),
		zap.Int("stale_deleted", result.StaleDeleted),
		zap.Bool("compacted", result.Compacted))
	r.appendHistory(true, result, nil)
}

func (r *GCRunner) appendHistory(ok bool, result outbox.GCResult, runErr error) {
	if r.history == nil {
		return
	}
	fields := map[string]interface{}{
		"ok":                ok,
		"succeeded_deleted": result.SucceededDeleted,
		"failed_deleted":    result.FailedDeleted,
		"stale_deleted":     result.StaleDeleted,
		"compacted":         result.Compacted,
	}
	if runErr != nil {
		fields["error"] = runErr.Error()
	}
	if err := r.history.Append("retention_gc", fields); err != nil {
		r.log.Warn("retention: history append failed", zap.Error(err))
	}
}

// LastResult reports the most recent GC outcome and when it ran, for
// telemetry endpoints.
func (r *GCRunner) LastResult() (outbox.GCResult, time.Time) {
	return r.lastResult, r.lastRun
}

func durationFromHours(h int) time.Duration {
	if h <= 0 {
		return 0
	}
	return time.Duration(h) * time.Hour
}

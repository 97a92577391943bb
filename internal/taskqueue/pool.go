package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pool runs spec.md §4.7's internal worker pool: each worker ticks on an
// interval, claims the next matching task, dispatches its action, and
// resolves it via update_status/requeue_for_retry. Grounded on
// internal/fanout's Pool (ticker+stop/done-channel loop per worker) and
// internal/core/shards/spawn_queue.go's fixed worker-count goroutine
// pool pulling from a shared queue.
type Pool struct {
	log        *zap.Logger
	store      *Store
	dispatcher *Dispatcher
	leaseFor   time.Duration
	poll       time.Duration

	mu      sync.Mutex
	workers []*internalWorker
}

type internalWorker struct {
	name string
	stop chan struct{}
	done chan struct{}
}

// NewPool wires a Pool over store, dispatching claimed tasks through
// dispatcher.
func NewPool(log *zap.Logger, store *Store, dispatcher *Dispatcher, leaseDuration, pollInterval time.Duration) *Pool {
	if leaseDuration <= 0 {
		leaseDuration = 60 * time.Second
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Pool{log: log, store: store, dispatcher: dispatcher, leaseFor: leaseDuration, poll: pollInterval}
}

// Start launches count internal workers, each with worker class
// "internal" and a unique name.
func (p *Pool) Start(count int) {
	if count <= 0 {
		count = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < count; i++ {
		w := &internalWorker{
			name: fmt.Sprintf("internal-worker-%d", i+1),
			stop: make(chan struct{}),
			done: make(chan struct{}),
		}
		p.workers = append(p.workers, w)
		go p.run(w)
	}
}

// Stop signals every worker to exit and waits (bounded) for them to
// finish their in-flight task.
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
		case <-time.After(30 * time.Second):
		}
	}
}

func (p *Pool) run(w *internalWorker) {
	defer close(w.done)

	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			p.cycle(w)
		}
	}
}

// cycle claims and executes at most one task for w.
func (p *Pool) cycle(w *internalWorker) {
	ctx := context.Background()
	worker := Worker{Name: w.name, Class: WorkerInternal}

	task, ok, err := p.store.ClaimNext(ctx, worker, p.leaseFor)
	if err != nil {
		p.log.Warn("taskqueue: claim failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	p.execute(ctx, task)
}

// execute dispatches task's action and resolves its status. Dispatch
// errors are treated as spec.md §4.7's "exceptions trigger
// requeue_for_retry".
func (p *Pool) execute(ctx context.Context, task TaskRow) {
	result, err := p.dispatcher.Dispatch(ctx, task)
	if err != nil {
		p.log.Warn("taskqueue: dispatch failed", zap.String("task_id", task.ID), zap.String("action", string(task.ActionType)), zap.Error(err))
		if reqErr := p.store.RequeueForRetry(ctx, task.ID, err.Error()); reqErr != nil {
			p.log.Warn("taskqueue: requeue for retry failed", zap.String("task_id", task.ID), zap.Error(reqErr))
		}
		return
	}
	if updErr := p.store.UpdateStatus(ctx, task.ID, StatusSucceeded, "", result); updErr != nil {
		p.log.Warn("taskqueue: update status succeeded failed", zap.String("task_id", task.ID), zap.Error(updErr))
	}
}

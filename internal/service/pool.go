package service

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/Strob0t/CreditForge/internal/port/locker"
)

// Pool runs accounting tasks on a bounded number of workers.
//
// A task first takes its project's exclusion token, then a worker slot, so
// a task waiting behind another task of the same project never occupies a
// worker. Waiting tasks queue without bound; nothing is dropped.
type Pool struct {
	sem     *semaphore.Weighted
	workers int
	locker  locker.Locker

	wg     sync.WaitGroup
	busy   atomic.Int64
	queued atomic.Int64
}

// PoolStats is a snapshot of pool occupancy.
type PoolStats struct {
	Workers int `json:"workers"`
	Busy    int `json:"busy"`
	Queued  int `json:"queued"`
}

// NewPool creates a Pool with the given number of workers. A nil locker
// uses an in-process KeyLocker.
func NewPool(workers int, l locker.Locker) *Pool {
	if workers < 1 {
		workers = 1
	}
	if l == nil {
		l = NewKeyLocker()
	}
	return &Pool{
		sem:     semaphore.NewWeighted(int64(workers)),
		workers: workers,
		locker:  l,
	}
}

// Run executes fn for projectID once the project token and a worker slot are
// held. Both are released when fn returns, fails or panics. Returns ctx.Err()
// if the context is cancelled while waiting.
func (p *Pool) Run(ctx context.Context, projectID string, fn func(context.Context) error) (err error) {
	p.queued.Add(1)
	release, err := p.locker.Acquire(ctx, projectID)
	if err != nil {
		p.queued.Add(-1)
		return fmt.Errorf("acquire project %s: %w", projectID, err)
	}
	defer release()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.queued.Add(-1)
		return fmt.Errorf("acquire worker: %w", err)
	}
	p.queued.Add(-1)
	p.busy.Add(1)
	defer func() {
		p.busy.Add(-1)
		p.sem.Release(1)
	}()

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "accounting task panicked", "project_id", projectID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("task for %s panicked: %v", projectID, r)
		}
	}()

	return fn(ctx)
}

// Submit runs fn asynchronously and reports its outcome to done.
func (p *Pool) Submit(ctx context.Context, projectID string, fn func(context.Context) error, done func(error)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := p.Run(ctx, projectID, fn)
		if done != nil {
			done(err)
		}
	}()
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stats returns the current occupancy.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers: p.workers,
		Busy:    int(p.busy.Load()),
		Queued:  int(p.queued.Load()),
	}
}

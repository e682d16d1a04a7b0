package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// highWater records the maximum of a running counter.
type highWater struct {
	running atomic.Int32
	maxSeen atomic.Int32
}

func (h *highWater) enter() {
	cur := h.running.Add(1)
	for {
		old := h.maxSeen.Load()
		if cur <= old || h.maxSeen.CompareAndSwap(old, cur) {
			return
		}
	}
}

func (h *highWater) leave() { h.running.Add(-1) }

func TestPoolLimitsConcurrency(t *testing.T) {
	const limit = 3
	pool := NewPool(limit, nil)

	var hw highWater
	for i := range 10 {
		project := string(rune('a' + i))
		pool.Submit(context.Background(), project, func(context.Context) error {
			hw.enter()
			time.Sleep(10 * time.Millisecond)
			hw.leave()
			return nil
		}, nil)
	}
	pool.Wait()

	if m := hw.maxSeen.Load(); m > limit {
		t.Errorf("max concurrent = %d, want <= %d", m, limit)
	}
}

func TestPoolSerializesSameProject(t *testing.T) {
	pool := NewPool(4, nil)

	var hw highWater
	for range 8 {
		pool.Submit(context.Background(), "alpha", func(context.Context) error {
			hw.enter()
			time.Sleep(5 * time.Millisecond)
			hw.leave()
			return nil
		}, nil)
	}
	pool.Wait()

	if m := hw.maxSeen.Load(); m != 1 {
		t.Errorf("same project ran %d tasks concurrently", m)
	}
}

func TestPoolRunsDistinctProjectsInParallel(t *testing.T) {
	pool := NewPool(2, nil)

	var started sync.WaitGroup
	started.Add(2)
	release := make(chan struct{})
	for _, p := range []string{"alpha", "beta"} {
		pool.Submit(context.Background(), p, func(context.Context) error {
			started.Done()
			<-release
			return nil
		}, nil)
	}

	waited := make(chan struct{})
	go func() { started.Wait(); close(waited) }()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("distinct projects did not run in parallel")
	}
	if s := pool.Stats(); s.Busy != 2 {
		t.Errorf("busy = %d, want 2", s.Busy)
	}
	close(release)
	pool.Wait()
}

func TestPoolWaitingTaskDoesNotHoldWorker(t *testing.T) {
	pool := NewPool(1, nil)
	ctx := context.Background()

	holdAlpha := make(chan struct{})
	alphaRunning := make(chan struct{})
	pool.Submit(ctx, "alpha", func(context.Context) error {
		close(alphaRunning)
		<-holdAlpha
		return nil
	}, nil)
	<-alphaRunning

	// Second alpha task waits on the project token, not on the worker.
	pool.Submit(ctx, "alpha", func(context.Context) error { return nil }, nil)

	deadline := time.After(2 * time.Second)
	for pool.Stats().Queued == 0 {
		select {
		case <-deadline:
			t.Fatal("second task never queued")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	close(holdAlpha)
	pool.Wait()

	if s := pool.Stats(); s.Busy != 0 || s.Queued != 0 {
		t.Errorf("pool not drained: %+v", s)
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	pool := NewPool(1, nil)

	var got error
	pool.Submit(context.Background(), "alpha", func(context.Context) error {
		panic("boom")
	}, func(err error) { got = err })
	pool.Wait()

	if got == nil {
		t.Fatal("expected error from panicking task")
	}
	// The token must be free again.
	if err := pool.Run(context.Background(), "alpha", func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
}

func TestPoolContextCancellation(t *testing.T) {
	pool := NewPool(1, nil)
	ctx := context.Background()

	occupied := make(chan struct{})
	release := make(chan struct{})
	pool.Submit(ctx, "alpha", func(context.Context) error {
		close(occupied)
		<-release
		return nil
	}, nil)
	<-occupied

	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()

	err := pool.Run(cancelCtx, "beta", func(context.Context) error {
		t.Error("fn should not have been called")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	close(release)
	pool.Wait()
}

func TestKeyLockerForgetsReleasedKeys(t *testing.T) {
	k := NewKeyLocker()
	release, err := k.Acquire(context.Background(), "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if k.Held() != 1 {
		t.Fatalf("held = %d", k.Held())
	}
	release()
	release()
	if k.Held() != 0 {
		t.Fatalf("held after release = %d", k.Held())
	}
}

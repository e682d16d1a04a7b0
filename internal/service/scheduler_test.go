package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/CreditForge/internal/config"
	"github.com/Strob0t/CreditForge/internal/domain"
	"github.com/Strob0t/CreditForge/internal/domain/credits"
	"github.com/Strob0t/CreditForge/internal/port/measurement"
	"github.com/Strob0t/CreditForge/internal/port/messagequeue"
)

func newTestScheduler(t *testing.T, h *harness, mutate func(*config.Config)) *Scheduler {
	t.Helper()
	cfg := testConfig(t, mutate)
	return NewScheduler(StaticConfig{Config: cfg}, h.fetcher, h.store, NewPool(2, nil), h.svc)
}

func TestScheduler_RunCycleFiltersProjects(t *testing.T) {
	h := newHarness(t, nil)
	for _, p := range []string{"alpha", "beta", "gamma"} {
		h.fetcher.add(reading(p, "cpu", win(0, 10), "1", credits.KindCounter))
	}
	ctx := context.Background()
	if _, err := h.store.EnsureProject(ctx, "beta"); err != nil {
		t.Fatal(err)
	}
	if err := h.store.SetActive(ctx, "beta", false); err != nil {
		t.Fatal(err)
	}

	s := newTestScheduler(t, h, func(c *config.Config) {
		c.Accounting.ProjectWhitelist = []string{"alpha", "beta"}
	})
	status, err := s.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	s.Wait()

	if status.Submitted != 1 || status.Skipped != 2 {
		t.Fatalf("unexpected cycle %+v", status)
	}
	if n := len(h.entries(t, "alpha")); n != 1 {
		t.Errorf("alpha entries = %d, want 1", n)
	}
	for _, p := range []string{"beta", "gamma"} {
		if n := len(h.entries(t, p)); n != 0 {
			t.Errorf("%s must not be processed, has %d entries", p, n)
		}
	}

	st, ok := s.Project("alpha")
	if !ok || st.Pending || st.LastCorrelationID == "" || st.LastResult == nil {
		t.Fatalf("unexpected project status %+v", st)
	}
}

// blockingFetcher blocks Fetch until released.
type blockingFetcher struct {
	*fakeFetcher
	entered chan struct{}
	release chan struct{}
}

func (b *blockingFetcher) Fetch(ctx context.Context, id string, since time.Time) (measurement.Batch, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.fakeFetcher.Fetch(ctx, id, since)
}

func TestScheduler_SkipsPendingProject(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.add(reading("alpha", "cpu", win(0, 10), "1", credits.KindCounter))
	bf := &blockingFetcher{fakeFetcher: h.fetcher, entered: make(chan struct{}, 1), release: make(chan struct{})}
	h.svc.fetcher = bf

	s := NewScheduler(StaticConfig{Config: testConfig(t, nil)}, h.fetcher, h.store, NewPool(2, nil), h.svc)
	ctx := context.Background()

	if _, err := s.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	<-bf.entered

	second, err := s.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.Submitted != 0 || second.Skipped != 1 {
		t.Fatalf("pending project resubmitted: %+v", second)
	}
	if st := s.Status(); st.Pool.Busy != 1 {
		t.Errorf("busy = %d, want 1", st.Pool.Busy)
	}

	close(bf.release)
	s.Wait()

	st, _ := s.Project("alpha")
	if st.Pending {
		t.Fatal("project still pending after completion")
	}
}

func TestScheduler_FailureRecordedAndRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.add(reading("alpha", "cpu", win(0, 10), "1", credits.KindCounter))
	h.fetcher.err = errors.New("timeout")

	s := newTestScheduler(t, h, nil)
	ctx := context.Background()
	if _, err := s.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	s.Wait()

	st, _ := s.Project("alpha")
	if st.LastError == "" {
		t.Fatal("expected failure to be recorded")
	}

	h.fetcher.mu.Lock()
	h.fetcher.err = nil
	h.fetcher.mu.Unlock()

	if _, err := s.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	s.Wait()
	st, _ = s.Project("alpha")
	if st.LastError != "" || st.LastResult.EntriesWritten != 1 {
		t.Fatalf("retry did not succeed: %+v", st)
	}
}

// recordingQueue captures published messages.
type recordingQueue struct {
	messagequeue.Queue
	subjects chan string
}

func (q *recordingQueue) Publish(_ context.Context, subject string, _ []byte) error {
	q.subjects <- subject
	return nil
}

func TestScheduler_PublishesCompletion(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.add(reading("alpha", "cpu", win(0, 10), "1", credits.KindCounter))
	q := &recordingQueue{subjects: make(chan string, 4)}

	s := newTestScheduler(t, h, nil)
	s.SetQueue(q)
	if _, err := s.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Wait()

	select {
	case subj := <-q.subjects:
		if subj != messagequeue.SubjectTaskCompleted {
			t.Errorf("subject = %s", subj)
		}
	default:
		t.Fatal("no completion published")
	}
}

func TestScheduler_StartStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.add(reading("alpha", "cpu", win(0, 10), "1", credits.KindCounter))
	s := newTestScheduler(t, h, func(c *config.Config) { c.Accounting.Interval = 10 * time.Millisecond })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(h.entries(t, "alpha")) == 0 {
		select {
		case <-deadline:
			t.Fatal("no cycle ran")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestScheduler_TaskTimeoutReleasesProject(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.add(reading("alpha", "cpu", win(0, 10), "1", credits.KindCounter))
	h.fetcher.setBlock(true)
	s := newTestScheduler(t, h, func(c *config.Config) {
		c.Accounting.TaskTimeout = 20 * time.Millisecond
	})
	ctx := context.Background()

	if _, err := s.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	s.Wait()

	st, ok := s.Project("alpha")
	if !ok || st.Pending {
		t.Fatalf("timed out task must not stay pending: %+v", st)
	}
	if !strings.Contains(st.LastError, context.DeadlineExceeded.Error()) {
		t.Fatalf("LastError = %q, want deadline exceeded", st.LastError)
	}
	if _, err := h.store.LastEntry(ctx, "alpha"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("timed out task wrote an entry: %v", err)
	}
	if p, err := h.store.GetProject(ctx, "alpha"); err == nil && !p.Watermark.IsZero() {
		t.Fatalf("watermark advanced to %s without an entry", p.Watermark)
	}

	// The project token was released: the next cycle runs alpha again.
	h.fetcher.setBlock(false)
	calls := h.fetcher.callCount()
	status, err := s.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	s.Wait()

	if status.Submitted != 1 {
		t.Fatalf("second cycle submitted %d, want 1", status.Submitted)
	}
	if h.fetcher.callCount() <= calls {
		t.Fatal("second cycle did not fetch")
	}
	if n := len(h.entries(t, "alpha")); n != 1 {
		t.Fatalf("alpha entries = %d, want 1", n)
	}
	if st, _ := s.Project("alpha"); st.LastError != "" {
		t.Fatalf("LastError = %q after a successful run", st.LastError)
	}
}

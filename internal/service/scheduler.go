package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/CreditForge/internal/domain/credits"
	"github.com/Strob0t/CreditForge/internal/logger"
	"github.com/Strob0t/CreditForge/internal/port/ledger"
	"github.com/Strob0t/CreditForge/internal/port/measurement"
	"github.com/Strob0t/CreditForge/internal/port/messagequeue"
	"github.com/Strob0t/CreditForge/internal/resilience"
)

// ProjectStatus is the scheduler's view of one project.
type ProjectStatus struct {
	ProjectID         string        `json:"project_id"`
	Pending           bool          `json:"pending"`
	LastRun           time.Time     `json:"last_run,omitzero"`
	LastDuration      time.Duration `json:"last_duration"`
	LastCorrelationID string        `json:"last_correlation_id,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	LastResult        *Result       `json:"last_result,omitempty"`
}

// CycleStatus describes the most recent scheduling cycle. Duration is set
// once every task of the cycle has finished.
type CycleStatus struct {
	Started   time.Time     `json:"started,omitzero"`
	Duration  time.Duration `json:"duration"`
	Submitted int           `json:"submitted"`
	Skipped   int           `json:"skipped"`
	Running   bool          `json:"running"`
}

// SchedulerStatus is the read-only status snapshot.
type SchedulerStatus struct {
	Pool      PoolStats       `json:"pool"`
	LastCycle CycleStatus     `json:"last_cycle"`
	Projects  []ProjectStatus `json:"projects"`
}

// Scheduler periodically submits one accounting task per eligible project.
type Scheduler struct {
	cfg        ConfigSource
	fetcher    measurement.Fetcher
	store      ledger.Store
	pool       *Pool
	accounting *AccountingService
	queue      messagequeue.Queue

	mu       sync.Mutex
	projects map[string]*ProjectStatus
	cycle    CycleStatus
	now      func() time.Time
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg ConfigSource, fetcher measurement.Fetcher, store ledger.Store, pool *Pool, accounting *AccountingService) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		fetcher:    fetcher,
		store:      store,
		pool:       pool,
		accounting: accounting,
		projects:   make(map[string]*ProjectStatus),
		now:        time.Now,
	}
}

// SetQueue publishes a completion message per task on queue.
func (s *Scheduler) SetQueue(q messagequeue.Queue) { s.queue = q }

// Start runs a cycle immediately and then every accounting.interval until
// ctx is done. It waits for running tasks before returning.
func (s *Scheduler) Start(ctx context.Context) error {
	defer s.pool.Wait()

	for {
		if _, err := s.RunCycle(ctx); err != nil {
			slog.ErrorContext(ctx, "scheduling cycle failed", "error", err)
		}

		interval := s.cfg.Current().Accounting.Interval
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// RunCycle submits a task for every eligible project and returns without
// waiting for them. Projects with a pending task are skipped; that task
// picks up the new data.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleStatus, error) {
	cfg := s.cfg.Current()
	started := s.now()

	candidates, inactive, err := s.candidates(ctx)
	if err != nil {
		return CycleStatus{}, err
	}

	var (
		wg        sync.WaitGroup
		submitted int
		skipped   int
	)
	for _, id := range candidates {
		if inactive[id] || !cfg.Accounting.Whitelisted(id) {
			skipped++
			continue
		}
		st := s.markPending(id)
		if st == nil {
			slog.DebugContext(ctx, "project task still pending, skipping", "project_id", id)
			skipped++
			continue
		}

		corrID := uuid.NewString()
		taskCtx := logger.WithCorrelationID(ctx, corrID)
		timeout := cfg.Accounting.TaskTimeout
		var (
			begun time.Time
			res   *Result
		)

		wg.Add(1)
		submitted++
		s.pool.Submit(taskCtx, id, func(ctx context.Context) error {
			begun = s.now()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			r, err := s.accounting.Process(ctx, id)
			res = &r
			return err
		}, func(err error) {
			defer wg.Done()
			if begun.IsZero() {
				// Cancelled while waiting for a worker.
				begun = s.now()
			}
			s.finish(taskCtx, id, corrID, begun, res, err)
		})
	}

	status := CycleStatus{Started: started, Submitted: submitted, Skipped: skipped, Running: submitted > 0}
	s.mu.Lock()
	s.cycle = status
	s.mu.Unlock()

	go func() {
		wg.Wait()
		s.mu.Lock()
		if s.cycle.Started.Equal(started) {
			s.cycle.Running = false
			s.cycle.Duration = s.now().Sub(started)
		}
		s.mu.Unlock()
	}()

	slog.InfoContext(ctx, "scheduling cycle", "submitted", submitted, "skipped", skipped)
	return status, nil
}

// candidates merges the projects known to the measurement source with the
// projects in the ledger.
func (s *Scheduler) candidates(ctx context.Context) ([]string, map[string]bool, error) {
	retry := resilience.NewRetryPolicy(s.cfg.Current().Retry)
	ids := make(map[string]bool)
	inactive := make(map[string]bool)

	fromSource, srcErr := resilience.Retry(ctx, retry, "list source projects", s.fetcher.Projects, nil)
	for _, id := range fromSource {
		ids[id] = true
	}
	known, storeErr := resilience.Retry(ctx, retry, "list ledger projects", s.store.ListProjects, nil)
	for i := range known {
		ids[known[i].ID] = true
		if !known[i].Active {
			inactive[known[i].ID] = true
		}
	}

	if srcErr != nil && storeErr != nil {
		return nil, nil, errors.Join(srcErr, storeErr)
	}
	if srcErr != nil {
		slog.WarnContext(ctx, "measurement source unavailable, scheduling known projects only", "error", srcErr)
	}
	if storeErr != nil {
		// Without the ledger the active flags are unknown.
		return nil, nil, storeErr
	}
	return slices.Sorted(maps.Keys(ids)), inactive, nil
}

// markPending flags the project pending. It returns nil if it already was.
func (s *Scheduler) markPending(id string) *ProjectStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.projects[id]
	if !ok {
		st = &ProjectStatus{ProjectID: id}
		s.projects[id] = st
	}
	if st.Pending {
		return nil
	}
	st.Pending = true
	return st
}

func (s *Scheduler) finish(ctx context.Context, id, corrID string, begun time.Time, res *Result, err error) {
	s.mu.Lock()
	st := s.projects[id]
	st.Pending = false
	st.LastRun = begun
	st.LastDuration = s.now().Sub(begun)
	st.LastCorrelationID = corrID
	st.LastResult = res
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
	s.mu.Unlock()

	switch {
	case err == nil:
	case credits.IsData(err):
		slog.ErrorContext(ctx, "accounting task aborted on data error", "project_id", id, "error", err)
	default:
		slog.WarnContext(ctx, "accounting task failed, retrying next cycle", "project_id", id, "error", err)
	}

	if s.queue != nil {
		s.publishCompleted(ctx, id, corrID, res, err)
	}
}

func (s *Scheduler) publishCompleted(ctx context.Context, id, corrID string, res *Result, taskErr error) {
	p := messagequeue.TaskCompletedPayload{ProjectID: id, CorrelationID: corrID}
	if res != nil {
		p.EntriesWritten = res.EntriesWritten
		p.Balance = res.Balance.String()
		p.Watermark = res.Watermark
	}
	if taskErr != nil {
		p.Error = taskErr.Error()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.queue.Publish(pubCtx, messagequeue.SubjectTaskCompleted, data); err != nil {
		slog.WarnContext(ctx, "publish task completion failed", "error", err)
	}
}

// Wait blocks until every submitted task has finished.
func (s *Scheduler) Wait() { s.pool.Wait() }

// Status returns a snapshot for the status API.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := SchedulerStatus{Pool: s.pool.Stats(), LastCycle: s.cycle}
	for _, id := range slices.Sorted(maps.Keys(s.projects)) {
		st := *s.projects[id]
		out.Projects = append(out.Projects, st)
	}
	return out
}

// Project returns the status of one project.
func (s *Scheduler) Project(id string) (ProjectStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.projects[id]
	if !ok {
		return ProjectStatus{}, false
	}
	return *st, true
}

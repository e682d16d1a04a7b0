package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	cfotel "github.com/Strob0t/CreditForge/internal/adapter/otel"
	"github.com/Strob0t/CreditForge/internal/config"
	"github.com/Strob0t/CreditForge/internal/domain"
	"github.com/Strob0t/CreditForge/internal/domain/credits"
	"github.com/Strob0t/CreditForge/internal/domain/notification"
	"github.com/Strob0t/CreditForge/internal/domain/pricing"
	"github.com/Strob0t/CreditForge/internal/logger"
	"github.com/Strob0t/CreditForge/internal/port/ledger"
	"github.com/Strob0t/CreditForge/internal/port/measurement"
	"github.com/Strob0t/CreditForge/internal/resilience"
)

// Result summarizes one accounting task.
type Result struct {
	ProjectID      string          `json:"project_id"`
	CorrelationID  string          `json:"correlation_id"`
	EntriesWritten int             `json:"entries_written"`
	EntriesSkipped int             `json:"entries_skipped"`
	Gaps           int             `json:"gaps"`
	Resets         int             `json:"resets"`
	Dropped        int             `json:"dropped"`
	Watermark      time.Time       `json:"watermark"`
	Balance        decimal.Decimal `json:"balance"`
	Notified       bool            `json:"notified"`
}

// AccountingService turns fetched measurements of one project into ledger
// entries and drives its notification state.
//
// Process must not run concurrently for the same project; the Pool
// guarantees that.
type AccountingService struct {
	store   ledger.Store
	fetcher measurement.Fetcher
	grants  *GrantService
	notify  *NotificationService
	cfg     ConfigSource
	retry   resilience.RetryPolicy
	metrics *cfotel.Metrics
	now     func() time.Time
}

// NewAccountingService creates an AccountingService. grants may be nil.
func NewAccountingService(
	store ledger.Store,
	fetcher measurement.Fetcher,
	grants *GrantService,
	notify *NotificationService,
	cfg ConfigSource,
) *AccountingService {
	return &AccountingService{
		store:   store,
		fetcher: fetcher,
		grants:  grants,
		notify:  notify,
		cfg:     cfg,
		retry:   resilience.NewRetryPolicy(cfg.Current().Retry),
		now:     time.Now,
	}
}

// SetMetrics attaches metric instruments.
func (s *AccountingService) SetMetrics(m *cfotel.Metrics) { s.metrics = m }

// SetRetryPolicy overrides the retry policy taken from the configuration.
func (s *AccountingService) SetRetryPolicy(p resilience.RetryPolicy) { s.retry = p }

// windowGroup is every measurement of one window.
type windowGroup struct {
	window credits.Window
	items  []credits.UsageMeasurement
}

// Process runs one accounting task for projectID. The correlation ID is
// taken from ctx.
func (s *AccountingService) Process(ctx context.Context, projectID string) (res Result, err error) {
	cfg := s.cfg.Current()
	ctx = logger.WithProjectID(ctx, projectID)
	res = Result{ProjectID: projectID, CorrelationID: logger.CorrelationID(ctx)}

	ctx, span := cfotel.StartTaskSpan(ctx, projectID, res.CorrelationID)
	started := s.now()
	if s.metrics != nil {
		s.metrics.TasksStarted.Add(ctx, 1, cfotel.Project(projectID))
	}
	defer func() {
		cfotel.End(span, err)
		if s.metrics != nil {
			s.metrics.TaskDuration.Record(ctx, s.now().Sub(started).Seconds(), cfotel.Project(projectID))
			if err != nil {
				s.metrics.TasksFailed.Add(ctx, 1, cfotel.Project(projectID))
			} else {
				s.metrics.TasksCompleted.Add(ctx, 1, cfotel.Project(projectID))
			}
		}
	}()

	engine, err := NewPricingEngine(&cfg.Accounting)
	if err != nil {
		return res, err
	}
	thresholds, err := thresholdsFor(&cfg.Accounting)
	if err != nil {
		return res, err
	}

	// 1. Project state.
	project, err := resilience.Retry(ctx, s.retry, "ensure project", func(ctx context.Context) (*credits.Project, error) {
		return s.store.EnsureProject(ctx, projectID)
	}, credits.IsData)
	if err != nil {
		return res, fmt.Errorf("ensure project: %w", err)
	}
	granted, grantKnown := s.refreshGranted(ctx, project)

	last, err := resilience.Retry(ctx, s.retry, "last entry", func(ctx context.Context) (*credits.LedgerEntry, error) {
		e, err := s.store.LastEntry(ctx, projectID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return e, err
	}, credits.IsData)
	if err != nil {
		return res, fmt.Errorf("last entry: %w", err)
	}
	baselines, err := resilience.Retry(ctx, s.retry, "baselines", func(ctx context.Context) (map[string]credits.Baseline, error) {
		return s.store.Baselines(ctx, projectID)
	}, credits.IsData)
	if err != nil {
		return res, fmt.Errorf("baselines: %w", err)
	}

	var watermark time.Time
	if last != nil {
		watermark = last.Window.End
	}
	res.Watermark = watermark
	res.Balance = balanceOf(last)

	// 2. Fetch.
	fetchCtx, fetchSpan := cfotel.StartFetchSpan(ctx, projectID)
	batch, err := resilience.Retry(fetchCtx, s.retry, "fetch measurements", func(ctx context.Context) (measurement.Batch, error) {
		return s.fetcher.Fetch(ctx, projectID, watermark)
	}, credits.IsData)
	cfotel.End(fetchSpan, err)
	if err != nil {
		return res, fmt.Errorf("fetch measurements: %w", err)
	}
	res.Dropped = batch.Dropped
	if s.metrics != nil && batch.Dropped > 0 {
		s.metrics.MeasurementsDropped.Add(ctx, int64(batch.Dropped), cfotel.Project(projectID))
	}

	// 3. Validate and group by window.
	groups, err := groupByWindow(batch.Measurements)
	if err != nil {
		return res, err
	}

	rebaseline := cfg.Accounting.GapPolicy != config.GapCarry
	prevEnd := watermark
	for _, g := range groups {
		// 4. Windows at or before the watermark are replays.
		if !watermark.IsZero() && !g.window.End.After(watermark) {
			if err := s.checkReplay(ctx, projectID, g.window); err != nil {
				return res, err
			}
			res.EntriesSkipped++
			continue
		}
		if !watermark.IsZero() && g.window.Start.Before(watermark) {
			return res, fmt.Errorf("%w: %s starts before watermark %s", credits.ErrWindowOverlap, g.window, watermark.Format(time.RFC3339))
		}

		if !prevEnd.IsZero() && g.window.Start.After(prevEnd) {
			res.Gaps++
			slog.InfoContext(ctx, "measurement gap skipped",
				"gap_start", prevEnd, "gap_end", g.window.Start, "policy", cfg.Accounting.GapPolicy)
		}

		// 5. + 6. Price and append.
		entry, resets, err := buildEntry(ctx, projectID, g, last, baselines, engine, rebaseline)
		if err != nil {
			return res, err
		}
		res.Resets += resets

		stored, created, err := s.append(ctx, entry)
		if err != nil {
			return res, err
		}
		if created {
			res.EntriesWritten++
			if s.metrics != nil {
				s.metrics.EntriesAppended.Add(ctx, 1, cfotel.Project(projectID))
				f, _ := stored.Cost.Float64()
				s.metrics.CreditsCharged.Add(ctx, f, cfotel.Project(projectID))
			}
		} else {
			res.EntriesSkipped++
			if s.metrics != nil {
				s.metrics.EntriesReplayed.Add(ctx, 1, cfotel.Project(projectID))
			}
		}

		for _, it := range stored.Items {
			baselines[it.Resource] = credits.Baseline{Raw: it.Raw, End: stored.Window.End}
		}
		last = stored
		prevEnd = stored.Window.End
		res.Watermark = stored.Window.End
		res.Balance = stored.Balance
	}

	if res.EntriesWritten > 0 {
		slog.InfoContext(ctx, "accounting task completed",
			"entries", res.EntriesWritten, "watermark", res.Watermark, "balance", res.Balance)
		if err := s.grants.ReportUsage(ctx, projectID, res.Balance); err != nil {
			slog.WarnContext(ctx, "report used credits failed", "error", err)
		}
	}

	// 7. Notification state.
	if s.notify == nil || (granted.IsZero() && !grantKnown) {
		return res, nil
	}
	ev, err := s.notify.Track(ctx, projectID, notification.Observation{
		Remaining: granted.Sub(res.Balance),
		Granted:   granted,
		At:        s.now().UTC(),
	}, thresholds, notification.Policy{NotifyOnRecovery: cfg.Accounting.NotifyOnRecovery})
	if err != nil {
		// Entries are durable; the next task evaluates again.
		slog.WarnContext(ctx, "notification tracking failed", "error", err)
		return res, nil
	}
	res.Notified = ev != nil
	return res, nil
}

// refreshGranted fetches the current grant and stores it on the project.
// When the portal is unreachable the last stored value is used. The
// second result reports whether a grant is known at all.
func (s *AccountingService) refreshGranted(ctx context.Context, p *credits.Project) (decimal.Decimal, bool) {
	if !s.grants.Enabled() {
		return p.GrantedCredits, !p.GrantedCredits.IsZero()
	}
	granted, err := s.grants.Granted(ctx, p.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.DebugContext(ctx, "project unknown to portal")
		} else {
			slog.WarnContext(ctx, "granted credits unavailable, using stored value", "error", err, "granted", p.GrantedCredits)
		}
		return p.GrantedCredits, !p.GrantedCredits.IsZero()
	}
	if !granted.Equal(p.GrantedCredits) {
		if err := s.store.UpdateGranted(ctx, p.ID, granted); err != nil {
			slog.WarnContext(ctx, "store granted credits failed", "error", err)
		}
	}
	return granted, true
}

// checkReplay verifies that a window at or before the watermark is already
// in the ledger.
func (s *AccountingService) checkReplay(ctx context.Context, projectID string, w credits.Window) error {
	_, err := resilience.Retry(ctx, s.retry, "lookup entry", func(ctx context.Context) (*credits.LedgerEntry, error) {
		return s.store.Lookup(ctx, projectID, w)
	}, func(err error) bool {
		return credits.IsData(err) || errors.Is(err, domain.ErrNotFound)
	})
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: %s is behind the watermark but not in the ledger", credits.ErrNonMonotonic, w)
	}
	if err != nil {
		return fmt.Errorf("lookup entry: %w", err)
	}
	slog.DebugContext(ctx, "replayed window skipped", "window", w.String())
	return nil
}

func (s *AccountingService) append(ctx context.Context, entry credits.LedgerEntry) (*credits.LedgerEntry, bool, error) {
	type appended struct {
		entry   *credits.LedgerEntry
		created bool
	}
	out, err := resilience.Retry(ctx, s.retry, "append entry", func(ctx context.Context) (appended, error) {
		e, created, err := s.store.Append(ctx, entry)
		return appended{e, created}, err
	}, credits.IsData)
	if err != nil {
		if credits.IsData(err) {
			slog.ErrorContext(ctx, "ledger rejected entry", "window", entry.Window.String(), "error", err)
		}
		return nil, false, fmt.Errorf("append %s: %w", entry.Window, err)
	}
	if !out.created && !out.entry.SameAs(&entry) {
		slog.WarnContext(ctx, "window already billed with a different cost, keeping stored entry",
			"window", entry.Window.String(), "stored", out.entry.Cost, "computed", entry.Cost)
	}
	return out.entry, out.created, nil
}

// buildEntry prices every measurement of a window and chains the entry onto
// last. baselines is read, not written.
func buildEntry(
	ctx context.Context,
	projectID string,
	g windowGroup,
	last *credits.LedgerEntry,
	baselines map[string]credits.Baseline,
	engine *pricing.Engine,
	rebaseline bool,
) (credits.LedgerEntry, int, error) {
	var (
		total  decimal.Decimal
		items  = make([]credits.LineItem, 0, len(g.items))
		resets int
	)
	for i := range g.items {
		m := &g.items[i]
		if _, err := engine.Rate(m.Resource); err != nil {
			return credits.LedgerEntry{}, 0, fmt.Errorf("%s %s: %w", m.Resource, m.Window, err)
		}

		var prev *credits.Baseline
		if b, ok := baselines[m.Resource]; ok {
			prev = &b
		}
		d := credits.ComputeDelta(prev, m, rebaseline)
		if d.Reset {
			resets++
			slog.WarnContext(ctx, "counter reset detected",
				"resource", m.Resource, "window", m.Window.String(), "previous", prev.Raw, "raw", m.Value)
		}

		cost, err := engine.Price(m.Resource, d.Value)
		if err != nil {
			return credits.LedgerEntry{}, 0, fmt.Errorf("%s %s: %w", m.Resource, m.Window, err)
		}
		total = total.Add(cost)
		items = append(items, credits.LineItem{
			Resource: m.Resource,
			Raw:      m.Value,
			Delta:    d.Value,
			Cost:     cost,
			Reset:    d.Reset,
		})
	}

	cost := engine.Round(total)
	return credits.LedgerEntry{
		ProjectID:     projectID,
		Window:        g.window,
		Cost:          cost,
		Balance:       balanceOf(last).Add(cost),
		Precision:     engine.Precision(),
		CorrelationID: logger.CorrelationID(ctx),
		Items:         items,
	}, resets, nil
}

// groupByWindow validates measurements and collects them per window in
// window order. Windows must not overlap unless they are identical.
func groupByWindow(ms []credits.UsageMeasurement) ([]windowGroup, error) {
	sorted := make([]credits.UsageMeasurement, len(ms))
	copy(sorted, ms)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Window.Start.Before(sorted[j].Window.Start)
	})

	var groups []windowGroup
	for i := range sorted {
		m := sorted[i]
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if n := len(groups); n > 0 {
			cur := &groups[n-1]
			if cur.window.Equal(m.Window) {
				for _, o := range cur.items {
					if o.Resource == m.Resource {
						return nil, fmt.Errorf("%w: duplicate %s in %s", credits.ErrMalformedMeasurement, m.Resource, m.Window)
					}
				}
				cur.items = append(cur.items, m)
				continue
			}
			if m.Window.Start.Before(cur.window.End) {
				return nil, fmt.Errorf("%w: %s overlaps %s", credits.ErrNonMonotonic, m.Window, cur.window)
			}
		}
		groups = append(groups, windowGroup{window: m.Window, items: []credits.UsageMeasurement{m}})
	}
	return groups, nil
}

func balanceOf(e *credits.LedgerEntry) decimal.Decimal {
	if e == nil {
		return decimal.Zero
	}
	return e.Balance
}

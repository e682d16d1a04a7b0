// Package promscale reads usage counters from a Promscale (TimescaleDB)
// metric store and turns them into windowed measurements.
package promscale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Strob0t/CreditForge/internal/config"
	"github.com/Strob0t/CreditForge/internal/domain/credits"
	"github.com/Strob0t/CreditForge/internal/port/measurement"
	"github.com/Strob0t/CreditForge/internal/resilience"
)

// projectLabel is the series label carrying the project name.
const projectLabel = "project_name"

// Fetcher implements measurement.Fetcher over Promscale metric views.
//
// Each metric view is bucketed into windows of Step width aligned to the
// Unix epoch. The last sample in a bucket is the window's reading; the
// bucket that is still open is never returned.
type Fetcher struct {
	pool      *pgxpool.Pool
	schema    string
	step      time.Duration
	mu        sync.RWMutex
	resources map[string]credits.Kind
	breaker   *resilience.Breaker
	now       func() time.Time
}

var _ measurement.Fetcher = (*Fetcher)(nil)

// NewPool opens the measurement database pool.
func NewPool(ctx context.Context, cfg config.Measurement) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse measurement dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create measurement pool: %w", err)
	}
	return pool, nil
}

// New creates a fetcher reading the given resources (metric names).
func New(pool *pgxpool.Pool, cfg config.Measurement, resources map[string]credits.Kind) *Fetcher {
	schema := cfg.Schema
	if schema == "" {
		schema = "prom_metric"
	}
	return &Fetcher{
		pool:      pool,
		schema:    schema,
		step:      cfg.Step,
		resources: resources,
		now:       time.Now,
	}
}

// SetResources replaces the metric names read by later fetches.
func (f *Fetcher) SetResources(resources map[string]credits.Kind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources = resources
}

// SetBreaker attaches a circuit breaker to all queries.
func (f *Fetcher) SetBreaker(b *resilience.Breaker) {
	f.breaker = b
}

func (f *Fetcher) guard(fn func() error) error {
	if f.breaker == nil {
		return fn()
	}
	return f.breaker.Execute(fn)
}

// Projects lists every project name known to the label catalog.
func (f *Fetcher) Projects(ctx context.Context) ([]string, error) {
	var out []string
	err := f.guard(func() error {
		rows, err := f.pool.Query(ctx,
			`SELECT DISTINCT value FROM _prom_catalog.label WHERE key = $1 ORDER BY value`, projectLabel)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return out, nil
}

// Fetch returns the complete windows of every configured resource that start
// at or after since.
func (f *Fetcher) Fetch(ctx context.Context, projectID string, since time.Time) (measurement.Batch, error) {
	labelIDs, err := f.labelIDs(ctx, projectID)
	if err != nil {
		return measurement.Batch{}, err
	}
	if len(labelIDs) == 0 {
		return measurement.Batch{}, nil
	}

	until := BinStart(f.now(), f.step)
	from := BinStart(since, f.step)
	if from.Before(since) {
		from = from.Add(f.step)
	}
	if !from.Before(until) {
		return measurement.Batch{}, nil
	}

	f.mu.RLock()
	resources := f.resources
	f.mu.RUnlock()

	var raw []credits.UsageMeasurement
	for _, resource := range sortedResources(resources) {
		ms, err := f.fetchResource(ctx, projectID, resource, resources[resource], labelIDs, from, until)
		if IsUndefinedMetric(err) {
			slog.WarnContext(ctx, "metric view missing, resource not billed", "project_id", projectID, "resource", resource)
			continue
		}
		if err != nil {
			return measurement.Batch{}, err
		}
		raw = append(raw, ms...)
	}

	batch := measurement.Normalize(raw)
	if batch.Dropped > 0 {
		slog.WarnContext(ctx, "dropped duplicate measurements", "project_id", projectID, "dropped", batch.Dropped)
	}
	return batch, nil
}

func (f *Fetcher) labelIDs(ctx context.Context, projectID string) ([]int32, error) {
	var ids []int32
	err := f.guard(func() error {
		rows, err := f.pool.Query(ctx,
			`SELECT id FROM _prom_catalog.label WHERE key = $1 AND value = $2`, projectLabel, projectID)
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[int32])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("label ids for %s: %w", projectID, err)
	}
	return ids, nil
}

func (f *Fetcher) fetchResource(ctx context.Context, projectID, resource string, kind credits.Kind, labelIDs []int32, from, until time.Time) ([]credits.UsageMeasurement, error) {
	view := pgx.Identifier{f.schema, resource}.Sanitize()
	query := `SELECT DISTINCT ON (bucket) date_bin(make_interval(secs => $1), time, 'epoch') AS bucket, value, time
		FROM ` + view + `
		WHERE project_name_id = ANY($2) AND time >= $3 AND time < $4
		ORDER BY bucket, time DESC`

	var samples []Sample
	err := f.guard(func() error {
		rows, err := f.pool.Query(ctx, query, f.step.Seconds(), labelIDs, from, until)
		if err != nil {
			return err
		}
		samples, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Sample, error) {
			var sm Sample
			err := row.Scan(&sm.Bucket, &sm.Value, &sm.Time)
			return sm, err
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s for %s: %w", resource, projectID, err)
	}
	return Measurements(projectID, resource, kind, f.step, samples)
}

// Measurements converts the samples of one resource. The first malformed
// sample fails the whole resource with credits.ErrMalformedMeasurement, so
// the task aborts instead of billing around the hole.
func Measurements(projectID, resource string, kind credits.Kind, step time.Duration, samples []Sample) ([]credits.UsageMeasurement, error) {
	out := make([]credits.UsageMeasurement, 0, len(samples))
	for _, sm := range samples {
		m, err := sm.Measurement(projectID, resource, kind, step)
		if err != nil {
			return nil, fmt.Errorf("fetch %s for %s at %s: %w", resource, projectID, sm.Bucket.UTC().Format(time.RFC3339), err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Sample is one bucketed row of a metric view.
type Sample struct {
	Bucket time.Time
	Value  float64
	Time   time.Time
}

// Measurement converts the sample. NaN, infinite and negative readings are
// rejected with credits.ErrMalformedMeasurement.
func (s Sample) Measurement(projectID, resource string, kind credits.Kind, step time.Duration) (credits.UsageMeasurement, error) {
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return credits.UsageMeasurement{}, fmt.Errorf("%w: %s value %v", credits.ErrMalformedMeasurement, resource, s.Value)
	}
	if kind == "" {
		kind = credits.KindCounter
	}
	m := credits.UsageMeasurement{
		ProjectID: projectID,
		Resource:  resource,
		Window:    credits.NewWindow(s.Bucket, s.Bucket.Add(step)),
		Value:     decimal.NewFromFloat(s.Value),
		Kind:      kind,
		Sequence:  s.Time.UnixNano(),
	}
	if err := m.Validate(); err != nil {
		return credits.UsageMeasurement{}, err
	}
	return m, nil
}

// BinStart returns the start of the epoch-aligned bucket containing t.
func BinStart(t time.Time, step time.Duration) time.Time {
	if step <= 0 {
		return t.UTC()
	}
	ns := t.UnixNano()
	rem := ns % int64(step)
	if rem < 0 {
		rem += int64(step)
	}
	return time.Unix(0, ns-rem).UTC()
}

func sortedResources(m map[string]credits.Kind) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// IsUndefinedMetric reports whether err stems from a metric view that does
// not exist yet.
func IsUndefinedMetric(err error) bool {
	var pgErr interface{ SQLState() string }
	return errors.As(err, &pgErr) && pgErr.SQLState() == "42P01"
}

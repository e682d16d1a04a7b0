package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "creditforge"

// Metrics holds all CreditForge metric instruments.
type Metrics struct {
	TasksStarted        metric.Int64Counter
	TasksCompleted      metric.Int64Counter
	TasksFailed         metric.Int64Counter
	EntriesAppended     metric.Int64Counter
	EntriesReplayed     metric.Int64Counter
	MeasurementsDropped metric.Int64Counter
	Notifications       metric.Int64Counter
	CreditsCharged      metric.Float64Counter
	TaskDuration        metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.TasksStarted, "creditforge.tasks.started", "Accounting tasks started"},
		{&m.TasksCompleted, "creditforge.tasks.completed", "Accounting tasks completed"},
		{&m.TasksFailed, "creditforge.tasks.failed", "Accounting tasks failed"},
		{&m.EntriesAppended, "creditforge.ledger.appended", "Ledger entries created"},
		{&m.EntriesReplayed, "creditforge.ledger.replayed", "Ledger appends answered by an existing entry"},
		{&m.MeasurementsDropped, "creditforge.measurements.dropped", "Duplicate or malformed measurements dropped"},
		{&m.Notifications, "creditforge.notifications", "Threshold notifications emitted"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	m.CreditsCharged, err = meter.Float64Counter("creditforge.credits.charged",
		metric.WithDescription("Credits charged to projects"))
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("creditforge.task.duration_seconds",
		metric.WithDescription("Accounting task duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// PoolStats is a point-in-time view of the worker pool.
type PoolStats struct {
	Workers int
	Busy    int
	Queued  int
}

// ObservePool registers gauges reading the worker pool on every collection.
func ObservePool(stats func() PoolStats) (metric.Registration, error) {
	meter := otel.Meter(meterName)
	gauge, err := meter.Int64ObservableGauge("creditforge.pool.workers",
		metric.WithDescription("Worker pool slots by state"))
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(gauge, int64(s.Workers), metric.WithAttributes(attribute.String("state", "total")))
		o.ObserveInt64(gauge, int64(s.Busy), metric.WithAttributes(attribute.String("state", "busy")))
		o.ObserveInt64(gauge, int64(s.Queued), metric.WithAttributes(attribute.String("state", "queued")))
		return nil
	}, gauge)
}

// Project returns the attribute set used on per-project measurements.
func Project(projectID string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("project.id", projectID))
}

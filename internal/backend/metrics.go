package backend

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// metrics carries the backend's otel instruments. The default provider is the
// noop meter so the instrumentation costs nothing when unused.
type metrics struct {
	executions    metric.Int64Counter
	cacheHits     metric.Int64Counter
	cacheMisses   metric.Int64Counter
	invalidations metric.Int64Counter
	jobs          metric.Int64Counter
	liveTasks     metric.Int64UpDownCounter
}

func noopMetrics() *metrics {
	m, _ := newMetrics(noop.NewMeterProvider())
	return m
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	meter := mp.Meter("taskmill/backend")
	var (
		m   metrics
		err error
	)
	if m.executions, err = meter.Int64Counter("taskmill.task.executions",
		metric.WithDescription("Task executions started")); err != nil {
		return nil, err
	}
	if m.cacheHits, err = meter.Int64Counter("taskmill.cache.hits",
		metric.WithDescription("Memoization cache hits")); err != nil {
		return nil, err
	}
	if m.cacheMisses, err = meter.Int64Counter("taskmill.cache.misses",
		metric.WithDescription("Memoization cache misses")); err != nil {
		return nil, err
	}
	if m.invalidations, err = meter.Int64Counter("taskmill.task.invalidations",
		metric.WithDescription("Task invalidations")); err != nil {
		return nil, err
	}
	if m.jobs, err = meter.Int64Counter("taskmill.jobs.run",
		metric.WithDescription("Background jobs executed")); err != nil {
		return nil, err
	}
	if m.liveTasks, err = meter.Int64UpDownCounter("taskmill.tasks.live",
		metric.WithDescription("Live task entries")); err != nil {
		return nil, err
	}
	return &m, nil
}

// WithMeterProvider wires the backend's instruments to the given provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(b *Backend) {
		if m, err := newMetrics(mp); err == nil {
			b.metrics = m
		}
	}
}

func (m *metrics) executionStarted(kind TaskKind) {
	m.executions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind.String())))
}

func (m *metrics) cacheHit()  { m.cacheHits.Add(context.Background(), 1) }
func (m *metrics) cacheMiss() { m.cacheMisses.Add(context.Background(), 1) }

func (m *metrics) invalidated() { m.invalidations.Add(context.Background(), 1) }

func (m *metrics) jobRan() { m.jobs.Add(context.Background(), 1) }

func (m *metrics) taskCreated() { m.liveTasks.Add(context.Background(), 1) }
func (m *metrics) taskRemoved() { m.liveTasks.Add(context.Background(), -1) }

package bakes

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics provides OTel metrics for the bake system.
type Metrics struct {
	bakeDuration metric.Float64Histogram
	bakesTotal   metric.Int64Counter
	stepDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	bakeDuration, err := meter.Float64Histogram(
		"kiln_bake_duration_seconds",
		metric.WithDescription("Duration of bakes in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	bakesTotal, err := meter.Int64Counter(
		"kiln_bakes_total",
		metric.WithDescription("Total number of bakes"),
	)
	if err != nil {
		return nil, err
	}

	stepDuration, err := meter.Float64Histogram(
		"kiln_bake_step_duration_seconds",
		metric.WithDescription("Duration of individual bake steps in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		bakeDuration: bakeDuration,
		bakesTotal:   bakesTotal,
		stepDuration: stepDuration,
	}, nil
}

// RecordBake records metrics for a completed bake.
func (m *Metrics) RecordBake(ctx context.Context, status string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("status", status),
	}
	m.bakeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.bakesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordStep records the duration of a single pipeline step.
func (m *Metrics) RecordStep(ctx context.Context, step string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	m.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("status", status),
	))
}

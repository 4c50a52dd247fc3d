package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder mirrors backbone signals into a metrics backend.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordEmission records that an event was emitted.
	RecordEmission(ctx context.Context, eventType string)

	// RecordProcessing records a handler invocation with its duration.
	RecordProcessing(ctx context.Context, eventType string, duration time.Duration, err error)

	// RecordError records a subscriber or emission failure.
	RecordError(ctx context.Context, eventType string)

	// RecordReplay records a replayed event.
	RecordReplay(ctx context.Context, eventType string, success bool)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	emissions      metric.Int64Counter
	handlerLatency metric.Float64Histogram
	handlerErrors  metric.Int64Counter
	replays        metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("eventspine")

	emissions, err := meter.Int64Counter("eventspine.events.emitted",
		metric.WithDescription("Number of events emitted"),
	)
	if err != nil {
		return nil, err
	}

	handlerLatency, err := meter.Float64Histogram("eventspine.handler.latency_ms",
		metric.WithDescription("Subscriber invocation latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	handlerErrors, err := meter.Int64Counter("eventspine.handler.errors",
		metric.WithDescription("Number of subscriber failures after retry exhaustion"),
	)
	if err != nil {
		return nil, err
	}

	replays, err := meter.Int64Counter("eventspine.replay.events",
		metric.WithDescription("Number of events re-driven by the replay engine"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		emissions:      emissions,
		handlerLatency: handlerLatency,
		handlerErrors:  handlerErrors,
		replays:        replays,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder backed by OpenTelemetry.
// If instrument creation fails, a no-op recorder is returned.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordEmission records an emitted event.
func (m *otelMetrics) RecordEmission(ctx context.Context, eventType string) {
	m.emissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordProcessing records a handler invocation.
func (m *otelMetrics) RecordProcessing(ctx context.Context, eventType string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("event_type", eventType),
	}
	m.handlerLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	if err != nil {
		m.handlerErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordError records a failure.
func (m *otelMetrics) RecordError(ctx context.Context, eventType string) {
	m.handlerErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordReplay records a replayed event.
func (m *otelMetrics) RecordReplay(ctx context.Context, eventType string, success bool) {
	m.replays.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Bool("success", success),
	))
}

// NoopMetrics is a MetricsRecorder that does nothing.
// Use when metrics are disabled to avoid overhead.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

// RecordEmission does nothing.
func (NoopMetrics) RecordEmission(_ context.Context, _ string) {}

// RecordProcessing does nothing.
func (NoopMetrics) RecordProcessing(_ context.Context, _ string, _ time.Duration, _ error) {}

// RecordError does nothing.
func (NoopMetrics) RecordError(_ context.Context, _ string) {}

// RecordReplay does nothing.
func (NoopMetrics) RecordReplay(_ context.Context, _ string, _ bool) {}

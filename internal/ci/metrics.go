package ci

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Build results recorded on pulsebuild.builds.
const (
	resultSuccess = "success"
	resultFailure = "failure"
	resultError   = "error"
)

type instruments struct {
	pulses   metric.Int64Counter
	builds   metric.Int64Counter
	duration metric.Float64Histogram
}

// newInstruments creates the trigger metrics.  Failures are logged and
// leave the instrument nil, which the record methods tolerate.
func newInstruments(logger *slog.Logger) *instruments {
	meter := otel.Meter("pulsebuild/ci")
	m := &instruments{}

	var err error
	m.pulses, err = meter.Int64Counter(
		"pulsebuild.pulses",
		metric.WithDescription("Total number of trigger pulses"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create pulses counter", slog.String("error", err.Error()))
	}

	m.builds, err = meter.Int64Counter(
		"pulsebuild.builds",
		metric.WithDescription("Total number of builds by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create builds counter", slog.String("error", err.Error()))
	}

	m.duration, err = meter.Float64Histogram(
		"pulsebuild.build.duration",
		metric.WithDescription("Wall-clock build duration (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 30, 60, 300, 600, 1800, 3600),
	)
	if err != nil {
		logger.Warn("failed to create build duration histogram", slog.String("error", err.Error()))
	}
	return m
}

func (m *instruments) pulse(ctx context.Context, trigger string) {
	if m.pulses != nil {
		m.pulses.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
	}
}

func (m *instruments) build(ctx context.Context, result, branch string, d time.Duration) {
	if m.builds != nil {
		m.builds.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
	if m.duration != nil && result != resultError {
		m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("branch", branch)))
	}
}

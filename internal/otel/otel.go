// Package otel installs the OpenTelemetry providers used by pulsebuild.
// Traces and metrics are pushed over OTLP HTTP when enabled; metrics can
// additionally be scraped from /metrics through a Prometheus reader.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	"github.com/terrpan/pulsebuild/internal/buildinfo"
)

// ServiceName is the resource service name of every signal.
const ServiceName = "pulsebuild"

// exportInterval is how often metric readers push.
const exportInterval = 10 * time.Second

// Config holds OpenTelemetry configuration.
type Config struct {
	// Enabled turns on OTLP push of traces and metrics.
	Enabled bool

	// Endpoint is the OTLP HTTP endpoint, e.g. "localhost:4318".  Empty
	// defers to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string

	// Insecure sends OTLP over plain HTTP.
	Insecure bool

	// StdOut also prints spans and metrics, for debugging.
	StdOut bool

	// Prometheus registers a reader whose metrics MetricsHandler serves.
	Prometheus bool
}

// Setup installs global tracer and meter providers and returns a
// function that flushes and stops them.  With nothing enabled it
// installs nothing and the global no-op providers stay in place.
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	var shutdownFuncs []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}
	fail := func(inErr error) {
		err = errors.Join(inErr, shutdown(ctx))
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(buildinfo.Version),
		),
	)
	if err != nil {
		fail(err)
		return
	}

	if cfg.Enabled || cfg.StdOut {
		tp, tErr := newTraceProvider(ctx, res, cfg)
		if tErr != nil {
			fail(tErr)
			return
		}
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	if cfg.Enabled || cfg.StdOut || cfg.Prometheus {
		mp, mErr := newMeterProvider(ctx, res, cfg)
		if mErr != nil {
			fail(mErr)
			return
		}
		shutdownFuncs = append(shutdownFuncs, mp.Shutdown)
		otel.SetMeterProvider(mp)
	}

	return
}

// MetricsHandler serves the Prometheus registry the reader writes to.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func newTraceProvider(ctx context.Context, res *resource.Resource, cfg Config) (*trace.TracerProvider, error) {
	opts := []trace.TracerProviderOption{trace.WithResource(res)}

	if cfg.Enabled {
		var exportOpts []otlptracehttp.Option
		if cfg.Endpoint != "" {
			exportOpts = append(exportOpts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			exportOpts = append(exportOpts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, exportOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating otlp trace exporter: %w", err)
		}
		opts = append(opts, trace.WithBatcher(exp, trace.WithBatchTimeout(time.Second)))
	}

	if cfg.StdOut {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("creating stdout trace exporter: %w", err)
		}
		opts = append(opts, trace.WithBatcher(exp, trace.WithBatchTimeout(time.Second)))
	}

	return trace.NewTracerProvider(opts...), nil
}

func newMeterProvider(ctx context.Context, res *resource.Resource, cfg Config) (*metric.MeterProvider, error) {
	opts := []metric.Option{metric.WithResource(res)}

	if cfg.Enabled {
		var exportOpts []otlpmetrichttp.Option
		if cfg.Endpoint != "" {
			exportOpts = append(exportOpts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			exportOpts = append(exportOpts, otlpmetrichttp.WithInsecure())
		}
		exp, err := otlpmetrichttp.New(ctx, exportOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating otlp metric exporter: %w", err)
		}
		opts = append(opts, metric.WithReader(metric.NewPeriodicReader(exp, metric.WithInterval(exportInterval))))
	}

	if cfg.StdOut {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("creating stdout metric exporter: %w", err)
		}
		opts = append(opts, metric.WithReader(metric.NewPeriodicReader(exp, metric.WithInterval(exportInterval))))
	}

	if cfg.Prometheus {
		exp, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}
		opts = append(opts, metric.WithReader(exp))
	}

	return metric.NewMeterProvider(opts...), nil
}

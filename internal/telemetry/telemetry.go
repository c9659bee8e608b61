// Package telemetry initializes OpenTelemetry tracing, metrics and the
// process logger.
//
// Init returns a *Telemetry value instead of mutating otel globals, so tests
// can build isolated pipelines. Call InstallGlobal to publish it process-wide.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// OTLP transport protocols.
const (
	ProtocolGRPC         = "grpc"
	ProtocolHTTPProtobuf = "http/protobuf"
)

// DefaultEndpoint is the local collector's OTLP/gRPC address.
const DefaultEndpoint = "localhost:4317"

// Options configures Init. Zero values fall back to the defaults noted per field.
type Options struct {
	// ServiceName becomes the service.name resource attribute. Required.
	ServiceName string

	// Endpoint is the collector address, host:port or URL. Default DefaultEndpoint.
	Endpoint string
	// Protocol is ProtocolGRPC (default) or ProtocolHTTPProtobuf.
	Protocol string
	// Insecure disables TLS on the exporter connection.
	Insecure bool
	// BatchTimeout is the maximum delay before queued spans are exported. Default 5s.
	BatchTimeout time.Duration
	// ExportTimeout bounds a single export call. Default 10s.
	ExportTimeout time.Duration

	// Exporter, when set, replaces the OTLP span exporter.
	Exporter sdktrace.SpanExporter

	// Metrics enables the OTLP metric exporter.
	Metrics bool
	// MetricReader, when set, is used instead of the OTLP periodic reader.
	MetricReader sdkmetric.Reader

	// LogLevel is the initial verbosity filter.
	LogLevel slog.Level
	// LogFormat is "json" (default) or "text".
	LogFormat string
	// LogOutput receives console log output. Default os.Stdout.
	LogOutput io.Writer
}

func (o Options) withDefaults() Options {
	if o.Endpoint == "" {
		o.Endpoint = DefaultEndpoint
	}
	if o.Protocol == "" {
		o.Protocol = ProtocolGRPC
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = 5 * time.Second
	}
	if o.ExportTimeout <= 0 {
		o.ExportTimeout = 10 * time.Second
	}
	if o.LogFormat == "" {
		o.LogFormat = "json"
	}
	if o.LogOutput == nil {
		o.LogOutput = os.Stdout
	}
	return o
}

// Telemetry owns the tracer provider, the optional meter provider and the
// span-aware logger for one process (or one test).
type Telemetry struct {
	serviceName string
	tp          *sdktrace.TracerProvider
	mp          *sdkmetric.MeterProvider // nil when metrics are disabled
	propagator  propagation.TextMapPropagator
	logger      *slog.Logger
	level       *slog.LevelVar
}

// Init builds the trace pipeline: an OTLP exporter behind a batch span
// processor, an always-on sampler and a service.name resource. Spans are
// exported in the background; a collector that is down never blocks callers.
func Init(ctx context.Context, opts Options) (*Telemetry, error) {
	if strings.TrimSpace(opts.ServiceName) == "" {
		return nil, errors.New("telemetry: service name is required")
	}
	opts = opts.withDefaults()

	level := new(slog.LevelVar)
	level.Set(opts.LogLevel)
	console, err := newConsoleHandler(opts.LogFormat, opts.LogOutput, level)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(opts.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	traceExp := opts.Exporter
	if traceExp == nil {
		traceExp, err = newTraceExporter(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
		}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(traceExp,
			sdktrace.WithBatchTimeout(opts.BatchTimeout),
			sdktrace.WithExportTimeout(opts.ExportTimeout),
		),
		sdktrace.WithResource(res),
	)

	var mp *sdkmetric.MeterProvider
	reader := opts.MetricReader
	if reader == nil && opts.Metrics {
		metricExp, err := newMetricExporter(ctx, opts)
		if err != nil {
			_ = tp.Shutdown(ctx)
			return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(metricExp,
			sdkmetric.WithInterval(15*time.Second),
		)
	}
	if reader != nil {
		mp = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(reader),
			sdkmetric.WithResource(res),
		)
	}

	return &Telemetry{
		serviceName: opts.ServiceName,
		tp:          tp,
		mp:          mp,
		// W3C Trace Context and Baggage, so incoming traceparent headers
		// parent the request span.
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
		logger: slog.New(newSpanHandler(console)),
		level:  level,
	}, nil
}

// ServiceName returns the service.name resource value.
func (t *Telemetry) ServiceName() string { return t.serviceName }

// TracerProvider returns the SDK tracer provider.
func (t *Telemetry) TracerProvider() trace.TracerProvider { return t.tp }

// Tracer returns a tracer for the given instrumentation scope.
func (t *Telemetry) Tracer(name string) trace.Tracer { return t.tp.Tracer(name) }

// MeterProvider returns the meter provider, or a no-op provider when metrics
// are disabled.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	if t.mp == nil {
		return metricnoop.NewMeterProvider()
	}
	return t.mp
}

// Propagator returns the text map propagator used for incoming requests.
func (t *Telemetry) Propagator() propagation.TextMapPropagator { return t.propagator }

// Logger returns the span-aware structured logger.
func (t *Telemetry) Logger() *slog.Logger { return t.logger }

// LogLevel returns the current verbosity filter.
func (t *Telemetry) LogLevel() slog.Level { return t.level.Level() }

// SetLogLevel changes the verbosity filter for the console and span events.
func (t *Telemetry) SetLogLevel(l slog.Level) { t.level.Set(l) }

// InstallGlobal publishes the providers, propagator and logger as the otel
// and slog process defaults. Call it at most once, from main.
func (t *Telemetry) InstallGlobal() {
	otel.SetTracerProvider(t.tp)
	otel.SetMeterProvider(t.MeterProvider())
	otel.SetTextMapPropagator(t.propagator)
	slog.SetDefault(t.logger)
}

// ForceFlush exports all queued spans and pending metrics.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	err := t.tp.ForceFlush(ctx)
	if t.mp != nil {
		err = errors.Join(err, t.mp.ForceFlush(ctx))
	}
	return err
}

// Shutdown flushes and stops the providers. Spans still queued when ctx
// expires are dropped.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	err := t.tp.Shutdown(ctx)
	if t.mp != nil {
		err = errors.Join(err, t.mp.Shutdown(ctx))
	}
	if err != nil {
		return fmt.Errorf("telemetry: shutdown: %w", err)
	}
	return nil
}

package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// isURL reports whether the endpoint carries a scheme (http://host:4317)
// rather than a bare host:port. A URL's scheme decides TLS; Insecure only
// applies to a bare host:port.
func isURL(endpoint string) bool {
	return strings.Contains(endpoint, "://")
}

// signalURL appends the OTLP/HTTP signal path to a base collector URL, the
// way OTEL_EXPORTER_OTLP_ENDPOINT is resolved: http://c:4318/otlp becomes
// http://c:4318/otlp/v1/traces.
func signalURL(endpoint, signalPath string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + signalPath
	return u.String()
}

// newTraceExporter creates the OTLP span exporter. Neither transport dials
// eagerly, so an unreachable collector surfaces as export errors later,
// not here.
func newTraceExporter(ctx context.Context, opts Options) (sdktrace.SpanExporter, error) {
	switch opts.Protocol {
	case ProtocolGRPC:
		grpcOpts := []otlptracegrpc.Option{
			otlptracegrpc.WithTimeout(opts.ExportTimeout),
		}
		switch {
		case isURL(opts.Endpoint):
			grpcOpts = append(grpcOpts, otlptracegrpc.WithEndpointURL(opts.Endpoint))
		case opts.Insecure:
			grpcOpts = append(grpcOpts, otlptracegrpc.WithEndpoint(opts.Endpoint), otlptracegrpc.WithInsecure())
		default:
			grpcOpts = append(grpcOpts, otlptracegrpc.WithEndpoint(opts.Endpoint))
		}
		return otlptracegrpc.New(ctx, grpcOpts...)

	case ProtocolHTTPProtobuf:
		httpOpts := []otlptracehttp.Option{
			otlptracehttp.WithTimeout(opts.ExportTimeout),
		}
		switch {
		case isURL(opts.Endpoint):
			httpOpts = append(httpOpts, otlptracehttp.WithEndpointURL(signalURL(opts.Endpoint, "/v1/traces")))
		case opts.Insecure:
			httpOpts = append(httpOpts, otlptracehttp.WithEndpoint(opts.Endpoint), otlptracehttp.WithInsecure())
		default:
			httpOpts = append(httpOpts, otlptracehttp.WithEndpoint(opts.Endpoint))
		}
		return otlptracehttp.New(ctx, httpOpts...)

	default:
		return nil, fmt.Errorf("unsupported protocol %q", opts.Protocol)
	}
}

// newMetricExporter mirrors newTraceExporter for the metrics signal.
func newMetricExporter(ctx context.Context, opts Options) (sdkmetric.Exporter, error) {
	switch opts.Protocol {
	case ProtocolGRPC:
		grpcOpts := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithTimeout(opts.ExportTimeout),
		}
		switch {
		case isURL(opts.Endpoint):
			grpcOpts = append(grpcOpts, otlpmetricgrpc.WithEndpointURL(opts.Endpoint))
		case opts.Insecure:
			grpcOpts = append(grpcOpts, otlpmetricgrpc.WithEndpoint(opts.Endpoint), otlpmetricgrpc.WithInsecure())
		default:
			grpcOpts = append(grpcOpts, otlpmetricgrpc.WithEndpoint(opts.Endpoint))
		}
		return otlpmetricgrpc.New(ctx, grpcOpts...)

	case ProtocolHTTPProtobuf:
		httpOpts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithTimeout(opts.ExportTimeout),
		}
		switch {
		case isURL(opts.Endpoint):
			httpOpts = append(httpOpts, otlpmetrichttp.WithEndpointURL(signalURL(opts.Endpoint, "/v1/metrics")))
		case opts.Insecure:
			httpOpts = append(httpOpts, otlpmetrichttp.WithEndpoint(opts.Endpoint), otlpmetrichttp.WithInsecure())
		default:
			httpOpts = append(httpOpts, otlpmetrichttp.WithEndpoint(opts.Endpoint))
		}
		return otlpmetrichttp.New(ctx, httpOpts...)

	default:
		return nil, fmt.Errorf("unsupported protocol %q", opts.Protocol)
	}
}

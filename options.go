package traceping

import (
	"io"
	"log/slog"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ashita-ai/traceping/internal/config"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	host            *string
	port            *int
	serviceName     *string
	endpoint        *string
	logLevel        *slog.Level
	logOutput       io.Writer
	version         string
	spanExporter    sdktrace.SpanExporter
	installGlobal   bool
	routeRegistrars []RouteRegistrar
	middlewares     []Middleware
}

// apply overlays explicit options on the environment configuration.
func (o resolvedOptions) apply(cfg *config.Config) {
	if o.host != nil {
		cfg.Host = *o.host
	}
	if o.port != nil {
		cfg.Port = *o.port
	}
	if o.serviceName != nil {
		cfg.ServiceName = *o.serviceName
	}
	if o.endpoint != nil {
		cfg.OTELEndpoint = *o.endpoint
	}
}

// WithHost overrides the listen host from config (TRACEPING_HOST env var).
func WithHost(host string) Option {
	return func(o *resolvedOptions) { o.host = &host }
}

// WithPort overrides the TCP port from config (TRACEPING_PORT env var).
// Port 0 picks a free port; read it back with App.Addr after App.Listen.
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = &port }
}

// WithServiceName overrides the service.name resource attribute (OTEL_SERVICE_NAME env var).
func WithServiceName(name string) Option {
	return func(o *resolvedOptions) { o.serviceName = &name }
}

// WithCollectorEndpoint overrides the OTLP collector address (OTEL_EXPORTER_OTLP_ENDPOINT env var).
func WithCollectorEndpoint(endpoint string) Option {
	return func(o *resolvedOptions) { o.endpoint = &endpoint }
}

// WithLogLevel overrides the verbosity filter (TRACEPING_LOG_LEVEL env var).
func WithLogLevel(level slog.Level) Option {
	return func(o *resolvedOptions) { o.logLevel = &level }
}

// WithLogOutput redirects console logs. Default os.Stdout.
func WithLogOutput(w io.Writer) Option {
	return func(o *resolvedOptions) { o.logOutput = w }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithSpanExporter replaces the OTLP exporter. Spans still go through the
// batch processor.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *resolvedOptions) { o.spanExporter = exp }
}

// WithGlobalTelemetry publishes the app's tracer provider, propagator and
// logger as the process-wide otel and slog defaults.
func WithGlobalTelemetry() Option {
	return func(o *resolvedOptions) { o.installGlobal = true }
}

// WithExtraRoutes registers additional routes. Called after the built-in
// routes, so patterns that collide with them panic at New.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithMiddleware registers an outermost HTTP middleware.
// Middlewares are applied in registration order (first registered = outermost).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// Package testutil provides shared test infrastructure: isolated telemetry
// pipelines backed by an in-memory span exporter, an in-process OTLP/HTTP
// receiver, and an OpenTelemetry Collector container for export tests.
//
// Usage:
//
//	tel, spans := testutil.NewTelemetry(t, telemetry.Options{})
//	srv := server.New(server.ServerConfig{Telemetry: tel})
//	// ... drive requests ...
//	require.NoError(t, tel.ForceFlush(ctx))
//	got := spans.GetSpans()
package testutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ashita-ai/traceping/internal/telemetry"
)

// NewTelemetry builds a telemetry pipeline whose spans land in an in-memory
// exporter. Unset fields of opts get test defaults: service name "traceping-test",
// a short batch timeout and log output discarded. The pipeline is shut down
// when the test ends.
func NewTelemetry(t testing.TB, opts telemetry.Options) (*telemetry.Telemetry, *tracetest.InMemoryExporter) {
	t.Helper()

	exp := tracetest.NewInMemoryExporter()
	if opts.Exporter == nil {
		opts.Exporter = exp
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "traceping-test"
	}
	if opts.BatchTimeout == 0 {
		opts.BatchTimeout = 10 * time.Millisecond
	}
	if opts.LogOutput == nil {
		opts.LogOutput = io.Discard
	}

	tel, err := telemetry.Init(context.Background(), opts)
	if err != nil {
		t.Fatalf("testutil: init telemetry: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	})
	return tel, exp
}

// SpansNamed returns the exported spans with the given name.
func SpansNamed(exp *tracetest.InMemoryExporter, name string) tracetest.SpanStubs {
	var out tracetest.SpanStubs
	for _, s := range exp.GetSpans() {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// collectorConfig runs an OTLP/gRPC receiver and prints every span it gets.
const collectorConfig = `receivers:
  otlp:
    protocols:
      grpc:
        endpoint: 0.0.0.0:4317
exporters:
  debug:
    verbosity: detailed
service:
  pipelines:
    traces:
      receivers: [otlp]
      exporters: [debug]
`

// Collector wraps an OpenTelemetry Collector container with the OTLP/gRPC
// endpoint mapped to the host.
type Collector struct {
	Container testcontainers.Container
	Endpoint  string // host:port of the OTLP/gRPC receiver.
}

// StartCollector starts an OpenTelemetry Collector that logs received spans
// through its debug exporter. The test is skipped when no container runtime
// is available; the container is removed when the test ends.
func StartCollector(t *testing.T) *Collector {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "otel/opentelemetry-collector:0.115.0",
		ExposedPorts: []string{"4317/tcp"},
		Files: []testcontainers.ContainerFile{{
			Reader:            strings.NewReader(collectorConfig),
			ContainerFilePath: "/etc/otelcol/config.yaml",
			FileMode:          0o644,
		}},
		WaitingFor: wait.ForLog("Everything is ready").
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("testutil: failed to start collector: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("testutil: failed to get collector host: %v", err)
	}
	port, err := container.MappedPort(ctx, "4317")
	if err != nil {
		t.Fatalf("testutil: failed to get collector port: %v", err)
	}

	return &Collector{
		Container: container,
		Endpoint:  fmt.Sprintf("%s:%s", host, port.Port()),
	}
}

// Logs returns everything the collector has written so far.
func (c *Collector) Logs(ctx context.Context) (string, error) {
	rc, err := c.Container.Logs(ctx)
	if err != nil {
		return "", fmt.Errorf("testutil: collector logs: %w", err)
	}
	defer func() { _ = rc.Close() }()
	b, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("testutil: read collector logs: %w", err)
	}
	return string(b), nil
}

// HTTPCollector is a plaintext OTLP/HTTP receiver that accepts every export
// and remembers which paths were posted to.
type HTTPCollector struct {
	srv   *httptest.Server
	mu    sync.Mutex
	posts []string
}

// StartHTTPCollector starts an HTTPCollector that is closed when the test ends.
func StartHTTPCollector(t testing.TB) *HTTPCollector {
	t.Helper()
	c := &HTTPCollector{}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		if r.Method == http.MethodPost {
			c.mu.Lock()
			c.posts = append(c.posts, r.URL.Path)
			c.mu.Unlock()
		}
		w.Header().Set("Content-Type", "application/x-protobuf")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(c.srv.Close)
	return c
}

// URL returns the receiver's base URL (http://127.0.0.1:port).
func (c *HTTPCollector) URL() string { return c.srv.URL }

// HostPort returns the receiver address without a scheme.
func (c *HTTPCollector) HostPort() string { return strings.TrimPrefix(c.srv.URL, "http://") }

// Posts returns how many exports were posted to path, e.g. "/v1/traces".
func (c *HTTPCollector) Posts(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.posts {
		if p == path {
			n++
		}
	}
	return n
}

// Total returns how many exports were posted to any path.
func (c *HTTPCollector) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.posts)
}

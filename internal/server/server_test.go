package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/traceping/internal/server"
	"github.com/ashita-ai/traceping/internal/telemetry"
	"github.com/ashita-ai/traceping/internal/testutil"
)

const homeLogMessage = "hey from the home handler"

func newTestServer(t *testing.T, cfg server.ServerConfig) (*server.Server, *tracetest.InMemoryExporter) {
	t.Helper()
	tel, exp := testutil.NewTelemetry(t, telemetry.Options{})
	cfg.Telemetry = tel
	return server.New(cfg), exp
}

func get(t *testing.T, h http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHomeReturnsFixedBody(t *testing.T) {
	srv, _ := newTestServer(t, server.ServerConfig{})

	for i := range 5 {
		rec := get(t, srv.Handler(), "/", nil)
		assert.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
		assert.Equal(t, server.HomeBody, rec.Body.String(), "request %d", i+1)
		assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	}
}

func TestHomeEmitsOneEventOnHandlerSpan(t *testing.T) {
	tel, exp := testutil.NewTelemetry(t, telemetry.Options{})
	srv := server.New(server.ServerConfig{Telemetry: tel})

	rec := get(t, srv.Handler(), "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, tel.ForceFlush(context.Background()))

	handlerSpans := testutil.SpansNamed(exp, server.HomeSpanName)
	require.Len(t, handlerSpans, 1)
	hs := handlerSpans[0]
	require.Len(t, hs.Events, 1)
	assert.Equal(t, homeLogMessage, hs.Events[0].Name)

	requestSpans := testutil.SpansNamed(exp, "GET /")
	require.Len(t, requestSpans, 1)
	rs := requestSpans[0]
	assert.Equal(t, trace.SpanKindServer, rs.SpanKind)
	assert.Equal(t, rs.SpanContext.SpanID(), hs.Parent.SpanID(), "handler span should be a child of the request span")
	assert.Equal(t, rs.SpanContext.TraceID(), hs.SpanContext.TraceID())
}

func TestRequestSpanAttributes(t *testing.T) {
	tel, exp := testutil.NewTelemetry(t, telemetry.Options{})
	srv := server.New(server.ServerConfig{Telemetry: tel})

	rec := get(t, srv.Handler(), "/", http.Header{"X-Request-ID": {"req-42"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	require.NoError(t, tel.ForceFlush(context.Background()))

	spans := testutil.SpansNamed(exp, "GET /")
	require.Len(t, spans, 1)

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "req-42", attrs["http.request_id"])

	// Status key depends on the semconv generation otelhttp emits.
	status, ok := attrs["http.response.status_code"]
	if !ok {
		status = attrs["http.status_code"]
	}
	assert.Equal(t, strconv.Itoa(http.StatusOK), status)
}

func TestGeneratesRequestID(t *testing.T) {
	srv, _ := newTestServer(t, server.ServerConfig{})

	first := get(t, srv.Handler(), "/", nil).Header().Get("X-Request-ID")
	second := get(t, srv.Handler(), "/", nil).Header().Get("X-Request-ID")
	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}

func TestIncomingTraceparentParentsRequestSpan(t *testing.T) {
	tel, exp := testutil.NewTelemetry(t, telemetry.Options{})
	srv := server.New(server.ServerConfig{Telemetry: tel})

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	rec := get(t, srv.Handler(), "/", http.Header{
		"Traceparent": {"00-" + traceID + "-00f067aa0ba902b7-01"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, tel.ForceFlush(context.Background()))

	spans := testutil.SpansNamed(exp, "GET /")
	require.Len(t, spans, 1)
	assert.Equal(t, traceID, spans[0].SpanContext.TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", spans[0].Parent.SpanID().String())
}

func TestHomeConcurrentRequests(t *testing.T) {
	tel, exp := testutil.NewTelemetry(t, telemetry.Options{})
	srv := server.New(server.ServerConfig{Telemetry: tel})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	const n = 100
	var g errgroup.Group
	for range n {
		g.Go(func() error {
			resp, err := ts.Client().Get(ts.URL + "/")
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK || string(body) != server.HomeBody {
				return fmt.Errorf("got %d %q", resp.StatusCode, body)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	ts.Close() // waits for in-flight handlers, so every span has ended
	require.NoError(t, tel.ForceFlush(context.Background()))

	handlerSpans := testutil.SpansNamed(exp, server.HomeSpanName)
	require.Len(t, handlerSpans, n)
	traces := make(map[trace.TraceID]bool, n)
	for _, s := range handlerSpans {
		require.Len(t, s.Events, 1)
		assert.Equal(t, homeLogMessage, s.Events[0].Name)
		traces[s.SpanContext.TraceID()] = true
	}
	assert.Len(t, traces, n, "every request should get its own trace")
	assert.Len(t, testutil.SpansNamed(exp, "GET /"), n)
}

func TestHealth(t *testing.T) {
	tel, _ := testutil.NewTelemetry(t, telemetry.Options{ServiceName: "health-svc"})
	srv := server.New(server.ServerConfig{Telemetry: tel, Version: "1.2.3"})

	rec := get(t, srv.Handler(), "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp server.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, server.HealthResponse{Status: "healthy", Service: "health-svc", Version: "1.2.3"}, resp)
}

func TestUnknownRoutes(t *testing.T) {
	srv, _ := newTestServer(t, server.ServerConfig{})

	rec := get(t, srv.Handler(), "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRequestSpanNamedAfterRoute(t *testing.T) {
	tel, exp := testutil.NewTelemetry(t, telemetry.Options{})
	srv := server.New(server.ServerConfig{
		Telemetry: tel,
		Routes: []func(*http.ServeMux){
			func(mux *http.ServeMux) {
				mux.HandleFunc("GET /items/{id}", func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(http.StatusNoContent)
				})
			},
		},
	})

	for _, path := range []string{"/", "/health", "/items/1", "/items/2", "/nope", "/other/thing"} {
		get(t, srv.Handler(), path, nil)
	}
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	srv.Handler().ServeHTTP(httptest.NewRecorder(), req)

	require.NoError(t, tel.ForceFlush(context.Background()))
	assert.Len(t, testutil.SpansNamed(exp, "GET /"), 1)
	assert.Len(t, testutil.SpansNamed(exp, "GET /health"), 1)
	assert.Len(t, testutil.SpansNamed(exp, "GET /items/{id}"), 2)
	// Unmatched paths share the bare method name.
	assert.Len(t, testutil.SpansNamed(exp, "GET"), 2)
	assert.Len(t, testutil.SpansNamed(exp, "POST"), 1)
	assert.Empty(t, testutil.SpansNamed(exp, "GET /nope"))
}

func TestExtraRoutesAndRecovery(t *testing.T) {
	tel, exp := testutil.NewTelemetry(t, telemetry.Options{})
	srv := server.New(server.ServerConfig{
		Telemetry: tel,
		Routes: []func(*http.ServeMux){
			func(mux *http.ServeMux) {
				mux.HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) {
					panic("kaboom")
				})
			},
		},
	})

	rec := get(t, srv.Handler(), "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	// The server keeps serving after a panic.
	rec = get(t, srv.Handler(), "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, tel.ForceFlush(context.Background()))
	spans := testutil.SpansNamed(exp, "GET /boom")
	require.Len(t, spans, 1)
	assert.Equal(t, "Error", spans[0].Status.Code.String())
}

func TestMiddlewaresWrapOutermost(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	srv, _ := newTestServer(t, server.ServerConfig{
		Middlewares: []func(http.Handler) http.Handler{mw("first"), mw("second")},
	})

	rec := get(t, srv.Handler(), "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestListenFailsOnOccupiedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	srv, _ := newTestServer(t, server.ServerConfig{Host: "127.0.0.1", Port: port})
	err = srv.Listen()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")

	// Start fails the same way, without serving.
	require.Error(t, srv.Start())
}

func TestServeBeforeListen(t *testing.T) {
	srv, _ := newTestServer(t, server.ServerConfig{})
	require.Error(t, srv.Serve())
}

func TestServeAndShutdown(t *testing.T) {
	srv, _ := newTestServer(t, server.ServerConfig{Host: "127.0.0.1", Port: 0})
	require.NoError(t, srv.Listen())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	resp, err := http.Get("http://" + srv.Addr() + "/")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, server.HomeBody, string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.True(t, errors.Is(<-errCh, http.ErrServerClosed))
}

func TestUnreachableCollectorStillServes(t *testing.T) {
	tel, err := telemetry.Init(context.Background(), telemetry.Options{
		ServiceName:   "svc",
		Endpoint:      "127.0.0.1:1",
		Insecure:      true,
		BatchTimeout:  10 * time.Millisecond,
		ExportTimeout: 100 * time.Millisecond,
		LogOutput:     io.Discard,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		_ = tel.Shutdown(ctx)
	})
	srv := server.New(server.ServerConfig{Telemetry: tel})

	start := time.Now()
	for range 20 {
		rec := get(t, srv.Handler(), "/", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, server.HomeBody, rec.Body.String())
	}
	assert.Less(t, time.Since(start), 2*time.Second)
}

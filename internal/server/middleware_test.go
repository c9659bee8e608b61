package server_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/traceping/internal/server"
	"github.com/ashita-ai/traceping/internal/telemetry"
	"github.com/ashita-ai/traceping/internal/testutil"
)

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), "line: %s", sc.Text())
		lines = append(lines, m)
	}
	return lines
}

func TestLoggingMiddlewareFields(t *testing.T) {
	var buf bytes.Buffer
	tel, _ := testutil.NewTelemetry(t, telemetry.Options{LogOutput: &buf})
	srv := server.New(server.ServerConfig{Telemetry: tel})

	rec := get(t, srv.Handler(), "/", http.Header{"X-Request-ID": {"req-7"}})
	require.Equal(t, http.StatusOK, rec.Code)

	lines := logLines(t, &buf)
	require.Len(t, lines, 2, "handler event plus request log")

	handler, request := lines[0], lines[1]
	assert.Equal(t, homeLogMessage, handler["msg"])
	assert.Equal(t, "req-7", handler["request_id"])
	assert.NotEmpty(t, handler["trace_id"])

	assert.Equal(t, "http request", request["msg"])
	assert.Equal(t, "GET", request["method"])
	assert.Equal(t, "/", request["path"])
	assert.Equal(t, float64(http.StatusOK), request["status"])
	assert.Equal(t, "req-7", request["request_id"])
	assert.Equal(t, handler["trace_id"], request["trace_id"], "both records belong to the request's trace")
}

func TestLoggingMiddlewareWarnsOnClientError(t *testing.T) {
	var buf bytes.Buffer
	tel, _ := testutil.NewTelemetry(t, telemetry.Options{LogOutput: &buf})
	srv := server.New(server.ServerConfig{Telemetry: tel})

	rec := get(t, srv.Handler(), "/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "WARN", lines[0]["level"])
	assert.Equal(t, float64(http.StatusNotFound), lines[0]["status"])
}

func TestLogLevelChangesLogsNotResponses(t *testing.T) {
	tests := []struct {
		level       slog.Level
		wantHandler bool
		wantRequest bool
	}{
		{slog.LevelDebug, true, true},
		{slog.LevelInfo, true, true},
		{slog.LevelWarn, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			var buf bytes.Buffer
			tel, _ := testutil.NewTelemetry(t, telemetry.Options{LogOutput: &buf, LogLevel: tt.level})
			srv := server.New(server.ServerConfig{Telemetry: tel})

			rec := get(t, srv.Handler(), "/", nil)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, server.HomeBody, rec.Body.String())

			out := buf.String()
			assert.Equal(t, tt.wantHandler, strings.Contains(out, homeLogMessage))
			assert.Equal(t, tt.wantRequest, strings.Contains(out, "http request"))
		})
	}
}

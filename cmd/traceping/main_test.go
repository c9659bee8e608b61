package main

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFailsOnInvalidConfig(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "carrier-pigeon")

	err := run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "init")
	assert.Contains(t, err.Error(), "OTEL_EXPORTER_OTLP_PROTOCOL")
}

func TestRunFailsWhenPortIsTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	t.Setenv("TRACEPING_HOST", "127.0.0.1")
	t.Setenv("TRACEPING_PORT", strconv.Itoa(ln.Addr().(*net.TCPAddr).Port))
	t.Setenv("TRACEPING_LOG_LEVEL", "error")
	t.Setenv("TRACEPING_SHUTDOWN_TIMEOUT", "200ms")

	done := make(chan error, 1)
	go func() { done <- run(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "listen")
	case <-time.After(5 * time.Second):
		t.Fatal("run should exit immediately when the port is taken")
	}
}

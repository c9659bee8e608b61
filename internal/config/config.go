// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// OTLP transport protocols accepted in OTEL_EXPORTER_OTLP_PROTOCOL.
const (
	ProtocolGRPC         = "grpc"
	ProtocolHTTPProtobuf = "http/protobuf"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration // Budget for draining HTTP and flushing spans.

	// Logging settings.
	LogLevel  string // Verbosity filter: trace, debug, info, warn, error.
	LogFormat string // "json" or "text".

	// OTEL settings.
	ServiceName       string
	OTELEndpoint      string // host:port or URL of the OTLP collector.
	OTELProtocol      string // "grpc" or "http/protobuf".
	OTELInsecure      bool
	OTELBatchTimeout  time.Duration
	OTELExportTimeout time.Duration
	OTELMetrics       bool
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values are reported together rather than one at a time.
func Load() (Config, error) {
	var errs []error
	num := func(key string, def int) int {
		v, err := envInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	dur := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	flag := func(key string, def bool) bool {
		v, err := envBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := Config{
		Host:              envStr("TRACEPING_HOST", "0.0.0.0"),
		Port:              num("TRACEPING_PORT", 8080),
		ReadTimeout:       dur("TRACEPING_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:      dur("TRACEPING_WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout:   dur("TRACEPING_SHUTDOWN_TIMEOUT", 10*time.Second),
		LogLevel:          envStr("TRACEPING_LOG_LEVEL", "info"),
		LogFormat:         envStr("TRACEPING_LOG_FORMAT", "json"),
		ServiceName:       envStr("OTEL_SERVICE_NAME", "traceping"),
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTELProtocol:      envStr("OTEL_EXPORTER_OTLP_PROTOCOL", ProtocolGRPC),
		OTELInsecure:      flag("OTEL_EXPORTER_OTLP_INSECURE", true),
		OTELBatchTimeout:  dur("TRACEPING_OTEL_BATCH_TIMEOUT", 5*time.Second),
		OTELExportTimeout: dur("TRACEPING_OTEL_EXPORT_TIMEOUT", 10*time.Second),
		OTELMetrics:       flag("TRACEPING_OTEL_METRICS", false),
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("TRACEPING_PORT must be between 0 and 65535, got %d", c.Port))
	}
	if strings.TrimSpace(c.ServiceName) == "" {
		errs = append(errs, errors.New("OTEL_SERVICE_NAME must not be empty"))
	}
	if c.OTELEndpoint == "" {
		errs = append(errs, errors.New("OTEL_EXPORTER_OTLP_ENDPOINT must not be empty"))
	}
	switch c.OTELProtocol {
	case ProtocolGRPC, ProtocolHTTPProtobuf:
	default:
		errs = append(errs, fmt.Errorf("OTEL_EXPORTER_OTLP_PROTOCOL=%q is not supported (want %q or %q)",
			c.OTELProtocol, ProtocolGRPC, ProtocolHTTPProtobuf))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("TRACEPING_LOG_FORMAT=%q is not supported (want \"json\" or \"text\")", c.LogFormat))
	}
	if c.OTELBatchTimeout <= 0 {
		errs = append(errs, errors.New("TRACEPING_OTEL_BATCH_TIMEOUT must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("TRACEPING_SHUTDOWN_TIMEOUT must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Addr returns the listen address in host:port form.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

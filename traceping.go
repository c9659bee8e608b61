// Package traceping is the public API for embedding the traceping server:
// one traced route behind an OpenTelemetry export pipeline.
//
//	app, err := traceping.New(
//	    traceping.WithVersion(version),
//	    traceping.WithExtraRoutes(myRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// New is the only initialization step. It returns an error instead of
// exiting so the caller owns the failure policy.
package traceping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/traceping/internal/config"
	"github.com/ashita-ai/traceping/internal/server"
	"github.com/ashita-ai/traceping/internal/telemetry"
)

// App is the traceping server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg     config.Config
	tel     *telemetry.Telemetry
	srv     *server.Server
	logger  *slog.Logger
	version string
	bound   bool
}

// New loads configuration, builds the telemetry pipeline and the HTTP
// server. It does NOT bind the listener or accept connections; call Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	o.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, err := telemetry.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("config: TRACEPING_LOG_LEVEL: %w", err)
	}
	if o.logLevel != nil {
		level = *o.logLevel
	}

	tel, err := telemetry.Init(context.Background(), telemetry.Options{
		ServiceName:   cfg.ServiceName,
		Endpoint:      cfg.OTELEndpoint,
		Protocol:      cfg.OTELProtocol,
		Insecure:      cfg.OTELInsecure,
		BatchTimeout:  cfg.OTELBatchTimeout,
		ExportTimeout: cfg.OTELExportTimeout,
		Exporter:      o.spanExporter,
		Metrics:       cfg.OTELMetrics,
		LogLevel:      level,
		LogFormat:     cfg.LogFormat,
		LogOutput:     o.logOutput,
	})
	if err != nil {
		return nil, err
	}
	if o.installGlobal {
		tel.InstallGlobal()
	}
	logger := tel.Logger()

	routes := make([]func(*http.ServeMux), 0, len(o.routeRegistrars))
	for _, r := range o.routeRegistrars {
		routes = append(routes, r)
	}
	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.ServerConfig{
		Telemetry:    tel,
		Host:         cfg.Host,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      o.version,
		Routes:       routes,
		Middlewares:  middlewares,
	})

	logger.Info("traceping initialized",
		"version", o.version,
		"addr", cfg.Addr(),
		"service", cfg.ServiceName,
		"otlp_endpoint", cfg.OTELEndpoint,
		"otlp_protocol", cfg.OTELProtocol,
		"log_level", level.String(),
	)

	return &App{
		cfg:     cfg,
		tel:     tel,
		srv:     srv,
		logger:  logger,
		version: o.version,
	}, nil
}

// Handler returns the root HTTP handler, for tests and for mounting the app
// inside another server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Addr returns the bound address after Listen, otherwise the configured one.
func (a *App) Addr() string {
	return a.srv.Addr()
}

// Listen binds the listener ahead of Run. Optional; Run binds if needed.
func (a *App) Listen() error {
	if err := a.srv.Listen(); err != nil {
		return err
	}
	a.bound = true
	return nil
}

// Run binds the listener and serves until ctx is cancelled, then shuts down
// gracefully. A bind failure is returned before anything is served.
func (a *App) Run(ctx context.Context) error {
	if !a.bound {
		if err := a.Listen(); err != nil {
			a.closeTelemetry()
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return fmt.Errorf("serve: %w", err)
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains in-flight HTTP requests, then flushes queued spans to the
// collector. Both phases share TRACEPING_SHUTDOWN_TIMEOUT. Spans that cannot
// be exported in time are dropped and logged, not returned as an error.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("traceping shutting down")

	ctx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	defer cancel()

	var httpErr error
	if err := a.srv.Shutdown(ctx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
		httpErr = fmt.Errorf("http shutdown: %w", err)
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn("span flush incomplete, unexported spans dropped", "error", err)
	}

	a.logger.Info("traceping stopped")
	return httpErr
}

func (a *App) closeTelemetry() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	_ = a.tel.Shutdown(ctx)
}

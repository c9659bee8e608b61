package server

import (
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/traceping/internal/telemetry"
)

const (
	// HomeBody is the fixed response body of GET /.
	HomeBody = "ola k ase"
	// HomeSpanName names the span HandleHome opens under the request span.
	HomeSpanName = "home_handler"

	homeLogMessage = "hey from the home handler"
	tracerName     = "traceping/http"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	logger      *slog.Logger
	tracer      trace.Tracer
	serviceName string
	version     string
}

// NewHandlers creates handlers that log and trace through tel.
func NewHandlers(tel *telemetry.Telemetry, version string) *Handlers {
	return &Handlers{
		logger:      tel.Logger(),
		tracer:      tel.Tracer(tracerName),
		serviceName: tel.ServiceName(),
		version:     version,
	}
}

// HandleHome handles GET /.
func (h *Handlers) HandleHome(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), HomeSpanName)
	defer span.End()

	h.logger.InfoContext(ctx, homeLogMessage)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, HomeBody)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Service: h.serviceName,
		Version: h.version,
	})
}

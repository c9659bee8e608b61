package traceping

import "net/http"

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Requests to these routes get the same tracing, request ID and logging
// middleware as the built-in ones.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the root HTTP handler.
// Middlewares run outside the tracing layer, so they see requests before a
// span exists.
type Middleware func(http.Handler) http.Handler

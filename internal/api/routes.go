package api //nolint:revive // package name is intentional

import (
	"net/http"

	"github.com/blueberrycongee/llmsched/internal/metrics"
	"github.com/blueberrycongee/llmsched/internal/observability"
)

// RegisterRoutes registers the API routes on mux. Each route is instrumented
// with m when it is non-nil.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, m *metrics.HTTPMetrics) {
	handle := func(pattern, route string, fn http.HandlerFunc) {
		mux.Handle(pattern, m.Wrap(route, fn))
	}

	handle("POST /v1/chat", "chat", h.Chat)
	handle("GET /v1/models", "models", h.ListModels)
	handle("GET /v1/backends", "backends", h.ListBackends)
	handle("GET /health/live", "live", h.Live)
	handle("GET /health/ready", "ready", h.Ready)
}

// NewRouter returns the complete API handler with request ids assigned.
func (h *Handler) NewRouter(m *metrics.HTTPMetrics) http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux, m)
	return observability.RequestIDMiddleware(mux)
}

// RouteInfo describes an API route.
type RouteInfo struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description"`
}

// GetRoutes returns information about all registered routes.
func GetRoutes() []RouteInfo {
	return []RouteInfo{
		{Method: "POST", Path: "/v1/chat", Description: "Schedule a chat request, streamed when stream is true"},
		{Method: "GET", Path: "/v1/models", Description: "List models across all backends"},
		{Method: "GET", Path: "/v1/backends", Description: "List backends with health records"},
		{Method: "GET", Path: "/health/live", Description: "Liveness check"},
		{Method: "GET", Path: "/health/ready", Description: "Readiness check"},
	}
}

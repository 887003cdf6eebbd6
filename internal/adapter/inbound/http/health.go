package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/session"
	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/transport"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status            string            `json:"status"`
	ActiveConnections int               `json:"activeConnections"`
	ActiveSessions    int               `json:"activeSessions"`
	Transport         TransportStatus   `json:"transport"`
	Checks            map[string]string `json:"checks,omitempty"`
	Version           string            `json:"version,omitempty"`
}

// TransportStatus mirrors which delivery mechanisms are enabled.
type TransportStatus struct {
	Stdio bool `json:"stdio"`
	HTTP  bool `json:"http"`
	SSE   bool `json:"sse"`
}

// EventBacklog is implemented by security event sinks that buffer events.
type EventBacklog interface {
	ChannelDepth() int
	DroppedEvents() int64
}

// HealthChecker reports gateway liveness for probes.
type HealthChecker struct {
	cfg         transport.Config
	sessions    session.Manager
	connections func() int
	streams     func() int
	events      EventBacklog
	version     string
}

// NewHealthChecker creates a HealthChecker with optional components.
// Pass nil for components that aren't available.
func NewHealthChecker(
	cfg transport.Config,
	sessions session.Manager,
	connections func() int,
	streams func() int,
	events EventBacklog,
	version string,
) *HealthChecker {
	return &HealthChecker{
		cfg:         cfg,
		sessions:    sessions,
		connections: connections,
		streams:     streams,
		events:      events,
		version:     version,
	}
}

// Check gathers the current counters. It never fails: a probe that reaches
// this point has passed admission and the process is serving.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	resp := HealthResponse{
		Status: "ok",
		Transport: TransportStatus{
			Stdio: h.cfg.SupportStdio,
			HTTP:  h.cfg.SupportHTTP,
			SSE:   h.cfg.SupportSSE,
		},
		Checks:  make(map[string]string),
		Version: h.version,
	}

	if h.connections != nil {
		resp.ActiveConnections = h.connections()
	}
	if h.sessions != nil {
		resp.ActiveSessions = h.sessions.GetSessionStats(ctx).Active
	}
	if h.streams != nil {
		resp.Checks["sse_streams"] = fmt.Sprintf("%d", h.streams())
	}
	if h.events != nil {
		resp.Checks["security_events"] = fmt.Sprintf("backlog %d, dropped %d",
			h.events.ChannelDepth(), h.events.DroppedEvents())
	}

	resp.Checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	return resp
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())

		w.Header().Set("Content-Type", contentTypeJSON)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(health)
	})
}

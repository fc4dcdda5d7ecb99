// Package health serves the /health endpoint: process uptime, active
// connection counts, and — for the client gateway only — whether the
// tunnel-server pool currently holds any warm connections.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/cortexuvula/gonetunnel/internal/metrics"
	"github.com/cortexuvula/gonetunnel/internal/pool"
	"github.com/cortexuvula/gonetunnel/internal/stats"
)

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status            string   `json:"status"`
	Uptime            string   `json:"uptime"`
	ActiveConnections int      `json:"active_connections"`
	PoolReachable     *bool    `json:"pool_reachable,omitempty"`
	Version           string   `json:"version"`
	Timestamp         string   `json:"timestamp"`
	Details           *Details `json:"details,omitempty"`
}

// Details contains extended health information.
type Details struct {
	TotalConnections int64   `json:"total_connections"`
	TotalMessages    int64   `json:"total_messages"`
	PoolIdle         int     `json:"pool_idle,omitempty"`
	MemoryMB         float64 `json:"memory_mb"`
}

// Handler serves the health check endpoint. Pool is nil when Handler
// backs the tunnel server process, which has no upstream pool of its
// own to report on.
type Handler struct {
	startTime time.Time
	stats     *stats.Tracker
	pool      *pool.Pool
	metrics   *metrics.Metrics // optional, nil if metrics disabled
	version   string
	detailed  bool
}

// NewHandler creates a new health check handler. p may be nil.
func NewHandler(st *stats.Tracker, p *pool.Pool, version string, detailed bool) *Handler {
	return &Handler{
		startTime: time.Now(),
		stats:     st,
		pool:      p,
		version:   version,
		detailed:  detailed,
	}
}

// SetMetrics sets the optional Prometheus metrics.
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// ServeHTTP handles health check requests. Health listeners bind to a
// loopback address separate from the gateway/tunnel-server listener,
// so local monitoring tools can check health without being on the
// Tailscale network the proxied traffic runs over.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpCode := http.StatusOK

	resp := Response{
		Status:            status,
		Uptime:            time.Since(h.startTime).Round(time.Second).String(),
		ActiveConnections: h.stats.ConnectionCount(),
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}

	if h.pool != nil {
		idle := h.pool.IdleCount()
		reachable := idle > 0
		resp.PoolReachable = &reachable
		if h.metrics != nil {
			if reachable {
				h.metrics.ServerReachable.Set(1)
			} else {
				h.metrics.ServerReachable.Set(0)
			}
		}
		if !reachable {
			status = "degraded"
			httpCode = http.StatusServiceUnavailable
			resp.Status = status
		}
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		details := &Details{
			TotalConnections: h.stats.TotalConnections(),
			TotalMessages:    h.stats.TotalMessages(),
			MemoryMB:         float64(memStats.Alloc) / 1024 / 1024,
		}
		if h.pool != nil {
			details.PoolIdle = h.pool.IdleCount()
		}
		resp.Details = details
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(resp)
}

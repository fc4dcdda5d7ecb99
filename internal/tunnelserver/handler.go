// Package tunnelserver implements the server side of the tunnel
// protocol: accept a WebSocket upgrade, authenticate it with HTTP
// Basic auth, then service a sequence of OPEN requests on it — each
// one dialing an outbound TCP connection and bridging it to the
// tunnel — until the WebSocket drops or a protocol violation abandons
// it.
package tunnelserver

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cortexuvula/gonetunnel/internal/bridge"
	"github.com/cortexuvula/gonetunnel/internal/config"
	"github.com/cortexuvula/gonetunnel/internal/metrics"
	"github.com/cortexuvula/gonetunnel/internal/security"
	"github.com/cortexuvula/gonetunnel/internal/stats"
	"github.com/cortexuvula/gonetunnel/internal/tunnel"
)

// Handler is the HTTP handler that accepts tunnel-protocol WebSocket
// connections and services their OPEN requests, grounded on the
// teacher's proxy.Handler.ServeHTTP shape (auth -> limits -> Accept ->
// per-connection goroutine -> drain watcher).
type Handler struct {
	Config      *config.Config
	Credentials *security.Credentials
	RateLimiter *security.RateLimiter
	Stats       *stats.Tracker
	Metrics     *metrics.Metrics // optional, nil if metrics disabled
	ShutdownCtx context.Context  // cancelled on server shutdown

	drainCtx    context.Context
	drainCancel context.CancelFunc

	dialer net.Dialer

	mu sync.RWMutex
}

// NewHandler creates a new tunnel server handler.
func NewHandler(cfg *config.Config, creds *security.Credentials, rl *security.RateLimiter, st *stats.Tracker, shutdownCtx context.Context) *Handler {
	drainCtx, drainCancel := context.WithCancel(context.Background())
	return &Handler{
		Config:      cfg,
		Credentials: creds,
		RateLimiter: rl,
		Stats:       st,
		ShutdownCtx: shutdownCtx,
		drainCtx:    drainCtx,
		drainCancel: drainCancel,
	}
}

// StartDrain signals all active sessions to begin graceful shutdown.
func (h *Handler) StartDrain() {
	h.drainCancel()
}

// GetConfig returns the current config (thread-safe for hot-reload).
func (h *Handler) GetConfig() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.Config
}

// UpdateConfig swaps the config (called on SIGHUP).
func (h *Handler) UpdateConfig(cfg *config.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Config = cfg
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.GetConfig()

	if cfg.Security.TailscaleOnly && !security.IsTailscaleIP(r.RemoteAddr) {
		slog.Warn("rejected non-Tailscale connection", "remote_addr", r.RemoteAddr)
		http.Error(w, "Unauthorized", http.StatusForbidden)
		return
	}

	clientIP := security.ExtractClientIP(r.RemoteAddr)

	// HTTP Basic auth is required on every upgrade (spec §6): on
	// failure reply 401 and close, never reaching the WebSocket accept.
	user, pass, ok := security.ExtractBasicAuth(r.Header.Get("Authorization"))
	if !ok || h.Credentials == nil || !h.Credentials.Check(user, pass) {
		slog.Warn("rejected tunnel upgrade: bad credentials", "client_ip", clientIP)
		w.Header().Set("WWW-Authenticate", `Basic realm="gonetunnel"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		if h.Metrics != nil {
			h.Metrics.ErrorsTotal.WithLabelValues("auth_failure").Inc()
		}
		return
	}

	if cfg.Security.RateLimit.Enabled && h.RateLimiter != nil && !h.RateLimiter.Allow(clientIP) {
		slog.Warn("rate limit exceeded", "client_ip", clientIP)
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	if reason := h.Stats.TryIncrementConnections(clientIP, cfg.Security.MaxConnections, cfg.Security.MaxConnectionsPerIP); reason != "" {
		if reason == "max_connections" {
			slog.Warn("max connections reached", "current", h.Stats.ConnectionCount(), "max", cfg.Security.MaxConnections)
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		} else {
			slog.Warn("max connections per IP reached", "client_ip", clientIP, "current", h.Stats.ConnectionCountForIP(clientIP))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		}
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.Stats.DecrementConnections(clientIP)
		slog.Error("failed to accept WebSocket", "error", err)
		return
	}
	conn.SetReadLimit(cfg.Pool.MaxMessageSize)

	if h.Metrics != nil {
		h.Metrics.ActiveTunnels.Inc()
	}
	slog.Info("session established", "client_ip", clientIP)

	sessionCtx, sessionCancel := context.WithCancel(h.ShutdownCtx)
	go func() {
		select {
		case <-h.drainCtx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
		case <-sessionCtx.Done():
		}
	}()

	go func() {
		start := time.Now()
		h.serveSessions(sessionCtx, conn, clientIP)
		sessionCancel()
		conn.CloseNow()
		h.Stats.DecrementConnections(clientIP)
		if h.Metrics != nil {
			h.Metrics.ActiveTunnels.Dec()
		}
		slog.Info("session closed", "client_ip", clientIP, "duration", time.Since(start).String())
	}()
}

// serveSessions loops AcceptServer->dial->Allow/Deny->bridge on one
// WebSocket until it is abandoned (protocol violation, dead
// connection) or the session context is cancelled. Each iteration
// is one logical tunnel; the protocol allows a clean WebSocket to
// carry many in sequence.
func (h *Handler) serveSessions(ctx context.Context, conn *websocket.Conn, clientIP string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t := tunnel.New(conn)
		endpoint, err := t.AcceptServer(ctx)
		if err != nil {
			// Connection drop or protocol violation: nothing more to
			// serve on this WebSocket.
			return
		}

		if !h.serveOneTunnel(ctx, t, endpoint) {
			return
		}
		if !t.Reusable() {
			return
		}
	}
}

// serveOneTunnel dials the requested endpoint, completes the
// ALLOW/DENY handshake, and — if allowed — bridges DATA until either
// side finishes. Returns false if the WebSocket must be abandoned.
func (h *Handler) serveOneTunnel(ctx context.Context, t *tunnel.Tunnel, endpoint tunnel.Endpoint) bool {
	cfg := h.GetConfig()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.TunnelServer.DialTimeout)
	upstream, err := h.dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(endpoint.Host, strconv.Itoa(endpoint.Port)))
	cancel()

	if err != nil {
		slog.Warn("tunnel dial failed", "host", endpoint.Host, "port", endpoint.Port, "reason", err)
		if h.Metrics != nil {
			h.Metrics.TunnelsDeniedTotal.Inc()
			h.Metrics.ErrorsTotal.WithLabelValues("dial_failure").Inc()
		}
		if denyErr := t.Deny(ctx); denyErr != nil {
			return false
		}
		return true
	}

	if err := t.Allow(ctx); err != nil {
		upstream.Close()
		return false
	}
	if h.Metrics != nil {
		h.Metrics.TunnelsOpenedTotal.Inc()
	}

	tio := newTunnelIO(t)
	(&bridge.Bridge{Left: tio, Right: upstream}).Run(ctx)

	if h.Metrics != nil {
		reason := "clean"
		if !t.Reusable() {
			reason = "abandoned"
		}
		h.Metrics.TunnelsClosedTotal.WithLabelValues(reason).Inc()
	}
	return true
}

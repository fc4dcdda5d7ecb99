// Package webui serves the admin interface: an embedded static UI at
// /ui/ and a JSON API at /api/v1/ reporting connection/pool stats,
// viewing and reloading config, dumping the rule engine's learned set,
// and tailing recent logs.
package webui

import (
	"embed"
	"io/fs"
	"net/http"
	"time"

	"github.com/cortexuvula/gonetunnel/internal/config"
	"github.com/cortexuvula/gonetunnel/internal/logring"
	"github.com/cortexuvula/gonetunnel/internal/pool"
	"github.com/cortexuvula/gonetunnel/internal/rules"
	"github.com/cortexuvula/gonetunnel/internal/security"
	"github.com/cortexuvula/gonetunnel/internal/stats"
)

//go:embed static
var staticFiles embed.FS

// Dependencies holds all injected dependencies for the web UI. Pool
// and Rules are nil on the tunnel-server process, which has neither a
// client-side connection pool nor a rule engine of its own.
type Dependencies struct {
	Stats       *stats.Tracker
	Pool        *pool.Pool
	Rules       *rules.RuleSet
	RateLimiter *security.RateLimiter
	RingBuffer  *logring.RingBuffer
	Version     string
	BuildTime   string
	GitCommit   string
	StartTime   time.Time
	GetConfig   func() *config.Config
	UpdateConfig func(*config.Config)
	ReloadFunc  func() error
}

// WebUI provides HTTP handlers for the admin interface.
type WebUI struct {
	deps Dependencies
}

// New creates a new WebUI instance.
func New(deps Dependencies) *WebUI {
	return &WebUI{deps: deps}
}

// StaticHandler returns an http.Handler serving embedded static files at /ui/.
func (ui *WebUI) StaticHandler() http.Handler {
	sub, _ := fs.Sub(staticFiles, "static")
	fileServer := http.FileServer(http.FS(sub))
	return securityHeaders(http.StripPrefix("/ui/", fileServer))
}

// APIHandler returns an http.Handler for /api/v1/ endpoints.
func (ui *WebUI) APIHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", ui.handleStatus)
	mux.HandleFunc("/api/v1/connections", ui.handleConnections)
	mux.HandleFunc("/api/v1/config", ui.handleConfig)
	mux.HandleFunc("/api/v1/learned", ui.handleLearned)
	mux.HandleFunc("/api/v1/logs", ui.handleLogs)
	mux.HandleFunc("/api/v1/reload", ui.handleReload)
	mux.HandleFunc("/api/v1/restart", ui.handleRestart)
	return mux
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")
		next.ServeHTTP(w, r)
	})
}

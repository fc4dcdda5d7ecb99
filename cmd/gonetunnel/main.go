package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cortexuvula/gonetunnel/internal/config"
	"github.com/cortexuvula/gonetunnel/internal/gateway"
	"github.com/cortexuvula/gonetunnel/internal/health"
	"github.com/cortexuvula/gonetunnel/internal/logging"
	"github.com/cortexuvula/gonetunnel/internal/logring"
	"github.com/cortexuvula/gonetunnel/internal/metrics"
	"github.com/cortexuvula/gonetunnel/internal/pool"
	"github.com/cortexuvula/gonetunnel/internal/rules"
	"github.com/cortexuvula/gonetunnel/internal/security"
	"github.com/cortexuvula/gonetunnel/internal/setup"
	"github.com/cortexuvula/gonetunnel/internal/stats"
	"github.com/cortexuvula/gonetunnel/internal/tunnelserver"
	"github.com/cortexuvula/gonetunnel/internal/webui"

	"golang.org/x/time/rate"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gonetunnel",
		Short: "SOCKS/HTTP proxy gateway and WebSocket tunnel server for Tailscale-gated egress",
	}

	var configPath string
	var verbose bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the client gateway (SOCKS4/5 + HTTP proxy with a tunnel fallback)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(configPath, verbose)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tunnel server (accepts WebSocket tunnels and dials their targets)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath, verbose)
		},
	}
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	serveCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gonetunnel %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Gateway listen:       %s\n", cfg.Gateway.ListenAddress)
			fmt.Printf("  Gateway policy:       %s\n", cfg.Gateway.ProxyPolicy)
			fmt.Printf("  Tunnel server listen: %s\n", cfg.TunnelServer.ListenAddress)
			fmt.Printf("  Pool servers:         %v\n", cfg.Pool.Servers)
			fmt.Printf("  Health:               %s\n", cfg.Health.ListenAddress)
			fmt.Printf("  Tailscale only:       %v\n", cfg.Security.TailscaleOnly)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check health (exit 0 if healthy, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			return checkHealth(url)
		},
	}
	healthCmd.Flags().String("url", "http://127.0.0.1:8081/health", "Health endpoint URL")

	var setupConfigPath string
	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setup.RunWizard(os.Stdin, os.Stdout, setup.WizardOptions{
				ConfigPath: setupConfigPath,
			})
		},
	}
	setupCmd.Flags().StringVar(&setupConfigPath, "config-path", "", "Override config file path (default: /etc/gonetunnel/config.yaml)")

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Print a systemd service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			role, _ := cmd.Flags().GetString("role")
			printSystemdUnit(role)
			return nil
		},
	}
	systemdCmd.Flags().String("role", "gateway", "Which subcommand the unit should run: gateway or server")

	rootCmd.AddCommand(startCmd, serveCmd, versionCmd, validateCmd, healthCmd, setupCmd, systemdCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupRuntimeLogging wires the ring buffer used by the admin UI's log
// viewer into the process-wide slog default, matching the level/format
// configured for this process.
func setupRuntimeLogging(cfg *config.Config) (*logring.RingBuffer, func()) {
	ring := logring.NewRingBuffer(1000)
	baseHandler, lj := logging.SetupHandler(
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.File,
		cfg.Logging.MaxSizeMB,
		cfg.Logging.MaxBackups,
		cfg.Logging.MaxAgeDays,
		cfg.Logging.Compress,
	)
	slog.SetDefault(slog.New(logring.NewTeeHandler(baseHandler, ring)))
	closeFn := func() {
		if lj != nil {
			lj.Close()
		}
	}
	return ring, closeFn
}

func reloadRuntimeLogging(cfg *config.Config, ring *logring.RingBuffer) {
	newHandler, _ := logging.SetupHandler(
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.File,
		cfg.Logging.MaxSizeMB,
		cfg.Logging.MaxBackups,
		cfg.Logging.MaxAgeDays,
		cfg.Logging.Compress,
	)
	slog.SetDefault(slog.New(logring.NewTeeHandler(newHandler, ring)))
}

// newRateLimiter builds a security.RateLimiter from the reloadable rate
// limit section, or nil if rate limiting is disabled.
func newRateLimiter(cfg *config.Config) *security.RateLimiter {
	if !cfg.Security.RateLimit.Enabled {
		return nil
	}
	r := rate.Limit(float64(cfg.Security.RateLimit.ConnectionsPerMinute) / 60.0)
	return security.NewRateLimiter(r, cfg.Security.RateLimit.ConnectionsPerMinute)
}

// mountHealthAndUI binds the loopback health+admin listener shared by
// both processes. adminDeps.GetConfig/UpdateConfig/ReloadFunc must
// already be set by the caller.
func mountHealthAndUI(cfg *config.Config, healthHandler http.Handler, adminDeps webui.Dependencies) (*http.Server, net.Listener, error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Health.Endpoint, healthHandler)

	if cfg.Monitoring.MetricsEnabled {
		mux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
	}

	adminUI := webui.New(adminDeps)
	mux.Handle("/ui/", adminUI.StaticHandler())
	mux.Handle("/api/v1/", adminUI.APIHandler())

	ln, err := net.Listen("tcp", cfg.Health.ListenAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to bind health listener on %s: %w", cfg.Health.ListenAddress, err)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return srv, ln, nil
}

func notifySystemdReady() {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		slog.Error("sd_notify READY failed", "error", err)
	} else if !sent {
		slog.Warn("sd_notify READY not sent (NOTIFY_SOCKET not set — not running under systemd?)")
	} else {
		slog.Info("sd_notify READY sent")
	}
}

func startWatchdog() context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				if err != nil {
					slog.Warn("failed to notify watchdog", "error", err)
				} else if sent {
					slog.Debug("watchdog keepalive sent")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return cancel
}

// runGateway wires and runs the client-side gateway: a warm WebSocket
// pool to the configured tunnel servers, the rule engine, and a
// SOCKS4/4A/5 + HTTP listener dispatching per spec §4.3's need_proxy
// table.
func runGateway(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	ring, closeLog := setupRuntimeLogging(cfg)
	defer closeLog()

	startTime := time.Now()
	slog.Info("starting gonetunnel gateway",
		"version", Version,
		"listen", cfg.Gateway.ListenAddress,
		"servers", cfg.Pool.Servers,
		"policy", cfg.Gateway.ProxyPolicy,
	)

	var factory pool.Factory
	if len(cfg.Pool.Servers) > 0 {
		factory, err = pool.NewDialFactory(cfg.Pool.Servers, cfg.Pool.Origin)
		if err != nil {
			return fmt.Errorf("building pool dial factory: %w", err)
		}
	}

	var m *metrics.Metrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.New()
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Monitoring.MetricsEndpoint)
	}

	var p *pool.Pool
	if factory != nil {
		poolOpts := []pool.Option{
			pool.WithTargetSize(cfg.Pool.TargetSize),
			pool.WithMaintenanceInterval(cfg.Pool.MaintenanceInterval),
		}
		if m != nil {
			poolOpts = append(poolOpts, pool.WithMetricsHook(func(n int) { m.PoolIdleConnections.Set(float64(n)) }))
		}
		p = pool.New(factory, poolOpts...)
		defer p.Close()
	} else {
		slog.Warn("no pool.servers configured; gateway will only dial direct")
	}

	directNetworks, err := parseCIDRs(cfg.Gateway.DirectNetworks)
	if err != nil {
		return fmt.Errorf("parsing gateway.direct_networks: %w", err)
	}
	rs, err := rules.Load(cfg.Rules.Files, cfg.Rules.WhitelistFile, cfg.Rules.GFWListFile, rules.WithDirectNetworks(directNetworks))
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}

	policy, ok := gateway.ParsePolicyMode(cfg.Gateway.ProxyPolicy)
	if !ok {
		return fmt.Errorf("invalid gateway.proxy_policy %q", cfg.Gateway.ProxyPolicy)
	}
	resolver := gateway.NewResolver(cfg.Gateway.Nameservers)

	gw := gateway.NewGateway(p, rs, resolver, policy)
	gw.DialTimeout = cfg.Gateway.DialTimeout
	gw.TunnelTimeout = cfg.Gateway.TunnelTimeout

	listener, err := gateway.Listen(cfg.Gateway.ListenAddress, gw)
	if err != nil {
		return fmt.Errorf("failed to bind gateway listener on %s: %w", cfg.Gateway.ListenAddress, err)
	}

	st := stats.New()

	reloadConfig := func() error {
		newCfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("config reload failed: %w", err)
		}
		warnings := config.IsReloadSafe(cfg, newCfg)
		for _, w := range warnings {
			slog.Warn("config reload warning", "warning", w)
		}
		cfg = cfg.ApplyReloadableFields(newCfg)

		if newPolicy, ok := gateway.ParsePolicyMode(cfg.Gateway.ProxyPolicy); ok {
			gw.Policy = newPolicy
		}
		reloadRuntimeLogging(cfg, ring)
		slog.Info("config reloaded successfully")
		return nil
	}

	var healthServer *http.Server
	var healthListener net.Listener
	if cfg.Health.Enabled {
		healthHandler := health.NewHandler(st, p, Version, cfg.Health.Detailed)
		if m != nil {
			healthHandler.SetMetrics(m)
		}
		healthServer, healthListener, err = mountHealthAndUI(cfg, healthHandler, webui.Dependencies{
			Stats:      st,
			Pool:       p,
			Rules:      rs,
			RingBuffer: ring,
			Version:    Version,
			BuildTime:  BuildTime,
			GitCommit:  GitCommit,
			StartTime:  startTime,
			GetConfig:  func() *config.Config { return cfg },
			UpdateConfig: func(c *config.Config) {
				cfg = c
			},
			ReloadFunc: reloadConfig,
		})
		if err != nil {
			listener.Close()
			return err
		}
	}

	if healthServer != nil {
		go func() {
			slog.Info("health endpoint listening", "address", cfg.Health.ListenAddress)
			if err := healthServer.Serve(healthListener); err != nil && err != http.ErrServerClosed {
				slog.Error("health server error", "error", err)
			}
		}()
	}

	go func() {
		slog.Info("gateway listening", "address", cfg.Gateway.ListenAddress)
		if err := listener.Serve(); err != nil {
			slog.Error("gateway listener error", "error", err)
		}
	}()

	notifySystemdReady()
	watchdogCancel := startWatchdog()
	defer watchdogCancel()

	waitForShutdown(reloadConfig, cfg.Gateway.DrainTimeout, func() {
		watchdogCancel()
		daemon.SdNotify(false, daemon.SdNotifyStopping)
		listener.Close()
		if healthServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			healthServer.Shutdown(shutdownCtx)
			cancel()
		}
	})

	return nil
}

// runServer wires and runs the tunnel server: the WebSocket upgrade
// endpoint that authenticates, rate-limits, and gates connections to
// Tailscale peers before dialing each tunnel's requested target.
func runServer(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	ring, closeLog := setupRuntimeLogging(cfg)
	defer closeLog()

	startTime := time.Now()
	slog.Info("starting gonetunnel tunnel server",
		"version", Version,
		"listen", cfg.TunnelServer.ListenAddress,
		"health", cfg.Health.ListenAddress,
	)

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	st := stats.New()
	rl := newRateLimiter(cfg)
	if rl != nil {
		defer rl.Stop()
		slog.Info("rate limiting enabled", "connections_per_minute", cfg.Security.RateLimit.ConnectionsPerMinute)
	}
	creds := security.NewCredentials(cfg.ServerCredentials())

	handler := tunnelserver.NewHandler(cfg, creds, rl, st, shutdownCtx)

	var m *metrics.Metrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.New()
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Monitoring.MetricsEndpoint)
	}

	reloadConfig := func() error {
		newCfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("config reload failed: %w", err)
		}
		warnings := config.IsReloadSafe(cfg, newCfg)
		for _, w := range warnings {
			slog.Warn("config reload warning", "warning", w)
		}
		cfg = cfg.ApplyReloadableFields(newCfg)
		handler.UpdateConfig(cfg)

		if cfg.Security.RateLimit.Enabled && rl != nil {
			r := rate.Limit(float64(cfg.Security.RateLimit.ConnectionsPerMinute) / 60.0)
			rl.UpdateRate(r, cfg.Security.RateLimit.ConnectionsPerMinute)
		}
		reloadRuntimeLogging(cfg, ring)
		slog.Info("config reloaded successfully")
		return nil
	}

	tunnelListener, err := net.Listen("tcp", cfg.TunnelServer.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to bind tunnel server listener on %s: %w", cfg.TunnelServer.ListenAddress, err)
	}
	tunnelServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.TunnelServer.TLS.Enabled {
		go func() {
			slog.Info("tunnel server listening (TLS)", "address", cfg.TunnelServer.ListenAddress)
			if err := tunnelServer.ServeTLS(tunnelListener, cfg.TunnelServer.TLS.CertFile, cfg.TunnelServer.TLS.KeyFile); err != nil && err != http.ErrServerClosed {
				slog.Error("tunnel server error", "error", err)
			}
		}()
	} else {
		go func() {
			slog.Info("tunnel server listening", "address", cfg.TunnelServer.ListenAddress)
			if err := tunnelServer.Serve(tunnelListener); err != nil && err != http.ErrServerClosed {
				slog.Error("tunnel server error", "error", err)
			}
		}()
	}

	var healthServer *http.Server
	var healthListener net.Listener
	if cfg.Health.Enabled {
		healthHandler := health.NewHandler(st, nil, Version, cfg.Health.Detailed)
		if m != nil {
			healthHandler.SetMetrics(m)
		}
		healthServer, healthListener, err = mountHealthAndUI(cfg, healthHandler, webui.Dependencies{
			Stats:       st,
			RateLimiter: rl,
			RingBuffer:  ring,
			Version:     Version,
			BuildTime:   BuildTime,
			GitCommit:   GitCommit,
			StartTime:   startTime,
			GetConfig:   func() *config.Config { return cfg },
			UpdateConfig: func(c *config.Config) {
				cfg = c
			},
			ReloadFunc: reloadConfig,
		})
		if err != nil {
			tunnelListener.Close()
			return err
		}
		go func() {
			slog.Info("health endpoint listening", "address", cfg.Health.ListenAddress)
			if err := healthServer.Serve(healthListener); err != nil && err != http.ErrServerClosed {
				slog.Error("health server error", "error", err)
			}
		}()
	}

	notifySystemdReady()
	watchdogCancel := startWatchdog()
	defer watchdogCancel()

	waitForShutdown(reloadConfig, cfg.TunnelServer.DrainTimeout, func() {
		watchdogCancel()
		daemon.SdNotify(false, daemon.SdNotifyStopping)

		tunnelServer.Close()
		handler.StartDrain()

		drainDeadline := time.After(cfg.TunnelServer.DrainTimeout)
		drainTick := time.NewTicker(100 * time.Millisecond)
	drainLoop:
		for {
			select {
			case <-drainDeadline:
				if remaining := st.ConnectionCount(); remaining > 0 {
					slog.Warn("drain timeout reached, force-closing remaining connections", "remaining", remaining)
				}
				break drainLoop
			case <-drainTick.C:
				if st.ConnectionCount() == 0 {
					slog.Info("all connections drained")
					break drainLoop
				}
			}
		}
		drainTick.Stop()
		shutdownCancel()

		if healthServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			healthServer.Shutdown(shutdownCtx)
			cancel()
		}
	})

	return nil
}

// waitForShutdown blocks handling SIGHUP (config reload) until
// SIGTERM/SIGINT, then runs onShutdown and returns.
func waitForShutdown(reloadConfig func() error, drainTimeout time.Duration, onShutdown func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, reloading config")
			if err := reloadConfig(); err != nil {
				slog.Error("config reload failed", "error", err)
			}
		case syscall.SIGTERM, syscall.SIGINT:
			slog.Info("received shutdown signal, draining connections",
				"signal", sig.String(),
				"drain_timeout", drainTimeout.String(),
			)
			onShutdown()
			slog.Info("shutdown complete")
			return
		}
	}
}

func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", c, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func checkHealth(healthURL string) error {
	client := &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(healthURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Println("healthy")
		return nil
	}
	fmt.Fprintf(os.Stderr, "unhealthy (status: %d)\n", resp.StatusCode)
	os.Exit(1)
	return nil
}

func printSystemdUnit(role string) {
	subcommand := "start"
	description := "gonetunnel - client gateway"
	if role == "server" {
		subcommand = "serve"
		description = "gonetunnel - tunnel server"
	}
	fmt.Printf(`[Unit]
Description=%s
Documentation=https://github.com/cortexuvula/gonetunnel
After=network-online.target tailscaled.service
Wants=network-online.target
Requires=tailscaled.service

[Service]
Type=notify
User=gonetunnel
Group=gonetunnel
ExecStartPre=/usr/local/bin/gonetunnel validate --config /etc/gonetunnel/config.yaml
ExecStart=/usr/local/bin/gonetunnel %s --config /etc/gonetunnel/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=always
RestartPreventExitStatus=0
RestartSec=5s
WatchdogSec=30s
TimeoutStartSec=30s

# Security hardening
ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
PrivateDevices=true
ProtectKernelTunables=true
ProtectKernelModules=true
ProtectControlGroups=true
ProtectClock=true
RestrictNamespaces=true
RestrictRealtime=true
RestrictSUIDSGID=true
LockPersonality=true
SystemCallArchitectures=native
ReadOnlyPaths=/etc/gonetunnel
LogsDirectory=gonetunnel
StateDirectory=gonetunnel
LimitNOFILE=65535
MemoryMax=128M

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier=gonetunnel-%s

[Install]
WantedBy=multi-user.target
`, description, subcommand, role)
}

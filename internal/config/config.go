package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for gonetunnel, shared by both
// the client gateway (`start`) and the tunnel server (`serve`)
// subcommands — each reads only the sections it needs.
type Config struct {
	Gateway      GatewayConfig      `yaml:"gateway"`
	TunnelServer TunnelServerConfig `yaml:"tunnel_server"`
	Pool         PoolConfig         `yaml:"pool"`
	Rules        RulesConfig        `yaml:"rules"`
	Security     SecurityConfig     `yaml:"security"`
	Logging      LoggingConfig      `yaml:"logging"`
	Health       HealthConfig       `yaml:"health"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
}

// GatewayConfig contains the client listener settings (spec §6: "host,
// port — client listener").
type GatewayConfig struct {
	ListenAddress  string        `yaml:"listen_address"`
	ProxyPolicy    string        `yaml:"proxy_policy"`
	Nameservers    []string      `yaml:"nameservers"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	TunnelTimeout  time.Duration `yaml:"tunnel_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	DirectNetworks []string      `yaml:"direct_networks"`
}

// TunnelServerConfig contains the server-side listener settings (spec
// §6: "tunnel server listener").
type TunnelServerConfig struct {
	ListenAddress string        `yaml:"listen_address"`
	Credentials   []string      `yaml:"credentials"` // "user:pass" pairs accepted at upgrade
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
	TLS           TLSConfig     `yaml:"tls"`
}

// PoolConfig controls the gateway's warm-connection pool (spec §4.2).
type PoolConfig struct {
	// Servers holds one or more "ws[s]://user:pass@host[:port]" URLs
	// (spec §6's `tcp_server` / `servers` key); the pool round-robins
	// across them when dialing new connections.
	Servers             []string      `yaml:"servers"`
	Origin              string        `yaml:"origin"`
	TargetSize          int           `yaml:"target_size"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	MaxMessageSize      int64         `yaml:"max_message_size"`
}

// RulesConfig controls the rule engine (spec §4.4). Files holds the
// `rulefiles` config key's user override paths; Whitelist/GFWList are
// the direct-biased and proxy-biased list paths consulted after them.
// The literal-IP direct-networks fast path is configured under
// gateway.direct_networks instead, since it only applies client-side.
type RulesConfig struct {
	Files         []string `yaml:"files"`
	WhitelistFile string   `yaml:"whitelist_file"`
	GFWListFile   string   `yaml:"gfwlist_file"`
}

// TLSConfig contains optional TLS settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SecurityConfig contains security-related settings.
type SecurityConfig struct {
	TailscaleOnly       bool            `yaml:"tailscale_only"`
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
	MaxConnections      int             `yaml:"max_connections"`
	MaxConnectionsPerIP int             `yaml:"max_connections_per_ip"`
}

// RateLimitConfig contains rate limiting settings.
type RateLimitConfig struct {
	Enabled              bool `yaml:"enabled"`
	ConnectionsPerMinute int  `yaml:"connections_per_minute"`
	MessagesPerSecond    int  `yaml:"messages_per_second"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// HealthConfig contains health check endpoint settings.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	ListenAddress string `yaml:"listen_address"`
	Detailed      bool   `yaml:"detailed"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ListenAddress: "127.0.0.1:3128",
			ProxyPolicy:   "AUTO",
			DialTimeout:   10 * time.Second,
			TunnelTimeout: 10 * time.Second,
			DrainTimeout:  30 * time.Second,
			IdleTimeout:   0, // parsed only: the bridge applies no idle timeout, whatever the value
		},
		TunnelServer: TunnelServerConfig{
			ListenAddress: "0.0.0.0:8765",
			DialTimeout:   10 * time.Second,
			DrainTimeout:  30 * time.Second,
		},
		Pool: PoolConfig{
			Origin:              "https://gonetunnel.local",
			TargetSize:          7,
			MaintenanceInterval: 7 * time.Second,
			MaxMessageSize:      1048576,
		},
		Security: SecurityConfig{
			TailscaleOnly:       false,
			MaxConnections:      1000,
			MaxConnectionsPerIP: 10,
			RateLimit: RateLimitConfig{
				Enabled:              true,
				ConnectionsPerMinute: 60,
				MessagesPerSecond:    100,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Health: HealthConfig{
			Enabled:       true,
			Endpoint:      "/health",
			ListenAddress: "127.0.0.1:8081",
			Detailed:      true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  false,
			MetricsEndpoint: "/metrics",
		},
	}
}

// Load reads a config file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s (run 'gonetunnel setup' to create one)", path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s (try running with sudo)", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors. It validates both the
// gateway and tunnel-server sections regardless of which subcommand
// will run, since the same file may back either process.
func (c *Config) Validate() error {
	if c.Gateway.ListenAddress == "" {
		return fmt.Errorf("gateway.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Gateway.ListenAddress); err != nil {
		return fmt.Errorf("gateway.listen_address is invalid: %w", err)
	}
	switch strings.ToUpper(c.Gateway.ProxyPolicy) {
	case "AUTO", "PROXY", "DIRECT", "BLACK", "WHITE":
	default:
		return fmt.Errorf("gateway.proxy_policy must be one of: AUTO, PROXY, DIRECT, BLACK, WHITE")
	}
	if c.Gateway.DialTimeout <= 0 {
		return fmt.Errorf("gateway.dial_timeout must be positive")
	}
	if c.Gateway.TunnelTimeout <= 0 {
		return fmt.Errorf("gateway.tunnel_timeout must be positive")
	}
	if c.Gateway.DrainTimeout <= 0 {
		return fmt.Errorf("gateway.drain_timeout must be positive")
	}
	if c.Gateway.DrainTimeout > 5*time.Minute {
		return fmt.Errorf("gateway.drain_timeout must not exceed 5m")
	}
	for _, cidr := range c.Gateway.DirectNetworks {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("gateway.direct_networks entry %q is not a CIDR: %w", cidr, err)
		}
	}

	if c.TunnelServer.ListenAddress == "" {
		return fmt.Errorf("tunnel_server.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.TunnelServer.ListenAddress); err != nil {
		return fmt.Errorf("tunnel_server.listen_address is invalid: %w", err)
	}
	if c.TunnelServer.DialTimeout <= 0 {
		return fmt.Errorf("tunnel_server.dial_timeout must be positive")
	}
	if c.TunnelServer.TLS.Enabled {
		if c.TunnelServer.TLS.CertFile == "" {
			return fmt.Errorf("tunnel_server.tls.cert_file is required when TLS is enabled")
		}
		if c.TunnelServer.TLS.KeyFile == "" {
			return fmt.Errorf("tunnel_server.tls.key_file is required when TLS is enabled")
		}
	}

	if c.Pool.TargetSize <= 0 {
		return fmt.Errorf("pool.target_size must be positive")
	}
	if c.Pool.MaintenanceInterval <= 0 {
		return fmt.Errorf("pool.maintenance_interval must be positive")
	}
	if c.Pool.MaxMessageSize <= 0 {
		return fmt.Errorf("pool.max_message_size must be positive")
	}
	if c.Pool.MaxMessageSize > 67108864 {
		return fmt.Errorf("pool.max_message_size must not exceed 67108864 (64MB)")
	}
	for _, raw := range c.Pool.Servers {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("pool.servers entry %q is invalid: %w", raw, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("pool.servers entry %q must use ws:// or wss:// scheme", raw)
		}
	}

	// Security validation
	if c.Security.MaxConnections <= 0 {
		return fmt.Errorf("security.max_connections must be positive")
	}
	if c.Security.MaxConnections > 65535 {
		return fmt.Errorf("security.max_connections must not exceed 65535")
	}
	if c.Security.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("security.max_connections_per_ip must be positive")
	}
	if c.Security.MaxConnectionsPerIP > c.Security.MaxConnections {
		return fmt.Errorf("security.max_connections_per_ip must not exceed security.max_connections")
	}
	if c.Security.RateLimit.Enabled {
		if c.Security.RateLimit.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("security.rate_limit.connections_per_minute must be positive")
		}
	}

	// Logging validation
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Health validation
	if c.Health.Enabled {
		if c.Health.ListenAddress == "" {
			return fmt.Errorf("health.listen_address is required when health is enabled")
		}
		if _, _, err := net.SplitHostPort(c.Health.ListenAddress); err != nil {
			return fmt.Errorf("health.listen_address is invalid: %w", err)
		}
		host, _, _ := net.SplitHostPort(c.Health.ListenAddress)
		ip := net.ParseIP(host)
		if ip != nil && !ip.IsLoopback() {
			return fmt.Errorf("health.listen_address should bind to a loopback address (e.g. 127.0.0.1) to avoid exposing metrics")
		}
		if c.Gateway.ListenAddress == c.Health.ListenAddress || c.TunnelServer.ListenAddress == c.Health.ListenAddress {
			return fmt.Errorf("health.listen_address must differ from gateway.listen_address and tunnel_server.listen_address")
		}
	}

	return nil
}

// ServerCredentials parses tunnel_server.credentials ("user:pass"
// entries) into a user->pass map suitable for security.NewCredentials.
func (c *Config) ServerCredentials() map[string]string {
	pairs := make(map[string]string, len(c.TunnelServer.Credentials))
	for _, entry := range c.TunnelServer.Credentials {
		user, pass, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		pairs[user] = pass
	}
	return pairs
}

// applyEnvOverrides applies GONETUNNEL_ prefixed environment variables.
// Convention: GONETUNNEL_ + uppercase + underscores for nesting.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"GONETUNNEL_GATEWAY_LISTEN_ADDRESS":       func(v string) { cfg.Gateway.ListenAddress = v },
		"GONETUNNEL_GATEWAY_PROXY_POLICY":         func(v string) { cfg.Gateway.ProxyPolicy = v },
		"GONETUNNEL_GATEWAY_DIAL_TIMEOUT":         func(v string) { cfg.Gateway.DialTimeout = parseDuration(v, cfg.Gateway.DialTimeout) },
		"GONETUNNEL_GATEWAY_TUNNEL_TIMEOUT":       func(v string) { cfg.Gateway.TunnelTimeout = parseDuration(v, cfg.Gateway.TunnelTimeout) },
		"GONETUNNEL_GATEWAY_DRAIN_TIMEOUT":        func(v string) { cfg.Gateway.DrainTimeout = parseDuration(v, cfg.Gateway.DrainTimeout) },
		"GONETUNNEL_GATEWAY_IDLE_TIMEOUT":         func(v string) { cfg.Gateway.IdleTimeout = parseDuration(v, cfg.Gateway.IdleTimeout) },
		"GONETUNNEL_TUNNEL_SERVER_LISTEN_ADDRESS": func(v string) { cfg.TunnelServer.ListenAddress = v },
		"GONETUNNEL_TUNNEL_SERVER_DIAL_TIMEOUT":   func(v string) { cfg.TunnelServer.DialTimeout = parseDuration(v, cfg.TunnelServer.DialTimeout) },
		"GONETUNNEL_POOL_ORIGIN":                  func(v string) { cfg.Pool.Origin = v },
		"GONETUNNEL_POOL_TARGET_SIZE":             func(v string) { cfg.Pool.TargetSize = parseInt(v, cfg.Pool.TargetSize) },
		"GONETUNNEL_SECURITY_TAILSCALE_ONLY":      func(v string) { cfg.Security.TailscaleOnly = parseBool(v, cfg.Security.TailscaleOnly) },
		"GONETUNNEL_SECURITY_MAX_CONNECTIONS":     func(v string) { cfg.Security.MaxConnections = parseInt(v, cfg.Security.MaxConnections) },
		"GONETUNNEL_SECURITY_MAX_CONNECTIONS_PER_IP": func(v string) {
			cfg.Security.MaxConnectionsPerIP = parseInt(v, cfg.Security.MaxConnectionsPerIP)
		},
		"GONETUNNEL_SECURITY_RATE_LIMIT_ENABLED": func(v string) { cfg.Security.RateLimit.Enabled = parseBool(v, cfg.Security.RateLimit.Enabled) },
		"GONETUNNEL_SECURITY_RATE_LIMIT_CONNECTIONS_PER_MINUTE": func(v string) {
			cfg.Security.RateLimit.ConnectionsPerMinute = parseInt(v, cfg.Security.RateLimit.ConnectionsPerMinute)
		},
		"GONETUNNEL_LOGGING_LEVEL":         func(v string) { cfg.Logging.Level = v },
		"GONETUNNEL_LOGGING_FORMAT":        func(v string) { cfg.Logging.Format = v },
		"GONETUNNEL_LOGGING_FILE":          func(v string) { cfg.Logging.File = v },
		"GONETUNNEL_HEALTH_ENABLED":        func(v string) { cfg.Health.Enabled = parseBool(v, cfg.Health.Enabled) },
		"GONETUNNEL_HEALTH_LISTEN_ADDRESS": func(v string) { cfg.Health.ListenAddress = v },
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

// ApplyReloadableFields returns a copy of c with reloadable fields from newCfg.
// Non-reloadable: listen addresses, TLS, pool servers/origin.
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Security.RateLimit = newCfg.Security.RateLimit
	updated.Security.MaxConnections = newCfg.Security.MaxConnections
	updated.Security.MaxConnectionsPerIP = newCfg.Security.MaxConnectionsPerIP
	updated.Logging.Level = newCfg.Logging.Level
	updated.Gateway.ProxyPolicy = newCfg.Gateway.ProxyPolicy
	updated.Rules = newCfg.Rules
	updated.TunnelServer.Credentials = newCfg.TunnelServer.Credentials
	return &updated
}

// IsReloadSafe checks if only reloadable fields changed between configs.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Gateway.ListenAddress != new.Gateway.ListenAddress {
		warnings = append(warnings, "gateway.listen_address requires restart")
	}
	if old.TunnelServer.ListenAddress != new.TunnelServer.ListenAddress {
		warnings = append(warnings, "tunnel_server.listen_address requires restart")
	}
	if !reflect.DeepEqual(old.TunnelServer.TLS, new.TunnelServer.TLS) {
		warnings = append(warnings, "tunnel_server.tls requires restart")
	}
	if !reflect.DeepEqual(old.Pool.Servers, new.Pool.Servers) {
		warnings = append(warnings, "pool.servers requires restart")
	}
	if old.Health.ListenAddress != new.Health.ListenAddress {
		warnings = append(warnings, "health.listen_address requires restart")
	}
	return warnings
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	s = strings.ToLower(s)
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}

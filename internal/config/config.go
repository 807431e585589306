// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/bmatcuk/doublestar/v4"
	toml "github.com/pelletier/go-toml/v2"

	"webproxy-go/internal/codec"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/webproxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the proxy itself and cannot host metrics.
var reservedRoutes = []string{"/proxy", "/t", "/s", "/go", "/healthz", "/status"}

// defaultBlockedHosts are hostname patterns rejected when guard.blocked_hosts
// is not set. Address ranges are always checked separately.
var defaultBlockedHosts = []string{
	"*.internal",
	"*.local",
	"*.localdomain",
	"metadata",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host         string           `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port         int              `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	PublicOrigin string           `kong:"help='External origin of the proxy, e.g. https://proxy.example.org (overrides config).',env='PUBLIC_ORIGIN'"`
	Codec        string           `kong:"help='Default codec: query|token|path (overrides config).',env='DEFAULT_CODEC'"`
	LogLevel     string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Version      kong.VersionFlag `kong:"short='v',help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Codec    CodecConfig    `toml:"codec"`
	Guard    GuardConfig    `toml:"guard"`
	Inject   InjectConfig   `toml:"inject"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64  `toml:"body_max_bytes"`
	// PublicOrigin is the scheme://host[:port] browsers use to reach the proxy.
	// When empty it is derived from each request.
	PublicOrigin          string          `toml:"public_origin"`
	HandlerTimeoutSeconds int             `toml:"handler_timeout_seconds"`
	RateLimit             RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds outbound connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
	// MaxRewriteBytes caps how much of an HTML or CSS body is buffered for
	// rewriting. Larger bodies are relayed unmodified.
	MaxRewriteBytes int64 `toml:"max_rewrite_bytes"`
	// UserAgent replaces the client's User-Agent when set.
	UserAgent string `toml:"user_agent"`
}

// CodecConfig selects the default URL codec.
type CodecConfig struct {
	Default string `toml:"default"`
}

// GuardConfig controls which targets may be fetched.
type GuardConfig struct {
	AllowPrivate  bool     `toml:"allow_private"`
	CheckResolved bool     `toml:"check_resolved"`
	BlockedHosts  []string `toml:"blocked_hosts"`
}

// InjectConfig controls the client-side interception script.
type InjectConfig struct {
	Enabled          *bool `toml:"enabled"`
	RescanIntervalMS int   `toml:"rescan_interval_ms"`
	ObserveMutations *bool `toml:"observe_mutations"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/webproxy/config.toml then configs/config.toml, and falls back to
// built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.PublicOrigin != "" {
		c.Server.PublicOrigin = cli.PublicOrigin
	}
	if cli.Codec != "" {
		c.Codec.Default = cli.Codec
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Server.PublicOrigin != "" {
		u, err := url.Parse(c.Server.PublicOrigin)
		if err != nil {
			return fmt.Errorf("server.public_origin is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("server.public_origin must use http or https; got %q", c.Server.PublicOrigin)
		}
		if u.Host == "" || (u.Path != "" && u.Path != "/") || u.RawQuery != "" {
			return fmt.Errorf("server.public_origin must be scheme://host[:port] only; got %q", c.Server.PublicOrigin)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0-65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.HandlerTimeoutSeconds < 0 {
		return fmt.Errorf("server.handler_timeout_seconds must be non-negative; got %d", c.Server.HandlerTimeoutSeconds)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxRewriteBytes < 0 {
		return fmt.Errorf("upstream.max_rewrite_bytes must be non-negative; got %d", c.Upstream.MaxRewriteBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Inject.RescanIntervalMS < 0 {
		return fmt.Errorf("inject.rescan_interval_ms must be non-negative; got %d", c.Inject.RescanIntervalMS)
	}

	// The upstream fetch must give up before the handler deadline so the
	// client receives a 504 rather than a dropped connection.
	upstream := orDefault(c.Upstream.TimeoutSeconds, defaultUpstreamTimeout)
	handler := orDefault(c.Server.HandlerTimeoutSeconds, defaultHandlerTimeout)
	if upstream >= handler {
		return fmt.Errorf("upstream.timeout_seconds (%d) must be less than server.handler_timeout_seconds (%d)", upstream, handler)
	}

	if c.Codec.Default != "" && !codec.Known(c.Codec.Default) {
		return fmt.Errorf("codec.default must be one of: query, token, path; got %q", c.Codec.Default)
	}

	for _, p := range c.Guard.BlockedHosts {
		if !doublestar.ValidatePattern(strings.ToLower(p)) {
			return fmt.Errorf("guard.blocked_hosts contains an invalid pattern %q", p)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if p == "/" {
			return fmt.Errorf("metrics.path %q conflicts with the landing page", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

const (
	defaultUpstreamTimeout = 25
	defaultHandlerTimeout  = 30
)

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Booleans that
// default to true are pointers for the same reason.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	c.Server.PublicOrigin = strings.TrimSuffix(c.Server.PublicOrigin, "/")
	c.Server.HandlerTimeoutSeconds = orDefault(c.Server.HandlerTimeoutSeconds, defaultHandlerTimeout)
	c.Upstream.TimeoutSeconds = orDefault(c.Upstream.TimeoutSeconds, defaultUpstreamTimeout)
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxRewriteBytes == 0 {
		c.Upstream.MaxRewriteBytes = 8 * 1024 * 1024 // 8 MB
	}
	if c.Codec.Default == "" {
		c.Codec.Default = codec.Path
	}
	if c.Guard.BlockedHosts == nil {
		c.Guard.BlockedHosts = append([]string(nil), defaultBlockedHosts...)
	}
	if c.Inject.Enabled == nil {
		c.Inject.Enabled = boolPtr(true)
	}
	if c.Inject.ObserveMutations == nil {
		c.Inject.ObserveMutations = boolPtr(true)
	}
	if c.Inject.RescanIntervalMS == 0 {
		c.Inject.RescanIntervalMS = 2000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func boolPtr(b bool) *bool { return &b }

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PublicOriginURL returns the configured public origin, or nil when the
// origin should be derived from each request.
func (c *ServerConfig) PublicOriginURL() *url.URL {
	if c.PublicOrigin == "" {
		return nil
	}
	u, err := url.Parse(c.PublicOrigin)
	if err != nil {
		return nil
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}
}

// IsEnabled reports whether the interception script is injected.
func (c *InjectConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Observe reports whether the script watches DOM mutations.
func (c *InjectConfig) Observe() bool {
	return c.ObserveMutations == nil || *c.ObserveMutations
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/open-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string           `kong:"short='c',help='Path to TOML config file (optional).',env='CONFIG_PATH'"`
	Host     string           `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int              `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Version  kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Admin    AdminConfig    `toml:"admin"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds proxy listener settings.
type ServerConfig struct {
	Host                     string `toml:"host"`
	Port                     int    `toml:"port"` // 0 means "use default" (8080)
	BodyMaxBytes             int64  `toml:"body_max_bytes"`
	ReadHeaderTimeoutSeconds int    `toml:"read_header_timeout_seconds"`
	IdleTimeoutSeconds       int    `toml:"idle_timeout_seconds"`
	ShutdownTimeoutSeconds   int    `toml:"shutdown_timeout_seconds"`
}

// UpstreamConfig holds outbound connection settings.
type UpstreamConfig struct {
	TimeoutSeconds     int    `toml:"timeout_seconds"`
	DialTimeoutSeconds int    `toml:"dial_timeout_seconds"`
	IdleConnections    int    `toml:"idle_connections"`
	IdleTimeoutSeconds int    `toml:"idle_timeout_seconds"`
	MaxResponseBytes   int64  `toml:"max_response_bytes"`
	FollowRedirects    bool   `toml:"follow_redirects"`
	StripHopByHop      bool   `toml:"strip_hop_by_hop"`
	HTTP2              *bool  `toml:"http2"`   // nil means enabled
	CAFile             string `toml:"ca_file"` // PEM bundle trusted in addition to system roots
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Color  *bool  `toml:"color"` // nil means enabled
	Output string `toml:"output"`
}

// AdminConfig holds settings for the health and metrics listener.
type AdminConfig struct {
	Enabled     bool   `toml:"enabled"`
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	MetricsPath string `toml:"metrics_path"`
}

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/open-proxy/config.toml then configs/config.toml, and falls back to
// built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
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
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 0–65535; got %d", c.Admin.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	for name, v := range map[string]int{
		"server.read_header_timeout_seconds": c.Server.ReadHeaderTimeoutSeconds,
		"server.idle_timeout_seconds":        c.Server.IdleTimeoutSeconds,
		"server.shutdown_timeout_seconds":    c.Server.ShutdownTimeoutSeconds,
		"upstream.timeout_seconds":           c.Upstream.TimeoutSeconds,
		"upstream.dial_timeout_seconds":      c.Upstream.DialTimeoutSeconds,
		"upstream.idle_connections":          c.Upstream.IdleConnections,
		"upstream.idle_timeout_seconds":      c.Upstream.IdleTimeoutSeconds,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative; got %d", name, v)
		}
	}
	if c.Upstream.MaxResponseBytes < 0 {
		return fmt.Errorf("upstream.max_response_bytes must be non-negative; got %d", c.Upstream.MaxResponseBytes)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Admin.Enabled {
		if p := c.Admin.MetricsPath; p != "" {
			if p[0] != '/' {
				return fmt.Errorf("admin.metrics_path must start with '/'; got %q", p)
			}
			for _, reserved := range []string{"/healthz", "/proxy/status"} {
				if p == reserved || strings.HasPrefix(p, reserved+"/") {
					return fmt.Errorf("admin.metrics_path %q conflicts with reserved route %q", p, reserved)
				}
			}
		}
		if c.Server.Port != 0 && c.Admin.Port == c.Server.Port &&
			(c.Admin.Host == "" || c.Admin.Host == c.Server.Host) {
			return fmt.Errorf("admin.port %d collides with server.port", c.Admin.Port)
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key. BodyMaxBytes and
// MaxResponseBytes are the exception: zero there means "no limit".
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadHeaderTimeoutSeconds == 0 {
		c.Server.ReadHeaderTimeoutSeconds = 10
	}
	if c.Server.IdleTimeoutSeconds == 0 {
		c.Server.IdleTimeoutSeconds = 120
	}
	if c.Server.ShutdownTimeoutSeconds == 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.DialTimeoutSeconds == 0 {
		c.Upstream.DialTimeoutSeconds = 10
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.IdleTimeoutSeconds == 0 {
		c.Upstream.IdleTimeoutSeconds = 90
	}
	if c.Upstream.HTTP2 == nil {
		c.Upstream.HTTP2 = boolPtr(true)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Color == nil {
		c.Log.Color = boolPtr(true)
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 9090
	}
	if c.Admin.MetricsPath == "" {
		c.Admin.MetricsPath = "/metrics"
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

// FilePath returns the config file that was loaded, or "" when running on defaults.
func (c *Config) FilePath() string {
	return c.filePath
}

// WarnPermissions logs a warning when the loaded config file is writable by
// group or others. Whoever can edit it controls upstream.ca_file.
func (c *Config) WarnPermissions(logger *slog.Logger) bool {
	if c.filePath == "" {
		return false
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return false
	}
	perm := info.Mode().Perm()
	if perm&0o022 == 0 {
		return false
	}
	logger.Warn("config file is writable by group/others; consider chmod 644",
		"path", c.filePath,
		"mode", fmt.Sprintf("%04o", perm),
		"ca_file", c.Upstream.CAFile,
	)
	return true
}

// Addr returns the proxy listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Timeout returns the overall per-request upstream budget.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DialTimeout returns the upstream connect budget.
func (c *UpstreamConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

// IdleTimeout returns how long a pooled upstream connection may sit unused.
func (c *UpstreamConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// HTTP2Enabled reports whether HTTP/2 is negotiated with TLS origins.
func (c *UpstreamConfig) HTTP2Enabled() bool {
	return c.HTTP2 == nil || *c.HTTP2
}

// ColorEnabled reports whether status codes are colorized in log output.
func (c *LogConfig) ColorEnabled() bool {
	return (c.Color == nil || *c.Color) && strings.ToLower(c.Format) != "json"
}

// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	toml "github.com/pelletier/go-toml/v2"
)

// DefaultBaseURL is the upstream every request is forwarded to unless configured otherwise.
const DefaultBaseURL = "https://ark.cn-beijing.volces.com/api/v3"

// Validation errors are reported with TOML key names.
func init() {
	validation.ErrorTag = "toml"
}

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/schema-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config        string   `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host          string   `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port          int      `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	UpstreamURL   string   `kong:"name='upstream-url',help='Upstream base URL (overrides config).',env='UPSTREAM_BASE_URL'"`
	UpstreamHost  string   `kong:"name='upstream-host',help='Host header sent upstream (overrides config).',env='UPSTREAM_HOST'"`
	LogLevel      string   `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	LogSampleRate *float64 `kong:"name='log-sample-rate',help='Fraction of bodies to log, 0.0-1.0 (overrides config).',env='LOG_SAMPLE_RATE'"`
	Workers       int      `kong:"short='w',help='Number of OS threads executing Go code (overrides config).',env='WORKERS'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host                 string          `toml:"host"`
	Port                 int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes         int64           `toml:"body_max_bytes"`
	Workers              int             `toml:"workers"` // 0 keeps the runtime default (one per CPU)
	IdleTimeoutSeconds   int             `toml:"idle_timeout_seconds"`
	ShutdownGraceSeconds int             `toml:"shutdown_grace_seconds"`
	RateLimit            RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL                 string `toml:"base_url"`
	Host                    string `toml:"host"` // defaults to the host of BaseURL
	MaxConnections          int    `toml:"max_connections"`
	MaxKeepaliveConnections int    `toml:"max_keepalive_connections"` // defaults to MaxConnections/2
	ConnectTimeoutSeconds   int    `toml:"connect_timeout_seconds"`
	ReadTimeoutSeconds      int    `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds     int    `toml:"write_timeout_seconds"`
	PoolTimeoutSeconds      int    `toml:"pool_timeout_seconds"`
	KeepaliveSeconds        int    `toml:"keepalive_seconds"`
	Retries                 *int   `toml:"retries"` // nil means default; 0 disables retries
	HTTP2                   *bool  `toml:"http2"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string   `toml:"level"`
	Format     string   `toml:"format"`
	SampleRate *float64 `toml:"sample_rate"` // nil means default (1.0)
}

// MetricsConfig holds the admin listener serving health, status and Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/schema-proxy/config.toml then configs/config.toml. If neither exists
// the built-in defaults are used, so the proxy can run from environment
// variables alone.
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
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

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
	if cli.Workers != 0 {
		c.Server.Workers = cli.Workers
	}
	if cli.UpstreamURL != "" {
		c.Upstream.BaseURL = cli.UpstreamURL
	}
	if cli.UpstreamHost != "" {
		c.Upstream.Host = cli.UpstreamHost
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.LogSampleRate != nil {
		rate := *cli.LogSampleRate
		c.Log.SampleRate = &rate
	}
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Fields where an
// explicit zero is meaningful (retries, sample rate) are pointers instead.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 32 * 1024 * 1024 // 32 MB
	}
	if c.Server.IdleTimeoutSeconds == 0 {
		c.Server.IdleTimeoutSeconds = 60
	}
	if c.Server.ShutdownGraceSeconds == 0 {
		c.Server.ShutdownGraceSeconds = 15
	}

	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultBaseURL
	}
	c.Upstream.BaseURL = strings.TrimRight(c.Upstream.BaseURL, "/")
	if c.Upstream.Host == "" {
		if u, err := url.Parse(c.Upstream.BaseURL); err == nil {
			c.Upstream.Host = u.Host
		}
	}
	if c.Upstream.MaxConnections == 0 {
		c.Upstream.MaxConnections = 600
	}
	if c.Upstream.MaxKeepaliveConnections == 0 {
		c.Upstream.MaxKeepaliveConnections = max(c.Upstream.MaxConnections/2, 1)
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 5
	}
	if c.Upstream.ReadTimeoutSeconds == 0 {
		c.Upstream.ReadTimeoutSeconds = 30
	}
	if c.Upstream.WriteTimeoutSeconds == 0 {
		c.Upstream.WriteTimeoutSeconds = c.Upstream.ConnectTimeoutSeconds
	}
	if c.Upstream.PoolTimeoutSeconds == 0 {
		c.Upstream.PoolTimeoutSeconds = c.Upstream.ConnectTimeoutSeconds
	}
	if c.Upstream.KeepaliveSeconds == 0 {
		c.Upstream.KeepaliveSeconds = 75
	}
	if c.Upstream.Retries == nil {
		retries := 3
		c.Upstream.Retries = &retries
	}
	if c.Upstream.HTTP2 == nil {
		h2 := true
		c.Upstream.HTTP2 = &h2
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.SampleRate == nil {
		rate := 1.0
		c.Log.SampleRate = &rate
	}

	if c.Metrics.Host == "" {
		c.Metrics.Host = "127.0.0.1"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func (c *Config) validate() error {
	if err := validation.ValidateStruct(&c.Server,
		validation.Field(&c.Server.Port, validation.Min(0), validation.Max(65535)),
		validation.Field(&c.Server.BodyMaxBytes, validation.Min(int64(0))),
		validation.Field(&c.Server.Workers, validation.Min(0)),
		validation.Field(&c.Server.IdleTimeoutSeconds, validation.Min(0)),
		validation.Field(&c.Server.ShutdownGraceSeconds, validation.Min(0)),
	); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	if err := validation.ValidateStruct(&c.Upstream,
		validation.Field(&c.Upstream.BaseURL, validation.Required, validation.By(httpsURL)),
		validation.Field(&c.Upstream.Host, validation.Required),
		validation.Field(&c.Upstream.MaxConnections, validation.Min(1)),
		validation.Field(&c.Upstream.MaxKeepaliveConnections, validation.Min(1), validation.Max(c.Upstream.MaxConnections)),
		validation.Field(&c.Upstream.ConnectTimeoutSeconds, validation.Min(1)),
		validation.Field(&c.Upstream.ReadTimeoutSeconds, validation.Min(1)),
		validation.Field(&c.Upstream.WriteTimeoutSeconds, validation.Min(1)),
		validation.Field(&c.Upstream.PoolTimeoutSeconds, validation.Min(1)),
		validation.Field(&c.Upstream.KeepaliveSeconds, validation.Min(1)),
		validation.Field(&c.Upstream.Retries, validation.Min(0), validation.Max(10)),
	); err != nil {
		return fmt.Errorf("upstream: %w", err)
	}

	if err := validation.ValidateStruct(&c.Log,
		validation.Field(&c.Log.Level, validation.By(lowerIn("debug", "info", "warn", "error"))),
		validation.Field(&c.Log.Format, validation.By(lowerIn("json", "text"))),
		validation.Field(&c.Log.SampleRate, validation.Min(0.0), validation.Max(1.0)),
	); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	// Metrics listener validation (only when metrics are enabled).
	if c.Metrics.Enabled {
		if err := validation.ValidateStruct(&c.Metrics,
			validation.Field(&c.Metrics.Port, validation.Min(1), validation.Max(65535)),
			validation.Field(&c.Metrics.Path, validation.By(metricsPath)),
		); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		if c.Metrics.Addr() == c.Server.Addr() {
			return fmt.Errorf("metrics listener %s must differ from the proxy listener", c.Metrics.Addr())
		}
	}

	return nil
}

// httpsURL requires an absolute HTTPS URL without query or fragment.
func httpsURL(value any) error {
	s, _ := value.(string)
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("not a valid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("must use HTTPS; got %q", s)
	}
	if u.Host == "" {
		return errors.New("must include a host")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return errors.New("must not carry a query or fragment")
	}
	return nil
}

func lowerIn(allowed ...string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		for _, a := range allowed {
			if strings.ToLower(s) == a {
				return nil
			}
		}
		return fmt.Errorf("must be one of: %s; got %q", strings.Join(allowed, ", "), s)
	}
}

func metricsPath(value any) error {
	p, _ := value.(string)
	if p == "" || p[0] != '/' {
		return fmt.Errorf("must start with '/'; got %q", p)
	}
	for _, reserved := range []string{"/healthz", "/proxy/status"} {
		if p == reserved || strings.HasPrefix(p, reserved+"/") {
			return fmt.Errorf("%q conflicts with reserved route %q", p, reserved)
		}
	}
	return nil
}

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

// IdleTimeout is how long an inbound keep-alive connection may sit idle.
func (c *ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// ShutdownGrace bounds how long in-flight requests may run after shutdown begins.
func (c *ServerConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// Addr returns the metrics listen address as host:port.
func (c *MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
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

// Package config loads the proxy settings from an optional TOML file,
// command-line flags and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// DefaultBaseURL is the Finnhub REST API root every request is forwarded to.
const DefaultBaseURL = "https://finnhub.io/api/v1"

// AllowedPrefixes are the only Finnhub endpoints callers may reach.
// A request path is allowed when it starts with one of them.
var AllowedPrefixes = []string{"/quote", "/stock/profile2"}

// LocalRoutes are answered by the proxy itself and never forwarded.
var LocalRoutes = []string{"/healthz", "/proxy/status"}

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/finnhub-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	APIKey   string `kong:"help='Finnhub API key (overrides config).',env='FINNHUB_KEY'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the proxy configuration. Load returns it fully populated and
// nothing writes to it afterwards.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Finnhub  FinnhubConfig  `toml:"finnhub"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string
}

// ServerConfig is the listen address.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// FinnhubConfig holds the credential appended to every forwarded request.
type FinnhubConfig struct {
	APIKey string `toml:"api_key"`
}

// UpstreamConfig tunes the outbound client.
type UpstreamConfig struct {
	BaseURL         string `toml:"base_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"` // 0 leaves the client without an overall timeout
	IdleConnections int    `toml:"idle_connections"`
}

// LogConfig selects the slog level and handler.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load builds the configuration. The file named by --config (or CONFIG_PATH)
// must exist; without one, the first file found in configSearchPaths is
// used, and finding none is fine since FINNHUB_KEY alone is enough to run.
// Flags override file values, then defaults fill whatever is still empty.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	cfg.override(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.filePath = path
	return nil
}

// override copies every flag that was set onto the file values.
func (c *Config) override(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.APIKey != "" {
		c.Finnhub.APIKey = cli.APIKey
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

// validate runs before setDefaults, so empty values are always accepted here.
func (c *Config) validate() error {
	// An empty key is allowed: requests then fail one by one with a 500.
	if c.Finnhub.APIKey == "YOUR_API_KEY_HERE" {
		return errors.New("finnhub.api_key contains placeholder value; set a real key or FINNHUB_KEY")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0-65535; got %d", c.Server.Port)
	}
	if err := c.Upstream.validate(); err != nil {
		return err
	}
	if err := c.Log.validate(); err != nil {
		return err
	}
	return c.Metrics.validate()
}

func (u *UpstreamConfig) validate() error {
	if u.BaseURL != "" {
		parsed, err := url.Parse(u.BaseURL)
		if err != nil {
			return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
		}
		if parsed.Scheme != "https" {
			return fmt.Errorf("upstream.base_url must use HTTPS; got %q", u.BaseURL)
		}
	}
	if u.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", u.TimeoutSeconds)
	}
	if u.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", u.IdleConnections)
	}
	return nil
}

func (l *LogConfig) validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", l.Level)
	}
	switch strings.ToLower(l.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", l.Format)
	}
	return nil
}

// validate rejects a metrics path that a proxied or local route would claim.
// Proxied prefixes match as plain prefixes, so "/quotes" is taken too.
func (m *MetricsConfig) validate() error {
	if !m.Enabled || m.Path == "" {
		return nil
	}
	if m.Path[0] != '/' {
		return fmt.Errorf("metrics.path must start with '/'; got %q", m.Path)
	}
	for _, prefix := range AllowedPrefixes {
		if strings.HasPrefix(m.Path, prefix) {
			return fmt.Errorf("metrics.path %q conflicts with reserved route %q", m.Path, prefix)
		}
	}
	for _, route := range LocalRoutes {
		if m.Path == route || strings.HasPrefix(m.Path, route+"/") {
			return fmt.Errorf("metrics.path %q conflicts with reserved route %q", m.Path, route)
		}
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultBaseURL
	}
	c.Upstream.BaseURL = strings.TrimRight(c.Upstream.BaseURL, "/")
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
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

// HasAPIKey reports whether a Finnhub credential is configured.
func (c *Config) HasAPIKey() bool {
	return c.Finnhub.APIKey != ""
}

func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first of paths that exists, or "".
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions warns when a config file, which may hold the API key, is
// readable by group or others.
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

// ABOUTME: Configuration loading and parsing for coven-hub and its agents
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load for fields left empty.
const (
	DefaultHubName        = "hub"
	DefaultHTTPAddr       = "localhost:8080"
	DefaultGRPCAddr       = "localhost:50051"
	DefaultWSPath         = "/ws"
	DefaultMetricsPath    = "/metrics"
	DefaultReplyTimeout   = 10 * time.Second
	DefaultReconnectDelay = time.Second
	DefaultMaxDelay       = 30 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultDedupeTTL      = 5 * time.Minute
	DefaultChunkSize      = 32 * 1024
)

// EnvConfigPath names the environment variable that overrides the config path.
const EnvConfigPath = "COVEN_HUB_CONFIG"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config represents the complete coven-hub configuration
type Config struct {
	Hub       HubConfig       `yaml:"hub" toml:"hub"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	Tunnel    TunnelConfig    `yaml:"tunnel" toml:"tunnel"`
}

// HubConfig identifies the hub and bounds reply waits
type HubConfig struct {
	Name         string        `yaml:"name" toml:"name"`
	Version      string        `yaml:"version" toml:"version"`
	ReplyTimeout time.Duration `yaml:"-" toml:"-"`

	ReplyTimeoutRaw string `yaml:"reply_timeout" toml:"reply_timeout"`
}

// ServerConfig holds listener addresses
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	WSPath   string `yaml:"ws_path" toml:"ws_path"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// AgentConfig configures an agent process connecting to a hub.
type AgentConfig struct {
	ID      string            `yaml:"id" toml:"id"`
	URL     string            `yaml:"url" toml:"url"`
	Headers map[string]string `yaml:"headers" toml:"headers"`

	// ProxyTarget is the local base URL tunnel requests are served from.
	// Empty disables the tunnel responder.
	ProxyTarget string `yaml:"proxy_target" toml:"proxy_target"`
	ChunkSize   int    `yaml:"chunk_size" toml:"chunk_size"`

	ReconnectDelay time.Duration `yaml:"-" toml:"-"`
	MaxDelay       time.Duration `yaml:"-" toml:"-"`

	ReconnectDelayRaw string `yaml:"reconnect_delay" toml:"reconnect_delay"`
	MaxDelayRaw       string `yaml:"max_delay" toml:"max_delay"`
}

// TunnelConfig configures the hub-side HTTP tunnel proxy
type TunnelConfig struct {
	RequestTimeout time.Duration `yaml:"-" toml:"-"`
	DedupeTTL      time.Duration `yaml:"-" toml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
	DedupeTTLRaw      string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// Path returns the config file location.
// Priority: COVEN_HUB_CONFIG env var > XDG_CONFIG_HOME/coven/hub.yaml > ~/.config/coven/hub.yaml
func Path() string {
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "hub.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "hub.yaml")
}

// Load reads a configuration file from the given path and returns a parsed
// Config with defaults applied. Files ending in .toml are decoded as TOML,
// everything else as YAML. Environment variables in the format ${VAR_NAME}
// are expanded before decoding. Load does not validate; each binary calls
// the Validate method it needs.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes raw config bytes. It is Load without the file read.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Hub.Name == "" {
		c.Hub.Name = DefaultHubName
	}
	if c.Hub.ReplyTimeout == 0 {
		c.Hub.ReplyTimeout = DefaultReplyTimeout
	}
	if !c.Tailscale.Enabled {
		if c.Server.HTTPAddr == "" {
			c.Server.HTTPAddr = DefaultHTTPAddr
		}
		if c.Server.GRPCAddr == "" {
			c.Server.GRPCAddr = DefaultGRPCAddr
		}
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = DefaultWSPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Agent.ReconnectDelay == 0 {
		c.Agent.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Agent.MaxDelay == 0 {
		c.Agent.MaxDelay = DefaultMaxDelay
	}
	if c.Agent.ChunkSize == 0 {
		c.Agent.ChunkSize = DefaultChunkSize
	}
	if c.Tunnel.RequestTimeout == 0 {
		c.Tunnel.RequestTimeout = DefaultRequestTimeout
	}
	if c.Tunnel.DedupeTTL == 0 {
		c.Tunnel.DedupeTTL = DefaultDedupeTTL
	}
}

// Validate checks the fields the hub binary needs.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled {
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("%w: server.http_addr is required (or enable tailscale)", ErrInvalid)
		}
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("%w: server.grpc_addr is required (or enable tailscale)", ErrInvalid)
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("%w: tailscale.hostname is required when tailscale is enabled", ErrInvalid)
	}

	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("%w: server.ws_path must start with /", ErrInvalid)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("%w: metrics.path must start with /", ErrInvalid)
	}

	if err := validateLogging(c.Logging); err != nil {
		return err
	}

	if c.Hub.ReplyTimeout < 0 || c.Tunnel.RequestTimeout < 0 || c.Tunnel.DedupeTTL < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalid)
	}

	return nil
}

// ValidateAgent checks the fields an agent process needs.
func (c *Config) ValidateAgent() error {
	if c.Agent.ID == "" {
		return fmt.Errorf("%w: agent.id is required", ErrInvalid)
	}

	u, err := url.Parse(c.Agent.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("%w: agent.url must be a ws:// or wss:// URL, got %q", ErrInvalid, c.Agent.URL)
	}

	if c.Agent.ProxyTarget != "" {
		t, err := url.Parse(c.Agent.ProxyTarget)
		if err != nil || (t.Scheme != "http" && t.Scheme != "https") {
			return fmt.Errorf("%w: agent.proxy_target must be an http(s) URL, got %q", ErrInvalid, c.Agent.ProxyTarget)
		}
	}

	if c.Agent.ReconnectDelay <= 0 || c.Agent.MaxDelay < c.Agent.ReconnectDelay {
		return fmt.Errorf("%w: agent.max_delay (%s) must be at least agent.reconnect_delay (%s)",
			ErrInvalid, c.Agent.MaxDelay, c.Agent.ReconnectDelay)
	}

	if c.Agent.ChunkSize < 0 {
		return fmt.Errorf("%w: agent.chunk_size must not be negative", ErrInvalid)
	}

	return validateLogging(c.Logging)
}

func validateLogging(l LoggingConfig) error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: logging.level %q is not one of debug, info, warn, error", ErrInvalid, l.Level)
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: logging.format %q is not text or json", ErrInvalid, l.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"hub.reply_timeout", cfg.Hub.ReplyTimeoutRaw, &cfg.Hub.ReplyTimeout},
		{"agent.reconnect_delay", cfg.Agent.ReconnectDelayRaw, &cfg.Agent.ReconnectDelay},
		{"agent.max_delay", cfg.Agent.MaxDelayRaw, &cfg.Agent.MaxDelay},
		{"tunnel.request_timeout", cfg.Tunnel.RequestTimeoutRaw, &cfg.Tunnel.RequestTimeout},
		{"tunnel.dedupe_ttl", cfg.Tunnel.DedupeTTLRaw, &cfg.Tunnel.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

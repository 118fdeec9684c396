// Package config loads and validates the YAML configuration file. The
// values here are the raw operator input; the compiled, immutable policy
// built from them lives in pkg/policy.
package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration document.
type Config struct {
	// Core resolver settings.
	Listen         string        `yaml:"listen"`
	Port           int           `yaml:"port"`
	TTL            uint32        `yaml:"ttl"`
	BannedMode     string        `yaml:"banned_mode"`
	BannedIP       string        `yaml:"banned_ip"`
	BannedCNAME    string        `yaml:"banned_cname"`
	BannedList     StringList    `yaml:"banned_list"`
	UpstreamDNS    string        `yaml:"upstream_dns"`
	Fallback       string        `yaml:"fallback"`
	ForwardTimeout int           `yaml:"forward_timeout"`
	ServerIP       string        `yaml:"server_ip"`
	Records        RecordsConfig `yaml:"records"`

	// Ambient subsystems.
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Storage   StorageConfig   `yaml:"storage"`
	API       APIConfig       `yaml:"api"`
	ACL       []string        `yaml:"acl"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

// RecordsConfig holds the static overlay records. A values are IPv4 literals
// or the sentinel "server"; CNAME values are target names.
type RecordsConfig struct {
	A     map[string]string `yaml:"A"`
	CNAME map[string]string `yaml:"CNAME"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TelemetryConfig controls the Prometheus metrics listener.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// StorageConfig controls the SQLite query log.
type StorageConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	BufferSize    int    `yaml:"buffer_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
	RetentionDays int    `yaml:"retention_days"`
}

// APIConfig controls the admin/status HTTP API.
type APIConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Listen       string `yaml:"listen"`
	PasswordHash string `yaml:"password_hash"` // bcrypt; empty disables auth
}

// RateLimitConfig controls per-client query rate limiting.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	QPS     int  `yaml:"qps"`
	Burst   int  `yaml:"burst"`
}

// StringList accepts either a single YAML scalar or a sequence of scalars,
// so `banned_list: hosts.txt` and `banned_list: [a.txt, b.txt]` both parse.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var single string
		if err := value.Decode(&single); err != nil {
			return err
		}
		if single != "" {
			*s = StringList{single}
		}
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := value.Decode(&many); err != nil {
			return err
		}
		*s = StringList(many)
		return nil
	default:
		return fmt.Errorf("banned_list must be a string or a list of strings")
	}
}

// Load reads, parses, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML bytes. A document whose top level is
// not a mapping is rejected outright.
func Parse(data []byte) (*Config, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("top-level config must be a mapping")
	}

	var cfg Config
	if err := doc.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns a Config with all defaults applied and no file input.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 53
	}
	if c.TTL == 0 {
		c.TTL = 60
	}
	if c.BannedMode == "" {
		c.BannedMode = "suffix"
	}
	if c.BannedIP == "" && c.BannedCNAME == "" {
		c.BannedIP = "127.0.0.1"
	}
	if c.UpstreamDNS == "" {
		c.UpstreamDNS = "8.8.8.8"
	}
	if c.Fallback == "" {
		c.Fallback = "forward"
	}
	if c.ForwardTimeout == 0 {
		c.ForwardTimeout = 2
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Telemetry.Listen == "" {
		c.Telemetry.Listen = "127.0.0.1:9153"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "sinkhole.db"
	}
	if c.Storage.BufferSize == 0 {
		c.Storage.BufferSize = 1000
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = 5
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = 7
	}

	if c.API.Listen == "" {
		c.API.Listen = "127.0.0.1:8080"
	}

	if c.RateLimit.QPS == 0 {
		c.RateLimit.QPS = 20
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 40
	}
}

// Validate checks for operator errors that must abort startup. Overlay A
// record values are deliberately not checked here; policy compilation
// validates them and drops bad entries instead of failing the process.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen cannot be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	if c.BannedMode != "exact" && c.BannedMode != "suffix" {
		return fmt.Errorf("invalid banned_mode: %s (must be exact or suffix)", c.BannedMode)
	}
	if c.BannedIP != "" && c.BannedCNAME != "" {
		return fmt.Errorf("banned_ip and banned_cname are mutually exclusive")
	}
	if c.BannedIP != "" {
		if ip := net.ParseIP(c.BannedIP); ip == nil || ip.To4() == nil {
			return fmt.Errorf("banned_ip is not a valid IPv4 address: %s", c.BannedIP)
		}
	}

	if c.Fallback != "forward" && c.Fallback != "nxdomain" {
		return fmt.Errorf("invalid fallback: %s (must be forward or nxdomain)", c.Fallback)
	}
	if c.ForwardTimeout < 1 {
		return fmt.Errorf("forward_timeout must be at least 1 second, got %d", c.ForwardTimeout)
	}
	if c.UpstreamDNS == "" {
		return fmt.Errorf("upstream_dns cannot be empty")
	}

	if !AutoServerIP(c.ServerIP) {
		if ip := net.ParseIP(c.ServerIP); ip == nil || ip.To4() == nil {
			return fmt.Errorf("server_ip is not a valid IPv4 address: %s", c.ServerIP)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Storage.Enabled {
		if c.Storage.BufferSize < 1 {
			return fmt.Errorf("storage.buffer_size must be positive, got %d", c.Storage.BufferSize)
		}
		if c.Storage.FlushInterval < 1 {
			return fmt.Errorf("storage.flush_interval must be at least 1 second, got %d", c.Storage.FlushInterval)
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.QPS < 1 {
			return fmt.Errorf("ratelimit.qps must be positive, got %d", c.RateLimit.QPS)
		}
		if c.RateLimit.Burst < c.RateLimit.QPS {
			return fmt.Errorf("ratelimit.burst must be at least qps (%d), got %d", c.RateLimit.QPS, c.RateLimit.Burst)
		}
	}

	return nil
}

// AutoServerIP reports whether a server_ip value asks for auto-detection.
func AutoServerIP(v string) bool {
	switch v {
	case "", "auto", "none", "null":
		return true
	}
	return false
}

// ListenAddr joins the bind address and port for the DNS listener.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Listen, fmt.Sprintf("%d", c.Port))
}

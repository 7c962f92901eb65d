// Package config handles mcpwire configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mcpwire/config.yaml, /etc/mcpwire/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcpwire", "config.yaml"))
	}

	paths = append(paths, "/etc/mcpwire/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mcpwire configuration.
type Config struct {
	Server   ServerConfig `yaml:"server"`
	Auth     AuthConfig   `yaml:"auth"`
	Retry    RetryConfig  `yaml:"retry"`
	Queue    QueueConfig  `yaml:"queue"`
	DataDir  string       `yaml:"data_dir"`
	LogLevel string       `yaml:"log_level"`
}

// ServerConfig defines the MCP server connection settings.
type ServerConfig struct {
	// URL is the server base URL (e.g., https://mcp.example.com).
	URL string `yaml:"url"`
	// Endpoint is the JSON-RPC endpoint path (default: /mcp).
	Endpoint string `yaml:"endpoint"`
	// UploadPath is the file upload endpoint path (default: /files).
	UploadPath string `yaml:"upload_path"`
	// TimeoutSec is the per-request timeout in seconds (default 30;
	// 0 disables the timeout).
	TimeoutSec int `yaml:"timeout_sec"`
}

// AuthConfig defines how outbound requests are authenticated.
// BearerToken and Headers may be combined.
type AuthConfig struct {
	// BearerToken, when set, is sent as "Authorization: Bearer <token>".
	BearerToken string `yaml:"bearer_token"`
	// Headers are additional static headers sent with every request.
	Headers map[string]string `yaml:"headers"`
}

// RetryConfig defines retry behavior for failed requests.
// Zero values fall back to the transport defaults (2 retries,
// 300ms base, 2s cap).
type RetryConfig struct {
	MaxRetries  int `yaml:"max_retries"`
	BaseDelayMS int `yaml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms"`
}

// QueueConfig defines the offline queue settings.
type QueueConfig struct {
	// Enabled turns on offline queueing of failed requests.
	Enabled bool `yaml:"enabled"`
	// Path is the SQLite database file. Empty means an in-memory
	// queue that does not survive restarts.
	Path string `yaml:"path"`
	// MaxSize bounds the queue; 0 means unbounded. When full, the
	// oldest item is evicted to make room.
	MaxSize int `yaml:"max_size"`
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}

	return &cfg, nil
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Queue.MaxSize < 0 {
		return fmt.Errorf("queue.max_size must not be negative")
	}
	return nil
}

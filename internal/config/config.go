// Package config holds the daemon's process-level settings (env vars) and
// its richer, file-backed settings (a YAML document). Secrets never touch
// either source; they live only in the credentials keyring.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds process-level settings, loaded from the environment.
type Config struct {
	// ControlAddr is the listen address for the JSON-over-HTTP control API
	// (e.g. "127.0.0.1:7890").
	ControlAddr string
	// BearerToken gates the control API. Empty disables auth.
	BearerToken string

	// StateDir holds the SQLite database. The OS-keyring file-backend vault
	// (used when no native OS keyring is available) is not placed here; its
	// directory is fixed in credentials.Open.
	StateDir string

	// DaemonConfigPath points at the optional YAML file described by
	// DaemonConfig. Missing file is not an error: defaults apply.
	DaemonConfigPath string

	// ProbeAddr is the host:port netmonitor.PollingSource dials to detect
	// connectivity changes.
	ProbeAddr string
	// ProbeInterval is how often it dials.
	ProbeInterval time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads process-level configuration from environment variables with
// sane defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ControlAddr:      getEnvString("CONTROL_ADDR", "127.0.0.1:7890"),
		BearerToken:      os.Getenv("BEARER_TOKEN"),
		StateDir:         getEnvString("STATE_DIR", defaultStateDir()),
		DaemonConfigPath: getEnvString("CONFIG_PATH", ""),
		ProbeAddr:        getEnvString("PROBE_ADDR", "1.1.1.1:443"),
		ProbeInterval:    getEnvDuration("PROBE_INTERVAL", 30*time.Second),
		LogLevel:         getEnvString("LOG_LEVEL", "info"),
		LogFormat:        getEnvString("LOG_FORMAT", "text"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ntfyd"
	}
	return filepath.Join(home, ".local", "share", "ntfyd")
}

// DBPath is the SQLite database file under StateDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.StateDir, "ntfyd.db")
}

// AuthDisabled reports whether the control API runs without bearer auth.
func (c *Config) AuthDisabled() bool {
	return c.BearerToken == ""
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	if c.ControlAddr == "" {
		return errors.New("CONTROL_ADDR must not be empty")
	}
	if c.StateDir == "" {
		return errors.New("STATE_DIR must not be empty")
	}
	if c.ProbeInterval <= 0 {
		return errors.New("PROBE_INTERVAL must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"text": true, "json": true}
	if !validLogFormats[c.LogFormat] {
		return errors.New("LOG_FORMAT must be one of: text, json")
	}

	return nil
}

// DaemonConfig is the structurally richer, file-backed settings: a list
// of servers and the default backoff bounds applied to every listener's
// retry.Policy. Never carries secrets.
type DaemonConfig struct {
	Servers []ServerConfig `yaml:"servers"`
	Backoff BackoffConfig  `yaml:"backoff"`
}

// ServerConfig names an ntfy server listed in the daemon config. The
// daemon only reports how many servers are listed at startup; it does not
// subscribe to them or restore subscriptions or accounts for them.
type ServerConfig struct {
	BaseURL string `yaml:"base_url"`
}

// BackoffConfig overrides retry.Policy's defaults.
type BackoffConfig struct {
	MinSeconds int   `yaml:"min_seconds"`
	MaxSeconds int   `yaml:"max_seconds"`
	Multiplier int64 `yaml:"multiplier"`
}

// LoadDaemonConfig reads and parses the YAML daemon config at path. A
// missing file yields a zero-value DaemonConfig and no error, since every
// field in it is optional.
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	if path == "" {
		return &DaemonConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &DaemonConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read daemon config %s: %w", path, err)
	}

	var dc DaemonConfig
	if err := yaml.Unmarshal(data, &dc); err != nil {
		return nil, fmt.Errorf("parse daemon config %s: %w", path, err)
	}
	return &dc, nil
}

// Backoff converts a BackoffConfig into retry.Policy bounds, returning
// zero values for anything left unset so the caller can fall back to
// retry.New()'s defaults.
func (b BackoffConfig) Backoff() (min, max time.Duration, multiplier int64) {
	if b.MinSeconds > 0 {
		min = time.Duration(b.MinSeconds) * time.Second
	}
	if b.MaxSeconds > 0 {
		max = time.Duration(b.MaxSeconds) * time.Second
	}
	multiplier = b.Multiplier
	return
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

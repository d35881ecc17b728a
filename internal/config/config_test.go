package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"CONTROL_ADDR", "BEARER_TOKEN", "STATE_DIR", "CONFIG_PATH",
		"PROBE_ADDR", "PROBE_INTERVAL", "LOG_LEVEL", "LOG_FORMAT",
	}
	for _, v := range vars {
		old, had := os.LookupEnv(v)
		os.Unsetenv(v)
		t.Cleanup(func() {
			if had {
				os.Setenv(v, old)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ControlAddr != "127.0.0.1:7890" {
		t.Errorf("ControlAddr = %s, want 127.0.0.1:7890", cfg.ControlAddr)
	}
	if cfg.BearerToken != "" {
		t.Errorf("BearerToken = %s, want empty", cfg.BearerToken)
	}
	if !cfg.AuthDisabled() {
		t.Error("AuthDisabled() = false, want true with no BEARER_TOKEN")
	}
	if cfg.ProbeAddr != "1.1.1.1:443" {
		t.Errorf("ProbeAddr = %s, want 1.1.1.1:443", cfg.ProbeAddr)
	}
	if cfg.ProbeInterval != 30*time.Second {
		t.Errorf("ProbeInterval = %v, want 30s", cfg.ProbeInterval)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %s, want text", cfg.LogFormat)
	}
	if cfg.StateDir == "" {
		t.Error("StateDir = empty, want a default path")
	}
	if cfg.DBPath() != filepath.Join(cfg.StateDir, "ntfyd.db") {
		t.Errorf("DBPath() = %s", cfg.DBPath())
	}
}

func TestLoad_FromEnv(t *testing.T) {
	clearEnv(t)

	os.Setenv("CONTROL_ADDR", "0.0.0.0:9090")
	os.Setenv("BEARER_TOKEN", "secret")
	os.Setenv("STATE_DIR", "/tmp/ntfyd-test")
	os.Setenv("PROBE_ADDR", "8.8.8.8:443")
	os.Setenv("PROBE_INTERVAL", "10s")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("LOG_FORMAT", "json")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ControlAddr != "0.0.0.0:9090" {
		t.Errorf("ControlAddr = %s, want 0.0.0.0:9090", cfg.ControlAddr)
	}
	if cfg.BearerToken != "secret" {
		t.Errorf("BearerToken = %s, want secret", cfg.BearerToken)
	}
	if cfg.AuthDisabled() {
		t.Error("AuthDisabled() = true, want false with BEARER_TOKEN set")
	}
	if cfg.StateDir != "/tmp/ntfyd-test" {
		t.Errorf("StateDir = %s, want /tmp/ntfyd-test", cfg.StateDir)
	}
	if cfg.ProbeAddr != "8.8.8.8:443" {
		t.Errorf("ProbeAddr = %s, want 8.8.8.8:443", cfg.ProbeAddr)
	}
	if cfg.ProbeInterval != 10*time.Second {
		t.Errorf("ProbeInterval = %v, want 10s", cfg.ProbeInterval)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %s, want json", cfg.LogFormat)
	}
}

func TestValidate_InvalidControlAddr(t *testing.T) {
	cfg := &Config{StateDir: "/tmp", ProbeInterval: time.Second, LogLevel: "info", LogFormat: "text"}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() expected error for empty ControlAddr")
	}
}

func TestValidate_InvalidStateDir(t *testing.T) {
	cfg := &Config{ControlAddr: "127.0.0.1:7890", ProbeInterval: time.Second, LogLevel: "info", LogFormat: "text"}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() expected error for empty StateDir")
	}
}

func TestValidate_InvalidProbeInterval(t *testing.T) {
	cfg := &Config{ControlAddr: "127.0.0.1:7890", StateDir: "/tmp", ProbeInterval: 0, LogLevel: "info", LogFormat: "text"}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() expected error for non-positive ProbeInterval")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := &Config{ControlAddr: "127.0.0.1:7890", StateDir: "/tmp", ProbeInterval: time.Second, LogLevel: "invalid", LogFormat: "text"}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() expected error for invalid log level")
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := &Config{ControlAddr: "127.0.0.1:7890", StateDir: "/tmp", ProbeInterval: time.Second, LogLevel: "info", LogFormat: "invalid"}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() expected error for invalid log format")
	}
}

func TestLoadDaemonConfig_MissingFileIsNotError(t *testing.T) {
	dc, err := LoadDaemonConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("LoadDaemonConfig() error = %v", err)
	}
	if len(dc.Servers) != 0 {
		t.Errorf("Servers = %+v, want none", dc.Servers)
	}
}

func TestLoadDaemonConfig_EmptyPathIsNotError(t *testing.T) {
	dc, err := LoadDaemonConfig("")
	if err != nil {
		t.Fatalf("LoadDaemonConfig() error = %v", err)
	}
	if dc == nil {
		t.Fatal("LoadDaemonConfig() returned nil config")
	}
}

func TestLoadDaemonConfig_ParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.yaml")
	content := "servers:\n  - base_url: https://ntfy.sh\nbackoff:\n  min_seconds: 2\n  max_seconds: 60\n  multiplier: 2\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	dc, err := LoadDaemonConfig(path)
	if err != nil {
		t.Fatalf("LoadDaemonConfig() error = %v", err)
	}
	if len(dc.Servers) != 1 || dc.Servers[0].BaseURL != "https://ntfy.sh" {
		t.Fatalf("Servers = %+v", dc.Servers)
	}

	min, max, mult := dc.Backoff.Backoff()
	if min != 2*time.Second || max != 60*time.Second || mult != 2 {
		t.Errorf("Backoff() = (%v, %v, %d)", min, max, mult)
	}
}

func TestBackoffConfig_ZeroValueLeavesBoundsUnset(t *testing.T) {
	var bc BackoffConfig
	min, max, mult := bc.Backoff()
	if min != 0 || max != 0 || mult != 0 {
		t.Errorf("Backoff() = (%v, %v, %d), want all zero", min, max, mult)
	}
}

func TestGetEnvString(t *testing.T) {
	os.Setenv("TEST_STRING", "value")
	defer os.Unsetenv("TEST_STRING")

	if got := getEnvString("TEST_STRING", "default"); got != "value" {
		t.Errorf("getEnvString() = %s, want value", got)
	}
	if got := getEnvString("NONEXISTENT", "default"); got != "default" {
		t.Errorf("getEnvString() = %s, want default", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	os.Setenv("TEST_DURATION", "5m")
	defer os.Unsetenv("TEST_DURATION")

	if got := getEnvDuration("TEST_DURATION", time.Second); got != 5*time.Minute {
		t.Errorf("getEnvDuration() = %v, want 5m", got)
	}
	if got := getEnvDuration("NONEXISTENT", 10*time.Second); got != 10*time.Second {
		t.Errorf("getEnvDuration() = %v, want 10s", got)
	}

	os.Setenv("TEST_DURATION_INVALID", "not-a-duration")
	defer os.Unsetenv("TEST_DURATION_INVALID")
	if got := getEnvDuration("TEST_DURATION_INVALID", 10*time.Second); got != 10*time.Second {
		t.Errorf("getEnvDuration() = %v, want 10s for invalid input", got)
	}
}

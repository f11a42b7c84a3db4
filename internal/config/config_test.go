package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// Helper to clear all config-related env vars
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"KBSYNC_PORT",
		"KBSYNC_READ_TIMEOUT",
		"KBSYNC_WRITE_TIMEOUT",
		"KBSYNC_SHUTDOWN_TIMEOUT",
		"KBSYNC_INDEXING_URL",
		"KBSYNC_FILE_SOURCE_URL",
		"KBSYNC_BACKEND_API_KEY",
		"KBSYNC_BACKEND_TIMEOUT",
		"KBSYNC_SNAPSHOT_PATH",
		"KBSYNC_POLL_INTERVAL",
		"KBSYNC_POLL_MAX_DURATION",
		"KBSYNC_FOLDER_POLLERS",
		"KBSYNC_DELETE_DELAY",
		"KBSYNC_PREFETCH_CONCURRENCY",
		"KBSYNC_HOVER_DEBOUNCE",
		"KBSYNC_API_KEY",
		"KBSYNC_LOG_LEVEL",
		"KBSYNC_LOG_FORMAT",
		"KBSYNC_CONFIG_PATH",
		"KBSYNC_DEV_MODE",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kbsync.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("KBSYNC_DEV_MODE", "true")
	t.Setenv("KBSYNC_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("got port %d, want 8080", cfg.Server.Port)
	}
	if time.Duration(cfg.Sync.PollInterval) != 3*time.Second {
		t.Errorf("got poll interval %v, want 3s", time.Duration(cfg.Sync.PollInterval))
	}
	if time.Duration(cfg.Sync.PollMaxDuration) != 5*time.Minute {
		t.Errorf("got poll max duration %v, want 5m", time.Duration(cfg.Sync.PollMaxDuration))
	}
	if cfg.Sync.FolderPollers != 3 {
		t.Errorf("got folder pollers %d, want 3", cfg.Sync.FolderPollers)
	}
	if time.Duration(cfg.Sync.DeleteInterItemDelay) != 300*time.Millisecond {
		t.Errorf("got delete delay %v, want 300ms", time.Duration(cfg.Sync.DeleteInterItemDelay))
	}
	if cfg.Prefetch.Concurrency != 2 {
		t.Errorf("got prefetch concurrency %d, want 2", cfg.Prefetch.Concurrency)
	}
	if time.Duration(cfg.Prefetch.HoverDebounce) != 200*time.Millisecond {
		t.Errorf("got hover debounce %v, want 200ms", time.Duration(cfg.Prefetch.HoverDebounce))
	}
	if cfg.Snapshot.Path != "data/kbsync.db" {
		t.Errorf("got snapshot path %q, want data/kbsync.db", cfg.Snapshot.Path)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("got log config %+v, want info/json", cfg.Log)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, `
server:
  port: 9090
sync:
  poll_interval: 10s
  folder_pollers: 5
prefetch:
  hover_debounce: 50ms
`)
	t.Setenv("KBSYNC_CONFIG_PATH", path)
	t.Setenv("KBSYNC_DEV_MODE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("got port %d, want 9090", cfg.Server.Port)
	}
	if time.Duration(cfg.Sync.PollInterval) != 10*time.Second {
		t.Errorf("got poll interval %v, want 10s", time.Duration(cfg.Sync.PollInterval))
	}
	if cfg.Sync.FolderPollers != 5 {
		t.Errorf("got folder pollers %d, want 5", cfg.Sync.FolderPollers)
	}
	if time.Duration(cfg.Prefetch.HoverDebounce) != 50*time.Millisecond {
		t.Errorf("got hover debounce %v, want 50ms", time.Duration(cfg.Prefetch.HoverDebounce))
	}
	// Untouched sections keep their defaults.
	if cfg.Prefetch.Concurrency != 2 {
		t.Errorf("got prefetch concurrency %d, want default 2", cfg.Prefetch.Concurrency)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, `
server:
  port: 9090
`)
	t.Setenv("KBSYNC_CONFIG_PATH", path)
	t.Setenv("KBSYNC_DEV_MODE", "true")
	t.Setenv("KBSYNC_PORT", "7070")
	t.Setenv("KBSYNC_POLL_INTERVAL", "1s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("got port %d, want env-provided 7070", cfg.Server.Port)
	}
	if time.Duration(cfg.Sync.PollInterval) != time.Second {
		t.Errorf("got poll interval %v, want env-provided 1s", time.Duration(cfg.Sync.PollInterval))
	}
}

func TestLoad_SecretsComeFromEnvOnly(t *testing.T) {
	clearEnv(t)
	// api_key in YAML must be ignored; the field is env-only.
	path := writeConfigFile(t, `
auth:
  api_key: from-yaml
backend:
  indexing_url: http://indexing.local
  file_source_url: http://files.local
  api_key: also-from-yaml
`)
	t.Setenv("KBSYNC_CONFIG_PATH", path)
	t.Setenv("KBSYNC_API_KEY", "from-env")
	t.Setenv("KBSYNC_BACKEND_API_KEY", "backend-from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Auth.APIKey != "from-env" {
		t.Errorf("got auth key %q, want from-env", cfg.Auth.APIKey)
	}
	if cfg.Backend.APIKey != "backend-from-env" {
		t.Errorf("got backend key %q, want backend-from-env", cfg.Backend.APIKey)
	}
}

func TestLoad_ValidationRequiresURLsAndKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("KBSYNC_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := Load()
	if err == nil {
		t.Fatal("expected validation error without backend URLs")
	}
	if !strings.Contains(err.Error(), "indexing_url") {
		t.Errorf("got %v, want indexing_url error", err)
	}
}

func TestLoad_DevModeSkipsValidation(t *testing.T) {
	clearEnv(t)
	t.Setenv("KBSYNC_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("KBSYNC_DEV_MODE", "true")

	if _, err := Load(); err != nil {
		t.Errorf("dev mode load failed: %v", err)
	}
}

func TestLoad_InvalidYAMLFails(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, "server: [not: valid")
	t.Setenv("KBSYNC_CONFIG_PATH", path)
	t.Setenv("KBSYNC_DEV_MODE", "true")

	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDuration_YAMLRoundTrip(t *testing.T) {
	var d Duration
	if err := yaml.Unmarshal([]byte(`"1m30s"`), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if time.Duration(d) != 90*time.Second {
		t.Errorf("got %v, want 1m30s", time.Duration(d))
	}

	out, err := yaml.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.TrimSpace(string(out)) != "1m30s" {
		t.Errorf("got %q, want 1m30s", strings.TrimSpace(string(out)))
	}

	if err := yaml.Unmarshal([]byte(`"not-a-duration"`), &d); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestLoadFromFile_MissingFileFails(t *testing.T) {
	clearEnv(t)
	t.Setenv("KBSYNC_DEV_MODE", "true")

	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

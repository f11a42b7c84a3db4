package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Backend  BackendConfig  `yaml:"backend"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Sync     SyncConfig     `yaml:"sync"`
	Prefetch PrefetchConfig `yaml:"prefetch"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// BackendConfig contains remote service settings.
type BackendConfig struct {
	IndexingURL   string   `yaml:"indexing_url"`
	FileSourceURL string   `yaml:"file_source_url"`
	APIKey        string   `yaml:"-"` // env-only, never in YAML
	Timeout       Duration `yaml:"timeout"`
}

// SnapshotConfig contains persistent snapshot store settings.
type SnapshotConfig struct {
	Path string `yaml:"path"`
}

// SyncConfig contains polling and delete queue settings.
type SyncConfig struct {
	PollInterval         Duration `yaml:"poll_interval"`
	PollMaxDuration      Duration `yaml:"poll_max_duration"`
	FolderPollers        int      `yaml:"folder_pollers"`
	DeleteInterItemDelay Duration `yaml:"delete_inter_item_delay"`
}

// PrefetchConfig contains hover prefetch settings.
type PrefetchConfig struct {
	Concurrency   int      `yaml:"concurrency"`
	HoverDebounce Duration `yaml:"hover_debounce"`
}

// AuthConfig contains local API authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("KBSYNC_CONFIG_PATH", "config/kbsync.yaml")

	// Missing file is not an error; defaults apply.
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Backend: BackendConfig{
			Timeout: Duration(30 * time.Second),
		},
		Snapshot: SnapshotConfig{
			Path: "data/kbsync.db",
		},
		Sync: SyncConfig{
			PollInterval:         Duration(3 * time.Second),
			PollMaxDuration:      Duration(5 * time.Minute),
			FolderPollers:        3,
			DeleteInterItemDelay: Duration(300 * time.Millisecond),
		},
		Prefetch: PrefetchConfig{
			Concurrency:   2,
			HoverDebounce: Duration(200 * time.Millisecond),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("KBSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("KBSYNC_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("KBSYNC_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("KBSYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Backend
	if v := os.Getenv("KBSYNC_INDEXING_URL"); v != "" {
		cfg.Backend.IndexingURL = v
	}
	if v := os.Getenv("KBSYNC_FILE_SOURCE_URL"); v != "" {
		cfg.Backend.FileSourceURL = v
	}
	if v := os.Getenv("KBSYNC_BACKEND_API_KEY"); v != "" {
		cfg.Backend.APIKey = v
	}
	if v := os.Getenv("KBSYNC_BACKEND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Backend.Timeout = Duration(d)
		}
	}

	// Snapshot
	if v := os.Getenv("KBSYNC_SNAPSHOT_PATH"); v != "" {
		cfg.Snapshot.Path = v
	}

	// Sync
	if v := os.Getenv("KBSYNC_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.PollInterval = Duration(d)
		}
	}
	if v := os.Getenv("KBSYNC_POLL_MAX_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.PollMaxDuration = Duration(d)
		}
	}
	if v := os.Getenv("KBSYNC_FOLDER_POLLERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.FolderPollers = n
		}
	}
	if v := os.Getenv("KBSYNC_DELETE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.DeleteInterItemDelay = Duration(d)
		}
	}

	// Prefetch
	if v := os.Getenv("KBSYNC_PREFETCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Prefetch.Concurrency = n
		}
	}
	if v := os.Getenv("KBSYNC_HOVER_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Prefetch.HoverDebounce = Duration(d)
		}
	}

	// Auth
	if v := os.Getenv("KBSYNC_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Log
	if v := os.Getenv("KBSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("KBSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (KBSYNC_DEV_MODE=true), key and URL validation is skipped.
func (c *Config) validate() error {
	if os.Getenv("KBSYNC_DEV_MODE") == "true" {
		return nil
	}

	if c.Backend.IndexingURL == "" {
		return errors.New("backend.indexing_url is required")
	}
	if c.Backend.FileSourceURL == "" {
		return errors.New("backend.file_source_url is required")
	}
	if c.Auth.APIKey == "" {
		return errors.New("KBSYNC_API_KEY is required")
	}
	if c.Sync.FolderPollers < 1 {
		return errors.New("sync.folder_pollers must be at least 1")
	}
	if c.Prefetch.Concurrency < 1 {
		return errors.New("prefetch.concurrency must be at least 1")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

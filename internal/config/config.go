package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/authcore/internal/otel"
)

// QueueConfig bounds one task queue.
type QueueConfig struct {
	MaxQueueDepth  int `yaml:"max_queue_depth"`
	MaxConcurrency int `yaml:"max_concurrency"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// MasterKey seeds the key that seals values in the credential store.
	// Prefer AUTHCORE_MASTER_KEY over writing it to disk.
	MasterKey string `yaml:"master_key"`

	BackendURL string `yaml:"backend_url"`
	EventsURL  string `yaml:"events_url"`
	ClientID   string `yaml:"client_id"`

	SerialQueue   QueueConfig `yaml:"serial_queue"`
	ParallelQueue QueueConfig `yaml:"parallel_queue"`

	// ReadFreshnessMarginSeconds: reads go to the parallel queue only when the
	// access token outlives now+margin.
	ReadFreshnessMarginSeconds int `yaml:"read_freshness_margin_seconds"`
	// RefreshMarginSeconds: generic refresh-needed threshold.
	RefreshMarginSeconds int `yaml:"refresh_margin_seconds"`
	// SignedInMarginMinutes: refresh token must outlive now+margin to count as signed in.
	SignedInMarginMinutes int `yaml:"signed_in_margin_minutes"`

	// CallTimeoutSeconds applies to every dispatched call. 0 disables it.
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`

	// RefreshCheckSchedule is a cron spec for proactive refresh checks.
	RefreshCheckSchedule string `yaml:"refresh_check_schedule"`

	// DrainTimeoutSeconds bounds shutdown waiting for in-flight tasks.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	EventTypes []string `yaml:"event_types"`

	OTel otel.Config `yaml:"otel"`
}

func (c Config) ReadFreshnessMargin() time.Duration {
	return time.Duration(c.ReadFreshnessMarginSeconds) * time.Second
}

func (c Config) RefreshMargin() time.Duration {
	return time.Duration(c.RefreshMarginSeconds) * time.Second
}

func (c Config) SignedInMargin() time.Duration {
	return time.Duration(c.SignedInMarginMinutes) * time.Minute
}

func (c Config) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config. Secrets are not part of it.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "serial=%d/%d|parallel=%d/%d|fresh=%d|refresh=%d|signedin=%d|timeout=%d|backend=%s|events=%s",
		c.SerialQueue.MaxQueueDepth, c.SerialQueue.MaxConcurrency,
		c.ParallelQueue.MaxQueueDepth, c.ParallelQueue.MaxConcurrency,
		c.ReadFreshnessMarginSeconds, c.RefreshMarginSeconds, c.SignedInMarginMinutes,
		c.CallTimeoutSeconds, c.BackendURL, c.EventsURL)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func Default() Config {
	return Config{
		LogLevel:                   "info",
		SerialQueue:                QueueConfig{MaxQueueDepth: 10, MaxConcurrency: 1},
		ParallelQueue:              QueueConfig{MaxQueueDepth: 10, MaxConcurrency: 3},
		ReadFreshnessMarginSeconds: 120,
		RefreshMarginSeconds:       60,
		SignedInMarginMinutes:      60,
		RefreshCheckSchedule:       "@every 1m",
		DrainTimeoutSeconds:        5,
		EventTypes:                 []string{"create", "update", "delete"},
	}
}

func HomeDir() string {
	if override := os.Getenv("AUTHCORE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".authcore")
}

func Load() (Config, error) {
	cfg := Default()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o700); err != nil {
		return cfg, fmt.Errorf("create authcore home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := Default()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "credentials.db")
	}
	if cfg.SerialQueue.MaxQueueDepth <= 0 {
		cfg.SerialQueue.MaxQueueDepth = def.SerialQueue.MaxQueueDepth
	}
	// The serial queue is serial by definition.
	cfg.SerialQueue.MaxConcurrency = 1
	if cfg.ParallelQueue.MaxQueueDepth <= 0 {
		cfg.ParallelQueue.MaxQueueDepth = def.ParallelQueue.MaxQueueDepth
	}
	if cfg.ParallelQueue.MaxConcurrency <= 0 {
		cfg.ParallelQueue.MaxConcurrency = def.ParallelQueue.MaxConcurrency
	}
	if cfg.ReadFreshnessMarginSeconds <= 0 {
		cfg.ReadFreshnessMarginSeconds = def.ReadFreshnessMarginSeconds
	}
	if cfg.RefreshMarginSeconds <= 0 {
		cfg.RefreshMarginSeconds = def.RefreshMarginSeconds
	}
	if cfg.SignedInMarginMinutes <= 0 {
		cfg.SignedInMarginMinutes = def.SignedInMarginMinutes
	}
	if cfg.CallTimeoutSeconds < 0 {
		cfg.CallTimeoutSeconds = 0
	}
	if strings.TrimSpace(cfg.RefreshCheckSchedule) == "" {
		cfg.RefreshCheckSchedule = def.RefreshCheckSchedule
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = def.DrainTimeoutSeconds
	}
	if len(cfg.EventTypes) == 0 {
		cfg.EventTypes = def.EventTypes
	}
}

func validate(cfg Config) error {
	for _, raw := range []string{cfg.BackendURL, cfg.EventsURL} {
		if raw == "" {
			continue
		}
		if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") &&
			!strings.HasPrefix(raw, "ws://") && !strings.HasPrefix(raw, "wss://") {
			return fmt.Errorf("unsupported url scheme: %q", raw)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AUTHCORE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AUTHCORE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("AUTHCORE_MASTER_KEY"); raw != "" {
		cfg.MasterKey = raw
	}
	if raw := os.Getenv("AUTHCORE_BACKEND_URL"); raw != "" {
		cfg.BackendURL = raw
	}
	if raw := os.Getenv("AUTHCORE_EVENTS_URL"); raw != "" {
		cfg.EventsURL = raw
	}
	if raw := os.Getenv("AUTHCORE_CLIENT_ID"); raw != "" {
		cfg.ClientID = raw
	}
	if raw := os.Getenv("AUTHCORE_PARALLEL_CONCURRENCY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ParallelQueue.MaxConcurrency = v
		}
	}
	if raw := os.Getenv("AUTHCORE_MAX_QUEUE_DEPTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SerialQueue.MaxQueueDepth = v
			cfg.ParallelQueue.MaxQueueDepth = v
		}
	}
	if raw := os.Getenv("AUTHCORE_CALL_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.CallTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("AUTHCORE_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
}

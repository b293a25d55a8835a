// Package config loads and normalizes the engine's configuration surface:
// worker-pool caps, retry/timeout windows, skill directories, channel
// credentials, and the handful of environment-variable overrides an
// operator can set without touching config.yaml.
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

	"github.com/zkoranges/goclaw-engine/internal/otelobs"
)

// PoolConfig holds the instance-level and per-user default worker caps
// for one queue type (foreground or background).
type PoolConfig struct {
	InstanceMax int `yaml:"instance_max"`
	UserMax     int `yaml:"user_max"`
}

// SkillsConfig locates skill manifest directories, in priority order
// project > user > installed.
type SkillsConfig struct {
	ProjectDir   string `yaml:"project_dir"`
	UserDir      string `yaml:"user_dir"`
	InstalledDir string `yaml:"installed_dir"`
}

// TelegramConfig holds the Talk-channel Telegram adapter's credentials.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// ConsoleConfig holds the local websocket console adapter's bind address.
type ConsoleConfig struct {
	BindAddr string `yaml:"bind_addr"`
	Enabled  bool   `yaml:"enabled"`
}

// ChannelsConfig groups configuration for all concrete channel adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Console  ConsoleConfig  `yaml:"console"`
}

// ExecutorConfig controls how the external LLM CLI child process is spawned.
// SandboxCommand "auto" builds a bubblewrap argv from the task's workspace,
// data store path and deferred dir (internal/sandbox); any other
// non-empty value is used as a literal command prefix.
type ExecutorConfig struct {
	Binary                string `yaml:"binary"`
	ExecutionTimeoutSec   int    `yaml:"execution_timeout_seconds"`
	ProgressMinIntervalSec int   `yaml:"progress_min_interval_seconds"`
	ProgressMaxMessages   int    `yaml:"progress_max_messages"`
	TransientRetries      int    `yaml:"transient_retries"`
	TransientRetryDelaySec int   `yaml:"transient_retry_delay_seconds"`
	SandboxEnabled        bool   `yaml:"sandbox_enabled"`
	SandboxCommand        string `yaml:"sandbox_command"`
	SandboxBubblewrapPath string `yaml:"sandbox_bubblewrap_path"`
}

// Config is the engine's top-level configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	Namespace string `yaml:"namespace"`
	LogLevel  string `yaml:"log_level"`

	Foreground PoolConfig `yaml:"foreground"`
	Background PoolConfig `yaml:"background"`

	WorkerIdleTimeoutSec int `yaml:"worker_idle_timeout_seconds"`

	MaxAttempts          int `yaml:"max_attempts"`
	MaxRetryAgeMinutes   int `yaml:"max_retry_age_minutes"`
	StaleLockMinutes     int `yaml:"stale_lock_minutes"`
	ExecutionTimeoutMin  int `yaml:"execution_timeout_minutes"`
	ConfirmationTimeoutMin int `yaml:"confirmation_timeout_minutes"`
	StalePendingFailHours int `yaml:"stale_pending_fail_hours"`
	TaskRetentionDays    int `yaml:"task_retention_days"`

	ContextLookbackCount      int `yaml:"context_lookback_count"`
	ContextSkipSelectionMax   int `yaml:"context_skip_selection_threshold"`
	ContextAlwaysIncludeRecent int `yaml:"context_always_include_recent"`
	ContextSelectionTimeoutSec int `yaml:"context_selection_timeout_seconds"`

	AdminsFile   string `yaml:"admins_file"`
	DeferredDir  string `yaml:"deferred_dir"`
	DBPath       string `yaml:"db_path"`
	TasksFileDir string `yaml:"tasks_file_dir"`

	Skills    SkillsConfig    `yaml:"skills"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Telemetry otelobs.Config  `yaml:"telemetry"`

	// PerUserForeground / PerUserBackground override the default per-user
	// cap for specific users; 0 (absent) means "inherit default".
	PerUserForeground map[string]int `yaml:"per_user_foreground"`
	PerUserBackground map[string]int `yaml:"per_user_background"`

	NeedsGenesis bool `yaml:"-"`
}

// APIKey returns an API key sourced from the environment-variable safelist
// the prompt assembler and sandbox helper consult when resolving a
// skill-declared `env` entry that names a credential, never from config.yaml
// itself (credentials are never stored in plain config per spec §4.3).
func APIKey(name string) string {
	return os.Getenv(strings.ToUpper(name))
}

// EffectiveForegroundCap returns the per-user foreground worker cap,
// falling back to the configured default when no override is set (0 means
// inherit, per spec §4.2).
func (c Config) EffectiveForegroundCap(userID string) int {
	if v, ok := c.PerUserForeground[userID]; ok && v > 0 {
		return v
	}
	return c.Foreground.UserMax
}

// EffectiveBackgroundCap returns the per-user background worker cap,
// falling back to the configured default when no override is set.
func (c Config) EffectiveBackgroundCap(userID string) int {
	if v, ok := c.PerUserBackground[userID]; ok && v > 0 {
		return v
	}
	return c.Background.UserMax
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty
// map if the file doesn't exist. Round-tripping through a generic map
// (rather than only the typed Config struct) means a config.yaml field
// this version of the engine doesn't know about yet survives a SetX call.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetPerUserCap updates a per-user worker cap override in config.yaml,
// preserving every other setting including ones this struct doesn't model.
func SetPerUserCap(homeDir, queueType, userID string, cap int) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	key := "per_user_foreground"
	if queueType == "background" {
		key = "per_user_background"
	}
	overrides, _ := raw[key].(map[string]interface{})
	if overrides == nil {
		overrides = make(map[string]interface{})
	}
	overrides[userID] = cap
	raw[key] = overrides
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the fields that affect scheduler
// and dispatch behavior, cheap enough to compare every tick to detect
// whether a config reload changed anything worth re-syncing.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "ns=%s|fg=%d/%d|bg=%d/%d|maxattempts=%d|retryage=%d|stale=%d|exectimeout=%d|retention=%d",
		c.Namespace,
		c.Foreground.InstanceMax, c.Foreground.UserMax,
		c.Background.InstanceMax, c.Background.UserMax,
		c.MaxAttempts, c.MaxRetryAgeMinutes, c.StaleLockMinutes,
		c.ExecutionTimeoutMin, c.TaskRetentionDays)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		Namespace: "goclaw",
		LogLevel:  "info",
		Foreground: PoolConfig{
			InstanceMax: 5,
			UserMax:     2,
		},
		Background: PoolConfig{
			InstanceMax: 3,
			UserMax:     1,
		},
		WorkerIdleTimeoutSec:      30,
		MaxAttempts:               3,
		MaxRetryAgeMinutes:        60,
		StaleLockMinutes:          30,
		ExecutionTimeoutMin:       15,
		ConfirmationTimeoutMin:    120,
		StalePendingFailHours:     2,
		TaskRetentionDays:         7,
		ContextLookbackCount:      25,
		ContextSkipSelectionMax:   3,
		ContextAlwaysIncludeRecent: 5,
		ContextSelectionTimeoutSec: 30,
		Skills: SkillsConfig{
			ProjectDir:   "./skills",
			UserDir:      "skills",
			InstalledDir: "installed",
		},
		Executor: ExecutorConfig{
			Binary:                 "claude",
			ExecutionTimeoutSec:    int((10 * time.Minute).Seconds()),
			ProgressMinIntervalSec: 8,
			ProgressMaxMessages:    5,
			TransientRetries:       3,
			TransientRetryDelaySec: 5,
		},
		Telemetry: otelobs.Config{
			Exporter:    "stdout",
			ServiceName: "goclaw-engine",
			SampleRate:  1.0,
		},
	}
}

// HomeDir returns the engine's data directory, honoring GOCLAW_HOME.
func HomeDir() string {
	if override := os.Getenv("GOCLAW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".goclaw")
}

// Load reads config.yaml from HomeDir, applies environment overrides, and
// normalizes/defaults every field.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create home dir: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Foreground.InstanceMax <= 0 {
		cfg.Foreground.InstanceMax = 5
	}
	if cfg.Foreground.UserMax <= 0 {
		cfg.Foreground.UserMax = 2
	}
	if cfg.Background.InstanceMax <= 0 {
		cfg.Background.InstanceMax = 3
	}
	if cfg.Background.UserMax <= 0 {
		cfg.Background.UserMax = 1
	}
	if cfg.WorkerIdleTimeoutSec <= 0 {
		cfg.WorkerIdleTimeoutSec = 30
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxRetryAgeMinutes <= 0 {
		cfg.MaxRetryAgeMinutes = 60
	}
	if cfg.StaleLockMinutes <= 0 {
		cfg.StaleLockMinutes = 30
	}
	if cfg.ExecutionTimeoutMin <= 0 {
		cfg.ExecutionTimeoutMin = 15
	}
	if cfg.ConfirmationTimeoutMin <= 0 {
		cfg.ConfirmationTimeoutMin = 120
	}
	if cfg.StalePendingFailHours <= 0 {
		cfg.StalePendingFailHours = 2
	}
	if cfg.TaskRetentionDays <= 0 {
		cfg.TaskRetentionDays = 7
	}
	if cfg.ContextLookbackCount <= 0 {
		cfg.ContextLookbackCount = 25
	}
	if cfg.ContextAlwaysIncludeRecent <= 0 {
		cfg.ContextAlwaysIncludeRecent = 5
	}
	if cfg.ContextSelectionTimeoutSec <= 0 {
		cfg.ContextSelectionTimeoutSec = 30
	}
	if strings.TrimSpace(cfg.Skills.ProjectDir) == "" {
		cfg.Skills.ProjectDir = "./skills"
	}
	if strings.TrimSpace(cfg.AdminsFile) == "" {
		cfg.AdminsFile = fmt.Sprintf("/etc/%s/admins", cfg.Namespace)
	}
	if strings.TrimSpace(cfg.DeferredDir) == "" {
		cfg.DeferredDir = filepath.Join(cfg.HomeDir, "tmp")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "data", cfg.Namespace+".db")
	}
	if strings.TrimSpace(cfg.Executor.Binary) == "" {
		cfg.Executor.Binary = "claude"
	}
	if cfg.Executor.ExecutionTimeoutSec <= 0 {
		cfg.Executor.ExecutionTimeoutSec = int((10 * time.Minute).Seconds())
	}
	if cfg.Executor.ProgressMinIntervalSec <= 0 {
		cfg.Executor.ProgressMinIntervalSec = 8
	}
	if cfg.Executor.ProgressMaxMessages <= 0 {
		cfg.Executor.ProgressMaxMessages = 5
	}
	if cfg.Executor.TransientRetries <= 0 {
		cfg.Executor.TransientRetries = 3
	}
	if cfg.Executor.TransientRetryDelaySec <= 0 {
		cfg.Executor.TransientRetryDelaySec = 5
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GOCLAW_NAMESPACE"); raw != "" {
		cfg.Namespace = raw
	}
	if raw := os.Getenv("GOCLAW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOCLAW_MAX_FOREGROUND_WORKERS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Foreground.InstanceMax = v
		}
	}
	if raw := os.Getenv("GOCLAW_MAX_BACKGROUND_WORKERS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Background.InstanceMax = v
		}
	}
	if raw := os.Getenv("GOCLAW_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("GOCLAW_DEFERRED_DIR"); raw != "" {
		cfg.DeferredDir = raw
	}
	if raw := os.Getenv("GOCLAW_ADMINS_FILE"); raw != "" {
		cfg.AdminsFile = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("GOCLAW_OTEL_ENABLED"); raw != "" {
		cfg.Telemetry.Enabled = raw == "1" || strings.EqualFold(raw, "true")
	}
	if raw := os.Getenv("GOCLAW_OTEL_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
		if cfg.Telemetry.Exporter == "" || cfg.Telemetry.Exporter == "stdout" {
			cfg.Telemetry.Exporter = "otlp"
		}
	}
}

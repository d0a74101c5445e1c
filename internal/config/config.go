// Package config handles configuration loading and management for Maestro.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for Maestro.
type Config struct {
	Saga      SagaConfig      `mapstructure:"saga"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Events    EventsConfig    `mapstructure:"events"`
	Store     StoreConfig     `mapstructure:"store"`
	Engine    EngineConfig    `mapstructure:"engine"`
	TUI       TUIConfig       `mapstructure:"tui"`
}

// SagaConfig tunes saga step execution and compensation.
type SagaConfig struct {
	// RetryInitialInterval is the first retry backoff delay.
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
	// RetryMaxInterval caps the retry backoff delay.
	RetryMaxInterval time.Duration `mapstructure:"retry_max_interval"`
	// MatchRetryInterval is the base delay when no worker is available.
	MatchRetryInterval time.Duration `mapstructure:"match_retry_interval"`
	// DefaultStepTimeout bounds a step whose definition sets none.
	DefaultStepTimeout time.Duration `mapstructure:"default_step_timeout"`
	// HistoryLimit bounds the per-run event history.
	HistoryLimit int `mapstructure:"history_limit"`
}

// SchedulerConfig tunes problem decomposition and dispatch.
type SchedulerConfig struct {
	// MaxTaskAttempts is the per-task retry ceiling.
	MaxTaskAttempts int `mapstructure:"max_task_attempts"`
	// TaskTimeout bounds a single task dispatch.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	// PollInterval is the base for the jittered scheduling re-poll.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// HistoryLimit bounds the per-problem event history.
	HistoryLimit int `mapstructure:"history_limit"`
}

// ConsensusConfig tunes result validation.
type ConsensusConfig struct {
	// MaxExtraRounds bounds additional solver rounds when agreement is low.
	MaxExtraRounds int `mapstructure:"max_extra_rounds"`
}

// RegistryConfig tunes worker liveness tracking.
type RegistryConfig struct {
	// HeartbeatInterval is how often the reaper checks worker liveness.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// HeartbeatMissWindow is how long a silent worker stays registered
	// before being marked offline.
	HeartbeatMissWindow time.Duration `mapstructure:"heartbeat_miss_window"`
}

// EventsConfig tunes the event bus.
type EventsConfig struct {
	// Buffer is the per-subscriber channel depth.
	Buffer int `mapstructure:"buffer"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `mapstructure:"backend"`
	// Path is the sqlite database file; empty uses the XDG data path.
	Path string `mapstructure:"path"`
}

// EngineConfig tunes engine-level behavior.
type EngineConfig struct {
	// StallWindow is how long an instance may go without progress before
	// Health reports it as stalled.
	StallWindow time.Duration `mapstructure:"stall_window"`
	// DebugLogPath enables file-based debug logging when set.
	DebugLogPath string `mapstructure:"debug_log_path"`
}

// TUIConfig holds monitor display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (MAESTRO_*)
// 2. Project config (.maestro.yaml in current directory or parent)
// 3. User config (~/.config/maestro/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Merge project config (takes precedence)
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	// Environment variable overrides: MAESTRO_STORE_BACKEND etc.
	v.SetEnvPrefix("MAESTRO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Store.Path = os.ExpandEnv(cfg.Store.Path)
	cfg.Engine.DebugLogPath = os.ExpandEnv(cfg.Engine.DebugLogPath)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Store.Path = os.ExpandEnv(cfg.Store.Path)
	cfg.Engine.DebugLogPath = os.ExpandEnv(cfg.Engine.DebugLogPath)

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("saga.retry_initial_interval", cfg.Saga.RetryInitialInterval.String())
	v.Set("saga.retry_max_interval", cfg.Saga.RetryMaxInterval.String())
	v.Set("saga.match_retry_interval", cfg.Saga.MatchRetryInterval.String())
	v.Set("saga.default_step_timeout", cfg.Saga.DefaultStepTimeout.String())
	v.Set("saga.history_limit", cfg.Saga.HistoryLimit)
	v.Set("scheduler.max_task_attempts", cfg.Scheduler.MaxTaskAttempts)
	v.Set("scheduler.task_timeout", cfg.Scheduler.TaskTimeout.String())
	v.Set("scheduler.poll_interval", cfg.Scheduler.PollInterval.String())
	v.Set("scheduler.history_limit", cfg.Scheduler.HistoryLimit)
	v.Set("consensus.max_extra_rounds", cfg.Consensus.MaxExtraRounds)
	v.Set("registry.heartbeat_interval", cfg.Registry.HeartbeatInterval.String())
	v.Set("registry.heartbeat_miss_window", cfg.Registry.HeartbeatMissWindow.String())
	v.Set("events.buffer", cfg.Events.Buffer)
	v.Set("store.backend", cfg.Store.Backend)
	v.Set("store.path", cfg.Store.Path)
	v.Set("engine.stall_window", cfg.Engine.StallWindow.String())
	v.Set("engine.debug_log_path", cfg.Engine.DebugLogPath)
	v.Set("tui.refresh_rate", cfg.TUI.RefreshRate.String())

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("saga.retry_initial_interval", "1s")
	v.SetDefault("saga.retry_max_interval", "30s")
	v.SetDefault("saga.match_retry_interval", "500ms")
	v.SetDefault("saga.default_step_timeout", "60s")
	v.SetDefault("saga.history_limit", 64)

	v.SetDefault("scheduler.max_task_attempts", 3)
	v.SetDefault("scheduler.task_timeout", "60s")
	v.SetDefault("scheduler.poll_interval", "50ms")
	v.SetDefault("scheduler.history_limit", 64)

	v.SetDefault("consensus.max_extra_rounds", 1)

	v.SetDefault("registry.heartbeat_interval", "5s")
	v.SetDefault("registry.heartbeat_miss_window", "30s")

	v.SetDefault("events.buffer", 256)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.path", "")

	v.SetDefault("engine.stall_window", "2m")
	v.SetDefault("engine.debug_log_path", "")

	v.SetDefault("tui.refresh_rate", "100ms")
}

// getUserConfigDir returns the XDG config directory for Maestro.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "maestro")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "maestro")
	}
	return filepath.Join(home, ".config", "maestro")
}

// findProjectConfig searches for .maestro.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".maestro.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Saga: SagaConfig{
			RetryInitialInterval: time.Second,
			RetryMaxInterval:     30 * time.Second,
			MatchRetryInterval:   500 * time.Millisecond,
			DefaultStepTimeout:   60 * time.Second,
			HistoryLimit:         64,
		},
		Scheduler: SchedulerConfig{
			MaxTaskAttempts: 3,
			TaskTimeout:     60 * time.Second,
			PollInterval:    50 * time.Millisecond,
			HistoryLimit:    64,
		},
		Consensus: ConsensusConfig{
			MaxExtraRounds: 1,
		},
		Registry: RegistryConfig{
			HeartbeatInterval:   5 * time.Second,
			HeartbeatMissWindow: 30 * time.Second,
		},
		Events: EventsConfig{
			Buffer: 256,
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		Engine: EngineConfig{
			StallWindow: 2 * time.Minute,
		},
		TUI: TUIConfig{
			RefreshRate: 100 * time.Millisecond,
		},
	}
}

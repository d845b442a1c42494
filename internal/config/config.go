package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete Tandem configuration
type Config struct {
	Provider  ProviderConfig  `mapstructure:"provider"`
	Models    ModelsConfig    `mapstructure:"models"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Paths     PathsConfig     `mapstructure:"paths"`
}

// ProviderConfig points at the model provider endpoint
type ProviderConfig struct {
	// BaseURL is the OpenAI-compatible endpoint, e.g. "http://localhost:8080"
	BaseURL string `mapstructure:"base_url"`
	// APIKeyEnv names the environment variable holding the API key (default: "TANDEM_API_KEY")
	APIKeyEnv string `mapstructure:"api_key_env"`
	// TimeoutSeconds bounds non-streaming calls (default: 300)
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// ModelsConfig controls model routing
type ModelsConfig struct {
	// Default is the model used when no tier or model is requested
	Default string `mapstructure:"default"`
	// Fallback is the unlimited local model switched to on quota exhaustion
	Fallback string `mapstructure:"fallback"`
	// Fast/Balanced/Thorough list the candidate models per tier, best first
	Fast     []string `mapstructure:"fast"`
	Balanced []string `mapstructure:"balanced"`
	Thorough []string `mapstructure:"thorough"`
	// Available restricts routing to these model IDs; empty means trust the table
	Available []string `mapstructure:"available"`
}

// SchedulerConfig controls agent admission and conflict handling
type SchedulerConfig struct {
	// MaxConcurrent is the agent concurrency ceiling (default: 3)
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// ConflictStrategy is one of "serialize", "abort-newer", "merge-results", "isolated"
	ConflictStrategy string `mapstructure:"conflict_strategy"`
	// MaxConflicts aborts the run once this many conflicts accumulate (default: 10)
	MaxConflicts int `mapstructure:"max_conflicts"`
	// RetentionMinutes keeps finished agents queryable this long (default: 5)
	RetentionMinutes int `mapstructure:"retention_minutes"`
	// RingCapacity bounds the in-memory event history (default: 100)
	RingCapacity int `mapstructure:"ring_capacity"`
}

// AgentConfig controls the per-agent turn loop
type AgentConfig struct {
	// MaxTurns bounds the stream/execute iterations per task (default: 25)
	MaxTurns int `mapstructure:"max_turns"`
	// WallClockMinutes bounds one task's total run time (default: 10)
	WallClockMinutes int `mapstructure:"wall_clock_minutes"`
	// MaxTokens caps completion length per call, 0 = provider default
	MaxTokens int `mapstructure:"max_tokens"`
	// Temperature is the sampling temperature
	Temperature float64 `mapstructure:"temperature"`
	// SystemPrompt is prepended to every agent conversation
	SystemPrompt string `mapstructure:"system_prompt"`
	// BashTimeoutSeconds bounds one shell command (default: 120)
	BashTimeoutSeconds int `mapstructure:"bash_timeout_seconds"`
	// Presets is the path to the agent preset file, empty disables presets
	Presets string `mapstructure:"presets"`
}

// WatcherConfig controls external change detection
type WatcherConfig struct {
	// Enabled turns the filesystem watcher on (default: true)
	Enabled bool `mapstructure:"enabled"`
	// DebounceMs is the event coalescing window (default: 50)
	DebounceMs int `mapstructure:"debounce_ms"`
	// Ignore lists directory and file names the watcher skips
	Ignore []string `mapstructure:"ignore"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
}

// PathsConfig controls where Tandem stores data
type PathsConfig struct {
	// SessionDir is where logs and run artifacts go.
	// If empty, defaults to ".tandem" relative to the workspace root.
	// Supports ~ for home directory expansion.
	SessionDir string `mapstructure:"session_dir"`
}

// ResolveSessionDir returns the resolved session directory path.
func (p *PathsConfig) ResolveSessionDir(baseDir string) string {
	if p.SessionDir == "" {
		return filepath.Join(baseDir, ".tandem")
	}

	path := p.SessionDir
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
	}
	if len(path) > 1 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	return path
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			BaseURL:        "http://localhost:8080",
			APIKeyEnv:      "TANDEM_API_KEY",
			TimeoutSeconds: 300,
		},
		Models: ModelsConfig{
			Default:   "claude-sonnet-4",
			Fallback:  "qwen-coder-local",
			Fast:      []string{"claude-3-5-haiku", "claude-3-haiku"},
			Balanced:  []string{"claude-sonnet-4", "claude-3-7-sonnet"},
			Thorough:  []string{"claude-opus-4", "claude-sonnet-4"},
			Available: []string{},
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent:    3,
			ConflictStrategy: "serialize",
			MaxConflicts:     10,
			RetentionMinutes: 5,
			RingCapacity:     100,
		},
		Agent: AgentConfig{
			MaxTurns:           25,
			WallClockMinutes:   10,
			MaxTokens:          0,
			Temperature:        0,
			SystemPrompt:       "",
			BashTimeoutSeconds: 120,
			Presets:            "",
		},
		Watcher: WatcherConfig{
			Enabled:    true,
			DebounceMs: 50,
			Ignore:     []string{".git", ".tandem", "node_modules", ".DS_Store"},
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},
		Paths: PathsConfig{
			SessionDir: "",
		},
	}
}

// Retention returns the result retention window as a time.Duration
func (s *SchedulerConfig) Retention() time.Duration {
	return time.Duration(s.RetentionMinutes) * time.Minute
}

// WallClock returns the per-task run time ceiling as a time.Duration
func (a *AgentConfig) WallClock() time.Duration {
	return time.Duration(a.WallClockMinutes) * time.Minute
}

// BashTimeout returns the shell command timeout as a time.Duration
func (a *AgentConfig) BashTimeout() time.Duration {
	return time.Duration(a.BashTimeoutSeconds) * time.Second
}

// Timeout returns the non-streaming call timeout as a time.Duration
func (p *ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Debounce returns the watcher coalescing window as a time.Duration
func (w *WatcherConfig) Debounce() time.Duration {
	return time.Duration(w.DebounceMs) * time.Millisecond
}

// APIKey reads the provider API key from the configured environment variable
func (p *ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Provider defaults
	viper.SetDefault("provider.base_url", defaults.Provider.BaseURL)
	viper.SetDefault("provider.api_key_env", defaults.Provider.APIKeyEnv)
	viper.SetDefault("provider.timeout_seconds", defaults.Provider.TimeoutSeconds)

	// Model defaults
	viper.SetDefault("models.default", defaults.Models.Default)
	viper.SetDefault("models.fallback", defaults.Models.Fallback)
	viper.SetDefault("models.fast", defaults.Models.Fast)
	viper.SetDefault("models.balanced", defaults.Models.Balanced)
	viper.SetDefault("models.thorough", defaults.Models.Thorough)
	viper.SetDefault("models.available", defaults.Models.Available)

	// Scheduler defaults
	viper.SetDefault("scheduler.max_concurrent", defaults.Scheduler.MaxConcurrent)
	viper.SetDefault("scheduler.conflict_strategy", defaults.Scheduler.ConflictStrategy)
	viper.SetDefault("scheduler.max_conflicts", defaults.Scheduler.MaxConflicts)
	viper.SetDefault("scheduler.retention_minutes", defaults.Scheduler.RetentionMinutes)
	viper.SetDefault("scheduler.ring_capacity", defaults.Scheduler.RingCapacity)

	// Agent defaults
	viper.SetDefault("agent.max_turns", defaults.Agent.MaxTurns)
	viper.SetDefault("agent.wall_clock_minutes", defaults.Agent.WallClockMinutes)
	viper.SetDefault("agent.max_tokens", defaults.Agent.MaxTokens)
	viper.SetDefault("agent.temperature", defaults.Agent.Temperature)
	viper.SetDefault("agent.system_prompt", defaults.Agent.SystemPrompt)
	viper.SetDefault("agent.bash_timeout_seconds", defaults.Agent.BashTimeoutSeconds)
	viper.SetDefault("agent.presets", defaults.Agent.Presets)

	// Watcher defaults
	viper.SetDefault("watcher.enabled", defaults.Watcher.Enabled)
	viper.SetDefault("watcher.debounce_ms", defaults.Watcher.DebounceMs)
	viper.SetDefault("watcher.ignore", defaults.Watcher.Ignore)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)

	// Paths defaults
	viper.SetDefault("paths.session_dir", defaults.Paths.SessionDir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tandem")
	}
	// Fall back to ~/.config/tandem
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tandem"
	}
	return filepath.Join(home, ".config", "tandem")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidConflictStrategies returns the list of valid conflict strategy values
func ValidConflictStrategies() []string {
	return []string{"serialize", "abort-newer", "merge-results", "isolated"}
}

// IsValidConflictStrategy checks if the given strategy is valid
func IsValidConflictStrategy(strategy string) bool {
	for _, valid := range ValidConflictStrategies() {
		if strategy == valid {
			return true
		}
	}
	return false
}

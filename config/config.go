// Package config loads and validates the single runtime configuration object.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ModelConfig describes one entry of the synthesis model chain.
type ModelConfig struct {
	// Provider is "anthropic" or "openai".
	Provider string `yaml:"provider"`

	// Model is the provider-specific model name.
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	// Defaults per provider (ANTHROPIC_API_KEY / OPENAI_API_KEY).
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// BaseURL overrides the provider API endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	// Timeout bounds a single call to this model.
	Timeout Duration `yaml:"timeout,omitempty"`
}

// SynthesisConfig configures the code synthesizer.
type SynthesisConfig struct {
	// Models is the ordered fallback chain.
	Models []ModelConfig `yaml:"models"`

	// MaxAttempts bounds safety-gate retry loops per draft/repair request.
	MaxAttempts int `yaml:"max_attempts"`
}

// ExecutorConfig configures the sandboxed executor.
type ExecutorConfig struct {
	// Budget is the wall-clock cap per invocation.
	Budget Duration `yaml:"budget"`

	// MaxSteps bounds interpreted steps per invocation.
	MaxSteps int `yaml:"max_steps"`

	// MaxVariableBytes caps the total size of script variables.
	MaxVariableBytes int `yaml:"max_variable_bytes"`
}

// SchedulerConfig configures the persistent scheduler.
type SchedulerConfig struct {
	// ImmediateFire runs a scheduled agent once right after activation.
	// Nil means enabled.
	ImmediateFire *bool `yaml:"immediate_fire,omitempty"`

	// MaxConcurrent caps executions running at once across all agents.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// ImmediateFireEnabled reports whether activation triggers a first fire.
func (s SchedulerConfig) ImmediateFireEnabled() bool {
	return s.ImmediateFire == nil || *s.ImmediateFire
}

// RetentionConfig configures background pruning.
type RetentionConfig struct {
	// LogWindow is the age past which agent log entries are pruned.
	LogWindow Duration `yaml:"log_window"`

	// StaleRunning is the age past which a running history row is
	// treated as failed.
	StaleRunning Duration `yaml:"stale_running"`

	// Cron is the cadence of the prune/reaper job.
	Cron string `yaml:"cron"`
}

// Config is the single configuration object for the tonpilot process.
type Config struct {
	// TelegramToken authenticates the chat transport.
	TelegramToken string `yaml:"telegram_token,omitempty"`

	// Addr is the HTTP listen address for the dashboard API.
	Addr string `yaml:"addr"`

	// DBPath is the SQLite database path.
	DBPath string `yaml:"db_path"`

	// BotLink is the public deeplink base for the auth handshake,
	// e.g. "https://t.me/tonpilot_bot".
	BotLink string `yaml:"bot_link,omitempty"`

	// TonAPIURL is the chain-data endpoint for balance reads.
	TonAPIURL string `yaml:"ton_api_url,omitempty"`

	Synthesis SynthesisConfig `yaml:"synthesis"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Retention RetentionConfig `yaml:"retention"`
}

// Default configuration values.
const (
	DefaultAddr             = ":3001"
	DefaultDBPath           = "tonpilot.db"
	DefaultBudget           = 30 * time.Second
	DefaultMaxSteps         = 1000
	DefaultMaxVariableBytes = 1 << 20
	DefaultMaxConcurrent    = 32
	DefaultMaxAttempts      = 3
	DefaultLogWindow        = 7 * 24 * time.Hour
	DefaultStaleRunning     = 30 * time.Minute
	DefaultRetentionCron    = "@every 10m"
	DefaultModelTimeout     = 2 * time.Minute
	DefaultTonAPIURL        = "https://toncenter.com/api/v2"
)

// Load reads the config file at path (optional), applies environment
// overrides, fills defaults, and validates. A missing file is not an error;
// the environment alone can configure the process.
func Load(path string) (*Config, error) {
	// Best effort: a .env file next to the process, if present.
	_ = godotenv.Load()

	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.TelegramToken = v
	}
	if v := os.Getenv("TONPILOT_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("TONPILOT_DB"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("TONPILOT_BOT_LINK"); v != "" {
		c.BotLink = v
	}
	if v := os.Getenv("TON_API_URL"); v != "" {
		c.TonAPIURL = v
	}
	if v := os.Getenv("TONPILOT_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.MaxConcurrent = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	if c.TonAPIURL == "" {
		c.TonAPIURL = DefaultTonAPIURL
	}
	if c.Executor.Budget <= 0 {
		c.Executor.Budget = Duration(DefaultBudget)
	}
	if c.Executor.MaxSteps <= 0 {
		c.Executor.MaxSteps = DefaultMaxSteps
	}
	if c.Executor.MaxVariableBytes <= 0 {
		c.Executor.MaxVariableBytes = DefaultMaxVariableBytes
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		c.Scheduler.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Synthesis.MaxAttempts <= 0 {
		c.Synthesis.MaxAttempts = DefaultMaxAttempts
	}
	if len(c.Synthesis.Models) == 0 {
		c.Synthesis.Models = []ModelConfig{
			{Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
			{Provider: "openai", Model: "gpt-4o"},
		}
	}
	for i := range c.Synthesis.Models {
		m := &c.Synthesis.Models[i]
		if m.Timeout <= 0 {
			m.Timeout = Duration(DefaultModelTimeout)
		}
		if m.APIKeyEnv == "" {
			switch m.Provider {
			case "anthropic":
				m.APIKeyEnv = "ANTHROPIC_API_KEY"
			case "openai":
				m.APIKeyEnv = "OPENAI_API_KEY"
			}
		}
	}
	if c.Retention.LogWindow <= 0 {
		c.Retention.LogWindow = Duration(DefaultLogWindow)
	}
	if c.Retention.StaleRunning <= 0 {
		c.Retention.StaleRunning = Duration(DefaultStaleRunning)
	}
	if c.Retention.Cron == "" {
		c.Retention.Cron = DefaultRetentionCron
	}
}

// Validate checks the configuration for fatal problems.
func (c *Config) Validate() error {
	for i, m := range c.Synthesis.Models {
		switch m.Provider {
		case "anthropic", "openai":
		default:
			return fmt.Errorf("synthesis.models[%d]: unknown provider %q", i, m.Provider)
		}
		if m.Model == "" {
			return fmt.Errorf("synthesis.models[%d]: model is required", i)
		}
	}
	if c.Retention.StaleRunning.Std() < 30*time.Minute {
		return fmt.Errorf("retention.stale_running must be at least 30m, got %s", c.Retention.StaleRunning)
	}
	if c.Executor.Budget.Std() < time.Second {
		return fmt.Errorf("executor.budget must be at least 1s, got %s", c.Executor.Budget)
	}
	return nil
}

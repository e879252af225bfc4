// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the application-level configuration, loaded from the YAML config
// file plus VIGIL_* environment overrides. Profiles are separate; see
// profile.go.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Gemini  GeminiConfig  `mapstructure:"gemini" yaml:"gemini"`
	Monitor MonitorConfig `mapstructure:"monitor" yaml:"monitor"`
	Task    TaskConfig    `mapstructure:"task" yaml:"task"`
	Action  ActionConfig  `mapstructure:"action" yaml:"action"`
}

// LoggerConfig controls the zap logger and its rotating file sink.
type LoggerConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source"`
	LogFile    string `mapstructure:"log_file" yaml:"log_file"`
	MaxSizeMB  int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// GeminiConfig configures the vision/NLU backend client.
type GeminiConfig struct {
	APIKey            string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint"`
	DefaultModel      string        `mapstructure:"default_model" yaml:"default_model"`
	APITimeout        time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	MaxRetries        uint64        `mapstructure:"max_retries" yaml:"max_retries"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// MonitorConfig tunes the tick loop and the blocking-call guard rails.
type MonitorConfig struct {
	DefaultInterval     time.Duration `mapstructure:"default_interval" yaml:"default_interval"`
	BlockingTimeout     time.Duration `mapstructure:"blocking_timeout" yaml:"blocking_timeout"`
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout" yaml:"confirmation_timeout"`
}

// TaskConfig bounds NLU task execution.
type TaskConfig struct {
	DefaultMaxSteps int `mapstructure:"default_max_steps" yaml:"default_max_steps"`
	MaxPlanDepth    int `mapstructure:"max_plan_depth" yaml:"max_plan_depth"`
}

// ActionConfig selects the action backend.
type ActionConfig struct {
	DryRun bool `mapstructure:"dry_run" yaml:"dry_run"`
}

// SetDefaults seeds viper with every default the application relies on.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.log_file", "vigil.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)

	// -- Gemini --
	v.SetDefault("gemini.endpoint", "https://generativelanguage.googleapis.com/v1beta/models")
	v.SetDefault("gemini.default_model", "gemini-2.5-flash")
	v.SetDefault("gemini.api_timeout", "60s")
	v.SetDefault("gemini.max_retries", 3)
	v.SetDefault("gemini.requests_per_minute", 30.0)

	// -- Monitor --
	v.SetDefault("monitor.default_interval", "1s")
	v.SetDefault("monitor.blocking_timeout", "90s")
	v.SetDefault("monitor.confirmation_timeout", "60s")

	// -- Task --
	v.SetDefault("task.default_max_steps", 10)
	v.SetDefault("task.max_plan_depth", 5)

	// -- Action --
	v.SetDefault("action.dry_run", true)
}

// NewDefaultConfig returns a Config populated with the defaults alone.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper decodes and validates the merged configuration.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	v.BindEnv("gemini.api_key", "VIGIL_GEMINI_API_KEY", "GEMINI_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for sane values. Failures here abort
// startup.
func (c *Config) Validate() error {
	if c.Monitor.DefaultInterval <= 0 {
		return fmt.Errorf("monitor.default_interval must be a positive duration")
	}
	if c.Monitor.BlockingTimeout <= 0 {
		return fmt.Errorf("monitor.blocking_timeout must be a positive duration")
	}
	if c.Monitor.ConfirmationTimeout <= 0 {
		return fmt.Errorf("monitor.confirmation_timeout must be a positive duration")
	}
	if c.Task.DefaultMaxSteps <= 0 {
		return fmt.Errorf("task.default_max_steps must be a positive integer")
	}
	if c.Task.MaxPlanDepth <= 0 {
		return fmt.Errorf("task.max_plan_depth must be a positive integer")
	}
	if c.Gemini.APITimeout <= 0 {
		return fmt.Errorf("gemini.api_timeout must be a positive duration")
	}
	if c.Gemini.RequestsPerMinute <= 0 {
		return fmt.Errorf("gemini.requests_per_minute must be positive")
	}
	return nil
}

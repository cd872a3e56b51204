// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Planner PlannerConfig `mapstructure:"planner" yaml:"planner"`
	Engine  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	Session SessionConfig `mapstructure:"session" yaml:"session"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig holds settings for the headless browser pool.
type BrowserConfig struct {
	Headless        bool     `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool     `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args            []string `mapstructure:"args" yaml:"args"`
	// PoolSize is the hard ceiling on simultaneously live browser contexts.
	PoolSize int `mapstructure:"pool_size" yaml:"pool_size"`
	// ActionTimeout bounds the wait of a single browser action (element
	// appearance, navigation settle) before it fails.
	ActionTimeout time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	// PostNavigateWait lets asynchronous page work settle after navigation.
	PostNavigateWait time.Duration `mapstructure:"post_navigate_wait" yaml:"post_navigate_wait"`
	// MaxObservedElements bounds the interactive-element snapshot handed to
	// the planner.
	MaxObservedElements int `mapstructure:"max_observed_elements" yaml:"max_observed_elements"`
}

// LLMProvider identifies a reasoning-service backend.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
)

// PlannerConfig configures the reasoning-service client.
type PlannerConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	// RequestsPerSecond rate-limits calls against the external API.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	// HistoryWindow caps how many trailing steps are serialized into the
	// planning prompt.
	HistoryWindow int `mapstructure:"history_window" yaml:"history_window"`
}

// EngineConfig configures the per-task execution loop budgets.
type EngineConfig struct {
	// MaxSteps is the step budget: executed actions beyond it force timed_out.
	MaxSteps int `mapstructure:"max_steps" yaml:"max_steps"`
	// MaxDuration is the wall-clock budget per task.
	MaxDuration time.Duration `mapstructure:"max_duration" yaml:"max_duration"`
	// PlanAttempts bounds consecutive planning-error retries.
	PlanAttempts int `mapstructure:"plan_attempts" yaml:"plan_attempts"`
	// PlanBackoff is the initial backoff between planning retries.
	PlanBackoff time.Duration `mapstructure:"plan_backoff" yaml:"plan_backoff"`
	// MaxActionFailures bounds consecutive failed actions before the task
	// fails instead of replanning against a stuck page.
	MaxActionFailures int `mapstructure:"max_action_failures" yaml:"max_action_failures"`
	// CloseTimeout bounds browser teardown on terminal transitions.
	CloseTimeout time.Duration `mapstructure:"close_timeout" yaml:"close_timeout"`
	// ResultTTL is how long a terminal task stays queryable before the
	// engine drops it from its task table.
	ResultTTL time.Duration `mapstructure:"result_ttl" yaml:"result_ttl"`
}

// SessionConfig configures the conversation session registry.
type SessionConfig struct {
	// IdleTTL evicts sessions with no activity and no running tasks.
	IdleTTL time.Duration `mapstructure:"idle_ttl" yaml:"idle_ttl"`
	// SweepInterval is how often the eviction janitor runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	// HistoryLimit caps messages retained per session (oldest dropped).
	HistoryLimit int `mapstructure:"history_limit" yaml:"history_limit"`
}

// ServerConfig configures the HTTP transport shim.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// ChatWait bounds how long the synchronous /api/chat handler waits for a
	// task to reach a terminal state before answering with its progress.
	ChatWait time.Duration `mapstructure:"chat_wait" yaml:"chat_wait"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "taskpilot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.pool_size", 4)
	v.SetDefault("browser.action_timeout", "20s")
	v.SetDefault("browser.post_navigate_wait", "1s")
	v.SetDefault("browser.max_observed_elements", 40)

	// -- Planner --
	v.SetDefault("planner.provider", "gemini")
	v.SetDefault("planner.model", "gemini-2.5-flash")
	v.SetDefault("planner.api_timeout", "30s")
	v.SetDefault("planner.temperature", 0.2)
	v.SetDefault("planner.max_tokens", 2048)
	v.SetDefault("planner.requests_per_second", 2.0)
	v.SetDefault("planner.history_window", 20)

	// -- Engine --
	v.SetDefault("engine.max_steps", 25)
	v.SetDefault("engine.max_duration", "5m")
	v.SetDefault("engine.plan_attempts", 3)
	v.SetDefault("engine.plan_backoff", "2s")
	v.SetDefault("engine.max_action_failures", 3)
	v.SetDefault("engine.close_timeout", "10s")
	v.SetDefault("engine.result_ttl", "1h")

	// -- Session --
	v.SetDefault("session.idle_ttl", "30m")
	v.SetDefault("session.sweep_interval", "1m")
	v.SetDefault("session.history_limit", 200)

	// -- Server --
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.chat_wait", "6m")
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults only.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for sensitive data.
	v.BindEnv("planner.api_key", "TASKPILOT_PLANNER_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Browser.PoolSize <= 0 {
		return fmt.Errorf("browser.pool_size must be a positive integer")
	}
	if c.Browser.ActionTimeout <= 0 {
		return fmt.Errorf("browser.action_timeout must be a positive duration")
	}
	if c.Engine.MaxSteps <= 0 {
		return fmt.Errorf("engine.max_steps must be a positive integer")
	}
	if c.Engine.MaxDuration <= 0 {
		return fmt.Errorf("engine.max_duration must be a positive duration")
	}
	if c.Engine.PlanAttempts <= 0 {
		return fmt.Errorf("engine.plan_attempts must be a positive integer")
	}
	if c.Engine.MaxActionFailures <= 0 {
		return fmt.Errorf("engine.max_action_failures must be a positive integer")
	}
	if c.Engine.ResultTTL <= 0 {
		return fmt.Errorf("engine.result_ttl must be a positive duration")
	}
	if c.Session.IdleTTL <= 0 {
		return fmt.Errorf("session.idle_ttl must be a positive duration")
	}
	switch c.Planner.Provider {
	case ProviderGemini:
	default:
		return fmt.Errorf("unknown planner provider %q", c.Planner.Provider)
	}
	return nil
}

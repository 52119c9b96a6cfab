// Package config loads server configuration from defaults, an optional
// config.yaml, and LEGION_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every configuration section.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Data      DataConfig      `mapstructure:"data"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	NATS      NATSConfig      `mapstructure:"nats"`
	SDK       SDKConfig       `mapstructure:"sdk"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Legion    LegionConfig    `mapstructure:"legion"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig holds the HTTP/WebSocket listener configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

// DataConfig holds the persistent store location.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig holds event bus configuration. An empty URL selects the
// in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SDKConfig holds agent subprocess configuration.
type SDKConfig struct {
	// Command is the executable launched for every session's SDK subprocess.
	Command string `mapstructure:"command"`
	// Args are prepended to the per-session arguments.
	Args []string `mapstructure:"args"`
	// DefaultModel is used when a session carries no model selector.
	DefaultModel string `mapstructure:"defaultModel"`
	// LaunchTimeout bounds the wait for the SDK init message, in seconds.
	LaunchTimeout int `mapstructure:"launchTimeout"`
}

// QueueConfig holds per-session outbound queue limits.
type QueueConfig struct {
	MaxPending int `mapstructure:"maxPending"`
}

// SchedulerConfig holds cron scheduler configuration.
type SchedulerConfig struct {
	TickInterval int `mapstructure:"tickInterval"` // seconds
	MaxRetries   int `mapstructure:"maxRetries"`
	// Backfill fires a missed window once at startup instead of skipping it.
	Backfill bool `mapstructure:"backfill"`
}

// LegionConfig holds multi-agent orchestration limits.
type LegionConfig struct {
	MinionCap        int `mapstructure:"minionCap"`        // concurrent minions per legion
	AutoStartTimeout int `mapstructure:"autoStartTimeout"` // seconds to wait for a comm recipient
	DeliveryPoll     int `mapstructure:"deliveryPoll"`     // milliseconds between recipient polls
}

// MCPConfig holds the embedded MCP tool server configuration.
type MCPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	// BaseURL is advertised to SDK subprocesses; empty auto-derives from the
	// server listener.
	BaseURL string `mapstructure:"baseUrl"`
}

// TracingConfig holds OpenTelemetry configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Service  string `mapstructure:"service"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// LaunchTimeoutDuration returns the SDK launch timeout as a time.Duration.
func (s *SDKConfig) LaunchTimeoutDuration() time.Duration {
	return time.Duration(s.LaunchTimeout) * time.Second
}

// TickDuration returns the scheduler tick as a time.Duration.
func (s *SchedulerConfig) TickDuration() time.Duration {
	return time.Duration(s.TickInterval) * time.Second
}

// AutoStartTimeoutDuration returns the recipient auto-start wait bound.
func (l *LegionConfig) AutoStartTimeoutDuration() time.Duration {
	return time.Duration(l.AutoStartTimeout) * time.Second
}

// DeliveryPollDuration returns the recipient poll interval.
func (l *LegionConfig) DeliveryPollDuration() time.Duration {
	return time.Duration(l.DeliveryPoll) * time.Millisecond
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("LEGION_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8420)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("data.dir", "data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Empty URL means in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "legiond")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("sdk.command", "claude")
	v.SetDefault("sdk.args", []string{})
	v.SetDefault("sdk.defaultModel", "")
	v.SetDefault("sdk.launchTimeout", 60)

	v.SetDefault("queue.maxPending", 100)

	v.SetDefault("scheduler.tickInterval", 30)
	v.SetDefault("scheduler.maxRetries", 3)
	v.SetDefault("scheduler.backfill", false)

	v.SetDefault("legion.minionCap", 20)
	v.SetDefault("legion.autoStartTimeout", 30)
	v.SetDefault("legion.deliveryPoll", 500)

	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.path", "/mcp")
	v.SetDefault("mcp.baseUrl", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service", "legiond")
}

// Load reads configuration from defaults, config.yaml, and LEGION_ env vars.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration, searching configPath first when given,
// then the working directory and /etc/legion/.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LEGION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv cannot map camelCase keys to SNAKE_CASE variables, so the
	// multi-word keys get explicit bindings.
	_ = v.BindEnv("data.dir", "LEGION_DATA_DIR")
	_ = v.BindEnv("sdk.defaultModel", "LEGION_SDK_DEFAULT_MODEL")
	_ = v.BindEnv("sdk.launchTimeout", "LEGION_SDK_LAUNCH_TIMEOUT")
	_ = v.BindEnv("queue.maxPending", "LEGION_QUEUE_MAX_PENDING")
	_ = v.BindEnv("scheduler.tickInterval", "LEGION_SCHEDULER_TICK_INTERVAL")
	_ = v.BindEnv("scheduler.maxRetries", "LEGION_SCHEDULER_MAX_RETRIES")
	_ = v.BindEnv("legion.minionCap", "LEGION_LEGION_MINION_CAP")
	_ = v.BindEnv("mcp.baseUrl", "LEGION_MCP_BASE_URL")
	_ = v.BindEnv("logging.outputPath", "LEGION_LOGGING_OUTPUT_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/legion/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Data.Dir == "" {
		errs = append(errs, "data.dir must not be empty")
	}
	if cfg.SDK.Command == "" {
		errs = append(errs, "sdk.command must not be empty")
	}
	if cfg.Queue.MaxPending <= 0 {
		errs = append(errs, "queue.maxPending must be positive")
	}
	if cfg.Scheduler.TickInterval <= 0 {
		errs = append(errs, "scheduler.tickInterval must be positive")
	}
	if cfg.Scheduler.MaxRetries < 0 {
		errs = append(errs, "scheduler.maxRetries must not be negative")
	}
	if cfg.Legion.MinionCap <= 0 {
		errs = append(errs, "legion.minionCap must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

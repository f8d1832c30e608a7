// Package config provides configuration management for MindMux.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for MindMux.
type Config struct {
	DataDir     string            `mapstructure:"dataDir"`
	Multiplexer MultiplexerConfig `mapstructure:"multiplexer"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// MultiplexerConfig holds terminal multiplexer settings.
type MultiplexerConfig struct {
	// Binary is the multiplexer executable looked up on PATH.
	Binary string `mapstructure:"binary"`
	// SessionPrefix namespaces the sessions owned by this system.
	// Session names follow <prefix>-<agentId>.
	SessionPrefix string `mapstructure:"sessionPrefix"`
	// KillSessionsOnShutdown terminates hosted sessions at process exit.
	// Off by default: sessions surviving the process is the point of
	// hosting CLIs inside the multiplexer.
	KillSessionsOnShutdown bool `mapstructure:"killSessionsOnShutdown"`
}

// SchedulerConfig holds task queue scheduler settings.
type SchedulerConfig struct {
	DefaultPriority   int    `mapstructure:"defaultPriority"`
	DefaultMaxRetries int    `mapstructure:"defaultMaxRetries"`
	DefaultTimeout    int    `mapstructure:"defaultTimeout"` // in seconds
	BalanceStrategy   string `mapstructure:"balanceStrategy"` // round-robin, least-loaded
}

// MonitorConfig holds output stability monitor settings.
type MonitorConfig struct {
	PollInterval  int `mapstructure:"pollInterval"`  // in milliseconds
	IdleThreshold int `mapstructure:"idleThreshold"` // in milliseconds
	Timeout       int `mapstructure:"timeout"`       // in seconds
	CaptureLines  int `mapstructure:"captureLines"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DefaultTimeoutDuration returns the default task timeout as a time.Duration.
func (s *SchedulerConfig) DefaultTimeoutDuration() time.Duration {
	return time.Duration(s.DefaultTimeout) * time.Second
}

// PollIntervalDuration returns the poll interval as a time.Duration.
func (m *MonitorConfig) PollIntervalDuration() time.Duration {
	return time.Duration(m.PollInterval) * time.Millisecond
}

// IdleThresholdDuration returns the idle threshold as a time.Duration.
func (m *MonitorConfig) IdleThresholdDuration() time.Duration {
	return time.Duration(m.IdleThreshold) * time.Millisecond
}

// TimeoutDuration returns the monitor timeout as a time.Duration.
func (m *MonitorConfig) TimeoutDuration() time.Duration {
	return time.Duration(m.Timeout) * time.Second
}

// StatePath returns the path of the durable store under the data directory.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state.db")
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("MINDMUX_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mindmux"
	}
	return filepath.Join(home, ".mindmux")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("dataDir", defaultDataDir())

	// Multiplexer defaults
	v.SetDefault("multiplexer.binary", "tmux")
	v.SetDefault("multiplexer.sessionPrefix", "mindmux")
	v.SetDefault("multiplexer.killSessionsOnShutdown", false)

	// Scheduler defaults
	v.SetDefault("scheduler.defaultPriority", 50)
	v.SetDefault("scheduler.defaultMaxRetries", 3)
	v.SetDefault("scheduler.defaultTimeout", 300) // 5 minutes
	v.SetDefault("scheduler.balanceStrategy", "round-robin")

	// Monitor defaults
	v.SetDefault("monitor.pollInterval", 500)
	v.SetDefault("monitor.idleThreshold", 2000)
	v.SetDefault("monitor.timeout", 300)
	v.SetDefault("monitor.captureLines", 200)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "mindmux")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MINDMUX_ with snake_case naming.
// Config file should be named config.yaml and placed in the data directory,
// the current directory, or /etc/mindmux/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("MINDMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from the config key.
	_ = v.BindEnv("dataDir", "MINDMUX_DATA_DIR")
	_ = v.BindEnv("multiplexer.sessionPrefix", "MINDMUX_SESSION_PREFIX")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(defaultDataDir())
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/mindmux/")

	// Read config file (ignore if not found)
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

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.DataDir == "" {
		errs = append(errs, "dataDir must be set")
	}
	if cfg.Multiplexer.Binary == "" {
		errs = append(errs, "multiplexer.binary must be set")
	}
	if cfg.Multiplexer.SessionPrefix == "" {
		errs = append(errs, "multiplexer.sessionPrefix must be set")
	}
	if cfg.Scheduler.DefaultPriority < 0 || cfg.Scheduler.DefaultPriority > 100 {
		errs = append(errs, "scheduler.defaultPriority must be between 0 and 100")
	}
	if cfg.Scheduler.DefaultMaxRetries < 0 {
		errs = append(errs, "scheduler.defaultMaxRetries must not be negative")
	}
	if cfg.Scheduler.DefaultTimeout <= 0 {
		errs = append(errs, "scheduler.defaultTimeout must be positive")
	}
	switch cfg.Scheduler.BalanceStrategy {
	case "round-robin", "least-loaded":
	default:
		errs = append(errs, "scheduler.balanceStrategy must be round-robin or least-loaded")
	}
	if cfg.Monitor.PollInterval <= 0 {
		errs = append(errs, "monitor.pollInterval must be positive")
	}
	if cfg.Monitor.IdleThreshold <= 0 {
		errs = append(errs, "monitor.idleThreshold must be positive")
	}
	if cfg.Monitor.Timeout <= 0 {
		errs = append(errs, "monitor.timeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

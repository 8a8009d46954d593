// ABOUTME: Configuration loading and parsing for pulse-gateway and pulse-worker.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Default broker channel and queue names, matching the wire contract with
// external publishers.
const (
	DefaultBroadcastChannel = "websocket_broadcast"
	DefaultTaskQueue        = "task_queue_processing"
	DefaultAnnounceTopic    = "general_updates"
)

// Config represents the complete pulse-gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Channels ChannelsConfig `yaml:"channels"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// ServerConfig holds the gateway HTTP listen address.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// RedisConfig holds broker connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ChannelsConfig names the pub/sub channel and work queue on the broker.
type ChannelsConfig struct {
	Broadcast string `yaml:"broadcast"`
	TaskQueue string `yaml:"task_queue"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// WorkerConfig holds worker processing settings.
type WorkerConfig struct {
	ProcessDelay  time.Duration `yaml:"-"`
	AnnounceTopic string        `yaml:"announce_topic"`

	// Raw string value for YAML unmarshaling
	ProcessDelayRaw string `yaml:"process_delay"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded and
// duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in channel names and worker settings left empty.
func (c *Config) applyDefaults() {
	if c.Channels.Broadcast == "" {
		c.Channels.Broadcast = DefaultBroadcastChannel
	}
	if c.Channels.TaskQueue == "" {
		c.Channels.TaskQueue = DefaultTaskQueue
	}
	if c.Worker.AnnounceTopic == "" {
		c.Worker.AnnounceTopic = DefaultAnnounceTopic
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
}

// Validate checks that all required configuration fields are present.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	if cfg.Worker.ProcessDelayRaw != "" {
		var err error
		cfg.Worker.ProcessDelay, err = time.ParseDuration(cfg.Worker.ProcessDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing process_delay %q: %w", cfg.Worker.ProcessDelayRaw, err)
		}
	}
	return nil
}

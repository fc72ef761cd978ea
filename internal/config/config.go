// Package config provides YAML-based configuration loading for Teamyard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level server configuration, loaded from teamyard.yaml.
type Config struct {
	Server        ServerConfig              `yaml:"server"`
	Database      DatabaseConfig            `yaml:"database"`
	Orchestration OrchestrationConfig       `yaml:"orchestration"`
	Providers     map[string]ProviderConfig `yaml:"providers"`
	History       HistoryConfig             `yaml:"history"`
	Notify        NotifyConfig              `yaml:"notify"`
	Logging       LoggingConfig             `yaml:"logging"`
}

// ServerConfig holds the HTTP control surface settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// DatabaseConfig selects the store backend. Path is used by the sqlite
// drivers; the network fields by mysql and postgres.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// OrchestrationConfig tunes the per-session scheduler and turn runner.
type OrchestrationConfig struct {
	PollInterval        time.Duration `yaml:"poll_interval"`
	NudgeInterval       time.Duration `yaml:"nudge_interval"`
	SessionTimeout      time.Duration `yaml:"session_timeout"`
	MaxTurnIterations   int           `yaml:"max_turn_iterations"`
	MaxHistoryMessages  int           `yaml:"max_history_messages"`
	KeepHistoryMessages int           `yaml:"keep_history_messages"`
	MaxConcurrentTurns  int           `yaml:"max_concurrent_turns"`
	EventBuffer         int           `yaml:"event_buffer"`
	ReapSchedule        string        `yaml:"reap_schedule"`
	RetainStopped       time.Duration `yaml:"retain_stopped"`
	PurgeAfter          time.Duration `yaml:"purge_after"`
}

// ProviderConfig holds credentials and limits for one model provider.
type ProviderConfig struct {
	APIKey            string  `yaml:"api_key"`
	BaseURL           string  `yaml:"base_url"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	MaxTokens         int     `yaml:"max_tokens"`
}

// HistoryConfig controls the best-effort activity recorder.
type HistoryConfig struct {
	Enabled  bool        `yaml:"enabled"`
	Buffer   int         `yaml:"buffer"`
	Database bool        `yaml:"database"`
	Redis    RedisConfig `yaml:"redis"`
}

// RedisConfig points the recorder at a redis stream. Empty Addr disables it.
type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	Stream       string `yaml:"stream"`
	StreamMaxLen int64  `yaml:"stream_max_len"`
}

// NotifyConfig configures chat relays for session lifecycle events.
type NotifyConfig struct {
	Slack   ChannelConfig `yaml:"slack"`
	Discord ChannelConfig `yaml:"discord"`
	Events  []string      `yaml:"events"`
}

// ChannelConfig is a bot token and destination channel.
type ChannelConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Enabled reports whether both token and channel are set.
func (c ChannelConfig) Enabled() bool {
	return c.BotToken != "" && c.ChannelID != ""
}

// LoggingConfig selects zap's level and encoder.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// apiKeyEnv maps providers to the environment variable consulted when the
// config file leaves api_key empty.
var apiKeyEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"kimi":      "KIMI_API_KEY",
}

var defaultBaseURLs = map[string]string{
	"kimi":   "https://api.moonshot.cn/anthropic",
	"ollama": "http://localhost:11434/v1",
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/teamyard.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		switch c.Database.Driver {
		case "postgres":
			c.Database.Port = 5432
		default:
			c.Database.Port = 3306
		}
	}
	if c.Database.Name == "" {
		c.Database.Name = "teamyard"
	}

	o := &c.Orchestration
	if o.PollInterval == 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.NudgeInterval == 0 {
		o.NudgeInterval = 30 * time.Second
	}
	if o.SessionTimeout == 0 {
		o.SessionTimeout = 10 * time.Minute
	}
	if o.MaxTurnIterations == 0 {
		o.MaxTurnIterations = 10
	}
	if o.MaxHistoryMessages == 0 {
		o.MaxHistoryMessages = 40
	}
	if o.KeepHistoryMessages == 0 {
		o.KeepHistoryMessages = 20
	}
	if o.EventBuffer == 0 {
		o.EventBuffer = 256
	}
	if o.ReapSchedule == "" {
		o.ReapSchedule = "*/5 * * * *"
	}
	if o.RetainStopped == 0 {
		o.RetainStopped = time.Hour
	}

	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for _, name := range []string{"anthropic", "openai", "kimi", "ollama"} {
		p := c.Providers[name]
		if p.APIKey == "" {
			if env, ok := apiKeyEnv[name]; ok {
				p.APIKey = os.Getenv(env)
			}
		}
		if p.BaseURL == "" {
			p.BaseURL = defaultBaseURLs[name]
		}
		if p.MaxTokens == 0 {
			p.MaxTokens = 4096
		}
		c.Providers[name] = p
	}

	if c.History.Buffer == 0 {
		c.History.Buffer = 1024
	}
	if c.History.Redis.Stream == "" {
		c.History.Redis.Stream = "teamyard:history"
	}
	if c.History.Redis.StreamMaxLen == 0 {
		c.History.Redis.StreamMaxLen = 10000
	}

	if len(c.Notify.Events) == 0 {
		c.Notify.Events = []string{"session_idle", "session_stopped", "agent_failed"}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "sqlite-pure", "mysql", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not one of sqlite, sqlite-pure, mysql, postgres", c.Database.Driver))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}

	o := c.Orchestration
	if o.PollInterval < 0 || o.NudgeInterval < 0 || o.SessionTimeout < 0 {
		errs = append(errs, "orchestration intervals must be positive")
	}
	if o.SessionTimeout <= o.NudgeInterval {
		errs = append(errs, "orchestration.session_timeout must exceed nudge_interval")
	}
	if o.MaxTurnIterations < 1 {
		errs = append(errs, "orchestration.max_turn_iterations must be at least 1")
	}
	if o.KeepHistoryMessages >= o.MaxHistoryMessages {
		errs = append(errs, "orchestration.keep_history_messages must be below max_history_messages")
	}
	if o.MaxConcurrentTurns < 0 {
		errs = append(errs, "orchestration.max_concurrent_turns must not be negative")
	}

	for name, p := range c.Providers {
		if p.RequestsPerSecond < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.requests_per_second must not be negative", name))
		}
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q is not json or console", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

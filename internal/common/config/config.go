// Package config provides configuration management for the agent runtime.
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

// Config holds all configuration sections for the runtime.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	AgentStore AgentStoreConfig `mapstructure:"agentStore"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Events    EventsConfig    `mapstructure:"events"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Task      TaskConfig      `mapstructure:"task"`
	Voice     VoiceConfig     `mapstructure:"voice"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP/connection admission configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	// RoutePrefix is the URL prefix agents are addressed under: /<prefix>/<class>/<name>.
	RoutePrefix string `mapstructure:"routePrefix"`
}

// DatabaseConfig holds the optional directory/control-plane store configuration.
// This is distinct from AgentStoreConfig: it only backs the registry of known
// instances, never an agent's own reserved tables.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // "postgres" or "" (directory store disabled)
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// AgentStoreConfig controls how each agent instance's private embedded store is laid out.
type AgentStoreConfig struct {
	// BaseDir is the directory under which one SQLite file per (class, name) is kept.
	BaseDir string `mapstructure:"baseDir"`
	// BusyTimeoutMS is the sqlite busy_timeout pragma applied to every instance store.
	BusyTimeoutMS int `mapstructure:"busyTimeoutMs"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus instead, which is sufficient for a single process.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration, used both as the
// durable step executor's transport subject prefix and as the hibernation
// liveness-signal namespace.
type EventsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// SchedulerConfig controls the scheduler's wakeup arming behavior.
type SchedulerConfig struct {
	// WakeupSlack bounds how early a wakeup timer may fire relative to the
	// earliest-row target time, to absorb OS timer jitter.
	WakeupSlackMS int `mapstructure:"wakeupSlackMs"`
	// MinResolution is the coarsest granularity schedule firings are allowed
	// to drift by before being considered late.
	MinResolutionMS int `mapstructure:"minResolutionMs"`
}

// ChatConfig controls chat subsystem streaming/resume behavior.
type ChatConfig struct {
	// ResumeGraceSeconds is how long a disconnected connection's buffered
	// stream chunks are retained for replay on reconnect.
	ResumeGraceSeconds int `mapstructure:"resumeGraceSeconds"`
	// FlushIntervalMS is how often an in-progress streamed assistant row is
	// flushed to the message log.
	FlushIntervalMS int `mapstructure:"flushIntervalMs"`
}

// TaskConfig controls task system defaults.
type TaskConfig struct {
	DefaultTimeoutMS   int `mapstructure:"defaultTimeoutMs"`
	OrphanSweepSeconds int `mapstructure:"orphanSweepSeconds"`
	TerminalTTLSeconds int `mapstructure:"terminalTtlSeconds"`
}

// VoiceConfig controls the voice pipeline's buffering behavior.
type VoiceConfig struct {
	AudioBufferSeconds    int `mapstructure:"audioBufferSeconds"`
	SentenceMinLength     int `mapstructure:"sentenceMinLength"`
	SentenceChannelBuffer int `mapstructure:"sentenceChannelBuffer"`
}

// AuthConfig holds authentication configuration for HTTP admission.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

func (s *SchedulerConfig) WakeupSlack() time.Duration {
	return time.Duration(s.WakeupSlackMS) * time.Millisecond
}

func (c *ChatConfig) ResumeGrace() time.Duration {
	return time.Duration(c.ResumeGraceSeconds) * time.Second
}

func (c *ChatConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMS) * time.Millisecond
}

func (t *TaskConfig) DefaultTimeout() time.Duration {
	return time.Duration(t.DefaultTimeoutMS) * time.Millisecond
}

func (v *VoiceConfig) AudioBuffer() time.Duration {
	return time.Duration(v.AudioBufferSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTRT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.routePrefix", "agents")

	v.SetDefault("database.driver", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentrt")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agentrt")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("agentStore.baseDir", defaultAgentStoreDir())
	v.SetDefault("agentStore.busyTimeoutMs", 5000)

	// empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "agentrt-cluster")
	v.SetDefault("nats.clientId", "agentrt-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("scheduler.wakeupSlackMs", 250)
	v.SetDefault("scheduler.minResolutionMs", 1000)

	v.SetDefault("chat.resumeGraceSeconds", 120)
	v.SetDefault("chat.flushIntervalMs", 500)

	v.SetDefault("task.defaultTimeoutMs", 60000)
	v.SetDefault("task.orphanSweepSeconds", 30)
	v.SetDefault("task.terminalTtlSeconds", 0) // 0 disables sweeping terminal tasks

	v.SetDefault("voice.audioBufferSeconds", 30)
	v.SetDefault("voice.sentenceMinLength", 12)
	v.SetDefault("voice.sentenceChannelBuffer", 8)

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 3600)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultAgentStoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./.agentrt/instances"
	}
	return filepath.Join(home, ".agentrt", "instances")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTRT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agentrt/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTRT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "AGENTRT_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "AGENTRT_EVENTS_NAMESPACE")
	_ = v.BindEnv("agentStore.baseDir", "AGENTRT_AGENT_STORE_BASE_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentrt/")

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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.RoutePrefix == "" {
		errs = append(errs, "server.routePrefix must not be empty")
	}

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	if cfg.AgentStore.BaseDir == "" {
		errs = append(errs, "agentStore.baseDir must not be empty")
	}

	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Task.DefaultTimeoutMS <= 0 {
		errs = append(errs, "task.defaultTimeoutMs must be positive")
	}
	if cfg.Voice.AudioBufferSeconds <= 0 {
		errs = append(errs, "voice.audioBufferSeconds must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string for the directory store.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}

// Package config provides configuration management for Workhorse.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Workhorse.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Script    ScriptConfig    `mapstructure:"script"`
	Terminal  TerminalConfig  `mapstructure:"terminal"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds record store configuration.
// Driver "sqlite" (default) uses Path; driver "postgres" uses DSN.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// WorkspaceConfig holds workspace lifecycle configuration.
type WorkspaceConfig struct {
	// ReservedDir is the directory name under the repository root where
	// workspaces and Workhorse metadata live.
	ReservedDir string `mapstructure:"reservedDir"`
	// DefaultBranch is the base branch used when a repository has no
	// source branch configured.
	DefaultBranch string `mapstructure:"defaultBranch"`
	// InitGraceSeconds is how long an Initializing workspace may exist
	// before reconciliation treats it as orphaned.
	InitGraceSeconds int `mapstructure:"initGraceSeconds"`
}

// ScriptConfig holds script execution engine configuration.
type ScriptConfig struct {
	// BufferMaxBytes caps captured output per stream.
	BufferMaxBytes int64 `mapstructure:"bufferMaxBytes"`
	// CleanupKeepCount is the default number of terminal executions retained.
	CleanupKeepCount int `mapstructure:"cleanupKeepCount"`
	// StopGraceSeconds is the SIGTERM-to-SIGKILL escalation window.
	StopGraceSeconds int `mapstructure:"stopGraceSeconds"`
}

// TerminalConfig holds terminal session manager configuration.
type TerminalConfig struct {
	MaxSessions    int   `mapstructure:"maxSessions"`
	MaxHistory     int   `mapstructure:"maxHistory"`
	BufferMaxBytes int64 `mapstructure:"bufferMaxBytes"`
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

// InitGrace returns the initialization grace period as a time.Duration.
func (w *WorkspaceConfig) InitGrace() time.Duration {
	return time.Duration(w.InitGraceSeconds) * time.Second
}

// StopGrace returns the termination escalation window as a time.Duration.
func (s *ScriptConfig) StopGrace() time.Duration {
	return time.Duration(s.StopGraceSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("WORKHORSE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./workhorse.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "workhorse")
	v.SetDefault("nats.maxReconnects", 10)

	// Workspace defaults
	v.SetDefault("workspace.reservedDir", ".workhorse")
	v.SetDefault("workspace.defaultBranch", "main")
	v.SetDefault("workspace.initGraceSeconds", 300)

	// Script engine defaults
	v.SetDefault("script.bufferMaxBytes", 2*1024*1024)
	v.SetDefault("script.cleanupKeepCount", 50)
	v.SetDefault("script.stopGraceSeconds", 2)

	// Terminal defaults
	v.SetDefault("terminal.maxSessions", 10)
	v.SetDefault("terminal.maxHistory", 1000)
	v.SetDefault("terminal.bufferMaxBytes", 2*1024*1024)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix WORKHORSE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/workhorse/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("WORKHORSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("database.driver", "WORKHORSE_DB_DRIVER")
	_ = v.BindEnv("database.path", "WORKHORSE_DB_PATH")
	_ = v.BindEnv("database.dsn", "WORKHORSE_DB_DSN")
	_ = v.BindEnv("workspace.reservedDir", "WORKHORSE_WORKSPACE_RESERVED_DIR")
	_ = v.BindEnv("workspace.defaultBranch", "WORKHORSE_WORKSPACE_DEFAULT_BRANCH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/workhorse/")

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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported database.driver: %s", cfg.Database.Driver))
	}

	if cfg.Workspace.ReservedDir == "" || strings.ContainsAny(cfg.Workspace.ReservedDir, "/\\") {
		errs = append(errs, "workspace.reservedDir must be a bare directory name")
	}
	if cfg.Workspace.InitGraceSeconds <= 0 {
		errs = append(errs, "workspace.initGraceSeconds must be positive")
	}

	if cfg.Script.BufferMaxBytes <= 0 {
		errs = append(errs, "script.bufferMaxBytes must be positive")
	}
	if cfg.Script.CleanupKeepCount < 0 {
		errs = append(errs, "script.cleanupKeepCount must not be negative")
	}

	if cfg.Terminal.MaxSessions <= 0 {
		errs = append(errs, "terminal.maxSessions must be positive")
	}
	if cfg.Terminal.MaxHistory <= 0 {
		errs = append(errs, "terminal.maxHistory must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

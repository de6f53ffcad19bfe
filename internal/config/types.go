package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the daemon configuration. It loads from a JSON or YAML file with
// unknown keys rejected, then individual fields may be overridden through
// TASKHIVE_* environment variables.
type Config struct {
	Logging LoggingConfig `json:"logging" envPrefix:"LOG_"`
	Bus     BusConfig     `json:"bus" envPrefix:"BUS_"`
	Pool    PoolConfig    `json:"pool" envPrefix:"POOL_"`
	Retry   RetryConfig   `json:"retry_defaults" envPrefix:"RETRY_"`
	Storage StorageConfig `json:"storage" envPrefix:"STORAGE_"`
	HTTP    HTTPConfig    `json:"http" envPrefix:"HTTP_"`
	Paths   PathsConfig   `json:"paths"`
}

type LoggingConfig struct {
	Level   string      `json:"level" env:"LEVEL"`
	Console bool        `json:"console" env:"CONSOLE"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled" env:"FILE_ENABLED"`
	Path    string `json:"path" env:"FILE_PATH"`
}

// BusConfig controls the redis event transport. Backoff fields are Go
// duration strings (e.g. "500ms", "10s").
type BusConfig struct {
	Enabled        bool   `json:"enabled" env:"ENABLED"`
	Addr           string `json:"addr" env:"ADDR"`
	Password       string `json:"password,omitempty" env:"PASSWORD"`
	DB             int    `json:"db,omitempty" env:"DB"`
	ClientName     string `json:"client_name,omitempty"`
	InitialBackoff string `json:"initial_backoff,omitempty"`
	MaxBackoff     string `json:"max_backoff,omitempty"`
}

type PoolConfig struct {
	Workers int `json:"workers" env:"WORKERS"`
}

// RetryConfig is the daemon-wide retry default applied when a task declares
// none of its own. Interval fields are Go duration strings.
type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts" env:"MAX_ATTEMPTS"`
	Strategy    string  `json:"strategy"`
	Interval    string  `json:"interval"`
	MaxInterval string  `json:"max_interval,omitempty"`
	Multiplier  float64 `json:"multiplier,omitempty"`
}

// StorageConfig selects the run-history backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./taskhive.db" }
type StorageConfig struct {
	Driver       string `json:"driver" env:"DRIVER"`
	Path         string `json:"path" env:"PATH"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	HistoryLimit int    `json:"history_limit,omitempty"`
}

type HTTPConfig struct {
	Enabled      bool   `json:"enabled" env:"ENABLED"`
	Addr         string `json:"addr" env:"ADDR"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type PathsConfig struct {
	TasksDir   string `json:"tasks_dir" env:"TASKS_DIR"`
	ModulesDir string `json:"modules_dir" env:"MODULES_DIR"`
}

// Defaults returns the configuration used when a field is omitted.
func Defaults() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Bus:     BusConfig{Addr: "127.0.0.1:6379", ClientName: "taskhive", InitialBackoff: "1s", MaxBackoff: "1m"},
		Pool:    PoolConfig{Workers: 10},
		Retry:   RetryConfig{MaxAttempts: 1, Strategy: "fixed", Interval: "0s"},
		Storage: StorageConfig{Driver: "file", Path: "./taskhive_history", HistoryLimit: 200},
		HTTP:    HTTPConfig{Enabled: false, Addr: "127.0.0.1:8420"},
		Paths:   PathsConfig{TasksDir: "./tasks", ModulesDir: "./modules"},
	}
}

var validLevels = map[string]bool{
	"": true, "trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Validate rejects configs the daemon cannot run with. Called before a
// watched reload is committed, so a bad edit never tears down a live setup.
func (c *Config) Validate() error {
	if !validLevels[strings.ToLower(strings.TrimSpace(c.Logging.Level))] {
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Pool.Workers < 0 {
		return fmt.Errorf("pool.workers must be >= 0")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry_defaults.max_attempts must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(c.Retry.Strategy)) {
	case "", "fixed", "exponential":
	default:
		return fmt.Errorf("retry_defaults.strategy: unknown strategy %q", c.Retry.Strategy)
	}
	for path, raw := range map[string]string{
		"bus.initial_backoff":        c.Bus.InitialBackoff,
		"bus.max_backoff":            c.Bus.MaxBackoff,
		"retry_defaults.interval":    c.Retry.Interval,
		"retry_defaults.max_interval": c.Retry.MaxInterval,
		"storage.busy_timeout":       c.Storage.BusyTimeout,
		"http.read_timeout":          c.HTTP.ReadTimeout,
		"http.write_timeout":         c.HTTP.WriteTimeout,
		"http.idle_timeout":          c.HTTP.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.HTTP.Enabled && strings.TrimSpace(c.HTTP.Addr) == "" {
		return fmt.Errorf("http.addr is required when http.enabled")
	}
	if strings.TrimSpace(c.Paths.TasksDir) == "" {
		return fmt.Errorf("paths.tasks_dir is required")
	}
	return nil
}

// BusBackoff resolves the configured backoff window, with defaults applied.
func (c *Config) BusBackoff() (initial, max time.Duration) {
	initial, _ = ParseDurationOrDefault("bus.initial_backoff", c.Bus.InitialBackoff, time.Second)
	max, _ = ParseDurationOrDefault("bus.max_backoff", c.Bus.MaxBackoff, time.Minute)
	return initial, max
}

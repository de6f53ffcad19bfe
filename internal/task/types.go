// Package task owns the task registry, the per-task status state machine,
// scheduling and event subscriptions, and the execution/retry pipeline.
package task

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"

	"taskhive/internal/retry"
)

// Task statuses.
const (
	StatusStopped   = "stopped"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusListening = "listening"
	StatusError     = "error"
	StatusNotFound  = "not_found"
)

// ErrNotFound is returned by operations naming an unknown task.
var ErrNotFound = errors.New("task not found")

// ConfigError marks a bad task definition: invalid name, unusable trigger,
// malformed config. Never retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return e.Reason }

func configErrorf(format string, args ...any) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// Files making up a task directory.
const (
	ConfigFile = "config.yaml"
	EntryFile  = "main.yaml"
)

// InputSpec declares one input a task accepts from event payloads or manual
// runs.
type InputSpec struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type,omitempty" json:"type,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// RetrySpec is the per-task retry block. Zero fields fall through to the
// daemon-wide defaults.
type RetrySpec struct {
	MaxAttempts               int     `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	BackoffStrategy           string  `yaml:"backoff_strategy,omitempty" json:"backoff_strategy,omitempty"`
	BackoffIntervalSeconds    float64 `yaml:"backoff_interval_seconds,omitempty" json:"backoff_interval_seconds,omitempty"`
	BackoffMaxIntervalSeconds float64 `yaml:"backoff_max_interval_seconds,omitempty" json:"backoff_max_interval_seconds,omitempty"`
	BackoffMultiplier         float64 `yaml:"backoff_multiplier,omitempty" json:"backoff_multiplier,omitempty"`
}

func (r *RetrySpec) policy() retry.Policy {
	if r == nil {
		return retry.Policy{}
	}
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		Strategy:    retry.Strategy(r.BackoffStrategy),
		Interval:    secondsToDuration(r.BackoffIntervalSeconds),
		MaxInterval: secondsToDuration(r.BackoffMaxIntervalSeconds),
		Multiplier:  r.BackoffMultiplier,
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Config is a task's config.yaml. Trigger stays loosely typed because the
// resolver accepts several legacy shapes.
type Config struct {
	Name         string         `yaml:"name" json:"name"`
	ModuleType   string         `yaml:"module_type,omitempty" json:"module_type,omitempty"`
	Enabled      bool           `yaml:"enabled" json:"enabled"`
	Debug        bool           `yaml:"debug,omitempty" json:"debug,omitempty"`
	PersistState bool           `yaml:"persist_state,omitempty" json:"persist_state,omitempty"`
	Trigger      map[string]any `yaml:"trigger,omitempty" json:"trigger,omitempty"`
	Retry        *RetrySpec     `yaml:"retry,omitempty" json:"retry,omitempty"`
	Inputs       []InputSpec    `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// clone returns a deep copy so event deliveries never observe config mutation
// mid-save.
func (c Config) clone() Config {
	out := c
	out.Trigger = deepCopyMap(c.Trigger)
	if c.Retry != nil {
		r := *c.Retry
		out.Retry = &r
	}
	if c.Inputs != nil {
		out.Inputs = make([]InputSpec, len(c.Inputs))
		copy(out.Inputs, c.Inputs)
	}
	return out
}

func loadConfig(dir string) (Config, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}
	return cfg, nil
}

func saveConfig(dir string, cfg Config) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ConfigFile), b, 0o644)
}

// Definition is one registry entry; owned by the orchestrator.
type Definition struct {
	Name   string
	Dir    string
	Config Config
	Status string
}

// Info is the read-only view handed to callers outside the orchestrator.
type Info struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Config Config `json:"config"`
}

// effectivePolicy merges per-field: task retry block, then daemon defaults,
// then the hardcoded fallback of a single attempt with no delay.
func effectivePolicy(spec *RetrySpec, defaults retry.Policy) retry.Policy {
	p := retry.Policy{MaxAttempts: 1, Strategy: retry.StrategyFixed}
	for _, src := range []retry.Policy{defaults, spec.policy()} {
		if src.MaxAttempts > 0 {
			p.MaxAttempts = src.MaxAttempts
		}
		if src.Strategy != "" {
			p.Strategy = src.Strategy
		}
		if src.Interval > 0 {
			p.Interval = src.Interval
		}
		if src.MaxInterval > 0 {
			p.MaxInterval = src.MaxInterval
		}
		if src.Multiplier > 1 {
			p.Multiplier = src.Multiplier
		}
	}
	return p.Normalize()
}

// deepCopyMap copies nested maps and slices so retried attempts never observe
// mutations a previous attempt made to the inputs.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return deepCopyMap(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

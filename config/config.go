// Package config loads process-level runtime configuration from YAML,
// mirroring the defaults baked into the dispatch and scheduler packages so
// an operator can override them without a rebuild.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level runtime configuration document.
type Config struct {
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Model      ModelConfig      `yaml:"model"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
}

// DispatchConfig controls the ingress dispatcher's worker pool and
// admission limiter.
type DispatchConfig struct {
	Workers         int     `yaml:"workers"`
	QueueDepth      int     `yaml:"queue_depth"`
	SubmitRateLimit float64 `yaml:"submit_rate_limit"` // requests/sec, 0 means unlimited
	SubmitBurst     int     `yaml:"submit_burst"`
}

// SchedulerConfig controls tool-call batch execution.
type SchedulerConfig struct {
	ParallelLimit int `yaml:"parallel_limit"`
}

// ModelConfig holds the language model settings for the agent loop's Decide
// phase. cmd/demo reads Model, SystemPrompt and MaxSteps; Provider and
// Timeout are not read by any code in this module.
type ModelConfig struct {
	Provider     string        `yaml:"provider"` // "anthropic" or "openai"
	Model        string        `yaml:"model"`
	SystemPrompt string        `yaml:"system_prompt"`
	MaxSteps     int           `yaml:"max_steps"`
	Timeout      time.Duration `yaml:"timeout"`
}

// PostgresConfig holds the DSN for the durable run/event/checkpoint
// backends. No code in this module reads it; cmd/demo always uses the
// in-memory stores.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig holds the address for the cross-process event bus. No code in
// this module reads it; cmd/demo always uses the in-process bus.
type RedisConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a Config with the same defaults the dispatch and
// scheduler packages apply when left zero-valued.
func Default() Config {
	return Config{
		Dispatch: DispatchConfig{Workers: 8, QueueDepth: 1024},
		Scheduler: SchedulerConfig{ParallelLimit: 8},
		Model:    ModelConfig{Provider: "anthropic", MaxSteps: 50, Timeout: 2 * time.Minute},
	}
}

// Load reads and parses a YAML config file at path, applying Default()
// values for any field the file leaves zero.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Dispatch.Workers <= 0 {
		cfg.Dispatch.Workers = 8
	}
	if cfg.Dispatch.QueueDepth <= 0 {
		cfg.Dispatch.QueueDepth = 1024
	}
	if cfg.Scheduler.ParallelLimit <= 0 {
		cfg.Scheduler.ParallelLimit = 8
	}
	if cfg.Model.MaxSteps <= 0 {
		cfg.Model.MaxSteps = 50
	}
	return cfg, nil
}

package model

import (
	"fmt"
	"time"
)

// Engine defaults, applied wherever a config field is left at its zero
// value.
const (
	DefaultMaxConcurrentTasks = 5
	DefaultTimeoutMs          = 300000
	DefaultMaxRetries         = 3
	DefaultPollIntervalMs     = 1000
)

type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
}

type EngineConfig struct {
	MaxConcurrentTasks int  `yaml:"max_concurrent_tasks"`
	DefaultTimeoutMs   int  `yaml:"default_timeout_ms"`
	DefaultMaxRetries  int  `yaml:"default_max_retries"`
	PollIntervalMs     int  `yaml:"poll_interval_ms"`
	EnableAutoRetry    bool `yaml:"enable_auto_retry"`
	EnableMetrics      bool `yaml:"enable_metrics"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func DefaultConfig() Config {
	return Config{
		Engine:  DefaultEngineConfig(),
		Logging: LoggingConfig{Level: "info"},
	}
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConcurrentTasks: DefaultMaxConcurrentTasks,
		DefaultTimeoutMs:   DefaultTimeoutMs,
		DefaultMaxRetries:  DefaultMaxRetries,
		PollIntervalMs:     DefaultPollIntervalMs,
		EnableAutoRetry:    true,
	}
}

// Normalized returns a copy with zero-valued numeric fields replaced by
// defaults. Negative values are left in place for Validate to reject.
func (c EngineConfig) Normalized() EngineConfig {
	d := DefaultEngineConfig()
	if c.MaxConcurrentTasks == 0 {
		c.MaxConcurrentTasks = d.MaxConcurrentTasks
	}
	if c.DefaultTimeoutMs == 0 {
		c.DefaultTimeoutMs = d.DefaultTimeoutMs
	}
	if c.DefaultMaxRetries == 0 {
		c.DefaultMaxRetries = d.DefaultMaxRetries
	}
	if c.PollIntervalMs == 0 {
		c.PollIntervalMs = d.PollIntervalMs
	}
	return c
}

func (c EngineConfig) Validate() error {
	if c.MaxConcurrentTasks < 0 {
		return fmt.Errorf("max_concurrent_tasks must not be negative: %d", c.MaxConcurrentTasks)
	}
	if c.DefaultTimeoutMs < 0 {
		return fmt.Errorf("default_timeout_ms must not be negative: %d", c.DefaultTimeoutMs)
	}
	if c.DefaultMaxRetries < 0 {
		return fmt.Errorf("default_max_retries must not be negative: %d", c.DefaultMaxRetries)
	}
	if c.PollIntervalMs < 0 {
		return fmt.Errorf("poll_interval_ms must not be negative: %d", c.PollIntervalMs)
	}
	return nil
}

func (c EngineConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMs) * time.Millisecond
}

func (c EngineConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

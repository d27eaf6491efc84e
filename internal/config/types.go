// Package config loads routerd's configuration from a YAML or JSON file,
// decoded strictly (unknown fields are rejected), and supports hot reload
// via Manager.Watch.
package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// RateLimit, when present, bounds how many task dispatches routerd may
	// start per trailing window.
	RateLimit *RateLimitConfig `json:"rate_limit,omitempty"`

	// Agents to register on the load balancer at startup.
	Agents []AgentConfig `json:"agents,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console *bool         `json:"console,omitempty"` // nil means enabled
	File    FileLogConfig `json:"file,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// SchedulerConfig controls the recurring-task scheduler.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type SchedulerConfig struct {
	HistorySize int `json:"history_size,omitempty"`

	// StatsInterval is the interval of the built-in stats snapshot task.
	// Empty disables it.
	StatsInterval string `json:"stats_interval,omitempty"`
}

type RateLimitConfig struct {
	MaxOps int    `json:"max_ops"`
	Window string `json:"window"`
}

type AgentConfig struct {
	ID            string `json:"id"`
	MaxConcurrent int    `json:"max_concurrent"`
}

// Validate checks cross-field constraints the strict decoder can't express.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for i, a := range c.Agents {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return fmt.Errorf("agents[%d]: id required", i)
		}
		if seen[id] {
			return fmt.Errorf("agents[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
		if a.MaxConcurrent <= 0 {
			return fmt.Errorf("agents[%d] (%s): max_concurrent must be > 0", i, id)
		}
	}

	if c.RateLimit != nil {
		if c.RateLimit.MaxOps <= 0 {
			return fmt.Errorf("rate_limit.max_ops must be > 0")
		}
		if _, err := ParseDurationField("rate_limit.window", c.RateLimit.Window); err != nil {
			return err
		}
	}

	if _, err := ParseDurationField("scheduler.stats_interval", c.Scheduler.StatsInterval); err != nil {
		return err
	}
	return nil
}

// StatsInterval returns the parsed built-in stats task interval
// (def when unset).
func (c *Config) StatsIntervalOrDefault(def time.Duration) (time.Duration, error) {
	return ParseDurationOrDefault("scheduler.stats_interval", c.Scheduler.StatsInterval, def)
}

// ConsoleEnabled treats an omitted logging.console as true.
func (c *Config) ConsoleEnabled() bool {
	return c.Logging.Console == nil || *c.Logging.Console
}

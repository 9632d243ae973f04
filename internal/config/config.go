package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models corehub.yml.
type Config struct {
	Agent struct {
		PollIntervalSec    int     `yaml:"poll_interval_sec"`
		MaxTaskSeconds     int     `yaml:"max_task_seconds"`
		BudgetHourlyUSD    float64 `yaml:"budget_hourly_usd"`
		MaxConcurrentTasks int     `yaml:"max_concurrent_tasks"`
	} `yaml:"agent"`
	Breaker struct {
		FailureThreshold int `yaml:"failure_threshold"`
		CooldownBaseSec  int `yaml:"cooldown_base_sec"`
		CooldownMaxSec   int `yaml:"cooldown_max_sec"`
	} `yaml:"breaker"`
	Dispatch struct {
		MaxTaskRetries int `yaml:"max_task_retries"`
	} `yaml:"dispatch"`
	Scheduler struct {
		ReportHour        int `yaml:"report_hour"`
		HealthIntervalMin int `yaml:"health_interval_min"`
	} `yaml:"scheduler"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Agent.PollIntervalSec = 300
	cfg.Agent.MaxTaskSeconds = 120
	cfg.Agent.BudgetHourlyUSD = 0.50
	cfg.Agent.MaxConcurrentTasks = 1
	cfg.Breaker.FailureThreshold = 3
	cfg.Breaker.CooldownBaseSec = 60
	cfg.Breaker.CooldownMaxSec = 900
	cfg.Dispatch.MaxTaskRetries = 5
	cfg.Scheduler.ReportHour = 9
	cfg.Scheduler.HealthIntervalMin = 5
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Agent.PollIntervalSec <= 0 {
		return fmt.Errorf("config.agent.poll_interval_sec must be positive")
	}
	if c.Agent.MaxTaskSeconds <= 0 {
		return fmt.Errorf("config.agent.max_task_seconds must be positive")
	}
	if c.Agent.BudgetHourlyUSD < 0 {
		return fmt.Errorf("config.agent.budget_hourly_usd must be non-negative")
	}
	if c.Agent.MaxConcurrentTasks != 1 {
		return fmt.Errorf("config.agent.max_concurrent_tasks must be 1; one agent identity works one task at a time")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("config.breaker.failure_threshold must be positive")
	}
	if c.Breaker.CooldownBaseSec <= 0 {
		return fmt.Errorf("config.breaker.cooldown_base_sec must be positive")
	}
	if c.Breaker.CooldownMaxSec < c.Breaker.CooldownBaseSec {
		return fmt.Errorf("config.breaker.cooldown_max_sec must be >= cooldown_base_sec")
	}
	if c.Dispatch.MaxTaskRetries < 0 {
		return fmt.Errorf("config.dispatch.max_task_retries must be non-negative")
	}
	if c.Scheduler.ReportHour < 0 || c.Scheduler.ReportHour > 23 {
		return fmt.Errorf("config.scheduler.report_hour must be 0..23")
	}
	if c.Scheduler.HealthIntervalMin <= 0 {
		return fmt.Errorf("config.scheduler.health_interval_min must be positive")
	}
	return nil
}

// Budget helpers used by the agent loop.

func (c *Config) MaxTaskDuration() time.Duration {
	return time.Duration(c.Agent.MaxTaskSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Agent.PollIntervalSec) * time.Second
}

func (c *Config) BreakerCooldownBase() time.Duration {
	return time.Duration(c.Breaker.CooldownBaseSec) * time.Second
}

func (c *Config) BreakerCooldownMax() time.Duration {
	return time.Duration(c.Breaker.CooldownMaxSec) * time.Second
}

func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Scheduler.HealthIntervalMin) * time.Minute
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "corehub.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file is absent.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Omitted fields
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

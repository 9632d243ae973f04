package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"corehub/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if got := cfg.MaxTaskDuration(); got != 120*time.Second {
		t.Fatalf("max task duration %s, want 120s", got)
	}
	if got := cfg.BreakerCooldownBase(); got != time.Minute {
		t.Fatalf("breaker cooldown base %s, want 1m", got)
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
agent:
  max_task_seconds: 45
scheduler:
  report_hour: 7
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Agent.MaxTaskSeconds != 45 {
		t.Fatalf("max_task_seconds %d, want 45", cfg.Agent.MaxTaskSeconds)
	}
	if cfg.Scheduler.ReportHour != 7 {
		t.Fatalf("report_hour %d, want 7", cfg.Scheduler.ReportHour)
	}
	// Untouched fields keep their defaults.
	if cfg.Agent.PollIntervalSec != 300 || cfg.Dispatch.MaxTaskRetries != 5 {
		t.Fatalf("defaults not preserved: %+v", cfg)
	}
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "agent: ["},
		{"zero poll", "agent:\n  poll_interval_sec: 0"},
		{"negative budget", "agent:\n  budget_hourly_usd: -1"},
		{"concurrency", "agent:\n  max_concurrent_tasks: 4"},
		{"report hour", "scheduler:\n  report_hour: 25"},
		{"cooldown order", "breaker:\n  cooldown_base_sec: 600\n  cooldown_max_sec: 60"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := config.FromYAML([]byte(tc.yaml)); err == nil {
				t.Fatalf("expected error for %q", tc.yaml)
			}
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Breaker.FailureThreshold != 3 {
		t.Fatalf("failure_threshold %d, want 3", cfg.Breaker.FailureThreshold)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	workspace := t.TempDir()
	path := filepath.Join(workspace, "corehub.yml")
	if err := os.WriteFile(path, []byte("dispatch:\n  max_task_retries: 2\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dispatch.MaxTaskRetries != 2 {
		t.Fatalf("max_task_retries %d, want 2", cfg.Dispatch.MaxTaskRetries)
	}
}

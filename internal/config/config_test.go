package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Scheduler.CheckInterval != 10*time.Second {
		t.Errorf("CheckInterval = %v, want 10s", cfg.Scheduler.CheckInterval)
	}
	if cfg.Scheduler.PriorityCheckInterval != 3*time.Second {
		t.Errorf("PriorityCheckInterval = %v, want 3s", cfg.Scheduler.PriorityCheckInterval)
	}
	if cfg.Scheduler.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", cfg.Scheduler.HeartbeatInterval)
	}
	if cfg.Scheduler.MaxConcurrentTasks != 5 {
		t.Errorf("MaxConcurrentTasks = %d, want 5", cfg.Scheduler.MaxConcurrentTasks)
	}
	if cfg.Scheduler.TaskTimeout != time.Hour {
		t.Errorf("TaskTimeout = %v, want 1h", cfg.Scheduler.TaskTimeout)
	}
	if cfg.TaskLogger.BatchSize != 10 || cfg.TaskLogger.FlushInterval != 5*time.Second {
		t.Errorf("TaskLogger = %+v, want batch 10 / 5s", cfg.TaskLogger)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want memory", cfg.Store.Driver)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlDoc := `
scheduler:
  checkInterval: 20s
  maxConcurrentTasks: 8
storage:
  primary: leveldb
  fallback: json
platforms:
  jsonfeed:
    base_url: http://feeds.local
schedules:
  - name: hourly-golang
    cron: "@hourly"
    task:
      name: golang
      platform: jsonfeed
      taskType: search
      keywords: [golang]
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("INGESTD_MAX_CONCURRENT_TASKS", "2")
	t.Setenv("INGESTD_TASK_TIMEOUT", "600")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Scheduler.CheckInterval != 20*time.Second {
		t.Errorf("CheckInterval = %v, want 20s", cfg.Scheduler.CheckInterval)
	}
	if cfg.Scheduler.MaxConcurrentTasks != 2 {
		t.Errorf("MaxConcurrentTasks = %d, want env override 2", cfg.Scheduler.MaxConcurrentTasks)
	}
	if cfg.Scheduler.TaskTimeout != 10*time.Minute {
		t.Errorf("TaskTimeout = %v, want 10m", cfg.Scheduler.TaskTimeout)
	}
	if cfg.Storage.Primary != "leveldb" || cfg.Storage.Fallback != "json" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if got := cfg.Platforms["jsonfeed"]["base_url"]; got != "http://feeds.local" {
		t.Errorf("platform credentials = %q", got)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].Task.Keywords[0] != "golang" {
		t.Errorf("Schedules = %+v", cfg.Schedules)
	}
}

func TestLoadPostgresRequiresURL(t *testing.T) {
	t.Setenv("INGESTD_STORE_DRIVER", "postgres")
	t.Setenv("INGESTD_POSTGRES_URL", "")

	if _, err := Load(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Fatal("expected error when INGESTD_POSTGRES_URL is missing")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "zero concurrency", mutate: func(c *Config) { c.Scheduler.MaxConcurrentTasks = 0 }},
		{name: "negative interval", mutate: func(c *Config) { c.Scheduler.CheckInterval = -time.Second }},
		{name: "short timeout", mutate: func(c *Config) { c.Scheduler.TaskTimeout = 30 * time.Second }},
		{name: "unknown events driver", mutate: func(c *Config) { c.Events.Driver = "kafka" }},
		{name: "nats without url", mutate: func(c *Config) { c.Events.Driver = "nats"; c.Events.URL = "" }},
		{name: "schedule without cron", mutate: func(c *Config) { c.Schedules = []ScheduleConfig{{Name: "x"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(values map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Outbox.PollInterval() != 10*time.Second {
		t.Fatalf("unexpected poll interval: %v", cfg.Outbox.PollInterval())
	}
	if cfg.Outbox.StartupDelay() != 10*time.Second || cfg.Outbox.StuckAfter() != 5*time.Minute {
		t.Fatalf("unexpected delays: %+v", cfg.Outbox)
	}
	if cfg.Outbox.RetentionDays != 30 || cfg.Outbox.BatchLimit != 50 || cfg.Outbox.MaxAttempts != 5 {
		t.Fatalf("unexpected outbox defaults: %+v", cfg.Outbox)
	}
	if cfg.API.Timeout() != 30*time.Second {
		t.Fatalf("unexpected api timeout: %v", cfg.API.Timeout())
	}
	if cfg.Database.Driver != DriverMemory || cfg.HTTP.Addr != "localhost:5000" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	content := `
outbox:
  poll_interval_seconds: 5
  batch_limit: 20
api:
  base_url: https://api.example.com/v1/
database:
  driver: mysql
  dsn: user:pass@tcp(localhost:3306)/pdv?parseTime=true
log:
  format: console
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("OUTBOX_BATCH_LIMIT", "75")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DB_MIGRATE", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Outbox.PollIntervalSeconds != 5 {
		t.Fatalf("expected file poll interval, got %d", cfg.Outbox.PollIntervalSeconds)
	}
	if cfg.Outbox.BatchLimit != 75 {
		t.Fatalf("expected env to override batch limit, got %d", cfg.Outbox.BatchLimit)
	}
	if cfg.Outbox.RetentionDays != 30 {
		t.Fatalf("expected default retention, got %d", cfg.Outbox.RetentionDays)
	}
	if cfg.Database.Driver != DriverMySQL || cfg.Database.Migrate {
		t.Fatalf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "console" {
		t.Fatalf("unexpected log config: %+v", cfg.Log)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte("outbox:\n  poll_seconds: 5\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown key error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestApplyEnvInvalidNumber(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{"OUTBOX_RETENTION_DAYS": "thirty"}))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if !strings.Contains(err.Error(), "OUTBOX_RETENTION_DAYS") {
		t.Fatalf("expected key in error, got %v", err)
	}

	err = cfg.applyEnv(envMap(map[string]string{"DB_MIGRATE": "maybe"}))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.API.BaseURL = "http://localhost:8080"
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cases := map[string]func(*Config){
		"missing base url":  func(c *Config) { c.API.BaseURL = "" },
		"relative base url": func(c *Config) { c.API.BaseURL = "api/v1" },
		"zero batch":        func(c *Config) { c.Outbox.BatchLimit = 0 },
		"zero retention":    func(c *Config) { c.Outbox.RetentionDays = 0 },
		"negative delay":    func(c *Config) { c.Outbox.StartupDelaySeconds = -1 },
		"unknown driver":    func(c *Config) { c.Database.Driver = "sqlite" },
		"missing dsn":       func(c *Config) { c.Database.Driver = DriverPostgres },
		"missing addr":      func(c *Config) { c.HTTP.Addr = "" },
	}
	for name, mutate := range cases {
		cfg := valid
		mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}

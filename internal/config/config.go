// Package config loads the edge agent configuration from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the full agent configuration.
type Config struct {
	Outbox   Outbox   `yaml:"outbox"`
	API      API      `yaml:"api"`
	Database Database `yaml:"database"`
	HTTP     HTTP     `yaml:"http"`
	Log      Log      `yaml:"log"`
}

// Outbox configures the queue and dispatcher.
type Outbox struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	RetentionDays       int `yaml:"retention_days"`
	BatchLimit          int `yaml:"batch_limit"`
	MaxAttempts         int `yaml:"max_attempts"`
	StartupDelaySeconds int `yaml:"startup_delay_seconds"`
	StuckAfterSeconds   int `yaml:"stuck_after_seconds"`
	PurgeEveryTicks     int `yaml:"purge_every_ticks"`
	// FastFailClientErrors moves messages rejected with a 4xx (except 408/429) straight to Error.
	FastFailClientErrors bool `yaml:"fast_fail_client_errors"`
}

// PollInterval returns the dispatcher tick interval.
func (o Outbox) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalSeconds) * time.Second
}

// StartupDelay returns the wait before the first tick.
func (o Outbox) StartupDelay() time.Duration {
	return time.Duration(o.StartupDelaySeconds) * time.Second
}

// StuckAfter returns the Processing age after which a message is recovered.
func (o Outbox) StuckAfter() time.Duration {
	return time.Duration(o.StuckAfterSeconds) * time.Second
}

// API configures the remote cloud API.
type API struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	// Token is the installation token; when set it is stored as the tenant binding on startup.
	Token string `yaml:"token"`
}

// Timeout returns the per-request timeout.
func (a API) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// Database selects and configures the message store.
type Database struct {
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
	Table   string `yaml:"table"`
}

// HTTP configures the operator API listener.
type HTTP struct {
	Addr string `yaml:"addr"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Outbox: Outbox{
			PollIntervalSeconds: 10,
			RetentionDays:       30,
			BatchLimit:          50,
			MaxAttempts:         5,
			StartupDelaySeconds: 10,
			StuckAfterSeconds:   300,
			PurgeEveryTicks:     100,
		},
		API: API{
			TimeoutSeconds: 30,
		},
		Database: Database{
			Driver:  DriverMemory,
			Migrate: true,
		},
		HTTP: HTTP{
			Addr: "localhost:5000",
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path (skipped when empty), applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"OUTBOX_POLL_INTERVAL_SECONDS", &c.Outbox.PollIntervalSeconds},
		{"OUTBOX_RETENTION_DAYS", &c.Outbox.RetentionDays},
		{"OUTBOX_BATCH_LIMIT", &c.Outbox.BatchLimit},
		{"OUTBOX_MAX_ATTEMPTS", &c.Outbox.MaxAttempts},
		{"OUTBOX_STARTUP_DELAY_SECONDS", &c.Outbox.StartupDelaySeconds},
		{"OUTBOX_STUCK_AFTER_SECONDS", &c.Outbox.StuckAfterSeconds},
		{"OUTBOX_PURGE_EVERY_TICKS", &c.Outbox.PurgeEveryTicks},
		{"API_TIMEOUT_SECONDS", &c.API.TimeoutSeconds},
	}
	for _, field := range ints {
		value, ok := lookup(field.key)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, field.key, err)
		}
		*field.dst = parsed
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"OUTBOX_FAST_FAIL_CLIENT_ERRORS", &c.Outbox.FastFailClientErrors},
		{"DB_MIGRATE", &c.Database.Migrate},
	}
	for _, field := range bools {
		value, ok := lookup(field.key)
		if !ok {
			continue
		}
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, field.key, err)
		}
		*field.dst = parsed
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"API_BASE_URL", &c.API.BaseURL},
		{"API_TOKEN", &c.API.Token},
		{"DB_DRIVER", &c.Database.Driver},
		{"DB_DSN", &c.Database.DSN},
		{"DB_TABLE", &c.Database.Table},
		{"HTTP_ADDR", &c.HTTP.Addr},
		{"LOG_LEVEL", &c.Log.Level},
		{"LOG_FORMAT", &c.Log.Format},
	}
	for _, field := range strs {
		if value, ok := lookup(field.key); ok {
			*field.dst = strings.TrimSpace(value)
		}
	}

	return nil
}

// Validate checks ranges and required fields.
func (c Config) Validate() error {
	var problems []string
	positive := []struct {
		name  string
		value int
	}{
		{"outbox.poll_interval_seconds", c.Outbox.PollIntervalSeconds},
		{"outbox.retention_days", c.Outbox.RetentionDays},
		{"outbox.batch_limit", c.Outbox.BatchLimit},
		{"outbox.max_attempts", c.Outbox.MaxAttempts},
		{"outbox.stuck_after_seconds", c.Outbox.StuckAfterSeconds},
		{"outbox.purge_every_ticks", c.Outbox.PurgeEveryTicks},
		{"api.timeout_seconds", c.API.TimeoutSeconds},
	}
	for _, field := range positive {
		if field.value <= 0 {
			problems = append(problems, field.name+" must be positive")
		}
	}
	if c.Outbox.StartupDelaySeconds < 0 {
		problems = append(problems, "outbox.startup_delay_seconds must not be negative")
	}

	if c.API.BaseURL == "" {
		problems = append(problems, "api.base_url is required")
	} else if u, err := url.Parse(c.API.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		problems = append(problems, "api.base_url must be an absolute http or https url")
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverMySQL, DriverPostgres:
		if c.Database.DSN == "" {
			problems = append(problems, "database.dsn is required for driver "+c.Database.Driver)
		}
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}

	if c.HTTP.Addr == "" {
		problems = append(problems, "http.addr is required")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}

	return nil
}

package mysql

import "github.com/velmie/edgeagent/outbox"

const (
	defaultTable        = "outbox_messages"
	defaultBindingTable = "agent_binding"
	defaultPurgeLimit   = 10000
	defaultLockPrefix   = "outbox:purge:"
)

// Config defines MySQL store behavior.
type Config struct {
	// Table is the outbox table name. Use schema.table for a non-default schema.
	Table string
	// PurgeLimit caps the rows removed per DELETE statement during a purge.
	PurgeLimit int
	// PurgeLockName is the advisory lock serializing purges across agents sharing the database.
	// Defaults to outbox:purge:<table>.
	PurgeLockName string
	// Logger receives purge diagnostics.
	Logger outbox.Logger
}

func (c Config) withDefaults() Config {
	if c.Table == "" {
		c.Table = defaultTable
	}
	if c.PurgeLimit == 0 {
		c.PurgeLimit = defaultPurgeLimit
	}
	if c.Logger == nil {
		c.Logger = outbox.NopLogger{}
	}

	return c
}

// Option configures the MySQL store.
type Option func(*Config)

// WithTable sets the outbox table name.
func WithTable(name string) Option {
	return func(c *Config) {
		c.Table = name
	}
}

// WithPurgeLimit sets the number of rows deleted per statement during a purge.
func WithPurgeLimit(limit int) Option {
	return func(c *Config) {
		c.PurgeLimit = limit
	}
}

// WithPurgeLockName overrides the advisory lock name used by purges.
func WithPurgeLockName(name string) Option {
	return func(c *Config) {
		c.PurgeLockName = name
	}
}

// WithLogger sets the store logger.
func WithLogger(logger outbox.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

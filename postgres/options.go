package postgres

const (
	defaultTable        = "outbox_messages"
	defaultBindingTable = "agent_binding"
)

// Config defines PostgreSQL store behavior.
type Config struct {
	// Table is the outbox table name. Use schema.table for a non-default schema.
	// Migrate only creates the default table.
	Table string
}

func (c Config) withDefaults() Config {
	if c.Table == "" {
		c.Table = defaultTable
	}

	return c
}

// Option configures the PostgreSQL store.
type Option func(*Config)

// WithTable sets the outbox table name.
func WithTable(name string) Option {
	return func(c *Config) {
		c.Table = name
	}
}

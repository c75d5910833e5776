// Package storage opens the message and binding stores selected by the database configuration.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/velmie/edgeagent/internal/config"
	"github.com/velmie/edgeagent/internal/logging"
	"github.com/velmie/edgeagent/memory"
	"github.com/velmie/edgeagent/mysql"
	"github.com/velmie/edgeagent/outbox"
	"github.com/velmie/edgeagent/postgres"
	"github.com/velmie/edgeagent/tenant"
)

const pingTimeout = 10 * time.Second

// Stores holds the opened stores and the resources behind them.
type Stores struct {
	Outbox  outbox.Store
	Binding tenant.Store
	// Driver is the configured database driver.
	Driver string

	closers []func()
}

// Close releases the database handles.
func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// Open connects to the configured database, creates the schema when cfg.Migrate is set and
// returns the stores.
func Open(ctx context.Context, cfg config.Database, logger *zap.Logger) (*Stores, error) {
	logger = logging.Component(logger, "storage").With(zap.String("driver", cfg.Driver))

	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Warn("using in-memory store, messages are lost on restart")

		return &Stores{
			Outbox:  memory.New(),
			Binding: tenant.NewMemoryStore(),
			Driver:  config.DriverMemory,
		}, nil
	case config.DriverMySQL:
		return openMySQL(ctx, cfg, logger)
	case config.DriverPostgres:
		return openPostgres(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", cfg.Driver)
	}
}

func openMySQL(ctx context.Context, cfg config.Database, logger *zap.Logger) (*Stores, error) {
	dsn, err := gomysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse mysql dsn: %w", err)
	}
	dsn.ParseTime = true
	dsn.Loc = time.UTC

	connector, err := gomysql.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("storage: ping mysql: %w", err)
	}

	if cfg.Migrate {
		if err := migrateMySQL(ctx, db, cfg.Table); err != nil {
			_ = db.Close()

			return nil, err
		}
		logger.Info("mysql schema ensured")
	}

	store, err := mysql.NewStore(db, mysql.WithTable(cfg.Table), mysql.WithLogger(logging.Outbox(logger)))
	if err != nil {
		_ = db.Close()

		return nil, err
	}
	bindings, err := mysql.NewBindingStore(db, "")
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	logger.Info("connected to mysql", zap.String("addr", dsn.Addr), zap.String("database", dsn.DBName))

	return &Stores{
		Outbox:  store,
		Binding: bindings,
		Driver:  config.DriverMySQL,
		closers: []func(){func() { _ = db.Close() }},
	}, nil
}

func migrateMySQL(ctx context.Context, db *sql.DB, table string) error {
	if table == "" {
		table = "outbox_messages"
	}
	schema, err := mysql.Schema(table)
	if err != nil {
		return err
	}
	bindingSchema, err := mysql.BindingSchema("agent_binding")
	if err != nil {
		return err
	}

	for _, stmt := range []string{schema, bindingSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: create mysql schema: %w", err)
		}
	}

	return nil
}

func openPostgres(ctx context.Context, cfg config.Database, logger *zap.Logger) (*Stores, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()

		return nil, fmt.Errorf("storage: ping postgres: %w", err)
	}

	if cfg.Migrate {
		if cfg.Table != "" {
			logger.Warn("migrations only create the default outbox table", zap.String("table", cfg.Table))
		}
		if err := postgres.Migrate(pool); err != nil {
			pool.Close()

			return nil, err
		}
		logger.Info("postgres migrations applied")
	}

	var opts []postgres.Option
	if cfg.Table != "" {
		opts = append(opts, postgres.WithTable(cfg.Table))
	}
	store, err := postgres.NewStore(pool, opts...)
	if err != nil {
		pool.Close()

		return nil, err
	}
	bindings, err := postgres.NewBindingStore(pool, "")
	if err != nil {
		pool.Close()

		return nil, err
	}

	poolCfg := pool.Config().ConnConfig
	logger.Info("connected to postgres", zap.String("host", poolCfg.Host), zap.String("database", poolCfg.Database))

	return &Stores{
		Outbox:  store,
		Binding: bindings,
		Driver:  config.DriverPostgres,
		closers: []func(){pool.Close},
	}, nil
}

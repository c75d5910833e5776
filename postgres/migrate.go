package postgres

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded migrations, creating the default outbox_messages and
// agent_binding tables. Running it on an up-to-date database is a no-op.
func Migrate(pool *pgxpool.Pool) error {
	if pool == nil {
		return ErrPoolRequired
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("outbox postgres: open migrations: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		_ = db.Close()

		return fmt.Errorf("outbox postgres: migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		_ = db.Close()

		return fmt.Errorf("outbox postgres: migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("outbox postgres: migrate up: %w", err)
	}

	return nil
}

package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Migrations holds the schema for both SQL backends.
//
//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var Migrations embed.FS

// MigrateSQLite applies the embedded SQLite migrations to db.
func MigrateSQLite(db *sql.DB, logger *slog.Logger) error {
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("initialise sqlite migration driver: %w", err)
	}
	return runMigrations("migrations/sqlite", "sqlite", driver, logger)
}

// MigratePostgres applies the embedded PostgreSQL migrations to db.
func MigratePostgres(db *sql.DB, logger *slog.Logger) error {
	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 migration driver: %w", err)
	}
	return runMigrations("migrations/postgres", "pgx5", driver, logger)
}

func runMigrations(dir, name string, driver database.Driver, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	src, err := iofs.New(Migrations, dir)
	if err != nil {
		return fmt.Errorf("open embedded migrations %s: %w", dir, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, name, driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}

	logger.Info("applying database migrations", "driver", name)
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("database migrations up-to-date", "driver", name)
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("database migrations applied", "driver", name)
	return nil
}

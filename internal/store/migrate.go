package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite3/*.sql migrations/postgres/*.sql
var migrations embed.FS

// runMigrations applies pending migrations for dialect. Already applied
// migrations are skipped.
func runMigrations(db *sql.DB, dialect string) error {
	var (
		driver database.Driver
		err    error
	)
	switch dialect {
	case DialectPostgres:
		driver, err = postgres.WithInstance(db, &postgres.Config{})
	case DialectSQLite:
		driver, err = sqlite3.WithInstance(db, &sqlite3.Config{})
	default:
		return fmt.Errorf("no migrations for dialect %q", dialect)
	}
	if err != nil {
		return fmt.Errorf("creating %s migration driver: %w", dialect, err)
	}

	source, err := iofs.New(migrations, "migrations/"+dialect)
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, dialect, driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("getting migration version: %w", err)
	}
	if dirty {
		slog.Warn("Database migration state is dirty", "version", version, "dialect", dialect)
	} else {
		slog.Debug("Database migrations complete", "version", version, "dialect", dialect)
	}
	return nil
}

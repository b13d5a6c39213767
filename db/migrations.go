package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/relatemail/ferry/config"
	"github.com/relatemail/ferry/logger"
)

//go:embed migrations
var migrationsFS embed.FS

// migrate applies pending schema migrations against the write endpoint.
// The migration driver needs a database/sql handle of its own; it cannot
// share the pgx pool.
func (db *Database) migrate(endpoint *config.DatabaseEndpointConfig) error {
	source, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	sourceDriver, err := iofs.New(source, ".")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	sqlDB, err := sql.Open("pgx", endpointConnString(endpoint))
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}

	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		sqlDB.Close()
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	m.Log = &migrationLogger{}

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		m.Close()
		return fmt.Errorf("migration failed: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		logger.Debug("Database schema is up to date")
	} else {
		logger.Info("Database migrations applied")
	}

	srcErr, dbErr := m.Close()
	if srcErr != nil {
		return fmt.Errorf("failed to close migration source: %w", srcErr)
	}
	if dbErr != nil {
		return fmt.Errorf("failed to close migration connection: %w", dbErr)
	}
	return nil
}

// migrationLogger adapts the process logger to migrate's Logger interface.
type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...interface{}) {
	logger.Infof("migrate: "+format, v...)
}

func (l *migrationLogger) Verbose() bool { return false }

// Package database opens gorm connections for the configured drivers.
package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethpandaops/upgradoor/pkg/config"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the database described by cfg and pings it.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case config.DriverSQLite:
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating sqlite directory: %w", err)
			}
		}

		dialector = sqlite.Open(cfg.SQLite.Path)
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.Postgres.DSN())
	case config.DriverMySQL:
		dialector = mysql.Open(cfg.MySQL.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying db: %w", err)
	}

	if cfg.Driver == config.DriverSQLite {
		// One writer at a time avoids SQLITE_BUSY between our own goroutines.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()

		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return db, nil
}

// Close closes the connection pool behind db.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

package config

import (
	"errors"
	"fmt"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
	MySQL    MySQLConfig          `yaml:"mysql,omitempty" mapstructure:"mysql"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// DSN returns the key/value connection string understood by pgx.
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// MySQLConfig contains MySQL/MariaDB connection settings.
type MySQLConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	Params   string `yaml:"params,omitempty" mapstructure:"params"`
}

// DSN returns the go-sql-driver/mysql data source name.
func (m *MySQLConfig) DSN() string {
	params := m.Params
	if params == "" {
		params = "parseTime=true&multiStatements=false"
	}

	return fmt.Sprintf(
		"%s:%s@tcp(%s:%d)/%s?%s",
		m.User, m.Password, m.Host, m.Port, m.Database, params,
	)
}

func (d *DatabaseConfig) applyDefaults() {
	switch d.Driver {
	case DriverPostgres:
		if d.Postgres.Port == 0 {
			d.Postgres.Port = 5432
		}

		if d.Postgres.SSLMode == "" {
			d.Postgres.SSLMode = "disable"
		}
	case DriverMySQL:
		if d.MySQL.Port == 0 {
			d.MySQL.Port = 3306
		}
	}
}

func (d *DatabaseConfig) validate() error {
	switch d.Driver {
	case DriverSQLite:
		if d.SQLite.Path == "" {
			return errors.New("sqlite.path is required")
		}
	case DriverPostgres:
		if d.Postgres.Host == "" || d.Postgres.Database == "" {
			return errors.New("postgres.host and postgres.database are required")
		}
	case DriverMySQL:
		if d.MySQL.Host == "" || d.MySQL.Database == "" {
			return errors.New("mysql.host and mysql.database are required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", d.Driver)
	}

	return nil
}

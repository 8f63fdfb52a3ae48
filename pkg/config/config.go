package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "UPGRADOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultLogFile is the default rotating reporter log file.
	DefaultLogFile = "./storage/logs/upgradoor.log"

	// DefaultStorePath is the default sqlite path of the run/state store.
	DefaultStorePath = "./storage/upgradoor.db"

	// DefaultConnection is the name of the default migration database.
	DefaultConnection = "default"
)

// Config is the root configuration for upgradoor.
type Config struct {
	Global     GlobalConfig              `yaml:"global" mapstructure:"global"`
	Updater    UpdaterConfig             `yaml:"updater" mapstructure:"updater"`
	Migrations MigrationsConfig          `yaml:"migrations" mapstructure:"migrations"`
	Databases  map[string]DatabaseConfig `yaml:"databases" mapstructure:"databases"`
	Store      DatabaseConfig            `yaml:"store" mapstructure:"store"`
	API        APIConfig                 `yaml:"api" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string        `yaml:"log_level" mapstructure:"log_level"`
	LogFile  LogFileConfig `yaml:"log_file" mapstructure:"log_file"`
}

// LogFileConfig configures the rotating reporter log file.
type LogFileConfig struct {
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// MigrationsConfig contains the migration engine defaults.
type MigrationsConfig struct {
	Path       string        `yaml:"path" mapstructure:"path"`
	Database   string        `yaml:"database" mapstructure:"database"`
	Strict     bool          `yaml:"strict" mapstructure:"strict"`
	MaxRetries int           `yaml:"max_retries" mapstructure:"max_retries"`
	Backoff    time.Duration `yaml:"backoff" mapstructure:"backoff"`
}

// Load reads and merges one or more configuration files. Later files
// override earlier ones, and UPGRADOOR_* environment variables override
// both.
func Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		return nil, errors.New("no config file given")
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Zero is a meaningful retry bound, so this default only fills a key
	// that no file or env var sets.
	v.SetDefault("migrations.max_retries", DefaultMaxRetries)

	for i, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if i == 0 {
			err = v.ReadConfig(f)
		} else {
			err = v.MergeConfig(f)
		}

		_ = f.Close()

		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	// AutomaticEnv only resolves keys viper already knows about, so every
	// struct key is bound explicitly to make env overrides work for keys
	// absent from the file.
	bindEnvs(v, reflect.TypeOf(Config{}), "")

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// bindEnvs walks the struct type and binds every leaf key to its env var.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		tag := strings.Split(field.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		ft := field.Type
		if ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}

		if ft.Kind() == reflect.Struct && ft != reflect.TypeOf(time.Duration(0)) {
			bindEnvs(v, ft, key)

			continue
		}

		_ = v.BindEnv(key)
	}
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Global.LogFile.Path == "" {
		c.Global.LogFile.Path = DefaultLogFile
	}

	if c.Global.LogFile.MaxSizeMB == 0 {
		c.Global.LogFile.MaxSizeMB = 50
	}

	if c.Global.LogFile.MaxBackups == 0 {
		c.Global.LogFile.MaxBackups = 5
	}

	if c.Migrations.Database == "" {
		c.Migrations.Database = DefaultConnection
	}

	if c.Migrations.Backoff == 0 {
		c.Migrations.Backoff = DefaultBackoff
	}

	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}

	if c.Store.Driver == DriverSQLite && c.Store.SQLite.Path == "" {
		c.Store.SQLite.Path = DefaultStorePath
	}

	for name, db := range c.Databases {
		db.applyDefaults()
		c.Databases[name] = db
	}

	c.Updater.applyDefaults()
	c.API.applyDefaults()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Updater.AppDir == "" {
		return errors.New("updater.app_dir is required")
	}

	if info, err := os.Stat(c.Updater.AppDir); err != nil || !info.IsDir() {
		return fmt.Errorf("updater.app_dir %q is not a directory", c.Updater.AppDir)
	}

	if err := c.Updater.validate(); err != nil {
		return fmt.Errorf("updater: %w", err)
	}

	if err := c.Store.validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	for name, db := range c.Databases {
		if err := db.validate(); err != nil {
			return fmt.Errorf("databases.%s: %w", name, err)
		}
	}

	if c.Migrations.Path != "" || len(c.Databases) > 0 {
		if _, ok := c.Databases[c.Migrations.Database]; !ok {
			return fmt.Errorf(
				"migrations.database %q is not a configured database",
				c.Migrations.Database,
			)
		}
	}

	if c.Migrations.MaxRetries < 0 {
		return errors.New("migrations.max_retries must not be negative")
	}

	if c.Global.LogFile.Path != "" {
		dir := filepath.Dir(c.Global.LogFile.Path)
		if dir != "." && dir != ".." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating log directory %q: %w", dir, err)
			}
		}
	}

	return nil
}

// ResolvePath makes a relative path absolute against the application dir.
func (c *Config) ResolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(c.Updater.AppDir, path)
}

// ResolvePaths rewrites the relative paths read by components outside the
// pipeline steps so they no longer depend on the working directory.
func (c *Config) ResolvePaths() {
	c.Global.LogFile.Path = c.ResolvePath(c.Global.LogFile.Path)
	c.Updater.Lock.File.Dir = c.ResolvePath(c.Updater.Lock.File.Dir)
	c.Migrations.Path = c.ResolvePath(c.Migrations.Path)
	c.Store.SQLite.Path = c.resolveSQLite(c.Store.SQLite.Path)

	for name, db := range c.Databases {
		db.SQLite.Path = c.resolveSQLite(db.SQLite.Path)
		c.Databases[name] = db
	}
}

func (c *Config) resolveSQLite(path string) string {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return path
	}

	return c.ResolvePath(path)
}

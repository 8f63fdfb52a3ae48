package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/upgradoor/pkg/fsutil"
)

const (
	// DefaultLockKey is the name of the "update in progress" lock.
	DefaultLockKey = "upgradoor:update"

	// DefaultLockTimeout is how long a run may hold the lock before a
	// second caller is allowed to consider it for staleness.
	DefaultLockTimeout = 30 * time.Minute

	// DefaultLockWait bounds how long a second trigger waits for the lock.
	DefaultLockWait = 5 * time.Second

	// DefaultMaxRetries is the default lock-contention retry bound.
	DefaultMaxRetries = 3

	// DefaultBackoff is the default per-attempt migration backoff unit.
	DefaultBackoff = 500 * time.Millisecond

	// DefaultBackupType is the default backup strategy.
	DefaultBackupType = "full"
)

// Update modes of the code driver.
const (
	ModeFastForward = "ff-only"
	ModeTag         = "tag"
	ModeMerge       = "merge"
)

// Lock backends.
const (
	LockDriverFile   = "file"
	LockDriverRedis  = "redis"
	LockDriverMemory = "memory"
)

// UpdaterConfig contains the settings for the update pipeline.
type UpdaterConfig struct {
	Enabled *bool  `yaml:"enabled" mapstructure:"enabled"`
	AppDir  string `yaml:"app_dir" mapstructure:"app_dir"`
	Channel string `yaml:"channel" mapstructure:"channel"`
	// Owner is the "UID:GID" given to backups, snapshots and the
	// maintenance flag, for when the updater runs as root.
	Owner              string            `yaml:"owner" mapstructure:"owner"`
	Git                GitConfig         `yaml:"git" mapstructure:"git"`
	Lock               LockConfig        `yaml:"lock" mapstructure:"lock"`
	Maintenance        MaintenanceConfig `yaml:"maintenance" mapstructure:"maintenance"`
	Backup             BackupConfig      `yaml:"backup" mapstructure:"backup"`
	Snapshot           SnapshotConfig    `yaml:"snapshot" mapstructure:"snapshot"`
	Dependencies       CommandsConfig    `yaml:"dependencies" mapstructure:"dependencies"`
	Seeds              SeedsConfig       `yaml:"seeds" mapstructure:"seeds"`
	Patches            PatchesConfig     `yaml:"patches" mapstructure:"patches"`
	Build              CommandsConfig    `yaml:"build" mapstructure:"build"`
	Cache              CacheConfig       `yaml:"cache" mapstructure:"cache"`
	HealthCheck        HealthCheckConfig `yaml:"health_check" mapstructure:"health_check"`
	PostUpdateCommands []string          `yaml:"post_update_commands" mapstructure:"post_update_commands"`
	CommandTimeout     time.Duration     `yaml:"command_timeout" mapstructure:"command_timeout"`
	AutoUpdate         AutoUpdateConfig  `yaml:"auto_update" mapstructure:"auto_update"`
}

// IsEnabled reports whether updates are enabled (default true).
func (u *UpdaterConfig) IsEnabled() bool {
	return u.Enabled == nil || *u.Enabled
}

// GitConfig configures the code update driver.
type GitConfig struct {
	Binary string `yaml:"binary" mapstructure:"binary"`
	Remote string `yaml:"remote" mapstructure:"remote"`
	Branch string `yaml:"branch" mapstructure:"branch"`
	Mode   string `yaml:"mode" mapstructure:"mode"`
	// Tag pins the release for tag mode; empty means the newest tag.
	Tag string `yaml:"tag" mapstructure:"tag"`
}

// LockConfig configures the update lock.
type LockConfig struct {
	Driver  string          `yaml:"driver" mapstructure:"driver"`
	Key     string          `yaml:"key" mapstructure:"key"`
	Timeout time.Duration   `yaml:"timeout" mapstructure:"timeout"`
	Wait    time.Duration   `yaml:"wait" mapstructure:"wait"`
	File    FileLockConfig  `yaml:"file" mapstructure:"file"`
	Redis   RedisLockConfig `yaml:"redis" mapstructure:"redis"`
}

// FileLockConfig configures the filesystem lock backend.
type FileLockConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// RedisLockConfig configures the redis lock backend.
type RedisLockConfig struct {
	Address  string `yaml:"address" mapstructure:"address"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
}

// MaintenanceConfig configures how maintenance mode is toggled. When
// commands are configured they are used; otherwise a flag file is written.
type MaintenanceConfig struct {
	FlagFile        string   `yaml:"flag_file" mapstructure:"flag_file"`
	EnableCommands  []string `yaml:"enable_commands" mapstructure:"enable_commands"`
	DisableCommands []string `yaml:"disable_commands" mapstructure:"disable_commands"`
}

// BackupConfig configures database backups.
type BackupConfig struct {
	Dir      string         `yaml:"dir" mapstructure:"dir"`
	Type     string         `yaml:"type" mapstructure:"type"`
	Database string         `yaml:"database" mapstructure:"database"`
	Upload   S3UploadConfig `yaml:"upload" mapstructure:"upload"`
}

// S3UploadConfig configures the optional off-site copy of backups.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
}

// SnapshotConfig configures code snapshots.
type SnapshotConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// CommandsConfig is a list of shell lines run inside the app directory.
type CommandsConfig struct {
	Commands []string `yaml:"commands" mapstructure:"commands"`
}

// SeedsConfig configures database seeding. Command is a template where
// "{seeder}" is replaced with the seeder identifier.
type SeedsConfig struct {
	Command string   `yaml:"command" mapstructure:"command"`
	Default []string `yaml:"default" mapstructure:"default"`
}

// PatchesConfig configures ad-hoc SQL patch files.
type PatchesConfig struct {
	Path     string `yaml:"path" mapstructure:"path"`
	Database string `yaml:"database" mapstructure:"database"`
}

// CacheConfig configures cache rebuild and invalidation.
type CacheConfig struct {
	RebuildCommands []string `yaml:"rebuild_commands" mapstructure:"rebuild_commands"`
	ClearCommands   []string `yaml:"clear_commands" mapstructure:"clear_commands"`
}

// HealthCheckConfig configures the post-update probe.
type HealthCheckConfig struct {
	URL            string        `yaml:"url" mapstructure:"url"`
	ExpectedStatus int           `yaml:"expected_status" mapstructure:"expected_status"`
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Retries        int           `yaml:"retries" mapstructure:"retries"`
	Interval       time.Duration `yaml:"interval" mapstructure:"interval"`
}

// AutoUpdateConfig configures the unattended scheduler.
type AutoUpdateConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
	// Options are the run options used for scheduled runs.
	Options map[string]any `yaml:"options" mapstructure:"options"`
}

func (u *UpdaterConfig) applyDefaults() {
	if u.Channel == "" {
		u.Channel = "stable"
	}

	if u.Git.Binary == "" {
		u.Git.Binary = "git"
	}

	if u.Git.Remote == "" {
		u.Git.Remote = "origin"
	}

	if u.Git.Branch == "" {
		u.Git.Branch = "main"
	}

	if u.Git.Mode == "" {
		u.Git.Mode = ModeFastForward
	}

	if u.Lock.Driver == "" {
		u.Lock.Driver = LockDriverFile
	}

	if u.Lock.Key == "" {
		u.Lock.Key = DefaultLockKey
	}

	if u.Lock.Timeout == 0 {
		u.Lock.Timeout = DefaultLockTimeout
	}

	if u.Lock.Wait == 0 {
		u.Lock.Wait = DefaultLockWait
	}

	if u.Lock.File.Dir == "" {
		u.Lock.File.Dir = "./storage/locks"
	}

	if u.Maintenance.FlagFile == "" {
		u.Maintenance.FlagFile = "./storage/framework/down"
	}

	if u.Backup.Dir == "" {
		u.Backup.Dir = "./storage/backups"
	}

	if u.Backup.Type == "" {
		u.Backup.Type = DefaultBackupType
	}

	if u.Backup.Database == "" {
		u.Backup.Database = DefaultConnection
	}

	if u.Snapshot.Dir == "" {
		u.Snapshot.Dir = "./storage/snapshots"
	}

	if u.Seeds.Command == "" {
		u.Seeds.Command = "php artisan db:seed --class={seeder} --force"
	}

	if u.Patches.Database == "" {
		u.Patches.Database = DefaultConnection
	}

	if u.HealthCheck.ExpectedStatus == 0 {
		u.HealthCheck.ExpectedStatus = 200
	}

	if u.HealthCheck.Timeout == 0 {
		u.HealthCheck.Timeout = 10 * time.Second
	}

	if u.HealthCheck.Retries == 0 {
		u.HealthCheck.Retries = 3
	}

	if u.HealthCheck.Interval == 0 {
		u.HealthCheck.Interval = 5 * time.Second
	}

	if u.CommandTimeout == 0 {
		u.CommandTimeout = 15 * time.Minute
	}

	if u.AutoUpdate.Interval == 0 {
		u.AutoUpdate.Interval = time.Hour
	}
}

func (u *UpdaterConfig) validate() error {
	switch u.Git.Mode {
	case ModeFastForward, ModeMerge, ModeTag:
	default:
		return fmt.Errorf("unknown git.mode %q", u.Git.Mode)
	}

	switch u.Lock.Driver {
	case LockDriverFile, LockDriverMemory:
	case LockDriverRedis:
		if u.Lock.Redis.Address == "" {
			return errors.New("lock.redis.address is required for the redis lock driver")
		}
	default:
		return fmt.Errorf("unknown lock.driver %q", u.Lock.Driver)
	}

	switch u.Backup.Type {
	case "database", "snapshot", "full":
	default:
		return fmt.Errorf("unknown backup.type %q", u.Backup.Type)
	}

	if u.Backup.Upload.Enabled && u.Backup.Upload.Bucket == "" {
		return errors.New("backup.upload.bucket is required when upload is enabled")
	}

	if _, err := fsutil.ParseOwner(u.Owner); err != nil {
		return fmt.Errorf("owner: %w", err)
	}

	if u.AutoUpdate.Enabled && u.AutoUpdate.Interval < time.Minute {
		return errors.New("auto_update.interval must be at least 1m")
	}

	return nil
}

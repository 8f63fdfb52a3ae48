package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/upgradoor/pkg/migrate"
)

// Backup types accepted in Options.BackupType.
const (
	BackupDatabase = "database"
	BackupSnapshot = "snapshot"
	BackupFull     = "full"
)

// seederName matches class-like identifiers such as
// Database\Seeders\RolesSeeder or app:roles.
var seederName = regexp.MustCompile(`^[\w\\:.-]+$`)

// ValidSeeder reports whether name is safe to substitute into the seed
// command line.
func ValidSeeder(name string) bool {
	return seederName.MatchString(name)
}

// Options are the caller-supplied switches for one run.
type Options struct {
	NoBackup           bool     `json:"no_backup,omitempty" mapstructure:"no_backup"`
	NoSnapshot         bool     `json:"no_snapshot,omitempty" mapstructure:"no_snapshot"`
	NoBuild            bool     `json:"no_build,omitempty" mapstructure:"no_build"`
	DryRun             bool     `json:"dry_run,omitempty" mapstructure:"dry_run"`
	Seed               bool     `json:"seed,omitempty" mapstructure:"seed"`
	Seeders            []string `json:"seeders,omitempty" mapstructure:"seeders"`
	ForceSeedReapply   bool     `json:"force_seed_reapply,omitempty" mapstructure:"force_seed_reapply"`
	BackupType         string   `json:"backup_type,omitempty" mapstructure:"backup_type"`
	PostUpdateCommands []string `json:"post_update_commands,omitempty" mapstructure:"post_update_commands"`
	AllowDirty         bool     `json:"allow_dirty,omitempty" mapstructure:"allow_dirty"`
}

// DecodeOptions builds Options from a loosely typed map such as an HTTP
// form, a JSON body or the scheduler config. Strings like "true" and "1"
// are accepted for booleans, and a comma separated string for lists.
func DecodeOptions(raw map[string]any) (Options, error) {
	var opts Options

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &opts,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
	})
	if err != nil {
		return opts, fmt.Errorf("creating options decoder: %w", err)
	}

	if err := decoder.Decode(raw); err != nil {
		return opts, fmt.Errorf("decoding run options: %w", err)
	}

	if err := opts.Validate(); err != nil {
		return opts, err
	}

	return opts, nil
}

// Validate checks enumerated option values and seeder identifiers.
func (o *Options) Validate() error {
	for _, seeder := range o.Seeders {
		if !ValidSeeder(seeder) {
			return fmt.Errorf("invalid seeder %q", seeder)
		}
	}

	switch o.BackupType {
	case "", BackupDatabase, BackupSnapshot, BackupFull:
		return nil
	default:
		return fmt.Errorf("unknown backup_type %q", o.BackupType)
	}
}

// WantsDatabaseBackup reports whether the options ask for a database dump.
func (o *Options) WantsDatabaseBackup() bool {
	return !o.NoBackup && o.BackupType != BackupSnapshot
}

// WantsSnapshot reports whether the options ask for a code snapshot.
func (o *Options) WantsSnapshot() bool {
	return !o.NoSnapshot && o.BackupType != BackupDatabase
}

// Reporter receives classified run events.
type Reporter interface {
	Info(ctx context.Context, msg string, fields logrus.Fields)
	Warn(ctx context.Context, msg string, fields logrus.Fields)
	Error(ctx context.Context, msg string, fields logrus.Fields)
}

type nopReporter struct{}

func (nopReporter) Info(context.Context, string, logrus.Fields)  {}
func (nopReporter) Warn(context.Context, string, logrus.Fields)  {}
func (nopReporter) Error(context.Context, string, logrus.Fields) {}

// Context is the mutable state threaded through every step of one run or
// rollback. It is owned by a single pipeline call at a time.
type Context struct {
	RunID   uint
	Options Options

	RevisionBefore string
	RevisionAfter  string
	BackupFile     string
	SnapshotPath   string

	LockAcquired       bool
	MaintenanceEnabled bool

	Migrations     *migrate.Summary
	SeedsApplied   []string
	PatchesApplied []string

	// Executed lists the names of steps whose Handle succeeded, in order.
	Executed []string
	Skipped  []string
	// FailedStep is the step whose Handle aborted the run.
	FailedStep       string
	RollbackFailures []RollbackFailure

	// Events receives step events; nil discards them.
	Events Reporter

	mu       sync.Mutex
	warnings []string
}

// NewContext creates a run context.
func NewContext(runID uint, opts Options, events Reporter) *Context {
	return &Context{
		RunID:   runID,
		Options: opts,
		Events:  events,
	}
}

// Reporter returns the event sink, never nil.
func (c *Context) Reporter() Reporter {
	if c.Events == nil {
		return nopReporter{}
	}

	return c.Events
}

// AddWarning records a non-fatal problem raised by a step.
func (c *Context) AddWarning(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

// Warnings returns a copy of the recorded warnings.
func (c *Context) Warnings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.warnings))
	copy(out, c.warnings)

	return out
}

package store

import (
	"time"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Run kinds.
const (
	KindUpdate   = "update"
	KindRollback = "rollback"
)

// Event levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Artifact kinds.
const (
	ArtifactBackup   = "backup"
	ArtifactSnapshot = "snapshot"
	ArtifactUpload   = "upload"
)

// Run is one attempted update or rollback.
type Run struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Kind           string     `gorm:"not null;default:update" json:"kind"`
	Status         string     `gorm:"not null;index" json:"status"`
	StartedAt      time.Time  `gorm:"not null" json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	RevisionBefore string     `json:"revision_before,omitempty"`
	RevisionAfter  string     `json:"revision_after,omitempty"`
	BackupFile     string     `json:"backup_file,omitempty"`
	SnapshotPath   string     `json:"snapshot_path,omitempty"`
	// Options is the JSON-encoded run options.
	Options string `gorm:"type:text" json:"options,omitempty"`
	// Error is the failure message, empty on success.
	Error string `gorm:"type:text" json:"error,omitempty"`
	// Warnings is a JSON array of non-fatal problems raised by steps.
	Warnings     string     `gorm:"type:text" json:"warnings,omitempty"`
	RollbackOf   *uint      `gorm:"index" json:"rollback_of,omitempty"`
	RolledBackAt *time.Time `json:"rolled_back_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Finished reports whether the run has left the running state.
func (r *Run) Finished() bool {
	return r.Status != StatusRunning
}

// StepEvent is an append-only log entry. RunID is nil for events raised
// outside a run, such as a standalone migrate.
type StepEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	RunID     *uint     `gorm:"index" json:"run_id,omitempty"`
	Level     string    `gorm:"not null" json:"level"`
	Step      string    `json:"step,omitempty"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	Context   string    `gorm:"type:text" json:"context,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// Artifact is a file produced by a run.
type Artifact struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	RunID     uint      `gorm:"index;not null" json:"run_id"`
	Kind      string    `gorm:"not null" json:"kind"`
	Path      string    `gorm:"not null" json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	Location  string    `json:"location,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SeedRecord marks a seeder as applied.
type SeedRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Seeder    string    `gorm:"uniqueIndex;not null" json:"seeder"`
	RunID     *uint     `json:"run_id,omitempty"`
	Times     int       `gorm:"not null;default:1" json:"times"`
	AppliedAt time.Time `json:"applied_at"`
}

// PatchRecord marks an ad-hoc SQL patch as applied.
type PatchRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;not null" json:"name"`
	Checksum  string    `gorm:"not null" json:"checksum"`
	RunID     *uint     `json:"run_id,omitempty"`
	AppliedAt time.Time `json:"applied_at"`
}

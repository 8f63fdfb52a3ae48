// Package store persists runs, step events, artifacts and the seed and
// patch ledgers.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/upgradoor/pkg/config"
	"github.com/ethpandaops/upgradoor/pkg/database"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides persistence for run state.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Runs.
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id uint) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	LatestRun(ctx context.Context) (*Run, error)
	MarkRolledBack(ctx context.Context, id uint, at time.Time) error
	// FailRunning marks runs other than except that are still running and
	// started before cutoff as failed, and returns how many were changed.
	FailRunning(ctx context.Context, reason string, except uint, cutoff time.Time) (int64, error)

	// Step events.
	AppendEvent(ctx context.Context, event *StepEvent) error
	ListEvents(ctx context.Context, runID uint) ([]StepEvent, error)

	// Artifacts.
	AddArtifact(ctx context.Context, artifact *Artifact) error
	ListArtifacts(ctx context.Context, runID uint) ([]Artifact, error)

	// Seed ledger.
	HasSeed(ctx context.Context, seeder string) (bool, error)
	RecordSeed(ctx context.Context, seeder string, runID *uint) error

	// Patch ledger.
	GetPatch(ctx context.Context, name string) (*PatchRecord, error)
	RecordPatch(ctx context.Context, patch *PatchRecord) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations. Migrations are
// additive: new columns are added, nothing is dropped.
func (s *store) Start(ctx context.Context) error {
	db, err := database.Open(ctx, s.cfg)
	if err != nil {
		return err
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&StepEvent{},
		&Artifact{},
		&SeedRecord{},
		&PatchRecord{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Debug("State store connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	return database.Close(s.db)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}

	return err
}

// --- Runs ---

func (s *store) CreateRun(ctx context.Context, run *Run) error {
	if run.Kind == "" {
		run.Kind = KindUpdate
	}

	if run.Status == "" {
		run.Status = StatusRunning
	}

	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	return nil
}

func (s *store) UpdateRun(ctx context.Context, run *Run) error {
	if err := s.db.WithContext(ctx).Save(run).Error; err != nil {
		return fmt.Errorf("updating run: %w", err)
	}

	return nil
}

func (s *store) GetRun(ctx context.Context, id uint) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).First(&run, id).Error; err != nil {
		return nil, fmt.Errorf("getting run %d: %w", id, notFound(err))
	}

	return &run, nil
}

func (s *store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	q := s.db.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var runs []Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

func (s *store) LatestRun(ctx context.Context) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Order("id DESC").
		First(&run).Error; err != nil {
		return nil, fmt.Errorf("getting latest run: %w", notFound(err))
	}

	return &run, nil
}

func (s *store) MarkRolledBack(ctx context.Context, id uint, at time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ?", id).
		Update("rolled_back_at", at)
	if res.Error != nil {
		return fmt.Errorf("marking run %d rolled back: %w", id, res.Error)
	}

	if res.RowsAffected == 0 {
		return fmt.Errorf("marking run %d rolled back: %w", id, ErrNotFound)
	}

	return nil
}

func (s *store) FailRunning(
	ctx context.Context, reason string, except uint, cutoff time.Time,
) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("status = ? AND id <> ? AND started_at < ?", StatusRunning, except, cutoff.UTC()).
		Updates(map[string]any{
			"status":      StatusFailed,
			"error":       reason,
			"finished_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failing interrupted runs: %w", res.Error)
	}

	return res.RowsAffected, nil
}

// --- Step events ---

func (s *store) AppendEvent(ctx context.Context, event *StepEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("appending event: %w", err)
	}

	return nil
}

func (s *store) ListEvents(ctx context.Context, runID uint) ([]StepEvent, error) {
	var events []StepEvent
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}

	return events, nil
}

// --- Artifacts ---

func (s *store) AddArtifact(ctx context.Context, artifact *Artifact) error {
	if err := s.db.WithContext(ctx).Create(artifact).Error; err != nil {
		return fmt.Errorf("adding artifact: %w", err)
	}

	return nil
}

func (s *store) ListArtifacts(ctx context.Context, runID uint) ([]Artifact, error) {
	var artifacts []Artifact
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&artifacts).Error; err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}

	return artifacts, nil
}

// --- Seed ledger ---

func (s *store) HasSeed(ctx context.Context, seeder string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&SeedRecord{}).
		Where("seeder = ?", seeder).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("checking seed ledger: %w", err)
	}

	return count > 0, nil
}

func (s *store) RecordSeed(ctx context.Context, seeder string, runID *uint) error {
	rec := &SeedRecord{
		Seeder:    seeder,
		RunID:     runID,
		Times:     1,
		AppliedAt: time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "seeder"}},
		DoUpdates: clause.Assignments(map[string]any{
			"run_id":     runID,
			"applied_at": rec.AppliedAt,
			"times":      gorm.Expr("times + 1"),
		}),
	}).Create(rec).Error; err != nil {
		return fmt.Errorf("recording seed: %w", err)
	}

	return nil
}

// --- Patch ledger ---

func (s *store) GetPatch(ctx context.Context, name string) (*PatchRecord, error) {
	var patch PatchRecord
	if err := s.db.WithContext(ctx).
		Where("name = ?", name).
		First(&patch).Error; err != nil {
		return nil, fmt.Errorf("getting patch %s: %w", name, notFound(err))
	}

	return &patch, nil
}

func (s *store) RecordPatch(ctx context.Context, patch *PatchRecord) error {
	if patch.AppliedAt.IsZero() {
		patch.AppliedAt = time.Now().UTC()
	}

	if err := s.db.WithContext(ctx).Create(patch).Error; err != nil {
		return fmt.Errorf("recording patch: %w", err)
	}

	return nil
}

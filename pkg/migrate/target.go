package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethpandaops/upgradoor/pkg/config"
	"github.com/ethpandaops/upgradoor/pkg/database"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// LedgerTable is the name of the applied-migrations table.
const LedgerTable = "migrations"

// Ledger is the durable set of applied migration identifiers. Entries are
// only ever appended.
type Ledger interface {
	Applied(ctx context.Context) (map[string]struct{}, error)
	Has(ctx context.Context, id string) (bool, error)
	NextBatch(ctx context.Context) (int, error)
	Log(ctx context.Context, id string, batch int) error
}

// Inspector answers questions about the live schema. An empty table
// argument means the object is looked up schema-wide.
type Inspector interface {
	HasTable(ctx context.Context, name string) (bool, error)
	HasView(ctx context.Context, name string) (bool, error)
	HasIndex(ctx context.Context, table, name string) (bool, error)
	HasColumn(ctx context.Context, table, column string) (bool, error)
	HasConstraint(ctx context.Context, table, name string) (bool, error)
}

// Target is one database that migrations are applied to.
type Target interface {
	Name() string
	Ledger() Ledger
	Inspector() Inspector
	// Exec runs the statements of one migration. Where the dialect supports
	// transactional DDL the statements run in a single transaction.
	Exec(ctx context.Context, statements []string) error
	Close() error
}

// Resolver opens targets by connection name.
type Resolver interface {
	Open(ctx context.Context, name string) (Target, error)
}

// ledgerEntry is a row of the migrations table.
type ledgerEntry struct {
	ID        uint   `gorm:"primaryKey"`
	Migration string `gorm:"size:255;not null"`
	Batch     int    `gorm:"not null"`
}

func (ledgerEntry) TableName() string {
	return LedgerTable
}

// resolver opens gorm-backed targets from the configured connections.
type resolver struct {
	log       logrus.FieldLogger
	databases map[string]config.DatabaseConfig
}

// Ensure interface compliance.
var _ Resolver = (*resolver)(nil)

// NewResolver creates a Resolver for the named database connections.
func NewResolver(
	log logrus.FieldLogger, databases map[string]config.DatabaseConfig,
) Resolver {
	return &resolver{
		log:       log.WithField("component", "migrate"),
		databases: databases,
	}
}

func (r *resolver) Open(ctx context.Context, name string) (Target, error) {
	cfg, ok := r.databases[name]
	if !ok {
		return nil, fmt.Errorf("unknown database connection %q", name)
	}

	db, err := database.Open(ctx, &cfg)
	if err != nil {
		return nil, fmt.Errorf("opening connection %q: %w", name, err)
	}

	target, err := NewGormTarget(ctx, name, cfg.Driver, db)
	if err != nil {
		_ = database.Close(db)

		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"connection": name,
		"driver":     cfg.Driver,
	}).Debug("Migration target opened")

	return target, nil
}

// GormTarget implements Target, Ledger and Inspector on a gorm connection.
type GormTarget struct {
	name   string
	driver string
	db     *gorm.DB

	// mu serializes ledger appends from the engine and the reconciler.
	mu sync.Mutex
}

// Ensure interface compliance.
var (
	_ Target    = (*GormTarget)(nil)
	_ Ledger    = (*GormTarget)(nil)
	_ Inspector = (*GormTarget)(nil)
)

// NewGormTarget wraps db and makes sure the ledger table exists.
func NewGormTarget(
	ctx context.Context, name, driver string, db *gorm.DB,
) (*GormTarget, error) {
	if err := db.WithContext(ctx).AutoMigrate(&ledgerEntry{}); err != nil {
		return nil, fmt.Errorf("creating migration ledger: %w", err)
	}

	return &GormTarget{name: name, driver: driver, db: db}, nil
}

func (t *GormTarget) Name() string           { return t.name }
func (t *GormTarget) Ledger() Ledger         { return t }
func (t *GormTarget) Inspector() Inspector   { return t }
func (t *GormTarget) DB() *gorm.DB           { return t.db }
func (t *GormTarget) Close() error           { return database.Close(t.db) }
func (t *GormTarget) transactionalDDL() bool { return t.driver != config.DriverMySQL }

func (t *GormTarget) Exec(ctx context.Context, statements []string) error {
	if len(statements) == 0 {
		return nil
	}

	if !t.transactionalDDL() {
		// MySQL commits DDL implicitly; a transaction would only be cosmetic.
		for _, stmt := range statements {
			if err := t.db.WithContext(ctx).Exec(stmt).Error; err != nil {
				return err
			}
		}

		return nil
	}

	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, stmt := range statements {
			if err := tx.Exec(stmt).Error; err != nil {
				return err
			}
		}

		return nil
	})
}

// --- Ledger ---

func (t *GormTarget) Applied(ctx context.Context) (map[string]struct{}, error) {
	var ids []string

	if err := t.db.WithContext(ctx).Model(&ledgerEntry{}).
		Pluck("migration", &ids).Error; err != nil {
		return nil, fmt.Errorf("reading migration ledger: %w", err)
	}

	applied := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		applied[id] = struct{}{}
	}

	return applied, nil
}

func (t *GormTarget) Has(ctx context.Context, id string) (bool, error) {
	var count int64

	if err := t.db.WithContext(ctx).Model(&ledgerEntry{}).
		Where("migration = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("checking migration ledger: %w", err)
	}

	return count > 0, nil
}

func (t *GormTarget) NextBatch(ctx context.Context) (int, error) {
	var batch sql.NullInt64

	row := t.db.WithContext(ctx).Model(&ledgerEntry{}).Select("MAX(batch)").Row()
	if err := row.Scan(&batch); err != nil {
		return 0, fmt.Errorf("reading last batch: %w", err)
	}

	if !batch.Valid {
		return 1, nil
	}

	return int(batch.Int64) + 1, nil
}

func (t *GormTarget) Log(ctx context.Context, id string, batch int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.db.WithContext(ctx).Create(&ledgerEntry{
		Migration: id,
		Batch:     batch,
	}).Error; err != nil {
		return fmt.Errorf("writing migration ledger: %w", err)
	}

	return nil
}

// --- Inspector ---

func (t *GormTarget) HasTable(ctx context.Context, name string) (bool, error) {
	return t.db.WithContext(ctx).Migrator().HasTable(name), nil
}

func (t *GormTarget) HasColumn(ctx context.Context, table, column string) (bool, error) {
	if table == "" {
		return false, errors.New("column lookup needs an owning table")
	}

	return t.db.WithContext(ctx).Migrator().HasColumn(table, column), nil
}

func (t *GormTarget) HasIndex(ctx context.Context, table, name string) (bool, error) {
	if table != "" {
		return t.db.WithContext(ctx).Migrator().HasIndex(table, name), nil
	}

	var query string

	switch t.driver {
	case config.DriverSQLite:
		query = "SELECT count(*) FROM sqlite_master WHERE type = 'index' AND name = ?"
	case config.DriverPostgres:
		query = "SELECT count(*) FROM pg_indexes WHERE schemaname = CURRENT_SCHEMA() AND indexname = ?"
	case config.DriverMySQL:
		query = "SELECT count(*) FROM information_schema.statistics WHERE table_schema = DATABASE() AND index_name = ?"
	default:
		return false, fmt.Errorf("index lookup unsupported for driver %s", t.driver)
	}

	return t.count(ctx, query, name)
}

func (t *GormTarget) HasConstraint(ctx context.Context, table, name string) (bool, error) {
	if table != "" {
		return t.db.WithContext(ctx).Migrator().HasConstraint(table, name), nil
	}

	var (
		query string
		arg   any = name
	)

	switch t.driver {
	case config.DriverSQLite:
		query = "SELECT count(*) FROM sqlite_master WHERE type = 'table' AND lower(sql) LIKE ?"
		arg = "%constraint%" + strings.ToLower(name) + "%"
	case config.DriverPostgres:
		query = "SELECT count(*) FROM information_schema.table_constraints WHERE constraint_schema = CURRENT_SCHEMA() AND constraint_name = ?"
	case config.DriverMySQL:
		query = "SELECT count(*) FROM information_schema.table_constraints WHERE constraint_schema = DATABASE() AND constraint_name = ?"
	default:
		return false, fmt.Errorf("constraint lookup unsupported for driver %s", t.driver)
	}

	return t.count(ctx, query, arg)
}

func (t *GormTarget) HasView(ctx context.Context, name string) (bool, error) {
	var query string

	switch t.driver {
	case config.DriverSQLite:
		query = "SELECT count(*) FROM sqlite_master WHERE type = 'view' AND name = ?"
	case config.DriverPostgres:
		query = "SELECT count(*) FROM information_schema.views WHERE table_schema = CURRENT_SCHEMA() AND table_name = ?"
	case config.DriverMySQL:
		query = "SELECT count(*) FROM information_schema.views WHERE table_schema = DATABASE() AND table_name = ?"
	default:
		return false, fmt.Errorf("view lookup unsupported for driver %s", t.driver)
	}

	return t.count(ctx, query, name)
}

func (t *GormTarget) count(ctx context.Context, query string, arg any) (bool, error) {
	var n int64

	if err := t.db.WithContext(ctx).Raw(query, arg).Scan(&n).Error; err != nil {
		return false, fmt.Errorf("inspecting schema: %w", err)
	}

	return n > 0, nil
}

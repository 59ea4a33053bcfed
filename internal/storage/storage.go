// Package storage persists execution history using GORM.
// Two backends are provided: SQLite (default, zero-config, pure Go via
// glebarez/sqlite) and PostgreSQL. All GORM usage is confined to this
// package — callers see plain domain types.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// Execution kinds.
const (
	KindBuild = "build"
	KindRun   = "run"
)

// Execution statuses.
const (
	StatusCompleted = "completed"
	StatusTimeout   = "timeout"
	StatusTruncated = "truncated"
	StatusFailed    = "failed"
)

// Execution is one recorded build or run.
type Execution struct {
	ID        string        `json:"id"`
	CasePath  string        `json:"case_path"`
	Kind      string        `json:"kind"`   // build | run
	Status    string        `json:"status"` // completed | timeout | truncated | failed
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	Truncated bool          `json:"truncated"`
	StartedAt time.Time     `json:"started_at"`
}

// ExecutionModel maps to the "executions" table.
type ExecutionModel struct {
	ID         string `gorm:"type:uuid;primaryKey"`
	CasePath   string `gorm:"not null;index"`
	Kind       string `gorm:"not null"`
	Status     string `gorm:"not null"`
	ExitCode   int
	DurationMS int64
	Truncated  bool
	StartedAt  time.Time `gorm:"not null;index"`
	CreatedAt  time.Time
}

func (ExecutionModel) TableName() string { return "executions" }

// Config configures the history backend.
type Config struct {
	Driver string // "sqlite" (default) or "postgres"

	// SQLite settings.
	Path        string // Database file path.
	JournalMode string // WAL mode by default.

	// PostgreSQL settings.
	DSN             string
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 30m
}

// Store records and queries execution history.
type Store struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

// Open connects to the configured backend and runs AutoMigrate.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gormCfg := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		db     *gorm.DB
		driver string
		err    error
	)
	switch cfg.Driver {
	case "", DriverSQLite:
		db, err = openSQLite(cfg, gormCfg, slogger)
		driver = DriverSQLite
	case DriverPostgres:
		db, err = openPostgres(cfg, gormCfg)
		driver = DriverPostgres
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&ExecutionModel{}); err != nil {
		return nil, fmt.Errorf("migrating executions table: %w", err)
	}

	return &Store{db: db, driver: driver, logger: slogger}, nil
}

func openSQLite(cfg Config, gormCfg *gorm.Config, slogger *slog.Logger) (*gorm.DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	// Ensure parent directory exists.
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	// Build DSN with pragmas.
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return db, nil
}

func openPostgres(cfg Config, gormCfg *gorm.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	maxLifetime := cfg.ConnMaxLifetime
	if maxLifetime <= 0 {
		maxLifetime = 30 * time.Minute
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(maxLifetime)

	return db, nil
}

// RecordExecution persists one execution. A missing ID is filled with a
// fresh UUID; the ID actually stored is returned.
func (s *Store) RecordExecution(ctx context.Context, exec Execution) (string, error) {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	model := ExecutionModel{
		ID:         exec.ID,
		CasePath:   exec.CasePath,
		Kind:       exec.Kind,
		Status:     exec.Status,
		ExitCode:   exec.ExitCode,
		DurationMS: exec.Duration.Milliseconds(),
		Truncated:  exec.Truncated,
		StartedAt:  exec.StartedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return "", fmt.Errorf("recording execution: %w", err)
	}
	return exec.ID, nil
}

// RecentExecutions returns up to limit executions, newest first. A
// non-empty casePath restricts the result to one case.
func (s *Store) RecentExecutions(ctx context.Context, casePath string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Model(&ExecutionModel{}).Order("started_at DESC").Limit(limit)
	if casePath != "" {
		q = q.Where("case_path = ?", casePath)
	}

	var models []ExecutionModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}

	execs := make([]Execution, 0, len(models))
	for _, m := range models {
		execs = append(execs, Execution{
			ID:        m.ID,
			CasePath:  m.CasePath,
			Kind:      m.Kind,
			Status:    m.Status,
			ExitCode:  m.ExitCode,
			Duration:  time.Duration(m.DurationMS) * time.Millisecond,
			Truncated: m.Truncated,
			StartedAt: m.StartedAt,
		})
	}
	return execs, nil
}

// PruneExecutions deletes executions started before the cutoff and
// returns how many rows were removed.
func (s *Store) PruneExecutions(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("started_at < ?", cutoff.UTC()).Delete(&ExecutionModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning executions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Ping checks the underlying connection for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Driver returns the storage driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// Package history keeps an append-only audit trail of finished builds in SQLite
// or PostgreSQL via GORM.
//
// History is write-mostly: records are never read back into the job store,
// so jobs still do not survive a restart. The only read path is List, used by
// the HTTP gateway.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const defaultListLimit = 50

// Config configures the history database.
type Config struct {
	Driver string
	DSN    string // File path for sqlite, connection string for postgres.

	MaxOpenConns int // Postgres only. Default: 10
}

// Entry is one finished build.
type Entry struct {
	JobID          string     `json:"job_id"`
	ProjectPath    string     `json:"project_path"`
	Scheme         string     `json:"scheme"`
	Status         string     `json:"status"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	ElapsedMS      int64      `json:"elapsed_ms"`
	ArtifactSHA256 string     `json:"artifact_sha256,omitempty"`
	ErrorCode      string     `json:"error_code,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// ListOptions filters List.
type ListOptions struct {
	Status string // Empty = any.
	Scheme string // Empty = any.
	Limit  int    // Default 50, max 500.
}

// Store persists build history.
type Store struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

// Open connects to the configured database and migrates the schema.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if slogger == nil {
		slogger = slog.Default()
	}
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gcfg := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case DriverSQLite:
		db, err = openSQLite(cfg.DSN, gcfg)
	case DriverPostgres:
		db, err = openPostgres(cfg, gcfg)
	default:
		return nil, fmt.Errorf("unsupported history driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&BuildRecordModel{}); err != nil {
		return nil, fmt.Errorf("auto-migrating history: %w", err)
	}

	slogger.Info("history store opened", slog.String("driver", cfg.Driver))
	return &Store{db: db, driver: cfg.Driver, logger: slogger}, nil
}

func openSQLite(path string, gcfg *gorm.Config) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
		dsn = fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)
	}
	db, err := gorm.Open(sqlite.Open(dsn), gcfg)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would get its own empty in-memory database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

func openPostgres(cfg Config, gcfg *gorm.Config) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	gcfg.PrepareStmt = true
	db, err := gorm.Open(postgres.Open(cfg.DSN), gcfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Record appends one entry. A duplicate job id is an error.
func (s *Store) Record(ctx context.Context, e Entry) error {
	model := toModel(e)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("recording build %s: %w", e.JobID, err)
	}
	return nil
}

// List returns entries newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > 500 {
		limit = 500
	}

	q := s.db.WithContext(ctx).Order("started_at DESC").Order("id DESC").Limit(limit)
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}
	if opts.Scheme != "" {
		q = q.Where("scheme = ?", opts.Scheme)
	}

	var models []BuildRecordModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing build history: %w", err)
	}
	entries := make([]Entry, len(models))
	for i := range models {
		entries[i] = toEntry(&models[i])
	}
	return entries, nil
}

// Ping checks the database connection for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.sqlDB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.sqlDB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) sqlDB() (*sql.DB, error) {
	return s.db.DB()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "history"))
}

// Package storage persists run history: one record per provisioning or
// test-run operation. Two backends share one GORM store: SQLite (default,
// zero-config, pure Go via glebarez/sqlite) and PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/jaribu/internal/config"
)

// Driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrRunNotFound indicates an unknown run record ID.
var ErrRunNotFound = errors.New("run record not found")

// RunRecord is one provisioning or test-run outcome.
type RunRecord struct {
	ID            string `gorm:"primaryKey;size:36"`
	EnvironmentID string `gorm:"index;size:36"`
	Source        string
	Branch        string
	Runtime       string `gorm:"size:16"`
	Runner        string `gorm:"size:32"`
	Outcome       string `gorm:"size:32;index"` // provisioned, success, failures, execution_error, error
	Total         int
	Passed        int
	Failed        int
	Skipped       int
	DurationMS    int64
	Detail        string
	CreatedAt     time.Time `gorm:"index"`
}

// Store is the GORM-backed run-history store.
type Store struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

// Open connects the configured backend and migrates the schema.
// sqlitePath is the fallback database location when cfg is nil or selects
// SQLite without an explicit path.
func Open(cfg *config.StorageConfig, sqlitePath string, slogger *slog.Logger) (*Store, error) {
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
	switch cfg.StorageDriver() {
	case DriverPostgres:
		driver = DriverPostgres
		sqlDB, perr := openPostgres(cfg.Postgres.DSN)
		if perr != nil {
			return nil, perr
		}
		db, err = gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gormCfg)
		if err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if err := configurePool(db, cfg.Postgres); err != nil {
			return nil, err
		}
	default:
		driver = DriverSQLite
		path := sqlitePath
		if cfg != nil && cfg.SQLite != nil && cfg.SQLite.Path != "" {
			path = cfg.SQLite.Path
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite database: %w", err)
		}
	}

	if err := db.AutoMigrate(&RunRecord{}); err != nil {
		return nil, fmt.Errorf("auto-migrating: %w", err)
	}

	slogger.Info("storage ready", slog.String("driver", driver))
	return &Store{db: db, driver: driver, logger: slogger}, nil
}

// openPostgres opens the connection via the pgx stdlib driver and verifies
// reachability before the store is handed to GORM.
func openPostgres(dsn string) (*sql.DB, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}
	return sqlDB, nil
}

func configurePool(db *gorm.DB, cfg *config.PostgresStorageConfig) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := time.Duration(cfg.ConnMaxLifetimeS) * time.Second
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(lifetime)
	return nil
}

// Driver returns the backend driver name.
func (s *Store) Driver() string { return s.driver }

// SaveRun persists one run record.
func (s *Store) SaveRun(ctx context.Context, rec *RunRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("saving run record: %w", err)
	}
	return nil
}

// GetRun returns the record with the given ID.
func (s *Store) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	var rec RunRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading run record: %w", err)
	}
	return &rec, nil
}

// ListRuns returns the most recent records, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []*RunRecord
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing run records: %w", err)
	}
	return recs, nil
}

// ListRunsForEnvironment returns all records for one environment,
// newest first.
func (s *Store) ListRunsForEnvironment(ctx context.Context, envID string) ([]*RunRecord, error) {
	var recs []*RunRecord
	err := s.db.WithContext(ctx).
		Where("environment_id = ?", envID).
		Order("created_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing run records for %s: %w", envID, err)
	}
	return recs, nil
}

// Ping checks the database connection for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection.
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

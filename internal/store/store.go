// Package store persists run history with GORM. A plain path or sqlite DSN
// opens a pure-Go SQLite database; a postgres URL or key/value DSN opens
// PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"appforge/internal/metrics"
	"appforge/pkg/models"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a run record does not exist.
var ErrNotFound = errors.New("run record not found")

// DefaultListLimit caps ListRuns when no limit is given.
const DefaultListLimit = 50

// Store wraps the GORM database instance
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	driver string
}

// Open connects to dsn and runs migrations.
func Open(dsn string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("store: empty DSN")
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	driver, dialector := dialectorFor(dsn)
	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if driver == "sqlite" {
		// SQLite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	s := &Store{db: db, logger: log, driver: driver}
	if err := s.Migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("run store ready", zap.String("driver", driver))
	return s, nil
}

func dialectorFor(dsn string) (string, gorm.Dialector) {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"),
		strings.HasPrefix(lower, "postgresql://"),
		strings.Contains(lower, "host=") && strings.Contains(lower, "dbname="):
		return "postgres", postgres.Open(dsn)
	default:
		return "sqlite", sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
	}
}

// Migrate creates or updates the schema.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&models.RunRecord{}); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// DB exposes the GORM handle for collectors.
func (s *Store) DB() *gorm.DB { return s.db }

// Driver returns "sqlite" or "postgres".
func (s *Store) Driver() string { return s.driver }

// SaveRun inserts a run record.
func (s *Store) SaveRun(ctx context.Context, rec *models.RunRecord) error {
	start := time.Now()
	err := s.db.WithContext(ctx).Create(rec).Error
	metrics.Get().RecordDBQuery("insert", "run_records", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("save run %s: %w", rec.RunID, err)
	}
	return nil
}

// ListRuns returns the most recent runs first. limit <= 0 uses
// DefaultListLimit.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]models.RunRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	start := time.Now()
	var runs []models.RunRecord
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error
	metrics.Get().RecordDBQuery("select", "run_records", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// GetRun returns the record for runID.
func (s *Store) GetRun(ctx context.Context, runID string) (*models.RunRecord, error) {
	start := time.Now()
	var rec models.RunRecord
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&rec).Error
	metrics.Get().RecordDBQuery("select", "run_records", time.Since(start), err)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return &rec, nil
}

// Prune soft-deletes all but the newest keep records.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	var cutoff models.RunRecord
	err := s.db.WithContext(ctx).Order("id DESC").Offset(keep).Limit(1).Find(&cutoff).Error
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	if cutoff.ID == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id <= ?", cutoff.ID).Delete(&models.RunRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune runs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

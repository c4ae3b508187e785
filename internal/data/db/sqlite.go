package db

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/tddforge/tddforge-backend/internal/platform/envutil"
	"github.com/tddforge/tddforge-backend/internal/platform/logger"
)

// SqliteService is the default single-file store. The connection pool is
// pinned to one open connection so every write is serialised through the
// same handle; readers see a consistent snapshot per statement.
type SqliteService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSqliteService(logg *logger.Logger) (*SqliteService, error) {
	serviceLog := logg.With("service", "SqliteService")

	path := envutil.Str("SQLITE_PATH", "tddforge.db")
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_fk=1", path)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	serviceLog.Info("sqlite store opened", "path", path)
	return &SqliteService{db: db, log: serviceLog}, nil
}

// NewMemorySqliteService opens a private in-memory store. Used by tests and
// by ephemeral runs that do not need durability across restarts.
func NewMemorySqliteService(logg *logger.Logger) (*SqliteService, error) {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_fk=1"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory sqlite store: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return &SqliteService{db: db, log: logg.With("service", "SqliteService")}, nil
}

func (s *SqliteService) DB() *gorm.DB { return s.db }

func (s *SqliteService) AutoMigrateAll() error {
	if err := AutoMigrateAll(s.db); err != nil {
		return err
	}
	return CreateViews(s.db)
}

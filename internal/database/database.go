package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sharkey-go/latestnote/internal/latestnote"
	"github.com/sharkey-go/latestnote/internal/notes"
	"github.com/sharkey-go/latestnote/internal/social"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"

	gormLoggerName    = "gorm"
	gormSlowThreshold = 200 * time.Millisecond
)

// Config selects the SQL backend.
type Config struct {
	Driver string
	DSN    string
}

// Open connects to the configured database. It does not touch the schema.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverSQLite, "":
		dialector = sqlite.Open(cfg.DSN)
	case DriverMySQL:
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	queryLogger, err := newGormLogger(logger)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: queryLogger})
	if err != nil {
		return nil, err
	}
	if db.Dialector.Name() == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if logger != nil {
		logger.Info("database opened", zap.String("driver", db.Dialector.Name()))
	}
	return db, nil
}

// newGormLogger writes gorm's slow query and error reports to logger at warn level. Lookups that
// find nothing are an expected result for the projection and are not reported.
func newGormLogger(logger *zap.Logger) (gormlogger.Interface, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	writer, err := zap.NewStdLogAt(logger.Named(gormLoggerName), zap.WarnLevel)
	if err != nil {
		return nil, err
	}
	return gormlogger.New(writer, gormlogger.Config{
		SlowThreshold:             gormSlowThreshold,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	}), nil
}

// Migrate brings the schema up to date. A per-user projection table left by an older release is
// moved aside before the composite table is created and is then rebuilt into it.
func Migrate(ctx context.Context, db *gorm.DB, logger *zap.Logger) error {
	if db == nil {
		return fmt.Errorf("database handle is required")
	}
	if err := detachLegacyProjection(db, logger); err != nil {
		return err
	}
	if err := db.AutoMigrate(&notes.Note{}, &latestnote.LatestNote{}, &social.Following{}, &migrationRecord{}); err != nil {
		return err
	}
	return applyMigrations(ctx, db, logger)
}

// OpenAndMigrate combines Open and Migrate.
func OpenAndMigrate(ctx context.Context, cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	db, err := Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db, logger); err != nil {
		return nil, err
	}
	return db, nil
}

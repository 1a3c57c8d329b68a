package database

import (
	"context"
	"errors"
	"time"

	"github.com/sharkey-go/latestnote/internal/latestnote"
	"github.com/sharkey-go/latestnote/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationSplitLatestNoteByType = "2024-10-08_split_latest_note_by_type"
	legacyProjectionTable          = "latest_note_legacy"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(context.Context, *gorm.DB, *zap.Logger) error
}

func applyMigrations(ctx context.Context, db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSplitLatestNoteByType, apply: rebuildLegacyProjection},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.WithContext(ctx).Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(ctx, db, logger); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.WithContext(ctx).Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// detachLegacyProjection renames a latest_note table that predates the type flags so that
// AutoMigrate can create the composite-key table under the same name.
func detachLegacyProjection(db *gorm.DB, logger *zap.Logger) error {
	migrator := db.Migrator()
	if !migrator.HasTable(&latestnote.LatestNote{}) {
		return nil
	}
	if migrator.HasColumn(&latestnote.LatestNote{}, "is_public") {
		return nil
	}
	if migrator.HasTable(legacyProjectionTable) {
		return errors.New("legacy latest_note table present twice")
	}
	if err := migrator.RenameTable(latestnote.LatestNote{}.TableName(), legacyProjectionTable); err != nil {
		return err
	}
	if logger != nil {
		logger.Info("legacy projection table detached", zap.String("table", legacyProjectionTable))
	}
	return nil
}

// rebuildLegacyProjection recomputes every key for each user that had a legacy row, then drops
// the legacy table. Legacy note ids are not trusted since they carry no type information.
func rebuildLegacyProjection(ctx context.Context, db *gorm.DB, logger *zap.Logger) error {
	migrator := db.Migrator()
	if !migrator.HasTable(legacyProjectionTable) {
		return nil
	}

	var userIDs []string
	if err := db.WithContext(ctx).Table(legacyProjectionTable).Distinct("user_id").Order("user_id").Pluck("user_id", &userIDs).Error; err != nil {
		return err
	}

	rebuilder, err := latestnote.NewRebuilder(latestnote.RebuilderConfig{
		Store:  latestnote.NewStore(db),
		Notes:  notes.NewStore(db),
		Logger: logger,
	})
	if err != nil {
		return err
	}
	for _, userID := range userIDs {
		if _, err := rebuilder.RebuildUser(ctx, userID); err != nil {
			return err
		}
	}
	return migrator.DropTable(legacyProjectionTable)
}

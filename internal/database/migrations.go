package database

import (
	"errors"
	"time"

	"github.com/LoomNotesLab/loom/backend/internal/pages"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillUntitledPages = "2026-07-14_backfill_untitled_page_titles"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillUntitledPages, apply: backfillUntitledPageTitles},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written before the title default moved server-side may hold blank
// or whitespace-only titles.
func backfillUntitledPageTitles(db *gorm.DB) error {
	return db.Model(&pages.Page{}).
		Where("trim(title) = ''").
		Update("title", pages.DefaultTitle).Error
}

package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ontask-platform/ontask/internal/scheduler"
	"github.com/ontask-platform/ontask/internal/workspace"
)

const (
	migrationBackfillAttributes    = "2026-07-14_backfill_workflow_attributes"
	migrationNormalizeItemStatuses = "2026-08-02_normalize_scheduled_statuses"
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
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillAttributes, apply: backfillWorkflowAttributes},
		{name: migrationNormalizeItemStatuses, apply: normalizeScheduledStatuses},
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

func backfillWorkflowAttributes(db *gorm.DB) error {
	return db.Model(&workspace.Workflow{}).
		Where("attributes_json = '' OR attributes_json IS NULL").
		Update("attributes_json", "{}").Error
}

// normalizeScheduledStatuses folds the legacy "executed" status into the
// current terminal name.
func normalizeScheduledStatuses(db *gorm.DB) error {
	return db.Model(&scheduler.ScheduledItem{}).
		Where("status = ?", "executed").
		Update("status", scheduler.StatusDone).Error
}

package database

import (
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ontask-platform/ontask/internal/scheduler"
	"github.com/ontask-platform/ontask/internal/workspace"
)

func TestApplyMigrationsNormalizesLegacyRows(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	models := append(workspace.Models(), &scheduler.ScheduledItem{}, &migrationRecord{})
	if err := database.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	workflow := workspace.Workflow{Owner: "instructor@example.edu", Name: "Course"}
	if err := database.Create(&workflow).Error; err != nil {
		testContext.Fatalf("failed to insert workflow: %v", err)
	}
	if err := database.Model(&workspace.Workflow{}).Where("id = ?", workflow.ID).
		Update("attributes_json", "").Error; err != nil {
		testContext.Fatalf("failed to blank attributes: %v", err)
	}

	item := scheduler.ScheduledItem{
		Name:      "weekly digest",
		ActionID:  1,
		Owner:     "instructor@example.edu",
		ExecuteAt: time.Now(),
		Status:    "executed",
	}
	if err := database.Create(&item).Error; err != nil {
		testContext.Fatalf("failed to insert scheduled item: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var storedWorkflow workspace.Workflow
	if err := database.Take(&storedWorkflow, workflow.ID).Error; err != nil {
		testContext.Fatalf("failed to reload workflow: %v", err)
	}
	if storedWorkflow.AttributesJSON != "{}" {
		testContext.Fatalf("expected attributes backfill, got %q", storedWorkflow.AttributesJSON)
	}

	var storedItem scheduler.ScheduledItem
	if err := database.Take(&storedItem, item.ID).Error; err != nil {
		testContext.Fatalf("failed to reload scheduled item: %v", err)
	}
	if storedItem.Status != scheduler.StatusDone {
		testContext.Fatalf("expected status %q, got %q", scheduler.StatusDone, storedItem.Status)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeItemStatuses).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

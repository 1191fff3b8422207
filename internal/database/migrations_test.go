package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/stamptour/internal/identity"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsDiscardsBlankParticipantID(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&identity.Entry{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	entries := []identity.Entry{
		{Key: identity.ParticipantIDKey, Value: "  "},
		{Key: identity.ParticipantDataKey, Value: `{"id":"","stamp_count":0}`},
	}
	if err := database.Create(&entries).Error; err != nil {
		testContext.Fatalf("failed to insert entries: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var remaining int64
	if err := database.Model(&identity.Entry{}).Count(&remaining).Error; err != nil {
		testContext.Fatalf("failed to count entries: %v", err)
	}
	if remaining != 0 {
		testContext.Fatalf("expected blank identity to be discarded, %d entries remain", remaining)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationDiscardBlankParticipantID).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenSQLiteKeepsValidIdentity(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "stamptour.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if err := database.Create(&identity.Entry{Key: identity.ParticipantIDKey, Value: "participant-1"}).Error; err != nil {
		testContext.Fatalf("failed to insert identity: %v", err)
	}
	sqlDB, _ := database.DB()
	_ = sqlDB.Close()

	reopened, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to reopen database: %v", err)
	}
	var entry identity.Entry
	if err := reopened.Where("entry_key = ?", identity.ParticipantIDKey).Take(&entry).Error; err != nil {
		testContext.Fatalf("expected identity to survive restart: %v", err)
	}
	if entry.Value != "participant-1" {
		testContext.Fatalf("unexpected stored identity %q", entry.Value)
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}

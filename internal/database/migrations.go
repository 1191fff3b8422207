package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/stamptour/internal/identity"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationDiscardBlankParticipantID = "2025-10-01_discard_blank_participant_id"

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
		{name: migrationDiscardBlankParticipantID, apply: discardBlankParticipantID},
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

// Early builds persisted an empty identifier after failed scans; a blank id would
// be sent to the backend as an unknown participant, so drop it together with its snapshot.
func discardBlankParticipantID(db *gorm.DB) error {
	var blank int64
	if err := db.Model(&identity.Entry{}).
		Where("entry_key = ? AND TRIM(entry_value) = ''", identity.ParticipantIDKey).
		Count(&blank).Error; err != nil {
		return err
	}
	if blank == 0 {
		return nil
	}
	return db.Where("entry_key IN ?", []string{identity.ParticipantIDKey, identity.ParticipantDataKey}).
		Delete(&identity.Entry{}).Error
}

package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/laurels/internal/competition"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationReleaseStrandedLocks     = "2024-03-01_release_stranded_scoring_locks"
	migrationBackfillCredentialPublic = "2024-04-12_backfill_credential_visibility"
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
		{name: migrationReleaseStrandedLocks, apply: releaseStrandedScoringLocks},
		{name: migrationBackfillCredentialPublic, apply: backfillCredentialVisibility},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// scoring_locked only exists inside the lock-and-compute transaction; a persisted
// value means a write outside that transaction, so scoring is reopened.
func releaseStrandedScoringLocks(db *gorm.DB) error {
	return db.Model(&competition.Event{}).
		Where("results_status = ?", competition.StatusScoringLocked).
		Update("results_status", competition.StatusScoringOpen).Error
}

func backfillCredentialVisibility(db *gorm.DB) error {
	return db.Model(&competition.Credential{}).
		Where("tier <> ?", "participant").
		Where("is_public = ?", false).
		Update("is_public", true).Error
}

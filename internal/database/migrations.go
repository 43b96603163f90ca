package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/missions/internal/kv/sqlstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationClearNegativeExpiry  = "2026-03-04_clear_negative_key_expiry"
	migrationDropOrphanedListRows = "2026-04-12_drop_orphaned_list_rows"
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
		{name: migrationClearNegativeExpiry, apply: clearNegativeExpiry},
		{name: migrationDropOrphanedListRows, apply: dropOrphanedListRows},
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

// clearNegativeExpiry turns expiries written as negative sentinels into "never expires".
func clearNegativeExpiry(db *gorm.DB) error {
	return db.Model(&sqlstore.KeyRecord{}).
		Where("expires_at_ns < 0").
		Update("expires_at_ns", 0).Error
}

// dropOrphanedListRows removes list elements whose key record is gone.
func dropOrphanedListRows(db *gorm.DB) error {
	return db.Where("kv_key NOT IN (?)", db.Model(&sqlstore.KeyRecord{}).Select("kv_key")).
		Delete(&sqlstore.ListItem{}).Error
}

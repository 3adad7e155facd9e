package cache

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeCampaignStatus = "2024-06-10_normalize_campaign_status"
	migrationDropOrphanConversations = "2024-07-02_drop_orphan_conversations"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "cache_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeCampaignStatus, apply: normalizeCampaignStatus},
		{name: migrationDropOrphanConversations, apply: dropOrphanConversations},
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
			logger.Info("cache migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeCampaignStatus rewrites backend spellings stored by early builds.
func normalizeCampaignStatus(db *gorm.DB) error {
	replacements := map[string]string{
		"canceled":  "cancelled",
		"complete":  "completed",
		"finished":  "completed",
		"done":      "completed",
		"error":     "failed",
		"stopped":   "cancelled",
		"COMPLETED": "completed",
	}
	for from, to := range replacements {
		err := db.Model(&campaignProgressRecord{}).
			Where("status = ?", from).
			Update("status", to).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func dropOrphanConversations(db *gorm.DB) error {
	return db.Where("tenant_id = ? OR conversation_id = ?", "", "").
		Delete(&conversationRecord{}).Error
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wadesk/syncd/internal/campaigns"
	"github.com/wadesk/syncd/internal/inbox"
)

// ErrMissingTenant indicates a store built without a tenant scope.
var ErrMissingTenant = errors.New("cache: tenant id is required")

type conversationRecord struct {
	TenantID         string `gorm:"column:tenant_id;primaryKey;size:190;not null"`
	ConversationID   string `gorm:"column:conversation_id;primaryKey;size:190;not null"`
	Position         int    `gorm:"column:position;not null;index"`
	Payload          string `gorm:"column:payload;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

func (conversationRecord) TableName() string {
	return "cached_conversations"
}

type campaignProgressRecord struct {
	TenantID         string   `gorm:"column:tenant_id;primaryKey;size:190;not null"`
	CampaignID       string   `gorm:"column:campaign_id;primaryKey;size:190;not null"`
	Status           string   `gorm:"column:status;size:32;not null"`
	Sent             int      `gorm:"column:sent;not null"`
	Delivered        int      `gorm:"column:delivered;not null"`
	Read             int      `gorm:"column:read_count;not null"`
	Failed           int      `gorm:"column:failed;not null"`
	Total            int      `gorm:"column:total;not null"`
	Percentage       *float64 `gorm:"column:percentage"`
	UpdatedAtSeconds int64    `gorm:"column:updated_at_s;not null"`
}

func (campaignProgressRecord) TableName() string {
	return "cached_campaign_progress"
}

// StoreConfig configures a tenant-scoped Store.
type StoreConfig struct {
	Database *gorm.DB
	TenantID string
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists inbox and campaign baselines for one tenant.
type Store struct {
	db       *gorm.DB
	tenantID string
	clock    func() time.Time
	logger   *zap.Logger
}

// NewStore validates cfg and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("cache: database handle is required")
	}
	tenantID := strings.TrimSpace(cfg.TenantID)
	if tenantID == "" {
		return nil, ErrMissingTenant
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, tenantID: tenantID, clock: clock, logger: logger}, nil
}

// SaveConversations replaces the cached conversation list, keeping its order.
func (s *Store) SaveConversations(ctx context.Context, conversations []inbox.Conversation) error {
	now := s.clock().UTC().Unix()
	records := make([]conversationRecord, 0, len(conversations))
	for position, conversation := range conversations {
		payload, err := json.Marshal(conversation)
		if err != nil {
			return fmt.Errorf("cache: encode conversation %s: %w", conversation.ID, err)
		}
		records = append(records, conversationRecord{
			TenantID:         s.tenantID,
			ConversationID:   conversation.ID,
			Position:         position,
			Payload:          string(payload),
			UpdatedAtSeconds: now,
		})
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tenant_id = ?", s.tenantID).Delete(&conversationRecord{}).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return tx.CreateInBatches(records, 200).Error
	})
}

// LoadConversations returns the cached conversation list in saved order.
// Rows that no longer decode are skipped.
func (s *Store) LoadConversations(ctx context.Context) ([]inbox.Conversation, error) {
	var records []conversationRecord
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", s.tenantID).
		Order("position ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	conversations := make([]inbox.Conversation, 0, len(records))
	for _, record := range records {
		var conversation inbox.Conversation
		if err := json.Unmarshal([]byte(record.Payload), &conversation); err != nil {
			s.logger.Warn("cached conversation skipped",
				zap.String("conversation_id", record.ConversationID),
				zap.Error(err))
			continue
		}
		conversations = append(conversations, conversation)
	}
	return conversations, nil
}

// SaveCampaignProgress upserts the tally of one campaign.
func (s *Store) SaveCampaignProgress(ctx context.Context, progress campaigns.Progress) error {
	if strings.TrimSpace(progress.CampaignID) == "" {
		return campaigns.ErrInvalidCampaignID
	}
	record := campaignProgressRecord{
		TenantID:         s.tenantID,
		CampaignID:       progress.CampaignID,
		Status:           string(progress.Status),
		Sent:             progress.Sent,
		Delivered:        progress.Delivered,
		Read:             progress.Read,
		Failed:           progress.Failed,
		Total:            progress.Total,
		Percentage:       progress.ReportedPercentage,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&record).Error
}

// LoadCampaignProgress returns the cached tally of campaignID, if any.
func (s *Store) LoadCampaignProgress(ctx context.Context, campaignID string) (campaigns.Progress, bool, error) {
	var record campaignProgressRecord
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND campaign_id = ?", s.tenantID, campaignID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return campaigns.Progress{}, false, nil
	}
	if err != nil {
		return campaigns.Progress{}, false, err
	}
	status, ok := campaigns.ParseStatus(record.Status)
	if !ok {
		status = campaigns.StatusIdle
	}
	return campaigns.Progress{
		CampaignID: record.CampaignID,
		Counters: campaigns.Counters{
			Sent:      record.Sent,
			Delivered: record.Delivered,
			Read:      record.Read,
			Failed:    record.Failed,
			Total:     record.Total,
		},
		ReportedPercentage: record.Percentage,
		Status:             status,
		UpdatedAt:          time.Unix(record.UpdatedAtSeconds, 0).UTC(),
	}, true, nil
}

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/engagement-dispatch/pkg/enums"
)

// DeliveryLog is one immutable delivery record. Its ID is the log_id carried
// by tracking links.
type DeliveryLog struct {
	ID                  uuid.UUID     `gorm:"column:id;type:uuid;primaryKey" json:"logId"`
	CampaignID          uuid.UUID     `gorm:"column:campaign_id;type:uuid;not null;index:idx_delivery_logs_campaign_target" json:"campaignId"`
	RecipientTarget     string        `gorm:"column:recipient_target;type:text;not null;index:idx_delivery_logs_campaign_target" json:"recipientTarget"`
	RecipientIdentifier string        `gorm:"column:recipient_identifier;type:text;not null" json:"recipientIdentifier"`
	Channel             enums.Channel `gorm:"column:channel;type:text;not null" json:"channel"`
	Subject             string        `gorm:"column:subject;type:text;not null" json:"subject"`
	Body                string        `gorm:"column:body;type:text;not null" json:"body"`
	SentAt              time.Time     `gorm:"column:sent_at;not null" json:"sentAt"`
}

func (d *DeliveryLog) BeforeCreate(*gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.SentAt.IsZero() {
		d.SentAt = time.Now().UTC()
	}
	return nil
}

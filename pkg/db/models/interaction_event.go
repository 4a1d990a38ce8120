package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/engagement-dispatch/pkg/enums"
)

// InteractionEvent is an open or click observed for a delivered message.
type InteractionEvent struct {
	ID         uuid.UUID               `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	CampaignID uuid.UUID               `gorm:"column:campaign_id;type:uuid;not null;index" json:"campaignId"`
	LogID      uuid.UUID               `gorm:"column:log_id;type:uuid;not null;index" json:"logId"`
	Action     enums.InteractionAction `gorm:"column:action;type:text;not null" json:"action"`
	Target     string                  `gorm:"column:target;type:text;not null" json:"target"`
	Data       datatypes.JSONMap       `gorm:"column:data" json:"data,omitempty"`
	OccurredAt time.Time               `gorm:"column:occurred_at;not null" json:"occurredAt"`
}

func (e *InteractionEvent) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return nil
}

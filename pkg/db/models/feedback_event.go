package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// FeedbackEvent is a recipient's vote on a delivered message, with an optional
// comment attached later by id.
type FeedbackEvent struct {
	ID         uuid.UUID  `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	SourceID   string     `gorm:"column:source_id;type:text;not null" json:"sourceId"`
	CampaignID uuid.UUID  `gorm:"column:campaign_id;type:uuid;not null;index" json:"campaignId"`
	LogID      uuid.UUID  `gorm:"column:log_id;type:uuid;not null;index" json:"logId"`
	Vote       int        `gorm:"column:vote;not null" json:"vote"`
	Comment    *string    `gorm:"column:comment;type:text" json:"comment,omitempty"`
	Target     string     `gorm:"column:target;type:text;not null" json:"target"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	CommentAt  *time.Time `gorm:"column:comment_at" json:"commentAt,omitempty"`
}

func (f *FeedbackEvent) BeforeCreate(*gorm.DB) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	return nil
}

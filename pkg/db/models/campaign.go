package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/engagement-dispatch/pkg/enums"
	"github.com/angelmondragon/engagement-dispatch/pkg/types"
)

// Campaign is an audience rule plus message template over one recipient list.
type Campaign struct {
	ID              uuid.UUID                                 `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	Name            string                                    `gorm:"column:name;type:text;not null" json:"name"`
	ListID          uuid.UUID                                 `gorm:"column:list_id;type:uuid;not null;index" json:"listId"`
	OwnerEmail      string                                    `gorm:"column:owner_email;type:text;not null" json:"ownerEmail"`
	OwnerName       string                                    `gorm:"column:owner_name;type:text;not null" json:"ownerName"`
	AudienceRule    datatypes.JSONType[types.AudienceRule]    `gorm:"column:audience_rule;not null" json:"audienceRule"`
	Template        datatypes.JSONType[types.MessageTemplate] `gorm:"column:message_template;not null" json:"messageTemplate"`
	Channels        datatypes.JSONType[[]enums.Channel]       `gorm:"column:contact_channels;not null" json:"contactChannels"`
	CounterColumnID *string                                   `gorm:"column:counter_column_id;type:text" json:"counterColumnId,omitempty"`
	CounterReset    *int64                                    `gorm:"column:counter_reset" json:"counterReset,omitempty"`
	DispatchStatus  enums.DispatchStatus                      `gorm:"column:dispatch_status;type:text;not null" json:"dispatchStatus"`
	LastDispatchErr *string                                   `gorm:"column:last_dispatch_error;type:text" json:"lastDispatchError,omitempty"`
	DispatchedAt    *time.Time                                `gorm:"column:dispatched_at" json:"dispatchedAt,omitempty"`
	CreatedAt       time.Time                                 `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time                                 `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

func (c *Campaign) BeforeCreate(*gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.DispatchStatus == "" {
		c.DispatchStatus = enums.DispatchStatusIdle
	}
	return nil
}

// ContactChannels unwraps the stored channel set.
func (c Campaign) ContactChannels() []enums.Channel {
	return c.Channels.Data()
}

// CampaignRun is one entry in a campaign's run history.
type CampaignRun struct {
	ID         uuid.UUID                           `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	CampaignID uuid.UUID                           `gorm:"column:campaign_id;type:uuid;not null;index" json:"campaignId"`
	RunBy      string                              `gorm:"column:run_by;type:text;not null" json:"runBy"`
	RunAt      time.Time                           `gorm:"column:run_at;not null" json:"runAt"`
	Channels   datatypes.JSONType[[]enums.Channel] `gorm:"column:channels;not null" json:"channels"`
}

func (r *CampaignRun) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

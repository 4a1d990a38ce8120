package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/engagement-dispatch/pkg/enums"
)

// ScheduledTask is one pending (or leased) invocation in the deferred task
// queue. TaskID is unique, so a task id has at most one queued invocation.
type ScheduledTask struct {
	ID                  uuid.UUID        `gorm:"column:id;type:uuid;primaryKey"`
	TaskID              string           `gorm:"column:task_id;type:text;not null;uniqueIndex"`
	Handler             string           `gorm:"column:handler;type:text;not null"`
	Args                datatypes.JSON   `gorm:"column:args"`
	RunAt               time.Time        `gorm:"column:run_at;not null;index"`
	Coalesce            bool             `gorm:"column:coalesce_runs;not null"`
	MisfireGraceSeconds int              `gorm:"column:misfire_grace_seconds;not null"`
	MaxInstances        int              `gorm:"column:max_instances;not null"`
	Status              enums.TaskStatus `gorm:"column:status;type:text;not null;index"`
	Revision            string           `gorm:"column:revision;type:text;not null"`
	Attempts            int              `gorm:"column:attempts;not null"`
	LeaseToken          *string          `gorm:"column:lease_token;type:text"`
	LeaseOwner          *string          `gorm:"column:lease_owner;type:text"`
	LeaseUntil          *time.Time       `gorm:"column:lease_until"`
	LastError           *string          `gorm:"column:last_error;type:text"`
	CreatedAt           time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

func (t *ScheduledTask) BeforeCreate(*gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// MisfireGrace returns the grace window as a duration; zero means unlimited.
func (t ScheduledTask) MisfireGrace() time.Duration {
	return time.Duration(t.MisfireGraceSeconds) * time.Second
}

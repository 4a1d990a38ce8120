package models

import "time"

// JobClaim is the exclusive execution right over one logical job. The primary
// key on JobID is what makes the claim mutually exclusive across processes.
type JobClaim struct {
	JobID        string    `gorm:"column:job_id;type:text;primaryKey"`
	Token        string    `gorm:"column:token;type:text;not null"`
	OwnerNode    string    `gorm:"column:owner_node;type:text;not null"`
	OwnerProcess int       `gorm:"column:owner_process;not null"`
	ClaimedAt    time.Time `gorm:"column:claimed_at;not null"`
}

// Age returns how long the claim has been held as of now.
func (c JobClaim) Age(now time.Time) time.Duration {
	return now.Sub(c.ClaimedAt)
}

package claims

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/engagement-dispatch/internal/repo"
	"github.com/angelmondragon/engagement-dispatch/pkg/db"
	"github.com/angelmondragon/engagement-dispatch/pkg/db/models"
)

// GormStore keeps claims in the job_claims table. The primary key on job_id
// provides the mutual exclusion.
type GormStore struct {
	repo.Base
}

func NewGormStore(conn *gorm.DB) *GormStore {
	return &GormStore{Base: repo.NewBase(conn)}
}

func (s *GormStore) Insert(ctx context.Context, claim models.JobClaim) error {
	err := s.DB(ctx).Create(&claim).Error
	if db.IsUniqueViolation(err) {
		return ErrAlreadyClaimed
	}
	return err
}

func (s *GormStore) Get(ctx context.Context, jobID string) (*models.JobClaim, error) {
	var claim models.JobClaim
	err := s.DB(ctx).Where("job_id = ?", jobID).Take(&claim).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &claim, nil
}

func (s *GormStore) Delete(ctx context.Context, jobID, token string) (bool, error) {
	res := s.DB(ctx).Where("job_id = ? AND token = ?", jobID, token).Delete(&models.JobClaim{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DeleteOlderThan removes every claim taken before cutoff and returns the
// rows it actually removed. Each delete is token-scoped, so a claim re-taken
// between the read and the delete survives.
func (s *GormStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]models.JobClaim, error) {
	var stale []models.JobClaim
	if err := s.DB(ctx).Where("claimed_at < ?", cutoff).Order("claimed_at ASC").Find(&stale).Error; err != nil {
		return nil, err
	}
	removed := make([]models.JobClaim, 0, len(stale))
	for _, claim := range stale {
		ok, err := s.Delete(ctx, claim.JobID, claim.Token)
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, claim)
		}
	}
	return removed, nil
}

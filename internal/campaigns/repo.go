package campaigns

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/engagement-dispatch/internal/repo"
	"github.com/angelmondragon/engagement-dispatch/pkg/db/models"
	"github.com/angelmondragon/engagement-dispatch/pkg/enums"
)

var ErrNotFound = errors.New("campaigns: campaign not found")

// Repository persists campaigns and their run history.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Get(ctx context.Context, id uuid.UUID) (*models.Campaign, error)
	Save(ctx context.Context, campaign *models.Campaign) error
	AppendRun(ctx context.Context, run *models.CampaignRun) error
	HasRuns(ctx context.Context, campaignID uuid.UUID) (bool, error)
	ListRuns(ctx context.Context, campaignID uuid.UUID) ([]models.CampaignRun, error)
	SetDispatchStatus(ctx context.Context, campaignID uuid.UUID, status enums.DispatchStatus) error
	MarkDispatchFailed(ctx context.Context, campaignID uuid.UUID, reason string) error
	MarkDispatchSucceeded(ctx context.Context, campaignID uuid.UUID, at time.Time) error
}

type repository struct {
	repo.Base
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	return &repository{Base: r.Base.WithTx(tx)}
}

func (r *repository) Get(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	var campaign models.Campaign
	err := r.DB(ctx).Where("id = ?", id).Take(&campaign).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &campaign, nil
}

func (r *repository) Save(ctx context.Context, campaign *models.Campaign) error {
	return r.DB(ctx).Save(campaign).Error
}

func (r *repository) AppendRun(ctx context.Context, run *models.CampaignRun) error {
	return r.DB(ctx).Create(run).Error
}

func (r *repository) HasRuns(ctx context.Context, campaignID uuid.UUID) (bool, error) {
	var count int64
	if err := r.DB(ctx).
		Model(&models.CampaignRun{}).
		Where("campaign_id = ?", campaignID).
		Limit(1).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repository) ListRuns(ctx context.Context, campaignID uuid.UUID) ([]models.CampaignRun, error) {
	var runs []models.CampaignRun
	if err := r.DB(ctx).
		Where("campaign_id = ?", campaignID).
		Order("run_at ASC").
		Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (r *repository) SetDispatchStatus(ctx context.Context, campaignID uuid.UUID, status enums.DispatchStatus) error {
	return r.update(ctx, campaignID, map[string]any{
		"dispatch_status":     status,
		"last_dispatch_error": nil,
	})
}

// MarkDispatchFailed records a terminal failure so it is visible on the
// campaign rather than only in worker logs.
func (r *repository) MarkDispatchFailed(ctx context.Context, campaignID uuid.UUID, reason string) error {
	return r.update(ctx, campaignID, map[string]any{
		"dispatch_status":     enums.DispatchStatusFailed,
		"last_dispatch_error": reason,
	})
}

func (r *repository) MarkDispatchSucceeded(ctx context.Context, campaignID uuid.UUID, at time.Time) error {
	return r.update(ctx, campaignID, map[string]any{
		"dispatch_status":     enums.DispatchStatusCompleted,
		"last_dispatch_error": nil,
		"dispatched_at":       at.UTC(),
	})
}

func (r *repository) update(ctx context.Context, campaignID uuid.UUID, values map[string]any) error {
	res := r.DB(ctx).Model(&models.Campaign{}).Where("id = ?", campaignID).Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

package tracking

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

var ErrFeedbackNotFound = errors.New("tracking: feedback not found")

// Repository stores interaction and feedback events.
type Repository interface {
	CreateInteraction(ctx context.Context, event *models.InteractionEvent) error
	ListInteractions(ctx context.Context, logID uuid.UUID, action enums.InteractionAction) ([]models.InteractionEvent, error)
	CreateFeedback(ctx context.Context, event *models.FeedbackEvent) error
	GetFeedback(ctx context.Context, id uuid.UUID) (*models.FeedbackEvent, error)
	AttachComment(ctx context.Context, id uuid.UUID, comment string, at time.Time) error
}

type repository struct {
	repo.Base
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(db)}
}

func (r *repository) CreateInteraction(ctx context.Context, event *models.InteractionEvent) error {
	return r.DB(ctx).Create(event).Error
}

func (r *repository) ListInteractions(ctx context.Context, logID uuid.UUID, action enums.InteractionAction) ([]models.InteractionEvent, error) {
	var events []models.InteractionEvent
	q := r.DB(ctx).Where("log_id = ?", logID)
	if action != "" {
		q = q.Where("action = ?", action)
	}
	if err := q.Order("occurred_at ASC").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repository) CreateFeedback(ctx context.Context, event *models.FeedbackEvent) error {
	return r.DB(ctx).Create(event).Error
}

func (r *repository) GetFeedback(ctx context.Context, id uuid.UUID) (*models.FeedbackEvent, error) {
	var event models.FeedbackEvent
	err := r.DB(ctx).Where("id = ?", id).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrFeedbackNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *repository) AttachComment(ctx context.Context, id uuid.UUID, comment string, at time.Time) error {
	res := r.DB(ctx).Model(&models.FeedbackEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{"comment": comment, "comment_at": at.UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrFeedbackNotFound
	}
	return nil
}

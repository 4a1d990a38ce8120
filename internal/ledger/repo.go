package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/engagement-dispatch/internal/repo"
	"github.com/angelmondragon/engagement-dispatch/pkg/db/models"
	"github.com/angelmondragon/engagement-dispatch/pkg/enums"
	"github.com/angelmondragon/engagement-dispatch/pkg/pagination"
)

// inListChunk bounds IN (...) lists for large audiences.
const inListChunk = 500

var ErrNotFound = errors.New("ledger: delivery log not found")

// Filter narrows Find. Zero-valued fields do not filter.
type Filter struct {
	CampaignID  uuid.UUID
	Targets     []string
	Identifiers []string
	Channel     enums.Channel
	SentAfter   *time.Time
}

// Repository manages persistence for delivery log entries.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, entry *models.DeliveryLog) error
	Find(ctx context.Context, filter Filter) ([]models.DeliveryLog, error)
	Get(ctx context.Context, logID uuid.UUID) (*models.DeliveryLog, error)
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, cursor *pagination.Cursor) ([]models.DeliveryLog, error)
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

func (r *repository) Create(ctx context.Context, entry *models.DeliveryLog) error {
	return r.DB(ctx).Create(entry).Error
}

func (r *repository) Find(ctx context.Context, filter Filter) ([]models.DeliveryLog, error) {
	if filter.Targets == nil {
		return r.find(ctx, filter, nil)
	}
	var out []models.DeliveryLog
	for start := 0; start < len(filter.Targets); start += inListChunk {
		end := min(start+inListChunk, len(filter.Targets))
		rows, err := r.find(ctx, filter, filter.Targets[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (r *repository) find(ctx context.Context, filter Filter, targets []string) ([]models.DeliveryLog, error) {
	q := r.DB(ctx).Model(&models.DeliveryLog{})
	if filter.CampaignID != uuid.Nil {
		q = q.Where("campaign_id = ?", filter.CampaignID)
	}
	if targets != nil {
		q = q.Where("recipient_target IN ?", targets)
	}
	if len(filter.Identifiers) > 0 {
		q = q.Where("recipient_identifier IN ?", filter.Identifiers)
	}
	if filter.Channel != "" {
		q = q.Where("channel = ?", filter.Channel)
	}
	if filter.SentAfter != nil {
		q = q.Where("sent_at > ?", *filter.SentAfter)
	}
	var rows []models.DeliveryLog
	if err := q.Order("sent_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) Get(ctx context.Context, logID uuid.UUID) (*models.DeliveryLog, error) {
	var entry models.DeliveryLog
	err := r.DB(ctx).Where("id = ?", logID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListByCampaign returns up to limit entries, newest first, after cursor.
func (r *repository) ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, cursor *pagination.Cursor) ([]models.DeliveryLog, error) {
	q := r.DB(ctx).Where("campaign_id = ?", campaignID)
	if cursor != nil {
		q = q.Where("(sent_at < ?) OR (sent_at = ? AND id < ?)", cursor.At, cursor.At, cursor.ID)
	}
	var rows []models.DeliveryLog
	if err := q.Order("sent_at DESC").Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/engagement-dispatch/pkg/db/models"
	"github.com/angelmondragon/engagement-dispatch/pkg/enums"
	"github.com/angelmondragon/engagement-dispatch/pkg/pagination"
	"github.com/angelmondragon/engagement-dispatch/pkg/types"
)

// Service is the delivery ledger: an append-only record of successful sends,
// consulted before every send to keep delivery idempotent.
type Service interface {
	Record(ctx context.Context, input RecordInput) (*models.DeliveryLog, error)
	Find(ctx context.Context, filter Filter) ([]models.DeliveryLog, error)
	AlreadySent(ctx context.Context, campaignID uuid.UUID, targets []string) (map[string]struct{}, error)
	Get(ctx context.Context, logID uuid.UUID) (*models.DeliveryLog, error)
	List(ctx context.Context, campaignID uuid.UUID, params pagination.Params) (*types.Page[models.DeliveryLog], error)
}

// RecordInput captures one delivered message. LogID may be preassigned so the
// id can be embedded in tracking links before the send.
type RecordInput struct {
	LogID      uuid.UUID
	CampaignID uuid.UUID
	Target     string
	Identifier string
	Channel    enums.Channel
	Subject    string
	Body       string
	SentAt     time.Time
}

type service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	return &service{repo: repo, now: time.Now}, nil
}

func (s *service) Record(ctx context.Context, input RecordInput) (*models.DeliveryLog, error) {
	if input.CampaignID == uuid.Nil {
		return nil, fmt.Errorf("campaign id is required")
	}
	if strings.TrimSpace(input.Target) == "" {
		return nil, fmt.Errorf("recipient target is required")
	}
	if strings.TrimSpace(input.Identifier) == "" {
		return nil, fmt.Errorf("recipient identifier is required")
	}
	if !input.Channel.IsValid() {
		return nil, fmt.Errorf("invalid channel %q", input.Channel)
	}
	sentAt := input.SentAt
	if sentAt.IsZero() {
		sentAt = s.now()
	}

	entry := &models.DeliveryLog{
		ID:                  input.LogID,
		CampaignID:          input.CampaignID,
		RecipientTarget:     input.Target,
		RecipientIdentifier: input.Identifier,
		Channel:             input.Channel,
		Subject:             input.Subject,
		Body:                input.Body,
		SentAt:              sentAt.UTC(),
	}
	if err := s.repo.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("record delivery: %w", err)
	}
	return entry, nil
}

func (s *service) Find(ctx context.Context, filter Filter) ([]models.DeliveryLog, error) {
	return s.repo.Find(ctx, filter)
}

// AlreadySent returns the subset of targets that already have a ledger entry
// for the campaign.
func (s *service) AlreadySent(ctx context.Context, campaignID uuid.UUID, targets []string) (map[string]struct{}, error) {
	if campaignID == uuid.Nil {
		return nil, fmt.Errorf("campaign id is required")
	}
	sent := map[string]struct{}{}
	if len(targets) == 0 {
		return sent, nil
	}
	rows, err := s.repo.Find(ctx, Filter{CampaignID: campaignID, Targets: targets})
	if err != nil {
		return nil, fmt.Errorf("load sent targets: %w", err)
	}
	for _, row := range rows {
		sent[row.RecipientTarget] = struct{}{}
	}
	return sent, nil
}

func (s *service) Get(ctx context.Context, logID uuid.UUID) (*models.DeliveryLog, error) {
	if logID == uuid.Nil {
		return nil, ErrNotFound
	}
	return s.repo.Get(ctx, logID)
}

func (s *service) List(ctx context.Context, campaignID uuid.UUID, params pagination.Params) (*types.Page[models.DeliveryLog], error) {
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, err
	}
	limit := pagination.NormalizeLimit(params.Limit)
	rows, err := s.repo.ListByCampaign(ctx, campaignID, limit+1, cursor)
	if err != nil {
		return nil, err
	}

	page := &types.Page[models.DeliveryLog]{Items: rows}
	if len(rows) > limit {
		page.Items = rows[:limit]
		last := page.Items[limit-1]
		page.Cursor = pagination.EncodeCursor(pagination.Cursor{At: last.SentAt, ID: last.ID})
	}
	if page.Items == nil {
		page.Items = []models.DeliveryLog{}
	}
	return page, nil
}

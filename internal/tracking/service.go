// Package tracking records what recipients do with delivered messages: opens,
// clicks, votes and comments. Every event hangs off a delivery log id.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/angelmondragon/engagement-dispatch/internal/ledger"
	"github.com/angelmondragon/engagement-dispatch/internal/scheduler"
	"github.com/angelmondragon/engagement-dispatch/pkg/db/models"
	"github.com/angelmondragon/engagement-dispatch/pkg/enums"
	pkgerrors "github.com/angelmondragon/engagement-dispatch/pkg/errors"
	"github.com/angelmondragon/engagement-dispatch/pkg/logger"
)

const openScope = "tracking-open"

type deliveryReader interface {
	Get(ctx context.Context, logID uuid.UUID) (*models.DeliveryLog, error)
}

type openGuard interface {
	FirstSeen(ctx context.Context, scope, key string) (bool, error)
}

type taskScheduler interface {
	Schedule(ctx context.Context, spec scheduler.TaskSpec) error
}

// Service is the write path behind the tracking endpoints.
type Service interface {
	RecordOpen(ctx context.Context, logID uuid.UUID, data map[string]any) (bool, error)
	ResolveClick(ctx context.Context, token string) (string, error)
	Vote(ctx context.Context, input VoteInput) (*models.FeedbackEvent, error)
	Comment(ctx context.Context, feedbackID uuid.UUID, comment string) (*models.FeedbackEvent, error)
}

type VoteInput struct {
	LogID    uuid.UUID
	SourceID string
	Vote     int
}

type ServiceParams struct {
	Repo         Repository
	Deliveries   deliveryReader
	Links        *Links
	Opens        openGuard
	Tasks        taskScheduler
	Logger       *logger.Logger
	CommentDelay time.Duration
}

type service struct {
	repo         Repository
	deliveries   deliveryReader
	links        *Links
	opens        openGuard
	tasks        taskScheduler
	logg         *logger.Logger
	commentDelay time.Duration
	now          func() time.Time
}

func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("tracking repository required")
	}
	if params.Deliveries == nil {
		return nil, fmt.Errorf("delivery reader required")
	}
	if params.Links == nil {
		return nil, fmt.Errorf("links required")
	}
	if params.Tasks == nil {
		return nil, fmt.Errorf("task scheduler required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:         params.Repo,
		deliveries:   params.Deliveries,
		links:        params.Links,
		opens:        params.Opens,
		tasks:        params.Tasks,
		logg:         params.Logger,
		commentDelay: params.CommentDelay,
		now:          time.Now,
	}, nil
}

// RecordOpen stores an open event unless one was recorded for the same log
// inside the debounce window. It reports whether an event was written.
func (s *service) RecordOpen(ctx context.Context, logID uuid.UUID, data map[string]any) (bool, error) {
	delivery, err := s.delivery(ctx, logID)
	if err != nil {
		return false, err
	}
	if s.opens != nil {
		first, err := s.opens.FirstSeen(ctx, openScope, logID.String())
		if err != nil {
			s.logg.Warn(s.logg.WithField(ctx, "log_id", logID.String()), "open debounce unavailable: "+err.Error())
		} else if !first {
			return false, nil
		}
	}
	if err := s.record(ctx, delivery, enums.InteractionOpen, data); err != nil {
		return false, err
	}
	return true, nil
}

// ResolveClick verifies the token, records the click and returns the
// destination URL.
func (s *service) ResolveClick(ctx context.Context, token string) (string, error) {
	claims, err := s.links.ParseClick(strings.TrimSpace(token))
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid click token")
	}
	delivery, err := s.delivery(ctx, claims.LogID)
	if err != nil {
		return "", err
	}
	if err := s.record(ctx, delivery, enums.InteractionClick, map[string]any{"url": claims.URL}); err != nil {
		return "", err
	}
	return claims.URL, nil
}

func (s *service) Vote(ctx context.Context, input VoteInput) (*models.FeedbackEvent, error) {
	if input.Vote != -1 && input.Vote != 1 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "vote must be -1 or 1")
	}
	delivery, err := s.delivery(ctx, input.LogID)
	if err != nil {
		return nil, err
	}
	source := strings.TrimSpace(input.SourceID)
	if source == "" {
		source = string(delivery.Channel)
	}
	event := &models.FeedbackEvent{
		SourceID:   source,
		CampaignID: delivery.CampaignID,
		LogID:      delivery.ID,
		Vote:       input.Vote,
		Target:     delivery.RecipientTarget,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.repo.CreateFeedback(ctx, event); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record vote")
	}
	return event, nil
}

// Comment attaches a comment to an existing vote and queues the owner
// notification on the task scheduler.
func (s *service) Comment(ctx context.Context, feedbackID uuid.UUID, comment string) (*models.FeedbackEvent, error) {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "comment is required")
	}
	now := s.now().UTC()
	if err := s.repo.AttachComment(ctx, feedbackID, comment, now); err != nil {
		if errors.Is(err, ErrFeedbackNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "feedback not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "attach comment")
	}
	event, err := s.repo.GetFeedback(ctx, feedbackID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload feedback")
	}

	err = s.tasks.Schedule(ctx, scheduler.TaskSpec{
		TaskID:       CommentNotifyTaskID(feedbackID),
		Handler:      CommentNotifyHandler,
		Args:         CommentNotifyArgs{FeedbackID: feedbackID},
		RunAt:        now.Add(s.commentDelay),
		Coalesce:     true,
		Replace:      true,
		MaxInstances: 1,
	})
	if err != nil {
		s.logg.Error(s.logg.WithField(ctx, "feedback_id", feedbackID.String()), "queue comment notification", err)
	}
	return event, nil
}

func (s *service) delivery(ctx context.Context, logID uuid.UUID) (*models.DeliveryLog, error) {
	delivery, err := s.deliveries.Get(ctx, logID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "delivery not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load delivery")
	}
	return delivery, nil
}

func (s *service) record(ctx context.Context, delivery *models.DeliveryLog, action enums.InteractionAction, data map[string]any) error {
	event := &models.InteractionEvent{
		CampaignID: delivery.CampaignID,
		LogID:      delivery.ID,
		Action:     action,
		Target:     delivery.RecipientTarget,
		OccurredAt: s.now().UTC(),
	}
	if len(data) > 0 {
		event.Data = datatypes.JSONMap(data)
	}
	if err := s.repo.CreateInteraction(ctx, event); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record "+string(action))
	}
	return nil
}

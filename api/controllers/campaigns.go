package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/engagement-dispatch/api/responses"
	"github.com/angelmondragon/engagement-dispatch/api/validators"
	"github.com/angelmondragon/engagement-dispatch/internal/campaigns"
	"github.com/angelmondragon/engagement-dispatch/internal/dispatch"
	"github.com/angelmondragon/engagement-dispatch/pkg/db/models"
	pkgerrors "github.com/angelmondragon/engagement-dispatch/pkg/errors"
	"github.com/angelmondragon/engagement-dispatch/pkg/logger"
	"github.com/angelmondragon/engagement-dispatch/pkg/pagination"
	"github.com/angelmondragon/engagement-dispatch/pkg/types"
)

const campaignIDParam = "campaignId"

// SendScheduler is the scheduling surface of the dispatcher.
type SendScheduler interface {
	QueueSend(ctx context.Context, req dispatch.QueueSendRequest) (*dispatch.Scheduled, error)
	ScheduleSend(ctx context.Context, req dispatch.ScheduleSendRequest) (*dispatch.Scheduled, error)
	CancelScheduled(ctx context.Context, campaignID uuid.UUID) (*dispatch.Cancelled, error)
}

// DeliveryLister pages through a campaign's delivery ledger.
type DeliveryLister interface {
	List(ctx context.Context, campaignID uuid.UUID, params pagination.Params) (*types.Page[models.DeliveryLog], error)
}

type sendRequest struct {
	Identifiers       []string `json:"identifiers" validate:"omitempty,max=10000,dive,required"`
	Sender            string   `json:"sender" validate:"omitempty,max=200"`
	IgnoreList        []string `json:"ignoreList" validate:"omitempty,dive,required"`
	RecomputeAudience bool     `json:"recomputeAudience"`
}

type scheduleRequest struct {
	sendRequest
	ScheduledAt         time.Time `json:"scheduledAt" validate:"required"`
	ReminderLeadMinutes int       `json:"reminderLeadMinutes" validate:"gte=0,lte=43200"`
}

type queuedResponse struct {
	Status string `json:"status"`
	*dispatch.Scheduled
}

// CampaignSave replaces the campaign definition after boundary validation.
func CampaignSave(svc campaigns.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, err := validators.ParseUUIDParam(r, campaignIDParam)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		var input campaigns.SaveInput
		if err := validators.DecodeJSONBody(r, &input); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		campaign, err := svc.Save(ctx, id, input)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, campaign)
	}
}

// CampaignSend queues the campaign to run shortly. The caller only learns
// that the run was queued; outcomes land in the ledger.
func CampaignSend(svc campaigns.Service, sched SendScheduler, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, ok := loadCampaign(w, r, svc, logg)
		if !ok {
			return
		}
		var req sendRequest
		if err := validators.DecodeOptionalJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if len(req.Identifiers) == 0 {
			req.RecomputeAudience = true
		}
		scheduled, err := sched.QueueSend(ctx, dispatch.QueueSendRequest{
			CampaignID:        id,
			Identifiers:       req.Identifiers,
			Sender:            req.Sender,
			IgnoreList:        req.IgnoreList,
			RecomputeAudience: req.RecomputeAudience,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "queue send"))
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, queuedResponse{Status: "queued", Scheduled: scheduled})
	}
}

func CampaignSchedule(svc campaigns.Service, sched SendScheduler, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, ok := loadCampaign(w, r, svc, logg)
		if !ok {
			return
		}
		var req scheduleRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if len(req.Identifiers) == 0 {
			req.RecomputeAudience = true
		}
		scheduled, err := sched.ScheduleSend(ctx, dispatch.ScheduleSendRequest{
			CampaignID:        id,
			Identifiers:       req.Identifiers,
			Sender:            req.Sender,
			ScheduledAt:       req.ScheduledAt,
			ReminderLeadTime:  time.Duration(req.ReminderLeadMinutes) * time.Minute,
			RecomputeAudience: req.RecomputeAudience,
			IgnoreList:        req.IgnoreList,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "schedule send"))
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, queuedResponse{Status: "scheduled", Scheduled: scheduled})
	}
}

func CampaignCancelSchedule(svc campaigns.Service, sched SendScheduler, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, ok := loadCampaign(w, r, svc, logg)
		if !ok {
			return
		}
		cancelled, err := sched.CancelScheduled(ctx, id)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel schedule"))
			return
		}
		responses.WriteSuccess(w, cancelled)
	}
}

// CampaignDeliveries returns one page of the campaign's delivery ledger,
// newest first.
func CampaignDeliveries(ledger DeliveryLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, err := validators.ParseUUIDParam(r, campaignIDParam)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		cursor := r.URL.Query().Get("cursor")
		if _, err := pagination.ParseCursor(cursor); err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor"))
			return
		}
		page, err := ledger.List(ctx, id, pagination.Params{Limit: limit, Cursor: cursor})
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list deliveries"))
			return
		}
		responses.WriteSuccess(w, page)
	}
}

func loadCampaign(w http.ResponseWriter, r *http.Request, svc campaigns.Service, logg *logger.Logger) (uuid.UUID, bool) {
	ctx := r.Context()
	id, err := validators.ParseUUIDParam(r, campaignIDParam)
	if err != nil {
		responses.WriteError(ctx, logg, w, err)
		return uuid.Nil, false
	}
	if _, err := svc.Get(ctx, id); err != nil {
		responses.WriteError(ctx, logg, w, err)
		return uuid.Nil, false
	}
	return id, true
}

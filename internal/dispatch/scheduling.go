package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/engagement-dispatch/internal/scheduler"
	"github.com/angelmondragon/engagement-dispatch/pkg/enums"
)

type QueueSendRequest struct {
	CampaignID        uuid.UUID
	Identifiers       []string
	Sender            string
	AttemptsAlready   int
	IgnoreList        []string
	RecomputeAudience bool
}

type ScheduleSendRequest struct {
	CampaignID        uuid.UUID
	Identifiers       []string
	Sender            string
	ScheduledAt       time.Time
	ReminderLeadTime  time.Duration
	RecomputeAudience bool
	IgnoreList        []string
}

// Scheduled reports the task ids written by a scheduling call.
type Scheduled struct {
	SendTaskID     string     `json:"sendTaskId"`
	SendAt         time.Time  `json:"sendAt"`
	ReminderTaskID string     `json:"reminderTaskId,omitempty"`
	RemindAt       *time.Time `json:"remindAt,omitempty"`
}

type Cancelled struct {
	Send     bool `json:"send"`
	Reminder bool `json:"reminder"`
}

// QueueSend runs the campaign shortly, replacing any queued send.
func (d *Dispatcher) QueueSend(ctx context.Context, req QueueSendRequest) (*Scheduled, error) {
	if req.CampaignID == uuid.Nil {
		return nil, fmt.Errorf("campaign id is required")
	}
	runAt := d.now().Add(d.cfg.QueueDelay)
	taskID, err := d.scheduleSend(ctx, Request{
		CampaignID:        req.CampaignID,
		Identifiers:       req.Identifiers,
		Sender:            req.Sender,
		AttemptsAlready:   req.AttemptsAlready,
		IgnoreList:        req.IgnoreList,
		RecomputeAudience: req.RecomputeAudience,
	}, runAt)
	if err != nil {
		return nil, err
	}
	d.markStatus(ctx, req.CampaignID, enums.DispatchStatusQueued)
	return &Scheduled{SendTaskID: taskID, SendAt: runAt.UTC()}, nil
}

// ScheduleSend runs the campaign at ScheduledAt and, with a positive lead
// time, reminds the owner that long before. A reminder whose time has
// already passed is not scheduled.
func (d *Dispatcher) ScheduleSend(ctx context.Context, req ScheduleSendRequest) (*Scheduled, error) {
	if req.CampaignID == uuid.Nil {
		return nil, fmt.Errorf("campaign id is required")
	}
	if req.ScheduledAt.IsZero() {
		return nil, fmt.Errorf("scheduled time is required")
	}
	if req.ReminderLeadTime < 0 {
		return nil, fmt.Errorf("reminder lead time must not be negative")
	}

	taskID, err := d.scheduleSend(ctx, Request{
		CampaignID:        req.CampaignID,
		Identifiers:       req.Identifiers,
		Sender:            req.Sender,
		IgnoreList:        req.IgnoreList,
		RecomputeAudience: req.RecomputeAudience,
	}, req.ScheduledAt)
	if err != nil {
		return nil, err
	}
	out := &Scheduled{SendTaskID: taskID, SendAt: req.ScheduledAt.UTC()}

	if req.ReminderLeadTime > 0 {
		remindAt := req.ScheduledAt.Add(-req.ReminderLeadTime)
		if remindAt.After(d.now()) {
			reminderID := d.ReminderJobID(req.CampaignID)
			err := d.tasks.Schedule(ctx, scheduler.TaskSpec{
				TaskID:       reminderID,
				Handler:      ReminderHandler,
				Args:         ReminderArgs{CampaignID: req.CampaignID, ScheduledAt: req.ScheduledAt.UTC()},
				RunAt:        remindAt,
				Coalesce:     true,
				Replace:      true,
				MisfireGrace: d.cfg.MisfireGrace,
				MaxInstances: 1,
			})
			if err != nil {
				return nil, fmt.Errorf("schedule reminder: %w", err)
			}
			at := remindAt.UTC()
			out.ReminderTaskID = reminderID
			out.RemindAt = &at
		} else {
			d.logg.Warn(d.logg.WithCampaignID(ctx, req.CampaignID.String()), "reminder time already passed; not scheduled")
		}
	}

	d.markStatus(ctx, req.CampaignID, enums.DispatchStatusScheduled)
	return out, nil
}

// CancelScheduled removes the campaign's pending send and reminder tasks. A
// send already in flight finishes its current run.
func (d *Dispatcher) CancelScheduled(ctx context.Context, campaignID uuid.UUID) (*Cancelled, error) {
	sendCancelled, err := d.tasks.Cancel(ctx, d.SendJobID(campaignID))
	if err != nil {
		return nil, err
	}
	reminderCancelled, err := d.tasks.Cancel(ctx, d.ReminderJobID(campaignID))
	if err != nil {
		return nil, err
	}
	if sendCancelled {
		d.markStatus(ctx, campaignID, enums.DispatchStatusIdle)
	}
	return &Cancelled{Send: sendCancelled, Reminder: reminderCancelled}, nil
}

func (d *Dispatcher) scheduleSend(ctx context.Context, req Request, runAt time.Time) (string, error) {
	taskID := d.SendJobID(req.CampaignID)
	err := d.tasks.Schedule(ctx, scheduler.TaskSpec{
		TaskID:       taskID,
		Handler:      SendHandler,
		Args:         req,
		RunAt:        runAt,
		Coalesce:     true,
		Replace:      true,
		MisfireGrace: d.cfg.MisfireGrace,
		MaxInstances: 1,
	})
	if err != nil {
		return "", fmt.Errorf("schedule send: %w", err)
	}
	return taskID, nil
}

func (d *Dispatcher) markStatus(ctx context.Context, campaignID uuid.UUID, status enums.DispatchStatus) {
	if err := d.campaigns.SetDispatchStatus(ctx, campaignID, status); err != nil {
		d.logg.Warn(d.logg.WithCampaignID(ctx, campaignID.String()), "update dispatch status: "+err.Error())
	}
}

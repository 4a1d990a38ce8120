package dispatch

import (
	"context"

	"github.com/angelmondragon/engagement-dispatch/internal/scheduler"
)

// SendTask runs campaign.send tasks.
type SendTask struct {
	dispatcher *Dispatcher
}

func NewSendTask(d *Dispatcher) *SendTask {
	return &SendTask{dispatcher: d}
}

func (h *SendTask) Name() string { return SendHandler }

// Handle returns an error only when the run stopped before sending; partial
// failures have already been requeued by the dispatcher.
func (h *SendTask) Handle(ctx context.Context, task scheduler.Task) error {
	var req Request
	if err := task.Decode(&req); err != nil {
		return err
	}
	_, err := h.dispatcher.Dispatch(ctx, req)
	return err
}

// ReminderTask runs campaign.reminder tasks.
type ReminderTask struct {
	dispatcher *Dispatcher
}

func NewReminderTask(d *Dispatcher) *ReminderTask {
	return &ReminderTask{dispatcher: d}
}

func (h *ReminderTask) Name() string { return ReminderHandler }

func (h *ReminderTask) Handle(ctx context.Context, task scheduler.Task) error {
	var args ReminderArgs
	if err := task.Decode(&args); err != nil {
		return err
	}
	_, err := h.dispatcher.Remind(ctx, args.CampaignID, args.ScheduledAt)
	return err
}

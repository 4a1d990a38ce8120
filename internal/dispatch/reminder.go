package dispatch

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/engagement-dispatch/internal/claims"
	"github.com/angelmondragon/engagement-dispatch/pkg/mail"
)

// ReminderArgs is the payload of the campaign.reminder task.
type ReminderArgs struct {
	CampaignID  uuid.UUID `json:"campaign_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Remind sends the owner a single "this campaign will run soon" notice. It is
// never retried; a failed reminder is logged and dropped.
func (d *Dispatcher) Remind(ctx context.Context, campaignID uuid.UUID, scheduledAt time.Time, opts ...claims.ClaimOption) (bool, error) {
	jobID := d.ReminderJobID(campaignID)
	ctx = d.logg.WithFields(ctx, map[string]any{
		"campaign_id": campaignID.String(),
		"job_id":      jobID,
	})

	ok, err := d.claims.Claim(ctx, jobID, opts...)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", jobID, err)
	}
	if !ok {
		d.metrics.Run("reminder", string(OutcomeAborted))
		return false, nil
	}
	defer d.release(ctx, jobID)

	if err := d.sendReminder(ctx, campaignID, scheduledAt); err != nil {
		d.metrics.Run("reminder", "error")
		d.logg.Error(ctx, "reminder not sent", err)
		return false, err
	}
	d.metrics.Run("reminder", string(OutcomeCompleted))
	return true, nil
}

func (d *Dispatcher) sendReminder(ctx context.Context, campaignID uuid.UUID, scheduledAt time.Time) error {
	campaign, err := d.campaigns.Get(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	when := scheduledAt.UTC().Format("Mon 2 Jan 2006 15:04 MST")
	editURL := d.campaignURL(campaign.ID, "/edit")
	previewURL := d.campaignURL(campaign.ID, "/preview")
	name := html.EscapeString(campaign.Name)

	return d.mailer.Send(ctx, mail.Message{
		ToEmail: campaign.OwnerEmail,
		ToName:  campaign.OwnerName,
		Subject: fmt.Sprintf("Reminder: %q sends %s", campaign.Name, when),
		Text: fmt.Sprintf("Your campaign %q is scheduled to send at %s.\n\nEdit: %s\nPreview: %s\n",
			campaign.Name, when, editURL, previewURL),
		HTML: fmt.Sprintf(`<p>Your campaign <strong>%s</strong> is scheduled to send at %s.</p><p><a href="%s">Edit</a> | <a href="%s">Preview</a></p>`,
			name, when, editURL, previewURL),
		Categories: []string{"campaign-reminder"},
	})
}

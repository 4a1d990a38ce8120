package tracking

import (
	"context"
	"fmt"
	"html"

	"github.com/google/uuid"

	"github.com/angelmondragon/engagement-dispatch/internal/scheduler"
	"github.com/angelmondragon/engagement-dispatch/pkg/db/models"
	"github.com/angelmondragon/engagement-dispatch/pkg/logger"
	"github.com/angelmondragon/engagement-dispatch/pkg/mail"
)

const CommentNotifyHandler = "feedback.comment_notify"

type CommentNotifyArgs struct {
	FeedbackID uuid.UUID `json:"feedback_id"`
}

func CommentNotifyTaskID(feedbackID uuid.UUID) string {
	return "feedback_comment_" + feedbackID.String()
}

type campaignReader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Campaign, error)
}

type feedbackReader interface {
	GetFeedback(ctx context.Context, id uuid.UUID) (*models.FeedbackEvent, error)
}

// CommentNotifier emails the campaign owner when a recipient comments.
type CommentNotifier struct {
	feedback  feedbackReader
	campaigns campaignReader
	mailer    mail.Mailer
	logg      *logger.Logger
}

func NewCommentNotifier(feedback feedbackReader, campaigns campaignReader, mailer mail.Mailer, logg *logger.Logger) (*CommentNotifier, error) {
	if feedback == nil || campaigns == nil || mailer == nil || logg == nil {
		return nil, fmt.Errorf("comment notifier dependencies required")
	}
	return &CommentNotifier{feedback: feedback, campaigns: campaigns, mailer: mailer, logg: logg}, nil
}

func (n *CommentNotifier) Name() string { return CommentNotifyHandler }

func (n *CommentNotifier) Handle(ctx context.Context, task scheduler.Task) error {
	var args CommentNotifyArgs
	if err := task.Decode(&args); err != nil {
		return err
	}
	event, err := n.feedback.GetFeedback(ctx, args.FeedbackID)
	if err != nil {
		return fmt.Errorf("load feedback: %w", err)
	}
	if event.Comment == nil {
		n.logg.Warn(n.logg.WithField(ctx, "feedback_id", args.FeedbackID.String()), "feedback has no comment; skipping notification")
		return nil
	}
	campaign, err := n.campaigns.Get(ctx, event.CampaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}

	verdict := "helpful"
	if event.Vote < 0 {
		verdict = "not helpful"
	}
	subject := fmt.Sprintf("New comment on %q", campaign.Name)
	text := fmt.Sprintf("%s marked your message %s and wrote:\n\n%s\n", event.Target, verdict, *event.Comment)
	body := fmt.Sprintf("<p>%s marked your message <strong>%s</strong> and wrote:</p><blockquote>%s</blockquote>",
		html.EscapeString(event.Target), verdict, html.EscapeString(*event.Comment))

	return n.mailer.Send(ctx, mail.Message{
		ToEmail:    campaign.OwnerEmail,
		ToName:     campaign.OwnerName,
		Subject:    subject,
		HTML:       body,
		Text:       text,
		Categories: []string{"feedback-comment"},
	})
}

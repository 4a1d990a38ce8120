package channels

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/engagement-dispatch/pkg/db/models"
	"github.com/angelmondragon/engagement-dispatch/pkg/enums"
	"github.com/angelmondragon/engagement-dispatch/pkg/mail"
)

type htmlDecorator interface {
	DecorateHTML(body string, logID uuid.UUID) (string, error)
}

// EmailSender sends through a mail.Mailer, adding open and click tracking.
type EmailSender struct {
	mailer    mail.Mailer
	decorator htmlDecorator
}

// NewEmailSender builds the email channel. decorator may be nil to send
// untracked mail.
func NewEmailSender(mailer mail.Mailer, decorator htmlDecorator) (*EmailSender, error) {
	if mailer == nil {
		return nil, fmt.Errorf("mailer required")
	}
	return &EmailSender{mailer: mailer, decorator: decorator}, nil
}

func (s *EmailSender) Channel() enums.Channel { return enums.ChannelEmail }

func (s *EmailSender) Target(recipient models.Recipient) (string, bool) {
	email := strings.TrimSpace(recipient.Email)
	return email, email != ""
}

func (s *EmailSender) Send(ctx context.Context, msg Outgoing) error {
	body := msg.Body
	if s.decorator != nil && msg.LogID != uuid.Nil {
		decorated, err := s.decorator.DecorateHTML(body, msg.LogID)
		if err != nil {
			return fmt.Errorf("decorate email: %w", err)
		}
		body = decorated
	}
	err := s.mailer.Send(ctx, mail.Message{
		ToEmail:    msg.Target,
		ToName:     strings.TrimSpace(msg.Recipient.GivenName + " " + msg.Recipient.FamilyName),
		Subject:    msg.Subject,
		HTML:       body,
		Categories: []string{"campaign", msg.CampaignID.String()},
	})
	if err != nil {
		return &TransportError{Channel: enums.ChannelEmail, Target: msg.Target, Err: err}
	}
	return nil
}

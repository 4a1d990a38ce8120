package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sendgrid/rest"
	sendgrid "github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/angelmondragon/engagement-dispatch/pkg/config"
	"github.com/angelmondragon/engagement-dispatch/pkg/logger"
)

// Message is a single outbound email.
type Message struct {
	ToEmail    string
	ToName     string
	Subject    string
	HTML       string
	Text       string
	Categories []string
}

// Mailer delivers a Message or returns why it could not.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

var ErrNoRecipient = errors.New("mail: recipient address is required")

type sendClient interface {
	SendWithContext(ctx context.Context, email *sgmail.SGMailV3) (*rest.Response, error)
}

// SendgridMailer sends through the SendGrid v3 API.
type SendgridMailer struct {
	client sendClient
	from   *sgmail.Email
}

func NewSendgridMailer(cfg config.SendgridConfig) *SendgridMailer {
	return &SendgridMailer{
		client: sendgrid.NewSendClient(cfg.APIKey),
		from:   sgmail.NewEmail(cfg.FromName, cfg.DefaultFrom),
	}
}

func (m *SendgridMailer) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.ToEmail) == "" {
		return ErrNoRecipient
	}
	payload := sgmail.NewV3Mail()
	payload.SetFrom(m.from)
	payload.Subject = msg.Subject
	to := sgmail.NewPersonalization()
	to.AddTos(sgmail.NewEmail(msg.ToName, msg.ToEmail))
	payload.AddPersonalizations(to)
	// an HTML-only message carries no text/plain part
	if msg.Text != "" {
		payload.AddContent(sgmail.NewContent("text/plain", msg.Text))
	}
	if msg.HTML != "" {
		payload.AddContent(sgmail.NewContent("text/html", msg.HTML))
	}
	if len(msg.Categories) > 0 {
		payload.AddCategories(msg.Categories...)
	}

	resp, err := m.client.SendWithContext(ctx, payload)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid send: status %d: %s", resp.StatusCode, strings.TrimSpace(resp.Body))
	}
	return nil
}

// LogMailer writes messages to the logger instead of delivering them. It is
// used in dev and when no SendGrid key is configured.
type LogMailer struct {
	logg *logger.Logger
}

func NewLogMailer(logg *logger.Logger) *LogMailer {
	return &LogMailer{logg: logg}
}

func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.ToEmail) == "" {
		return ErrNoRecipient
	}
	if m.logg != nil {
		ctx = m.logg.WithFields(ctx, map[string]any{
			"to":      msg.ToEmail,
			"subject": msg.Subject,
		})
		m.logg.Info(ctx, "mail delivery skipped (log mailer)")
	}
	return nil
}

// New picks SendgridMailer when an API key is configured.
func New(cfg config.SendgridConfig, logg *logger.Logger) Mailer {
	if cfg.Enabled() {
		return NewSendgridMailer(cfg)
	}
	return NewLogMailer(logg)
}

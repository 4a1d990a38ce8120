package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/engagement-dispatch/pkg/db/models"
	"github.com/angelmondragon/engagement-dispatch/pkg/enums"
	"github.com/angelmondragon/engagement-dispatch/pkg/pubsub"
)

const inboxPrefix = "inbox:"

// InboxTarget is the ledger target for a recipient's in-app inbox.
func InboxTarget(identifier string) string {
	return inboxPrefix + identifier
}

// InboxMessage is the payload published for the in-app inbox consumer.
type InboxMessage struct {
	LogID      uuid.UUID `json:"log_id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	Identifier string    `json:"identifier"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	SentAt     time.Time `json:"sent_at"`
}

// InboxSender publishes to the inbox topic and waits for the broker ack.
type InboxSender struct {
	publisher pubsub.MessagePublisher
	now       func() time.Time
}

func NewInboxSender(publisher pubsub.MessagePublisher) (*InboxSender, error) {
	if publisher == nil {
		return nil, fmt.Errorf("inbox publisher required")
	}
	return &InboxSender{publisher: publisher, now: time.Now}, nil
}

func (s *InboxSender) Channel() enums.Channel { return enums.ChannelInbox }

func (s *InboxSender) Target(recipient models.Recipient) (string, bool) {
	if recipient.Identifier == "" {
		return "", false
	}
	return InboxTarget(recipient.Identifier), true
}

func (s *InboxSender) Send(ctx context.Context, msg Outgoing) error {
	payload, err := json.Marshal(InboxMessage{
		LogID:      msg.LogID,
		CampaignID: msg.CampaignID,
		Identifier: msg.Recipient.Identifier,
		Subject:    msg.Subject,
		Body:       msg.Body,
		SentAt:     s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal inbox message: %w", err)
	}
	result := s.publisher.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"campaign_id": msg.CampaignID.String(),
			"log_id":      msg.LogID.String(),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return &TransportError{Channel: enums.ChannelInbox, Target: msg.Target, Err: err}
	}
	return nil
}

// Package channels transmits rendered messages over the contact channels a
// campaign enables.
package channels

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/engagement-dispatch/pkg/db/models"
	"github.com/angelmondragon/engagement-dispatch/pkg/enums"
)

// Outgoing is one rendered message bound for one target. LogID is assigned
// before the send so tracking links can reference the ledger entry.
type Outgoing struct {
	LogID      uuid.UUID
	CampaignID uuid.UUID
	Recipient  models.Recipient
	Target     string
	Subject    string
	Body       string
}

// Sender delivers over a single channel. Send must return an error for every
// transport failure; a nil error means the message left.
type Sender interface {
	Channel() enums.Channel
	Target(recipient models.Recipient) (string, bool)
	Send(ctx context.Context, msg Outgoing) error
}

// Set holds the senders for the enabled channels.
type Set struct {
	senders map[enums.Channel]Sender
}

func NewSet(senders ...Sender) *Set {
	set := &Set{senders: map[enums.Channel]Sender{}}
	for _, s := range senders {
		if s != nil {
			set.senders[s.Channel()] = s
		}
	}
	return set
}

// For returns the sender for channel when that channel is enabled.
func (s *Set) For(channel enums.Channel) (Sender, bool) {
	if s == nil {
		return nil, false
	}
	sender, ok := s.senders[channel]
	return sender, ok
}

// Enabled filters requested down to the channels that have a sender, keeping
// order.
func (s *Set) Enabled(requested []enums.Channel) []enums.Channel {
	out := make([]enums.Channel, 0, len(requested))
	for _, channel := range requested {
		if _, ok := s.For(channel); ok {
			out = append(out, channel)
		}
	}
	return out
}

// TransportError wraps a failure from the underlying provider.
type TransportError struct {
	Channel enums.Channel
	Target  string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s send to %s: %v", e.Channel, e.Target, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

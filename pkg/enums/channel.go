package enums

import "fmt"

// Channel identifies the transport a delivery went out on.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelInbox Channel = "inbox"
)

var validChannels = []Channel{
	ChannelEmail,
	ChannelInbox,
}

// IsValid checks whether the given channel matches the canonical enum.
func (c Channel) IsValid() bool {
	for _, candidate := range validChannels {
		if candidate == c {
			return true
		}
	}
	return false
}

// ParseChannel converts raw strings into Channel.
func ParseChannel(value string) (Channel, error) {
	for _, candidate := range validChannels {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid channel %q", value)
}

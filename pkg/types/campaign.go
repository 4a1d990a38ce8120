package types

import "github.com/angelmondragon/engagement-dispatch/pkg/enums"

// AudienceRule is the structured selection rule stored on a campaign.
type AudienceRule struct {
	Match      enums.MatchMode `json:"match" validate:"omitempty,oneof=all any"`
	Conditions []RuleCondition `json:"conditions" validate:"dive"`
}

// RuleCondition compares one recipient field. Value is used by eq/neq/contains,
// Values by in; exists ignores both.
type RuleCondition struct {
	Field  string            `json:"field" validate:"required,max=64"`
	Op     enums.ConditionOp `json:"op" validate:"required,oneof=eq neq contains in exists"`
	Value  string            `json:"value,omitempty"`
	Values []string          `json:"values,omitempty"`
}

// MessageTemplate holds one template record per contact channel.
type MessageTemplate struct {
	Templates []ChannelTemplate `json:"templates" validate:"required,min=1,dive"`
}

// ChannelTemplate is the subject/body pair rendered for a single channel.
type ChannelTemplate struct {
	Channel enums.Channel `json:"channel" validate:"required,oneof=email inbox"`
	Subject string        `json:"subject" validate:"required,max=255"`
	Body    string        `json:"body" validate:"required"`
}

// For returns the template tagged with channel.
func (m MessageTemplate) For(channel enums.Channel) (ChannelTemplate, bool) {
	for _, tpl := range m.Templates {
		if tpl.Channel == channel {
			return tpl, true
		}
	}
	return ChannelTemplate{}, false
}

package enums

// InteractionAction records what a recipient did with a delivered message.
type InteractionAction string

const (
	InteractionOpen  InteractionAction = "open"
	InteractionClick InteractionAction = "click"
)

func (a InteractionAction) IsValid() bool {
	return a == InteractionOpen || a == InteractionClick
}

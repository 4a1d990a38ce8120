package enums

import "fmt"

// MatchMode controls how audience rule conditions combine.
type MatchMode string

const (
	MatchAll MatchMode = "all"
	MatchAny MatchMode = "any"
)

// ConditionOp is a comparison applied to one recipient field.
type ConditionOp string

const (
	OpEquals    ConditionOp = "eq"
	OpNotEquals ConditionOp = "neq"
	OpContains  ConditionOp = "contains"
	OpIn        ConditionOp = "in"
	OpExists    ConditionOp = "exists"
)

var validConditionOps = []ConditionOp{OpEquals, OpNotEquals, OpContains, OpIn, OpExists}

func (o ConditionOp) IsValid() bool {
	for _, candidate := range validConditionOps {
		if candidate == o {
			return true
		}
	}
	return false
}

func ParseConditionOp(value string) (ConditionOp, error) {
	op := ConditionOp(value)
	if !op.IsValid() {
		return "", fmt.Errorf("invalid condition op %q", value)
	}
	return op, nil
}

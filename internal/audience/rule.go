package audience

import (
	"fmt"
	"slices"
	"strings"

	"github.com/angelmondragon/engagement-dispatch/pkg/db/models"
	"github.com/angelmondragon/engagement-dispatch/pkg/enums"
	"github.com/angelmondragon/engagement-dispatch/pkg/types"
)

// Evaluate reports whether the recipient satisfies the rule. A rule without
// conditions selects everyone on the list.
func Evaluate(rule types.AudienceRule, recipient models.Recipient) bool {
	if len(rule.Conditions) == 0 {
		return true
	}
	anyMode := rule.Match == enums.MatchAny
	for _, cond := range rule.Conditions {
		ok := matches(cond, recipient)
		if anyMode && ok {
			return true
		}
		if !anyMode && !ok {
			return false
		}
	}
	return !anyMode
}

func matches(cond types.RuleCondition, recipient models.Recipient) bool {
	value, present := recipient.Value(cond.Field)
	switch cond.Op {
	case enums.OpExists:
		return present && strings.TrimSpace(value) != ""
	case enums.OpEquals:
		return present && strings.EqualFold(value, cond.Value)
	case enums.OpNotEquals:
		return !present || !strings.EqualFold(value, cond.Value)
	case enums.OpContains:
		return present && strings.Contains(strings.ToLower(value), strings.ToLower(cond.Value))
	case enums.OpIn:
		return present && slices.ContainsFunc(cond.Values, func(candidate string) bool {
			return strings.EqualFold(candidate, value)
		})
	default:
		return false
	}
}

// ValidateRule rejects rules the evaluator cannot run.
func ValidateRule(rule types.AudienceRule) error {
	switch rule.Match {
	case "", enums.MatchAll, enums.MatchAny:
	default:
		return fmt.Errorf("invalid match mode %q", rule.Match)
	}
	for i, cond := range rule.Conditions {
		if strings.TrimSpace(cond.Field) == "" {
			return fmt.Errorf("condition %d: field is required", i)
		}
		if !cond.Op.IsValid() {
			return fmt.Errorf("condition %d: invalid op %q", i, cond.Op)
		}
		if cond.Op == enums.OpIn && len(cond.Values) == 0 {
			return fmt.Errorf("condition %d: in requires values", i)
		}
	}
	return nil
}

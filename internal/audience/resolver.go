// Package audience selects the recipients a campaign addresses.
package audience

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/engagement-dispatch/internal/recipients"
	"github.com/angelmondragon/engagement-dispatch/pkg/types"
)

// Resolver returns the identifiers currently matching a rule. Results must be
// deterministic for a fixed dataset.
type Resolver interface {
	Resolve(ctx context.Context, listID uuid.UUID, rule types.AudienceRule) ([]string, error)
}

type RuleResolver struct {
	recipients recipients.Repository
}

func NewRuleResolver(repo recipients.Repository) (*RuleResolver, error) {
	if repo == nil {
		return nil, fmt.Errorf("recipients repository required")
	}
	return &RuleResolver{recipients: repo}, nil
}

// Resolve evaluates rule over the list roster in identifier order.
func (r *RuleResolver) Resolve(ctx context.Context, listID uuid.UUID, rule types.AudienceRule) ([]string, error) {
	if err := ValidateRule(rule); err != nil {
		return nil, fmt.Errorf("audience rule: %w", err)
	}
	roster, err := r.recipients.ListByList(ctx, listID)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	identifiers := make([]string, 0, len(roster))
	for _, recipient := range roster {
		if Evaluate(rule, recipient) {
			identifiers = append(identifiers, recipient.Identifier)
		}
	}
	return identifiers, nil
}

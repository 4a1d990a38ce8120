// Package campaigns owns campaign configuration and its dispatch bookkeeping.
package campaigns

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/angelmondragon/engagement-dispatch/internal/audience"
	"github.com/angelmondragon/engagement-dispatch/internal/personalize"
	"github.com/angelmondragon/engagement-dispatch/pkg/db/models"
	"github.com/angelmondragon/engagement-dispatch/pkg/enums"
	pkgerrors "github.com/angelmondragon/engagement-dispatch/pkg/errors"
	"github.com/angelmondragon/engagement-dispatch/pkg/types"
)

type Service interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Campaign, error)
	Save(ctx context.Context, id uuid.UUID, input SaveInput) (*models.Campaign, error)
}

// SaveInput is the full campaign definition accepted at the save boundary.
// Templates and rules are checked here so a send never meets a malformed one.
type SaveInput struct {
	Name            string                `json:"name" validate:"required,max=200"`
	ListID          uuid.UUID             `json:"listId" validate:"required"`
	OwnerEmail      string                `json:"ownerEmail" validate:"required,email"`
	OwnerName       string                `json:"ownerName" validate:"required,max=200"`
	AudienceRule    types.AudienceRule    `json:"audienceRule"`
	MessageTemplate types.MessageTemplate `json:"messageTemplate"`
	ContactChannels []enums.Channel       `json:"contactChannels" validate:"required,min=1,unique,dive,oneof=email inbox"`
	CounterColumnID *string               `json:"counterColumnId,omitempty" validate:"omitempty,max=64"`
	CounterReset    *int64                `json:"counterReset,omitempty"`
}

type service struct {
	repo     Repository
	validate *validator.Validate
}

func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("campaign repository required")
	}
	return &service{repo: repo, validate: newValidator()}, nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	return v
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "campaign not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load campaign")
	}
	return campaign, nil
}

// Save creates or replaces the campaign definition. Dispatch bookkeeping
// (status, run history) is left untouched.
func (s *service) Save(ctx context.Context, id uuid.UUID, input SaveInput) (*models.Campaign, error) {
	if err := s.check(input); err != nil {
		return nil, err
	}

	campaign, err := s.repo.Get(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		campaign = &models.Campaign{ID: id, DispatchStatus: enums.DispatchStatusIdle}
	case err != nil:
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load campaign")
	}

	campaign.Name = strings.TrimSpace(input.Name)
	campaign.ListID = input.ListID
	campaign.OwnerEmail = strings.TrimSpace(input.OwnerEmail)
	campaign.OwnerName = strings.TrimSpace(input.OwnerName)
	campaign.AudienceRule = datatypes.NewJSONType(input.AudienceRule)
	campaign.Template = datatypes.NewJSONType(input.MessageTemplate)
	campaign.Channels = datatypes.NewJSONType(input.ContactChannels)
	campaign.CounterColumnID = input.CounterColumnID
	campaign.CounterReset = input.CounterReset

	if err := s.repo.Save(ctx, campaign); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save campaign")
	}
	return campaign, nil
}

func (s *service) check(input SaveInput) error {
	if err := s.validate.Struct(input); err != nil {
		return validationError(err)
	}
	if err := audience.ValidateRule(input.AudienceRule); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid audience rule").
			WithDetails(map[string]string{"audienceRule": err.Error()})
	}
	if err := personalize.ValidateMessage(input.MessageTemplate); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid message template").
			WithDetails(map[string]string{"messageTemplate": err.Error()})
	}
	missing := []string{}
	for _, channel := range input.ContactChannels {
		if _, ok := input.MessageTemplate.For(channel); !ok {
			missing = append(missing, string(channel))
		}
	}
	if len(missing) > 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "missing channel template").
			WithDetails(map[string]string{"messageTemplate": "no template for " + strings.Join(missing, ", ")})
	}
	return nil
}

func validationError(err error) *pkgerrors.Error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "validation failed")
	}
	details := map[string]string{}
	for _, fieldErr := range errs {
		details[fieldErr.Namespace()] = fieldErr.Tag()
	}
	return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").WithDetails(details)
}

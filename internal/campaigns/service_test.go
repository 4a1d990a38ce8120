package campaigns

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/engagement-dispatch/pkg/db/dbtest"
	"github.com/angelmondragon/engagement-dispatch/pkg/db/models"
	"github.com/angelmondragon/engagement-dispatch/pkg/enums"
	pkgerrors "github.com/angelmondragon/engagement-dispatch/pkg/errors"
	"github.com/angelmondragon/engagement-dispatch/pkg/types"
)

func validInput() SaveInput {
	return SaveInput{
		Name:       "Week 3 check-in",
		ListID:     uuid.New(),
		OwnerEmail: "advisor@example.edu",
		OwnerName:  "Grace",
		AudienceRule: types.AudienceRule{
			Match:      enums.MatchAll,
			Conditions: []types.RuleCondition{{Field: "cohort", Op: enums.OpEquals, Value: "A"}},
		},
		MessageTemplate: types.MessageTemplate{Templates: []types.ChannelTemplate{
			{Channel: enums.ChannelEmail, Subject: "Hi {given_name}", Body: "How is {campaign_name} going?"},
		}},
		ContactChannels: []enums.Channel{enums.ChannelEmail},
	}
}

func newService(t *testing.T) (Service, Repository) {
	t.Helper()
	repo := NewRepository(dbtest.Open(t))
	svc, err := NewService(repo)
	require.NoError(t, err)
	return svc, repo
}

func TestSaveCreatesAndUpdates(t *testing.T) {
	ctx := context.Background()
	svc, repo := newService(t)
	id := uuid.New()

	created, err := svc.Save(ctx, id, validInput())
	require.NoError(t, err)
	require.Equal(t, id, created.ID)
	require.Equal(t, enums.DispatchStatusIdle, created.DispatchStatus)

	require.NoError(t, repo.MarkDispatchFailed(ctx, id, "boom"))

	input := validInput()
	input.Name = "Renamed"
	_, err = svc.Save(ctx, id, input)
	require.NoError(t, err)

	stored, err := svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "Renamed", stored.Name)
	require.Equal(t, enums.DispatchStatusFailed, stored.DispatchStatus)
	require.Equal(t, []enums.Channel{enums.ChannelEmail}, stored.ContactChannels())
	tpl, ok := stored.Template.Data().For(enums.ChannelEmail)
	require.True(t, ok)
	require.Equal(t, "Hi {given_name}", tpl.Subject)
}

func TestSaveRejectsInvalidInput(t *testing.T) {
	svc, _ := newService(t)

	tests := []struct {
		name   string
		mutate func(*SaveInput)
	}{
		{"no channels", func(in *SaveInput) { in.ContactChannels = nil }},
		{"unknown channel", func(in *SaveInput) { in.ContactChannels = []enums.Channel{"sms"} }},
		{"bad owner email", func(in *SaveInput) { in.OwnerEmail = "nope" }},
		{"no templates", func(in *SaveInput) { in.MessageTemplate.Templates = nil }},
		{"unbalanced template", func(in *SaveInput) { in.MessageTemplate.Templates[0].Body = "Hi {given_name" }},
		{"channel without template", func(in *SaveInput) {
			in.ContactChannels = []enums.Channel{enums.ChannelEmail, enums.ChannelInbox}
		}},
		{"bad rule op", func(in *SaveInput) { in.AudienceRule.Conditions[0].Op = "gt" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			input := validInput()
			tc.mutate(&input)
			_, err := svc.Save(context.Background(), uuid.New(), input)
			require.Error(t, err)
			require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation), err.Error())
		})
	}
}

func TestGetMissingCampaign(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Get(context.Background(), uuid.New())
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeNotFound))
}

func TestRunHistoryAndStatus(t *testing.T) {
	ctx := context.Background()
	svc, repo := newService(t)
	id := uuid.New()
	_, err := svc.Save(ctx, id, validInput())
	require.NoError(t, err)

	has, err := repo.HasRuns(ctx, id)
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, repo.AppendRun(ctx, &models.CampaignRun{CampaignID: id, RunBy: "advisor@example.edu", RunAt: time.Now().UTC()}))
	has, err = repo.HasRuns(ctx, id)
	require.NoError(t, err)
	require.True(t, has)

	require.NoError(t, repo.SetDispatchStatus(ctx, id, enums.DispatchStatusQueued))
	at := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.MarkDispatchSucceeded(ctx, id, at))
	stored, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, enums.DispatchStatusCompleted, stored.DispatchStatus)
	require.Nil(t, stored.LastDispatchErr)
	require.NotNil(t, stored.DispatchedAt)
	require.True(t, at.Equal(*stored.DispatchedAt))

	require.ErrorIs(t, repo.SetDispatchStatus(ctx, uuid.New(), enums.DispatchStatusQueued), ErrNotFound)
}

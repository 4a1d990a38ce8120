package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/engagement-dispatch/pkg/db/dbtest"
	"github.com/angelmondragon/engagement-dispatch/pkg/enums"
	"github.com/angelmondragon/engagement-dispatch/pkg/logger"
)

type sendArgs struct {
	CampaignID string   `json:"campaign_id"`
	Recipients []string `json:"recipients"`
	Attempts   int      `json:"attempts"`
}

func newScheduler(t *testing.T) (*Scheduler, *gorm.DB) {
	t.Helper()
	conn := dbtest.Open(t)
	s, err := New(conn, logger.Nop())
	require.NoError(t, err)
	return s, conn
}

func TestScheduleRejectsDuplicateWithoutReplace(t *testing.T) {
	ctx := context.Background()
	s, _ := newScheduler(t)
	spec := TaskSpec{TaskID: "campaign_f1", Handler: "campaign.send", Args: sendArgs{CampaignID: "1"}, RunAt: time.Now().Add(time.Minute)}

	require.NoError(t, s.Schedule(ctx, spec))
	require.ErrorIs(t, s.Schedule(ctx, spec), ErrTaskExists)
}

func TestScheduleReplaceSupersedesPendingTask(t *testing.T) {
	ctx := context.Background()
	s, _ := newScheduler(t)
	first := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Schedule(ctx, TaskSpec{TaskID: "campaign_f1", Handler: "campaign.send", Args: sendArgs{Attempts: 0}, RunAt: first, Replace: true, Coalesce: true}))
	before, err := s.Get(ctx, "campaign_f1")
	require.NoError(t, err)

	require.NoError(t, s.Schedule(ctx, TaskSpec{TaskID: "campaign_f1", Handler: "campaign.send", Args: sendArgs{Attempts: 3}, RunAt: first.Add(time.Hour), Replace: true, Coalesce: true, MisfireGrace: time.Hour}))
	after, err := s.Get(ctx, "campaign_f1")
	require.NoError(t, err)

	require.NotEqual(t, before.Revision, after.Revision)
	require.True(t, after.RunAt.Equal(first.Add(time.Hour)))
	require.Equal(t, 3600, after.MisfireGraceSeconds)
	require.Equal(t, enums.TaskStatusPending, after.Status)
	require.JSONEq(t, `{"campaign_id":"","recipients":null,"attempts":3}`, string(after.Args))

	var count int64
	require.NoError(t, s.DB(ctx).Table("scheduled_tasks").Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestScheduleOverTerminalTask(t *testing.T) {
	ctx := context.Background()
	s, _ := newScheduler(t)
	spec := TaskSpec{TaskID: "campaign_reminder_f2", Handler: "campaign.reminder", Args: map[string]string{"campaign_id": "2"}}
	require.NoError(t, s.Schedule(ctx, spec))
	require.NoError(t, s.DB(ctx).Table("scheduled_tasks").Where("task_id = ?", spec.TaskID).Update("status", enums.TaskStatusMissed).Error)

	require.NoError(t, s.Schedule(ctx, spec))
	row, err := s.Get(ctx, spec.TaskID)
	require.NoError(t, err)
	require.Equal(t, enums.TaskStatusPending, row.Status)
}

func TestCancelAndExists(t *testing.T) {
	ctx := context.Background()
	s, _ := newScheduler(t)
	runAt := time.Now().Add(24 * time.Hour)

	require.NoError(t, s.Schedule(ctx, TaskSpec{TaskID: "campaign_f5", Handler: "campaign.send", Args: sendArgs{}, RunAt: runAt}))
	require.NoError(t, s.Schedule(ctx, TaskSpec{TaskID: "campaign_f6", Handler: "campaign.send", Args: sendArgs{}, RunAt: runAt}))

	exists, err := s.Exists(ctx, "campaign_f5")
	require.NoError(t, err)
	require.True(t, exists)

	cancelled, err := s.Cancel(ctx, "campaign_f5")
	require.NoError(t, err)
	require.True(t, cancelled)

	exists, err = s.Exists(ctx, "campaign_f5")
	require.NoError(t, err)
	require.False(t, exists)

	cancelled, err = s.Cancel(ctx, "campaign_f5")
	require.NoError(t, err)
	require.False(t, cancelled)

	exists, err = s.Exists(ctx, "campaign_f6")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestCancelLeavesRunningTask(t *testing.T) {
	ctx := context.Background()
	s, _ := newScheduler(t)
	require.NoError(t, s.Schedule(ctx, TaskSpec{TaskID: "campaign_f8", Handler: "campaign.send", Args: sendArgs{}}))
	require.NoError(t, s.DB(ctx).Table("scheduled_tasks").Where("task_id = ?", "campaign_f8").Update("status", enums.TaskStatusRunning).Error)

	cancelled, err := s.Cancel(ctx, "campaign_f8")
	require.NoError(t, err)
	require.False(t, cancelled)
}

func TestScheduleValidation(t *testing.T) {
	s, _ := newScheduler(t)
	require.Error(t, s.Schedule(context.Background(), TaskSpec{Handler: "x"}))
	require.Error(t, s.Schedule(context.Background(), TaskSpec{TaskID: "x"}))
	require.Error(t, s.Schedule(context.Background(), TaskSpec{TaskID: "x", Handler: "x", MisfireGrace: -time.Second}))
}

func TestPurgeFinishedAndFailAbandoned(t *testing.T) {
	ctx := context.Background()
	s, conn := newScheduler(t)
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-30 * 24 * time.Hour)
	for _, id := range []string{"old_failed", "old_missed", "new_failed", "pending", "stuck", "leased"} {
		require.NoError(t, s.Schedule(ctx, TaskSpec{TaskID: id, Handler: "campaign.send", Args: sendArgs{}, RunAt: old}))
	}
	set := func(id string, values map[string]any) {
		require.NoError(t, conn.Table("scheduled_tasks").Where("task_id = ?", id).Updates(values).Error)
	}
	set("old_failed", map[string]any{"status": enums.TaskStatusFailed, "updated_at": old})
	set("old_missed", map[string]any{"status": enums.TaskStatusMissed, "updated_at": old})
	set("new_failed", map[string]any{"status": enums.TaskStatusFailed, "updated_at": now})
	set("pending", map[string]any{"updated_at": old})
	set("stuck", map[string]any{"status": enums.TaskStatusRunning, "lease_token": "t1", "lease_until": now.Add(-2 * time.Hour)})
	set("leased", map[string]any{"status": enums.TaskStatusRunning, "lease_token": "t2", "lease_until": now.Add(time.Hour)})

	purged, err := s.PurgeFinished(ctx, now.Add(-14*24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 2, purged)
	_, err = s.Get(ctx, "old_failed")
	require.ErrorIs(t, err, ErrTaskNotFound)
	_, err = s.Get(ctx, "pending")
	require.NoError(t, err)

	s.now = func() time.Time { return now }
	failed, err := s.FailAbandoned(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, failed)

	stuck, err := s.Get(ctx, "stuck")
	require.NoError(t, err)
	require.Equal(t, enums.TaskStatusFailed, stuck.Status)
	require.Nil(t, stuck.LeaseToken)
	leased, err := s.Get(ctx, "leased")
	require.NoError(t, err)
	require.Equal(t, enums.TaskStatusRunning, leased.Status)
}

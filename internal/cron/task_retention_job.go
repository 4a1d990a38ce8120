package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/engagement-dispatch/pkg/logger"
)

const (
	defaultTaskRetentionDays = 14
	// a running row is abandoned once its lease has been expired this long
	abandonedLeaseGrace = time.Hour
)

type taskPruner interface {
	PurgeFinished(ctx context.Context, cutoff time.Time) (int64, error)
	FailAbandoned(ctx context.Context, cutoff time.Time) (int64, error)
}

// TaskRetentionJobParams configure the scheduled task cleanup.
type TaskRetentionJobParams struct {
	Logger        *logger.Logger
	Tasks         taskPruner
	RetentionDays int
}

type taskRetentionJob struct {
	logg      *logger.Logger
	tasks     taskPruner
	retention int
	now       func() time.Time
}

func NewTaskRetentionJob(params TaskRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Tasks == nil {
		return nil, fmt.Errorf("task scheduler required")
	}
	retention := params.RetentionDays
	if retention <= 0 {
		retention = defaultTaskRetentionDays
	}
	return &taskRetentionJob{
		logg:      params.Logger,
		tasks:     params.Tasks,
		retention: retention,
		now:       time.Now,
	}, nil
}

func (j *taskRetentionJob) Name() string { return "task-retention" }

func (j *taskRetentionJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	abandoned, err := j.tasks.FailAbandoned(ctx, now.Add(-abandonedLeaseGrace))
	if err != nil {
		return fmt.Errorf("task retention: %w", err)
	}
	cutoff := now.Add(-time.Duration(j.retention) * 24 * time.Hour)
	purged, err := j.tasks.PurgeFinished(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("task retention: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":          cutoff,
		"retention_days":  j.retention,
		"tasks_abandoned": abandoned,
		"tasks_purged":    purged,
	})
	if abandoned > 0 {
		j.logg.Warn(logCtx, "abandoned running tasks marked failed")
	}
	j.logg.Info(logCtx, "task retention cleanup complete")
	return nil
}

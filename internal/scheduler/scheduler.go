package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/engagement-dispatch/internal/repo"
	"github.com/angelmondragon/engagement-dispatch/pkg/db"
	"github.com/angelmondragon/engagement-dispatch/pkg/db/models"
	"github.com/angelmondragon/engagement-dispatch/pkg/enums"
	"github.com/angelmondragon/engagement-dispatch/pkg/logger"
)

var (
	// ErrTaskExists is returned by Schedule without Replace when a live task
	// already holds the id.
	ErrTaskExists   = errors.New("scheduler: task already scheduled")
	ErrTaskNotFound = errors.New("scheduler: task not found")
)

// TaskSpec describes one deferred invocation. A task id identifies at most one
// queued invocation, so scheduling twice under the same id with Coalesce
// always collapses into a single run.
type TaskSpec struct {
	TaskID       string
	Handler      string
	Args         any
	RunAt        time.Time
	Coalesce     bool
	Replace      bool
	MisfireGrace time.Duration
	MaxInstances int
}

// Scheduler persists tasks in the scheduled_tasks table. Runner executes them.
type Scheduler struct {
	repo.Base
	logg *logger.Logger
	now  func() time.Time
}

func New(conn *gorm.DB, logg *logger.Logger) (*Scheduler, error) {
	if conn == nil {
		return nil, fmt.Errorf("db required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Scheduler{Base: repo.NewBase(conn), logg: logg, now: time.Now}, nil
}

// Schedule queues spec. With Replace it atomically supersedes any queued
// invocation under the same id; a lease held by an in-flight run is left in
// place so the runner notices the new revision when it finishes.
func (s *Scheduler) Schedule(ctx context.Context, spec TaskSpec) error {
	row, err := s.buildRow(spec)
	if err != nil {
		return err
	}
	ctx = s.logg.WithFields(ctx, map[string]any{
		"task_id": spec.TaskID,
		"handler": spec.Handler,
		"run_at":  row.RunAt,
	})

	if spec.Replace {
		if err := s.upsert(ctx, row); err != nil {
			return fmt.Errorf("replace task %s: %w", spec.TaskID, err)
		}
		s.logg.Debug(ctx, "task scheduled (replace)")
		return nil
	}

	err = s.DB(ctx).Create(row).Error
	if err == nil {
		s.logg.Debug(ctx, "task scheduled")
		return nil
	}
	if !db.IsUniqueViolation(err) {
		return fmt.Errorf("insert task %s: %w", spec.TaskID, err)
	}

	existing, getErr := s.Get(ctx, spec.TaskID)
	if getErr != nil {
		return fmt.Errorf("inspect task %s: %w", spec.TaskID, getErr)
	}
	if !existing.Status.IsTerminal() {
		return ErrTaskExists
	}
	// a failed or missed run no longer counts as queued
	if err := s.upsert(ctx, row); err != nil {
		return fmt.Errorf("reschedule task %s: %w", spec.TaskID, err)
	}
	return nil
}

func (s *Scheduler) buildRow(spec TaskSpec) (*models.ScheduledTask, error) {
	if strings.TrimSpace(spec.TaskID) == "" {
		return nil, fmt.Errorf("task id is required")
	}
	if strings.TrimSpace(spec.Handler) == "" {
		return nil, fmt.Errorf("task handler is required")
	}
	if spec.MisfireGrace < 0 {
		return nil, fmt.Errorf("misfire grace must not be negative")
	}
	args, err := json.Marshal(spec.Args)
	if err != nil {
		return nil, fmt.Errorf("encode task args: %w", err)
	}
	runAt := spec.RunAt
	if runAt.IsZero() {
		runAt = s.now()
	}
	maxInstances := spec.MaxInstances
	if maxInstances <= 0 {
		maxInstances = 1
	}
	return &models.ScheduledTask{
		TaskID:              spec.TaskID,
		Handler:             spec.Handler,
		Args:                datatypes.JSON(args),
		RunAt:               runAt.UTC(),
		Coalesce:            spec.Coalesce,
		MisfireGraceSeconds: int(spec.MisfireGrace / time.Second),
		MaxInstances:        maxInstances,
		Status:              enums.TaskStatusPending,
		Revision:            uuid.NewString(),
	}, nil
}

func (s *Scheduler) upsert(ctx context.Context, row *models.ScheduledTask) error {
	return s.DB(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "task_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"handler",
			"args",
			"run_at",
			"coalesce_runs",
			"misfire_grace_seconds",
			"max_instances",
			"status",
			"revision",
			"attempts",
			"last_error",
			"updated_at",
		}),
	}).Create(row).Error
}

// Cancel removes a queued task. A task whose run is in flight is not touched
// and Cancel reports false.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (bool, error) {
	res := s.DB(ctx).
		Where("task_id = ? AND status <> ?", taskID, enums.TaskStatusRunning).
		Delete(&models.ScheduledTask{})
	if res.Error != nil {
		return false, fmt.Errorf("cancel task %s: %w", taskID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Exists reports whether a pending or running task holds the id.
func (s *Scheduler) Exists(ctx context.Context, taskID string) (bool, error) {
	var count int64
	err := s.DB(ctx).Model(&models.ScheduledTask{}).
		Where("task_id = ? AND status IN ?", taskID, []enums.TaskStatus{enums.TaskStatusPending, enums.TaskStatusRunning}).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Scheduler) Get(ctx context.Context, taskID string) (*models.ScheduledTask, error) {
	var row models.ScheduledTask
	err := s.DB(ctx).Where("task_id = ?", taskID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// PurgeFinished deletes failed and missed rows last touched before cutoff.
func (s *Scheduler) PurgeFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.DB(ctx).
		Where("status IN ? AND updated_at < ?", []enums.TaskStatus{enums.TaskStatusFailed, enums.TaskStatusMissed}, cutoff.UTC()).
		Delete(&models.ScheduledTask{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge finished tasks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// FailAbandoned marks running rows whose lease expired before cutoff as
// failed. Their runner died mid-task; the row would otherwise hold the id.
func (s *Scheduler) FailAbandoned(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.DB(ctx).Model(&models.ScheduledTask{}).
		Where("status = ? AND lease_until < ?", enums.TaskStatusRunning, cutoff.UTC()).
		Updates(map[string]any{
			"status":      enums.TaskStatusFailed,
			"last_error":  "lease expired without completion",
			"lease_token": nil,
			"lease_owner": nil,
			"lease_until": nil,
			"updated_at":  s.now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("fail abandoned tasks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

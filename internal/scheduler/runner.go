package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"github.com/angelmondragon/engagement-dispatch/internal/repo"
	"github.com/angelmondragon/engagement-dispatch/pkg/db/models"
	"github.com/angelmondragon/engagement-dispatch/pkg/enums"
	"github.com/angelmondragon/engagement-dispatch/pkg/instance"
	"github.com/angelmondragon/engagement-dispatch/pkg/logger"
	"github.com/angelmondragon/engagement-dispatch/pkg/metrics"
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 25
	defaultConcurrency  = 4
	defaultLease        = 30 * time.Minute
	maxBackoff          = 30 * time.Second
	jitterWindow        = 250 * time.Millisecond

	metricsKind = "task"
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

// RunnerParams configure the task runner.
type RunnerParams struct {
	DB           *gorm.DB
	Logger       *logger.Logger
	Registry     *Registry
	Metrics      *metrics.JobMetrics
	Identity     instance.Identity
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	Lease        time.Duration
}

// Runner polls scheduled_tasks and executes due tasks. Several runners may
// share one table: a task row is leased with a conditional update before it
// runs, so one task id never runs twice concurrently.
type Runner struct {
	repo.Base
	logg         *logger.Logger
	registry     *Registry
	metrics      *metrics.JobMetrics
	owner        string
	pollInterval time.Duration
	batchSize    int
	lease        time.Duration
	sem          *semaphore.Weighted
	wg           sync.WaitGroup
	now          func() time.Time
}

func NewRunner(params RunnerParams) (*Runner, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Registry == nil {
		return nil, fmt.Errorf("handler registry required")
	}
	poll := params.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	concurrency := params.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	lease := params.Lease
	if lease <= 0 {
		lease = defaultLease
	}
	identity := params.Identity
	if identity.Node == "" {
		identity = instance.Current()
	}
	return &Runner{
		Base:         repo.NewBase(params.DB),
		logg:         params.Logger,
		registry:     params.Registry,
		metrics:      params.Metrics,
		owner:        fmt.Sprintf("%s:%d", identity.Node, identity.Process),
		pollInterval: poll,
		batchSize:    batch,
		lease:        lease,
		sem:          semaphore.NewWeighted(int64(concurrency)),
		now:          time.Now,
	}, nil
}

// Run polls until ctx is canceled, then waits for in-flight tasks.
func (r *Runner) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer r.Wait()
	r.logg.Info(r.logg.WithField(ctx, "handlers", r.registry.Names()), "task runner started")

	backoff := r.pollInterval
	for {
		select {
		case <-ctx.Done():
			r.logg.Info(ctx, "task runner context canceled")
			return ctx.Err()
		default:
		}

		started, err := r.RunOnce(ctx)
		if err != nil {
			r.logg.Error(ctx, "task runner poll error", err)
			backoff = nextBackoff(backoff, r.pollInterval, maxBackoff)
			if err := sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}
		backoff = r.pollInterval

		if started >= r.batchSize {
			continue
		}
		if err := sleep(ctx, withJitter(r.pollInterval)); err != nil {
			return err
		}
	}
}

// Wait blocks until every task started by RunOnce has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// RunOnce leases the due tasks it has capacity for and starts them. It
// returns how many were started.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	now := r.now().UTC()
	var due []models.ScheduledTask
	if err := r.DB(ctx).
		Where("status = ? AND run_at <= ? AND (lease_until IS NULL OR lease_until < ?)", enums.TaskStatusPending, now, now).
		Order("run_at ASC").
		Limit(r.batchSize).
		Find(&due).Error; err != nil {
		return 0, fmt.Errorf("load due tasks: %w", err)
	}

	started := 0
	for _, row := range due {
		if !r.sem.TryAcquire(1) {
			break
		}
		ok, err := r.prepare(ctx, &row, now)
		if err != nil || !ok {
			r.sem.Release(1)
			if err != nil {
				return started, err
			}
			continue
		}

		started++
		r.wg.Add(1)
		go func(row models.ScheduledTask) {
			defer r.wg.Done()
			defer r.sem.Release(1)
			// in-flight tasks run to completion even when the runner stops
			r.execute(context.WithoutCancel(ctx), row)
		}(row)
	}
	return started, nil
}

// prepare enforces the misfire grace and leases the row.
func (r *Runner) prepare(ctx context.Context, row *models.ScheduledTask, now time.Time) (bool, error) {
	taskCtx := r.logg.WithJobID(ctx, row.TaskID)
	if grace := row.MisfireGrace(); grace > 0 && now.Sub(row.RunAt) > grace {
		res := r.DB(ctx).Model(&models.ScheduledTask{}).
			Where("id = ? AND revision = ? AND status = ?", row.ID, row.Revision, enums.TaskStatusPending).
			Updates(map[string]any{
				"status":     enums.TaskStatusMissed,
				"last_error": fmt.Sprintf("missed run at %s (grace %s)", row.RunAt.Format(time.RFC3339), grace),
				"updated_at": now,
			})
		if res.Error != nil {
			return false, fmt.Errorf("mark task %s missed: %w", row.TaskID, res.Error)
		}
		if res.RowsAffected > 0 {
			r.logg.Warn(r.logg.WithField(taskCtx, "late_seconds", int64(now.Sub(row.RunAt).Seconds())), "task missed its grace window")
		}
		return false, nil
	}

	token := uuid.NewString()
	until := now.Add(r.lease)
	res := r.DB(ctx).Model(&models.ScheduledTask{}).
		Where("id = ? AND revision = ? AND status = ? AND (lease_until IS NULL OR lease_until < ?)",
			row.ID, row.Revision, enums.TaskStatusPending, now).
		Updates(map[string]any{
			"status":      enums.TaskStatusRunning,
			"lease_token": token,
			"lease_owner": r.owner,
			"lease_until": until,
			"attempts":    gorm.Expr("attempts + 1"),
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("lease task %s: %w", row.TaskID, res.Error)
	}
	if res.RowsAffected == 0 {
		// another runner got it, or it was replaced since the poll
		return false, nil
	}
	row.LeaseToken = &token
	row.LeaseUntil = &until
	row.Attempts++
	return true, nil
}

func (r *Runner) execute(ctx context.Context, row models.ScheduledTask) {
	ctx = r.logg.WithFields(r.logg.WithJobID(ctx, row.TaskID), map[string]any{
		"handler": row.Handler,
		"attempt": row.Attempts,
		"event":   "scheduler.task",
	})

	start := time.Now()
	err := r.invoke(ctx, row)
	duration := time.Since(start)
	r.metrics.ObserveDuration(metricsKind, row.Handler, duration)
	ctx = r.logg.WithField(ctx, "duration_ms", duration.Milliseconds())

	if err != nil {
		r.metrics.IncFailure(metricsKind, row.Handler)
		r.logg.Error(ctx, "task failed", err)
		if ferr := r.fail(ctx, row, err); ferr != nil {
			r.logg.Error(ctx, "failed to record task failure", ferr)
		}
		return
	}
	r.metrics.IncSuccess(metricsKind, row.Handler)
	if cerr := r.complete(ctx, row); cerr != nil {
		r.logg.Error(ctx, "failed to complete task", cerr)
		return
	}
	r.logg.Info(ctx, "task completed")
}

func (r *Runner) invoke(ctx context.Context, row models.ScheduledTask) (err error) {
	handler, ok := r.registry.Lookup(row.Handler)
	if !ok {
		return fmt.Errorf("no handler registered for %q", row.Handler)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return handler.Handle(ctx, Task{
		TaskID:   row.TaskID,
		Handler:  row.Handler,
		Args:     []byte(row.Args),
		RunAt:    row.RunAt,
		Attempt:  row.Attempts,
		Revision: row.Revision,
	})
}

// complete deletes the row unless the task was replaced during the run, in
// which case the new revision stays queued and only the lease is dropped.
func (r *Runner) complete(ctx context.Context, row models.ScheduledTask) error {
	res := r.DB(ctx).
		Where("id = ? AND lease_token = ? AND revision = ?", row.ID, *row.LeaseToken, row.Revision).
		Delete(&models.ScheduledTask{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return r.clearLease(ctx, row)
}

func (r *Runner) fail(ctx context.Context, row models.ScheduledTask, cause error) error {
	msg := cause.Error()
	res := r.DB(ctx).Model(&models.ScheduledTask{}).
		Where("id = ? AND lease_token = ? AND revision = ?", row.ID, *row.LeaseToken, row.Revision).
		Updates(map[string]any{
			"status":      enums.TaskStatusFailed,
			"last_error":  msg,
			"lease_token": nil,
			"lease_owner": nil,
			"lease_until": nil,
			"updated_at":  r.now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return r.clearLease(ctx, row)
}

func (r *Runner) clearLease(ctx context.Context, row models.ScheduledTask) error {
	return r.DB(ctx).Model(&models.ScheduledTask{}).
		Where("id = ? AND lease_token = ?", row.ID, *row.LeaseToken).
		Updates(map[string]any{
			"lease_token": nil,
			"lease_owner": nil,
			"lease_until": nil,
			"updated_at":  r.now().UTC(),
		}).Error
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(jitterSource.Int63n(int64(jitterWindow)))
}

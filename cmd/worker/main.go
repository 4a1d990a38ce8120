package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/engagement-dispatch/internal/app"
	"github.com/angelmondragon/engagement-dispatch/internal/claims"
	"github.com/angelmondragon/engagement-dispatch/internal/cron"
	"github.com/angelmondragon/engagement-dispatch/internal/dispatch"
	"github.com/angelmondragon/engagement-dispatch/internal/scheduler"
	"github.com/angelmondragon/engagement-dispatch/pkg/config"
	"github.com/angelmondragon/engagement-dispatch/pkg/logger"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "worker"

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	services, err := app.New(ctx, cfg, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap services", err)
		os.Exit(1)
	}
	defer func() {
		if err := services.Close(); err != nil {
			logg.Error(context.Background(), "error closing clients", err)
		}
	}()

	runner, err := scheduler.NewRunner(scheduler.RunnerParams{
		DB:     services.DB.DB(),
		Logger: logg,
		Registry: scheduler.NewRegistry(
			dispatch.NewSendTask(services.Dispatcher),
			dispatch.NewReminderTask(services.Dispatcher),
			services.CommentNotify,
		),
		Metrics:      services.JobMetrics,
		Identity:     services.Identity,
		PollInterval: cfg.Scheduler.PollInterval,
		BatchSize:    cfg.Scheduler.BatchSize,
		Concurrency:  cfg.Scheduler.Concurrency,
		Lease:        cfg.Scheduler.Lease,
	})
	if err != nil {
		logg.Error(ctx, "failed to create task runner", err)
		os.Exit(1)
	}

	maintenance, err := newMaintenance(services)
	if err != nil {
		logg.Error(ctx, "failed to create maintenance service", err)
		os.Exit(1)
	}

	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    fmt.Sprintf("%s:%d", services.Identity.Node, services.Identity.Process),
	})
	logg.Info(ctx, "starting worker")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return maintenance.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "worker shutting down gracefully")
}

func newMaintenance(services *app.App) (*cron.Service, error) {
	cfg := services.Config
	lock, err := cron.NewRedisLock(services.Redis, services.Redis.LockKey("maintenance", cfg.App.Env), 0)
	if err != nil {
		return nil, err
	}

	registry := cron.NewRegistry()
	// Redis claims expire through their key TTL; only table-backed claims need sweeping.
	if sweeper, ok := services.ClaimStore.(claims.Sweeper); ok {
		job, err := cron.NewStaleClaimsJob(cron.StaleClaimsJobParams{
			Logger:       services.Logger,
			Store:        sweeper,
			StaleTimeout: cfg.Claims.StaleTimeout,
		})
		if err != nil {
			return nil, err
		}
		registry.Register(job)
	}
	retention, err := cron.NewTaskRetentionJob(cron.TaskRetentionJobParams{
		Logger:        services.Logger,
		Tasks:         services.Scheduler,
		RetentionDays: cfg.Maintenance.TaskRetentionDays,
	})
	if err != nil {
		return nil, err
	}
	registry.Register(retention)

	return cron.NewService(cron.ServiceParams{
		Logger:   services.Logger,
		Registry: registry,
		Lock:     lock,
		Metrics:  services.JobMetrics,
		Interval: cfg.Maintenance.Interval,
	})
}

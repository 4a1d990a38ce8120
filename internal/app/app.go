// Package app assembles the services shared by the api and worker binaries.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"github.com/angelmondragon/engagement-dispatch/internal/audience"
	"github.com/angelmondragon/engagement-dispatch/internal/campaigns"
	"github.com/angelmondragon/engagement-dispatch/internal/channels"
	"github.com/angelmondragon/engagement-dispatch/internal/claims"
	"github.com/angelmondragon/engagement-dispatch/internal/dispatch"
	"github.com/angelmondragon/engagement-dispatch/internal/ledger"
	"github.com/angelmondragon/engagement-dispatch/internal/personalize"
	"github.com/angelmondragon/engagement-dispatch/internal/recipients"
	"github.com/angelmondragon/engagement-dispatch/internal/scheduler"
	"github.com/angelmondragon/engagement-dispatch/internal/tracking"
	"github.com/angelmondragon/engagement-dispatch/pkg/config"
	"github.com/angelmondragon/engagement-dispatch/pkg/db"
	"github.com/angelmondragon/engagement-dispatch/pkg/idempotency"
	"github.com/angelmondragon/engagement-dispatch/pkg/instance"
	"github.com/angelmondragon/engagement-dispatch/pkg/logger"
	"github.com/angelmondragon/engagement-dispatch/pkg/mail"
	"github.com/angelmondragon/engagement-dispatch/pkg/metrics"
	"github.com/angelmondragon/engagement-dispatch/pkg/migrate"
	"github.com/angelmondragon/engagement-dispatch/pkg/pubsub"
	"github.com/angelmondragon/engagement-dispatch/pkg/redis"
)

// App is the wired service graph. Close releases the external clients.
type App struct {
	Config   *config.Config
	Logger   *logger.Logger
	Identity instance.Identity
	Metrics  *prometheus.Registry

	DB     *db.Client
	Redis  *redis.Client
	PubSub *pubsub.Client

	JobMetrics      *metrics.JobMetrics
	DispatchMetrics *metrics.DispatchMetrics

	Scheduler     *scheduler.Scheduler
	ClaimStore    claims.Store
	Claims        *claims.Registry
	Ledger        ledger.Service
	CampaignRepo  campaigns.Repository
	Campaigns     campaigns.Service
	TrackingRepo  tracking.Repository
	Tracking      tracking.Service
	Links         *tracking.Links
	Mailer        mail.Mailer
	Dispatcher    *dispatch.Dispatcher
	CommentNotify *tracking.CommentNotifier
}

// New connects to the database, Redis and (when the inbox channel is
// enabled) Pub/Sub, then builds every service on top of them.
func New(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   logg,
		Identity: instance.Current(),
		Metrics:  prometheus.NewRegistry(),
	}
	a.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.JobMetrics = metrics.NewJobMetrics(a.Metrics)
	a.DispatchMetrics = metrics.NewDispatchMetrics(a.Metrics)

	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	var err error
	a.DB, err = db.New(ctx, a.Config.DB, a.Logger)
	if err != nil {
		return fmt.Errorf("bootstrap database: %w", err)
	}
	if err := migrate.MaybeRunDev(ctx, a.Config, a.Logger, a.DB); err != nil {
		return fmt.Errorf("dev migrations: %w", err)
	}
	a.Redis, err = redis.New(ctx, a.Config.Redis, a.Logger)
	if err != nil {
		return fmt.Errorf("bootstrap redis: %w", err)
	}
	if a.Config.Dispatch.InboxEnabled {
		a.PubSub, err = pubsub.NewClient(ctx, a.Config.GCP, a.Config.Inbox, a.Logger)
		if err != nil {
			return fmt.Errorf("bootstrap pubsub: %w", err)
		}
	}
	return nil
}

func (a *App) build() error {
	cfg := a.Config
	conn := a.DB.DB()

	var err error
	a.Scheduler, err = scheduler.New(conn, a.Logger)
	if err != nil {
		return err
	}

	if cfg.Claims.UsesRedis() {
		a.ClaimStore, err = claims.NewRedisStore(a.Redis, cfg.Claims.StaleTimeout)
		if err != nil {
			return err
		}
	} else {
		a.ClaimStore = claims.NewGormStore(conn)
	}
	a.Claims, err = claims.NewRegistry(claims.RegistryParams{
		Store:            a.ClaimStore,
		Jobs:             a.Scheduler,
		Logger:           a.Logger,
		Metrics:          a.DispatchMetrics,
		Identity:         a.Identity,
		NodeWeight:       cfg.Claims.NodeWeight,
		StaleTimeout:     cfg.Claims.StaleTimeout,
		MaxStealAttempts: cfg.Claims.MaxStealAttempts,
	})
	if err != nil {
		return err
	}

	a.Ledger, err = ledger.NewService(ledger.NewRepository(conn))
	if err != nil {
		return err
	}
	a.CampaignRepo = campaigns.NewRepository(conn)
	a.Campaigns, err = campaigns.NewService(a.CampaignRepo)
	if err != nil {
		return err
	}
	recipientRepo := recipients.NewRepository(conn)
	resolver, err := audience.NewRuleResolver(recipientRepo)
	if err != nil {
		return err
	}

	a.Links, err = tracking.NewLinks(cfg.Tracking)
	if err != nil {
		return err
	}
	opens, err := idempotency.NewGuard(a.Redis, cfg.Tracking.OpenDebounce)
	if err != nil {
		return err
	}
	a.TrackingRepo = tracking.NewRepository(conn)
	a.Tracking, err = tracking.NewService(tracking.ServiceParams{
		Repo:         a.TrackingRepo,
		Deliveries:   a.Ledger,
		Links:        a.Links,
		Opens:        opens,
		Tasks:        a.Scheduler,
		Logger:       a.Logger,
		CommentDelay: cfg.Tracking.CommentDelay,
	})
	if err != nil {
		return err
	}

	a.Mailer = mail.New(cfg.Sendgrid, a.Logger)
	a.CommentNotify, err = tracking.NewCommentNotifier(a.TrackingRepo, a.CampaignRepo, a.Mailer, a.Logger)
	if err != nil {
		return err
	}

	senders, err := a.senders()
	if err != nil {
		return err
	}
	a.Dispatcher, err = dispatch.New(dispatch.Params{
		Claims:     a.Claims,
		Ledger:     a.Ledger,
		Campaigns:  a.CampaignRepo,
		Recipients: recipientRepo,
		Audience:   resolver,
		Renderer:   personalize.NewEngine(),
		Channels:   senders,
		Tasks:      a.Scheduler,
		Mailer:     a.Mailer,
		Logger:     a.Logger,
		Metrics:    a.DispatchMetrics,
		Config:     cfg.Dispatch,
		AppBaseURL: cfg.App.BaseURL,
	})
	return err
}

func (a *App) senders() (*channels.Set, error) {
	email, err := channels.NewEmailSender(a.Mailer, a.Links)
	if err != nil {
		return nil, err
	}
	if a.PubSub == nil {
		return channels.NewSet(email), nil
	}
	inbox, err := channels.NewInboxSender(a.PubSub.InboxPublisher())
	if err != nil {
		return nil, err
	}
	return channels.NewSet(email, inbox), nil
}

// Close shuts the external clients down, newest first.
func (a *App) Close() error {
	var err error
	if a.PubSub != nil {
		err = multierr.Append(err, a.PubSub.Close())
	}
	if a.Redis != nil {
		err = multierr.Append(err, a.Redis.Close())
	}
	if a.DB != nil {
		err = multierr.Append(err, a.DB.Close())
	}
	return err
}

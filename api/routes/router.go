package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/engagement-dispatch/api/controllers"
	"github.com/angelmondragon/engagement-dispatch/api/middleware"
	"github.com/angelmondragon/engagement-dispatch/internal/campaigns"
	"github.com/angelmondragon/engagement-dispatch/internal/tracking"
	"github.com/angelmondragon/engagement-dispatch/pkg/logger"
)

// RouterParams carries everything the HTTP surface calls into.
type RouterParams struct {
	Env         string
	CORSOrigins []string
	Logger      *logger.Logger
	Ready       map[string]controllers.Pinger
	Gatherer    prometheus.Gatherer
	Campaigns   campaigns.Service
	Dispatcher  controllers.SendScheduler
	Ledger      controllers.DeliveryLister
	Tracking    tracking.Service
}

func NewRouter(p RouterParams) http.Handler {
	logg := p.Logger
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(p.Env))
		r.Get("/ready", controllers.HealthReady(p.Env, logg, p.Ready))
	})
	if p.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(p.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/campaigns/{campaignId}", func(r chi.Router) {
		r.Use(middleware.CORS(p.CORSOrigins))
		r.Put("/", controllers.CampaignSave(p.Campaigns, logg))
		r.Post("/send", controllers.CampaignSend(p.Campaigns, p.Dispatcher, logg))
		r.Post("/schedule", controllers.CampaignSchedule(p.Campaigns, p.Dispatcher, logg))
		r.Delete("/schedule", controllers.CampaignCancelSchedule(p.Campaigns, p.Dispatcher, logg))
		r.Get("/deliveries", controllers.CampaignDeliveries(p.Ledger, logg))
	})

	r.Route("/t", func(r chi.Router) {
		r.Get("/o/{logId}", controllers.TrackOpen(p.Tracking, logg))
		r.Get("/c/{token}", controllers.TrackClick(p.Tracking, logg))
		r.Post("/f/{logId}", controllers.TrackVote(p.Tracking, logg))
		r.Patch("/feedback/{feedbackId}", controllers.TrackComment(p.Tracking, logg))
	})

	return r
}

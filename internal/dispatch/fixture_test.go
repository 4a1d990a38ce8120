package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/engagement-dispatch/internal/audience"
	"github.com/angelmondragon/engagement-dispatch/internal/campaigns"
	"github.com/angelmondragon/engagement-dispatch/internal/channels"
	"github.com/angelmondragon/engagement-dispatch/internal/claims"
	"github.com/angelmondragon/engagement-dispatch/internal/ledger"
	"github.com/angelmondragon/engagement-dispatch/internal/personalize"
	"github.com/angelmondragon/engagement-dispatch/internal/recipients"
	"github.com/angelmondragon/engagement-dispatch/internal/scheduler"
	"github.com/angelmondragon/engagement-dispatch/pkg/config"
	"github.com/angelmondragon/engagement-dispatch/pkg/db/dbtest"
	"github.com/angelmondragon/engagement-dispatch/pkg/db/models"
	"github.com/angelmondragon/engagement-dispatch/pkg/enums"
	"github.com/angelmondragon/engagement-dispatch/pkg/instance"
	"github.com/angelmondragon/engagement-dispatch/pkg/logger"
	"github.com/angelmondragon/engagement-dispatch/pkg/mail"
	"github.com/angelmondragon/engagement-dispatch/pkg/metrics"
	"github.com/angelmondragon/engagement-dispatch/pkg/types"
)

var fixedNow = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

type fakeMailer struct {
	mu     sync.Mutex
	failOn map[string]error
	sent   []mail.Message
}

func newFakeMailer() *fakeMailer {
	return &fakeMailer{failOn: map[string]error{}}
}

func (m *fakeMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failOn[msg.ToEmail]; ok {
		return err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *fakeMailer) recipients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sent))
	for _, msg := range m.sent {
		out = append(out, msg.ToEmail)
	}
	return out
}

type fixture struct {
	conn       *gorm.DB
	d          *Dispatcher
	sched      *scheduler.Scheduler
	registry   *claims.Registry
	store      *claims.GormStore
	ledger     ledger.Service
	campaigns  campaigns.Repository
	recipients recipients.Repository
	transport  *fakeMailer
	owner      *fakeMailer
	campaign   *models.Campaign
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	useJobs bool
	extra   []channels.Sender
	counter *string
	body    string
	chans   []enums.Channel
}

func withJobCheck() fixtureOption {
	return func(c *fixtureConfig) { c.useJobs = true }
}

func withSender(s channels.Sender, channel enums.Channel) fixtureOption {
	return func(c *fixtureConfig) {
		c.extra = append(c.extra, s)
		c.chans = append(c.chans, channel)
	}
}

func withCounter(column string) fixtureOption {
	return func(c *fixtureConfig) { c.counter = &column }
}

func withBody(body string) fixtureOption {
	return func(c *fixtureConfig) { c.body = body }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{body: "Hi {given_name}, <a href=\"https://example.edu\">read more</a>", chans: []enums.Channel{enums.ChannelEmail}}
	for _, opt := range opts {
		opt(&cfg)
	}

	conn := dbtest.Open(t)
	logg := logger.Nop()
	sched, err := scheduler.New(conn, logg)
	require.NoError(t, err)

	store := claims.NewGormStore(conn)
	params := claims.RegistryParams{
		Store:    store,
		Logger:   logg,
		Metrics:  metrics.NewDispatchMetrics(prometheus.NewRegistry()),
		Identity: instance.Identity{Node: "worker-a", Process: 10},
	}
	if cfg.useJobs {
		params.Jobs = sched
	}
	registry, err := claims.NewRegistry(params)
	require.NoError(t, err)

	ledgerSvc, err := ledger.NewService(ledger.NewRepository(conn))
	require.NoError(t, err)
	campaignRepo := campaigns.NewRepository(conn)
	recipientRepo := recipients.NewRepository(conn)
	resolver, err := audience.NewRuleResolver(recipientRepo)
	require.NoError(t, err)

	transport := newFakeMailer()
	owner := newFakeMailer()
	email, err := channels.NewEmailSender(transport, nil)
	require.NoError(t, err)
	senders := append([]channels.Sender{email}, cfg.extra...)

	d, err := New(Params{
		Claims:     registry,
		Ledger:     ledgerSvc,
		Campaigns:  campaignRepo,
		Recipients: recipientRepo,
		Audience:   resolver,
		Renderer:   personalize.NewEngine(),
		Channels:   channels.NewSet(senders...),
		Tasks:      sched,
		Mailer:     owner,
		Logger:     logg,
		Metrics:    metrics.NewDispatchMetrics(prometheus.NewRegistry()),
		Config: config.DispatchConfig{
			JobPrefix:        "campaign",
			RetryDelay:       10 * time.Second,
			QueueDelay:       10 * time.Second,
			MaxAttempts:      10,
			MisfireGrace:     time.Hour,
			NotifyOnComplete: true,
		},
		AppBaseURL: "https://app.example.edu/",
	})
	require.NoError(t, err)
	d.now = func() time.Time { return fixedNow }

	ctx := context.Background()
	listID := uuid.New()
	for i := 1; i <= 5; i++ {
		cohort := "A"
		if i > 3 {
			cohort = "B"
		}
		require.NoError(t, recipientRepo.Upsert(ctx, &models.Recipient{
			ListID:     listID,
			Identifier: fmt.Sprintf("S%d", i),
			Email:      fmt.Sprintf("s%d@example.edu", i),
			GivenName:  fmt.Sprintf("Student%d", i),
			Fields:     datatypes.JSONMap{"cohort": cohort},
		}))
	}

	templates := []types.ChannelTemplate{}
	for _, channel := range cfg.chans {
		templates = append(templates, types.ChannelTemplate{Channel: channel, Subject: "{campaign_name}", Body: cfg.body})
	}
	campaign := &models.Campaign{
		ID:         uuid.New(),
		Name:       "Week 3 check-in",
		ListID:     listID,
		OwnerEmail: "advisor@example.edu",
		OwnerName:  "Grace",
		AudienceRule: datatypes.NewJSONType(types.AudienceRule{
			Conditions: []types.RuleCondition{{Field: "cohort", Op: enums.OpEquals, Value: "A"}},
		}),
		Template:        datatypes.NewJSONType(types.MessageTemplate{Templates: templates}),
		Channels:        datatypes.NewJSONType(cfg.chans),
		CounterColumnID: cfg.counter,
	}
	require.NoError(t, campaignRepo.Save(ctx, campaign))

	return &fixture{
		conn:       conn,
		d:          d,
		sched:      sched,
		registry:   registry,
		store:      store,
		ledger:     ledgerSvc,
		campaigns:  campaignRepo,
		recipients: recipientRepo,
		transport:  transport,
		owner:      owner,
		campaign:   campaign,
	}
}

func (f *fixture) request(ids ...string) Request {
	return Request{CampaignID: f.campaign.ID, Identifiers: ids, Sender: "advisor@example.edu"}
}

func (f *fixture) ledgerTargets(t *testing.T) []string {
	t.Helper()
	rows, err := f.ledger.Find(context.Background(), ledger.Filter{CampaignID: f.campaign.ID})
	require.NoError(t, err)
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.RecipientTarget)
	}
	return out
}

func (f *fixture) reload(t *testing.T) *models.Campaign {
	t.Helper()
	campaign, err := f.campaigns.Get(context.Background(), f.campaign.ID)
	require.NoError(t, err)
	return campaign
}

func (f *fixture) requireReleased(t *testing.T, jobID string) {
	t.Helper()
	require.False(t, f.registry.Holds(jobID))
	_, err := f.store.Get(context.Background(), jobID)
	require.ErrorIs(t, err, claims.ErrNotFound)
}

func emails(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, strings.ToLower(id)+"@example.edu")
	}
	return out
}

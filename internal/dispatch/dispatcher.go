// Package dispatch delivers a campaign to its outstanding recipients exactly
// once across competing workers, and schedules its send and reminder jobs.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/datatypes"

	"github.com/angelmondragon/engagement-dispatch/internal/audience"
	"github.com/angelmondragon/engagement-dispatch/internal/channels"
	"github.com/angelmondragon/engagement-dispatch/internal/claims"
	"github.com/angelmondragon/engagement-dispatch/internal/ledger"
	"github.com/angelmondragon/engagement-dispatch/internal/personalize"
	"github.com/angelmondragon/engagement-dispatch/internal/scheduler"
	"github.com/angelmondragon/engagement-dispatch/pkg/config"
	"github.com/angelmondragon/engagement-dispatch/pkg/db/models"
	"github.com/angelmondragon/engagement-dispatch/pkg/enums"
	"github.com/angelmondragon/engagement-dispatch/pkg/logger"
	"github.com/angelmondragon/engagement-dispatch/pkg/mail"
	"github.com/angelmondragon/engagement-dispatch/pkg/metrics"
	"github.com/angelmondragon/engagement-dispatch/pkg/types"
)

const (
	SendHandler     = "campaign.send"
	ReminderHandler = "campaign.reminder"

	DefaultMaxAttempts = 10
	DefaultRetryDelay  = 10 * time.Second

	reasonNotFound  = "identifier not found"
	reasonNoAddress = "no contact address on enabled channels"
)

type claimer interface {
	Claim(ctx context.Context, jobID string, opts ...claims.ClaimOption) (bool, error)
	Release(ctx context.Context, jobID string) (bool, error)
}

type deliveryLedger interface {
	AlreadySent(ctx context.Context, campaignID uuid.UUID, targets []string) (map[string]struct{}, error)
	Record(ctx context.Context, input ledger.RecordInput) (*models.DeliveryLog, error)
}

type campaignStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Campaign, error)
	AppendRun(ctx context.Context, run *models.CampaignRun) error
	HasRuns(ctx context.Context, campaignID uuid.UUID) (bool, error)
	SetDispatchStatus(ctx context.Context, campaignID uuid.UUID, status enums.DispatchStatus) error
	MarkDispatchFailed(ctx context.Context, campaignID uuid.UUID, reason string) error
	MarkDispatchSucceeded(ctx context.Context, campaignID uuid.UUID, at time.Time) error
}

type recipientStore interface {
	FindByIdentifiers(ctx context.Context, listID uuid.UUID, identifiers []string) (map[string]models.Recipient, error)
	BumpCounter(ctx context.Context, recipientID uuid.UUID, columnID string, reset *int64) (int64, error)
}

type renderer interface {
	RenderTemplate(tpl types.ChannelTemplate, recipient models.Recipient, rc personalize.Context) (personalize.Rendered, error)
}

type taskScheduler interface {
	Schedule(ctx context.Context, spec scheduler.TaskSpec) error
	Cancel(ctx context.Context, taskID string) (bool, error)
}

// Request is one dispatch invocation. It is also the argument payload of the
// campaign.send task.
type Request struct {
	CampaignID        uuid.UUID `json:"campaign_id"`
	Identifiers       []string  `json:"identifiers,omitempty"`
	Sender            string    `json:"sender"`
	AttemptsAlready   int       `json:"attempts_already"`
	IgnoreList        []string  `json:"ignore_list,omitempty"`
	RecomputeAudience bool      `json:"recompute_audience,omitempty"`
}

type OutcomeStatus string

const (
	OutcomeAborted   OutcomeStatus = "aborted"
	OutcomeFatal     OutcomeStatus = "fatal"
	OutcomeRequeued  OutcomeStatus = "requeued"
	OutcomeCompleted OutcomeStatus = "completed"
)

// Skip is a per-recipient, non-retried reason a recipient got nothing.
type Skip struct {
	Identifier string
	Reason     string
}

// Outcome summarises one invocation.
type Outcome struct {
	Status      OutcomeStatus
	Outstanding int
	Sent        int
	Skipped     []Skip
	Failed      []string
	Err         error
}

type Params struct {
	Claims     claimer
	Ledger     deliveryLedger
	Campaigns  campaignStore
	Recipients recipientStore
	Audience   audience.Resolver
	Renderer   renderer
	Channels   *channels.Set
	Tasks      taskScheduler
	Mailer     mail.Mailer
	Logger     *logger.Logger
	Metrics    *metrics.DispatchMetrics
	Config     config.DispatchConfig
	AppBaseURL string
}

// Dispatcher runs campaign sends and reminders.
type Dispatcher struct {
	claims     claimer
	ledger     deliveryLedger
	campaigns  campaignStore
	recipients recipientStore
	audience   audience.Resolver
	renderer   renderer
	channels   *channels.Set
	tasks      taskScheduler
	mailer     mail.Mailer
	logg       *logger.Logger
	metrics    *metrics.DispatchMetrics
	cfg        config.DispatchConfig
	appBaseURL string
	now        func() time.Time
}

func New(params Params) (*Dispatcher, error) {
	switch {
	case params.Claims == nil:
		return nil, fmt.Errorf("claim registry required")
	case params.Ledger == nil:
		return nil, fmt.Errorf("delivery ledger required")
	case params.Campaigns == nil:
		return nil, fmt.Errorf("campaign store required")
	case params.Recipients == nil:
		return nil, fmt.Errorf("recipient store required")
	case params.Audience == nil:
		return nil, fmt.Errorf("audience resolver required")
	case params.Renderer == nil:
		return nil, fmt.Errorf("renderer required")
	case params.Channels == nil:
		return nil, fmt.Errorf("channel set required")
	case params.Tasks == nil:
		return nil, fmt.Errorf("task scheduler required")
	case params.Mailer == nil:
		return nil, fmt.Errorf("mailer required")
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	}
	cfg := params.Config
	if strings.TrimSpace(cfg.JobPrefix) == "" {
		cfg.JobPrefix = "campaign"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.QueueDelay <= 0 {
		cfg.QueueDelay = DefaultRetryDelay
	}
	return &Dispatcher{
		claims:     params.Claims,
		ledger:     params.Ledger,
		campaigns:  params.Campaigns,
		recipients: params.Recipients,
		audience:   params.Audience,
		renderer:   params.Renderer,
		channels:   params.Channels,
		tasks:      params.Tasks,
		mailer:     params.Mailer,
		logg:       params.Logger,
		metrics:    params.Metrics,
		cfg:        cfg,
		appBaseURL: strings.TrimRight(params.AppBaseURL, "/"),
		now:        time.Now,
	}, nil
}

// SendJobID is the claim and task id for the campaign's send job.
func (d *Dispatcher) SendJobID(campaignID uuid.UUID) string {
	return claims.SendJobID(d.cfg.JobPrefix, campaignID.String())
}

// ReminderJobID is the claim and task id for the campaign's reminder job.
func (d *Dispatcher) ReminderJobID(campaignID uuid.UUID) string {
	return claims.ReminderJobID(d.cfg.JobPrefix, campaignID.String())
}

// Dispatch claims the campaign's send job and delivers to every outstanding
// recipient. A nil error with OutcomeAborted means another worker owns the
// run. Errors are returned only for failures before any send happened.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, opts ...claims.ClaimOption) (*Outcome, error) {
	if req.CampaignID == uuid.Nil {
		return nil, fmt.Errorf("campaign id is required")
	}
	jobID := d.SendJobID(req.CampaignID)
	ctx = d.logg.WithFields(ctx, map[string]any{
		"campaign_id": req.CampaignID.String(),
		"job_id":      jobID,
		"attempts":    req.AttemptsAlready,
	})

	ok, err := d.claims.Claim(ctx, jobID, opts...)
	if err != nil {
		d.metrics.Run("send", "error")
		return nil, fmt.Errorf("claim %s: %w", jobID, err)
	}
	if !ok {
		d.logg.Info(ctx, "send job claimed elsewhere; skipping")
		d.metrics.Run("send", string(OutcomeAborted))
		return &Outcome{Status: OutcomeAborted}, nil
	}
	defer d.release(ctx, jobID)

	outcome, err := d.run(ctx, req)
	if err != nil {
		d.metrics.Run("send", "error")
		d.logg.Error(ctx, "dispatch aborted before sending", err)
		return nil, err
	}
	d.metrics.Run("send", string(outcome.Status))
	return outcome, nil
}

func (d *Dispatcher) release(ctx context.Context, jobID string) {
	// the run may have been cancelled; releasing must still happen
	ctx = context.WithoutCancel(ctx)
	if _, err := d.claims.Release(ctx, jobID); err != nil {
		d.logg.Error(ctx, "release send claim", err)
	}
}

// plan is the resolved state of a run before the send loop.
type plan struct {
	campaign    *models.Campaign
	channels    []enums.Channel
	templates   map[enums.Channel]types.ChannelTemplate
	outstanding []string
	recipients  map[string]models.Recipient
	sent        map[string]struct{}
}

func (d *Dispatcher) run(ctx context.Context, req Request) (*Outcome, error) {
	campaign, err := d.campaigns.Get(ctx, req.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}

	if req.AttemptsAlready > d.cfg.MaxAttempts {
		return d.exhausted(ctx, req), nil
	}

	p, err := d.resolve(ctx, req, campaign)
	if err != nil {
		return nil, err
	}
	outcome := &Outcome{Outstanding: len(p.outstanding)}
	if len(p.outstanding) == 0 {
		d.logg.Info(ctx, "no outstanding recipients")
		outcome.Status = OutcomeCompleted
		return outcome, nil
	}

	d.send(ctx, p, outcome)

	if len(outcome.Failed) > 0 {
		if err := d.requeue(ctx, req, outcome.Failed); err != nil {
			d.requeueFailed(ctx, req, outcome, err)
			return outcome, nil
		}
		outcome.Status = OutcomeRequeued
		return outcome, nil
	}

	outcome.Status = OutcomeCompleted
	if outcome.Sent > 0 {
		if err := d.campaigns.MarkDispatchSucceeded(ctx, campaign.ID, d.now()); err != nil {
			d.logg.Warn(ctx, "mark campaign dispatched: "+err.Error())
		}
		if d.cfg.NotifyOnComplete {
			d.notifyComplete(ctx, campaign, outcome)
		}
	}
	d.logg.Info(d.logg.WithFields(ctx, map[string]any{
		"sent":    outcome.Sent,
		"skipped": len(outcome.Skipped),
	}), "dispatch completed")
	return outcome, nil
}

// exhausted stops a campaign that has been requeued too many times and
// records the failure on the campaign itself.
func (d *Dispatcher) exhausted(ctx context.Context, req Request) *Outcome {
	reason := fmt.Sprintf("delivery retries exhausted after %d attempts", req.AttemptsAlready)
	d.logg.Error(ctx, "campaign dispatch permanently failed", errors.New(reason))
	if err := d.campaigns.MarkDispatchFailed(ctx, req.CampaignID, reason); err != nil {
		d.logg.Error(ctx, "mark campaign failed", err)
	}
	return &Outcome{Status: OutcomeFatal, Failed: req.Identifiers, Err: errors.New(reason)}
}

// requeueFailed ends a run whose retry could not be scheduled. Sends already
// happened, so the failure is recorded on the campaign instead of returned.
func (d *Dispatcher) requeueFailed(ctx context.Context, req Request, outcome *Outcome, cause error) {
	reason := fmt.Sprintf("could not requeue %d failed recipient(s): %v", len(outcome.Failed), cause)
	d.logg.Error(d.logg.WithField(ctx, "failed_identifiers", outcome.Failed), "campaign dispatch permanently failed", cause)
	if err := d.campaigns.MarkDispatchFailed(ctx, req.CampaignID, reason); err != nil {
		d.logg.Error(ctx, "mark campaign failed", err)
	}
	outcome.Status = OutcomeFatal
	outcome.Err = multierr.Append(outcome.Err, cause)
}

func (d *Dispatcher) resolve(ctx context.Context, req Request, campaign *models.Campaign) (*plan, error) {
	enabled := d.channels.Enabled(campaign.ContactChannels())
	if len(enabled) == 0 {
		return nil, fmt.Errorf("campaign has no enabled contact channel")
	}
	message := campaign.Template.Data()
	templates := make(map[enums.Channel]types.ChannelTemplate, len(enabled))
	for _, channel := range enabled {
		tpl, ok := message.For(channel)
		if !ok {
			return nil, fmt.Errorf("no %s template", channel)
		}
		if err := personalize.Validate(tpl); err != nil {
			return nil, fmt.Errorf("template: %w", err)
		}
		templates[channel] = tpl
	}

	identifiers := req.Identifiers
	if req.RecomputeAudience {
		resolved, err := d.audience.Resolve(ctx, campaign.ListID, campaign.AudienceRule.Data())
		if err != nil {
			return nil, fmt.Errorf("resolve audience: %w", err)
		}
		identifiers = subtract(resolved, req.IgnoreList)
	}
	identifiers = dedupe(identifiers)

	found, err := d.recipients.FindByIdentifiers(ctx, campaign.ListID, identifiers)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}

	p := &plan{campaign: campaign, channels: enabled, templates: templates, recipients: found}
	candidates := []string{}
	for _, id := range identifiers {
		if recipient, ok := found[id]; ok {
			candidates = append(candidates, p.targets(d.channels, recipient)...)
		}
	}
	p.sent, err = d.ledger.AlreadySent(ctx, campaign.ID, candidates)
	if err != nil {
		return nil, fmt.Errorf("load delivery ledger: %w", err)
	}

	for _, id := range identifiers {
		recipient, ok := found[id]
		if !ok {
			p.outstanding = append(p.outstanding, id)
			continue
		}
		targets := p.targets(d.channels, recipient)
		if len(targets) == 0 {
			p.outstanding = append(p.outstanding, id)
			continue
		}
		for _, target := range targets {
			if _, done := p.sent[target]; !done {
				p.outstanding = append(p.outstanding, id)
				break
			}
		}
	}

	if err := d.recordFirstRun(ctx, req, campaign, enabled); err != nil {
		d.logg.Warn(ctx, "append run history: "+err.Error())
	}
	return p, nil
}

func (d *Dispatcher) recordFirstRun(ctx context.Context, req Request, campaign *models.Campaign, enabled []enums.Channel) error {
	has, err := d.campaigns.HasRuns(ctx, campaign.ID)
	if err != nil || has {
		return err
	}
	return d.campaigns.AppendRun(ctx, &models.CampaignRun{
		CampaignID: campaign.ID,
		RunBy:      req.Sender,
		RunAt:      d.now().UTC(),
		Channels:   datatypes.NewJSONType(enabled),
	})
}

func (p *plan) targets(set *channels.Set, recipient models.Recipient) []string {
	out := make([]string, 0, len(p.channels))
	for _, channel := range p.channels {
		sender, _ := set.For(channel)
		if target, ok := sender.Target(recipient); ok {
			out = append(out, target)
		}
	}
	return out
}

// send walks the outstanding recipients in order. Each successful send is
// written to the ledger before the next recipient is considered.
func (d *Dispatcher) send(ctx context.Context, p *plan, outcome *Outcome) {
	rc := personalize.Context{CampaignName: p.campaign.Name, SenderName: p.campaign.OwnerName}
	var errs error

	for _, id := range p.outstanding {
		rctx := d.logg.WithField(ctx, "identifier", id)
		recipient, ok := p.recipients[id]
		if !ok {
			d.logg.Warn(rctx, reasonNotFound)
			outcome.Skipped = append(outcome.Skipped, Skip{Identifier: id, Reason: reasonNotFound})
			continue
		}

		sent, attempted, err := d.sendRecipient(rctx, p, recipient, rc)
		outcome.Sent += sent
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", id, err))
			outcome.Failed = append(outcome.Failed, id)
		}
		if attempted == 0 && err == nil {
			outcome.Skipped = append(outcome.Skipped, Skip{Identifier: id, Reason: reasonNoAddress})
		}
		if sent > 0 {
			d.bumpCounter(rctx, p.campaign, recipient)
		}
	}

	if errs != nil {
		outcome.Err = errs
		d.logg.Warn(d.logg.WithField(ctx, "failures", len(multierr.Errors(errs))), "deliveries failed: "+errs.Error())
	}
}

// sendRecipient transmits over every enabled channel and reports how many
// messages left and how many targets were attempted.
func (d *Dispatcher) sendRecipient(ctx context.Context, p *plan, recipient models.Recipient, rc personalize.Context) (int, int, error) {
	var (
		sent      int
		attempted int
		errs      error
	)
	for _, channel := range p.channels {
		sender, _ := d.channels.For(channel)
		target, ok := sender.Target(recipient)
		if !ok {
			continue
		}
		attempted++

		already, err := d.ledger.AlreadySent(ctx, p.campaign.ID, []string{target})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("check %s: %w", channel, err))
			continue
		}
		if _, done := already[target]; done {
			d.metrics.Delivery(string(channel), "duplicate")
			continue
		}

		rendered, err := d.renderer.RenderTemplate(p.templates[channel], recipient, rc)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("render %s: %w", channel, err))
			continue
		}

		logID := uuid.New()
		err = sender.Send(ctx, channels.Outgoing{
			LogID:      logID,
			CampaignID: p.campaign.ID,
			Recipient:  recipient,
			Target:     target,
			Subject:    rendered.Subject,
			Body:       rendered.Body,
		})
		if err != nil {
			d.metrics.Delivery(string(channel), "failed")
			errs = multierr.Append(errs, err)
			continue
		}

		_, err = d.ledger.Record(ctx, ledger.RecordInput{
			LogID:      logID,
			CampaignID: p.campaign.ID,
			Target:     target,
			Identifier: recipient.Identifier,
			Channel:    channel,
			Subject:    rendered.Subject,
			Body:       rendered.Body,
			SentAt:     d.now(),
		})
		if err != nil {
			d.logg.Error(d.logg.WithField(ctx, "target", target), "message sent but not recorded", err)
			d.metrics.Delivery(string(channel), "unrecorded")
			errs = multierr.Append(errs, fmt.Errorf("record %s: %w", channel, err))
			continue
		}
		d.metrics.Delivery(string(channel), "sent")
		sent++
	}
	return sent, attempted, errs
}

func (d *Dispatcher) bumpCounter(ctx context.Context, campaign *models.Campaign, recipient models.Recipient) {
	if campaign.CounterColumnID == nil || strings.TrimSpace(*campaign.CounterColumnID) == "" {
		return
	}
	if _, err := d.recipients.BumpCounter(ctx, recipient.ID, *campaign.CounterColumnID, campaign.CounterReset); err != nil {
		d.logg.Warn(ctx, "update recipient counter: "+err.Error())
	}
}

// requeue schedules another attempt for the failed identifiers only.
func (d *Dispatcher) requeue(ctx context.Context, req Request, failed []string) error {
	next := Request{
		CampaignID:      req.CampaignID,
		Identifiers:     failed,
		Sender:          req.Sender,
		AttemptsAlready: req.AttemptsAlready + 1,
	}
	err := d.tasks.Schedule(ctx, scheduler.TaskSpec{
		TaskID:       d.SendJobID(req.CampaignID),
		Handler:      SendHandler,
		Args:         next,
		RunAt:        d.now().Add(d.cfg.RetryDelay),
		Coalesce:     true,
		Replace:      true,
		MisfireGrace: d.cfg.MisfireGrace,
		MaxInstances: 1,
	})
	if err != nil {
		return fmt.Errorf("requeue send: %w", err)
	}
	if err := d.campaigns.SetDispatchStatus(ctx, req.CampaignID, enums.DispatchStatusRetrying); err != nil {
		d.logg.Warn(ctx, "mark campaign retrying: "+err.Error())
	}
	d.logg.Info(d.logg.WithFields(ctx, map[string]any{
		"failed":        len(failed),
		"next_attempts": next.AttemptsAlready,
	}), "send requeued")
	return nil
}

func (d *Dispatcher) notifyComplete(ctx context.Context, campaign *models.Campaign, outcome *Outcome) {
	subject := fmt.Sprintf("%q has been sent", campaign.Name)
	text := fmt.Sprintf("Your campaign %q was delivered to %d recipient address(es).", campaign.Name, outcome.Sent)
	if len(outcome.Skipped) > 0 {
		text += fmt.Sprintf(" %d recipient(s) were skipped.", len(outcome.Skipped))
	}
	link := d.campaignURL(campaign.ID, "")
	err := d.mailer.Send(ctx, mail.Message{
		ToEmail:    campaign.OwnerEmail,
		ToName:     campaign.OwnerName,
		Subject:    subject,
		Text:       text + "\n\n" + link,
		HTML:       fmt.Sprintf(`<p>%s</p><p><a href="%s">View campaign</a></p>`, text, link),
		Categories: []string{"campaign-complete"},
	})
	if err != nil {
		d.logg.Warn(ctx, "completion notice failed: "+err.Error())
	}
}

func (d *Dispatcher) campaignURL(campaignID uuid.UUID, suffix string) string {
	return d.appBaseURL + "/campaigns/" + campaignID.String() + suffix
}

func dedupe(identifiers []string) []string {
	seen := make(map[string]struct{}, len(identifiers))
	out := make([]string, 0, len(identifiers))
	for _, id := range identifiers {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func subtract(identifiers, ignore []string) []string {
	if len(ignore) == 0 {
		return identifiers
	}
	skip := make(map[string]struct{}, len(ignore))
	for _, id := range ignore {
		skip[strings.TrimSpace(id)] = struct{}{}
	}
	out := make([]string, 0, len(identifiers))
	for _, id := range identifiers {
		if _, ok := skip[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

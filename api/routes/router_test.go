package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/engagement-dispatch/api/controllers"
	"github.com/angelmondragon/engagement-dispatch/internal/campaigns"
	"github.com/angelmondragon/engagement-dispatch/internal/dispatch"
	"github.com/angelmondragon/engagement-dispatch/internal/tracking"
	"github.com/angelmondragon/engagement-dispatch/pkg/db/models"
	pkgerrors "github.com/angelmondragon/engagement-dispatch/pkg/errors"
	"github.com/angelmondragon/engagement-dispatch/pkg/logger"
	"github.com/angelmondragon/engagement-dispatch/pkg/metrics"
	"github.com/angelmondragon/engagement-dispatch/pkg/pagination"
	"github.com/angelmondragon/engagement-dispatch/pkg/types"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type fakeCampaigns struct {
	getFn  func(ctx context.Context, id uuid.UUID) (*models.Campaign, error)
	saveFn func(ctx context.Context, id uuid.UUID, input campaigns.SaveInput) (*models.Campaign, error)
}

func (f fakeCampaigns) Get(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	if f.getFn == nil {
		return &models.Campaign{ID: id}, nil
	}
	return f.getFn(ctx, id)
}

func (f fakeCampaigns) Save(ctx context.Context, id uuid.UUID, input campaigns.SaveInput) (*models.Campaign, error) {
	return f.saveFn(ctx, id, input)
}

type fakeScheduler struct {
	queued    []dispatch.QueueSendRequest
	scheduled []dispatch.ScheduleSendRequest
	cancelled []uuid.UUID
}

func (f *fakeScheduler) QueueSend(_ context.Context, req dispatch.QueueSendRequest) (*dispatch.Scheduled, error) {
	f.queued = append(f.queued, req)
	return &dispatch.Scheduled{SendTaskID: "campaign_f" + req.CampaignID.String()}, nil
}

func (f *fakeScheduler) ScheduleSend(_ context.Context, req dispatch.ScheduleSendRequest) (*dispatch.Scheduled, error) {
	f.scheduled = append(f.scheduled, req)
	return &dispatch.Scheduled{SendTaskID: "campaign_f" + req.CampaignID.String(), SendAt: req.ScheduledAt}, nil
}

func (f *fakeScheduler) CancelScheduled(_ context.Context, id uuid.UUID) (*dispatch.Cancelled, error) {
	f.cancelled = append(f.cancelled, id)
	return &dispatch.Cancelled{Send: true}, nil
}

type fakeLedger struct {
	listFn func(ctx context.Context, campaignID uuid.UUID, params pagination.Params) (*types.Page[models.DeliveryLog], error)
}

func (f fakeLedger) List(ctx context.Context, campaignID uuid.UUID, params pagination.Params) (*types.Page[models.DeliveryLog], error) {
	return f.listFn(ctx, campaignID, params)
}

type fakeTracking struct {
	opens    []uuid.UUID
	openErr  error
	clickFn  func(ctx context.Context, token string) (string, error)
	votes    []tracking.VoteInput
	comments map[uuid.UUID]string
}

func (f *fakeTracking) RecordOpen(_ context.Context, logID uuid.UUID, _ map[string]any) (bool, error) {
	f.opens = append(f.opens, logID)
	return f.openErr == nil, f.openErr
}

func (f *fakeTracking) ResolveClick(ctx context.Context, token string) (string, error) {
	return f.clickFn(ctx, token)
}

func (f *fakeTracking) Vote(_ context.Context, input tracking.VoteInput) (*models.FeedbackEvent, error) {
	f.votes = append(f.votes, input)
	return &models.FeedbackEvent{ID: uuid.New(), LogID: input.LogID, Vote: input.Vote}, nil
}

func (f *fakeTracking) Comment(_ context.Context, feedbackID uuid.UUID, comment string) (*models.FeedbackEvent, error) {
	if f.comments == nil {
		f.comments = map[uuid.UUID]string{}
	}
	f.comments[feedbackID] = comment
	return &models.FeedbackEvent{ID: feedbackID, Comment: &comment}, nil
}

type harness struct {
	handler   http.Handler
	campaigns *fakeCampaigns
	scheduler *fakeScheduler
	ledger    *fakeLedger
	tracking  *fakeTracking
	ready     map[string]controllers.Pinger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		campaigns: &fakeCampaigns{},
		scheduler: &fakeScheduler{},
		ledger:    &fakeLedger{},
		tracking:  &fakeTracking{},
		ready:     map[string]controllers.Pinger{"db": stubPinger{}, "redis": stubPinger{}},
	}
	reg := prometheus.NewRegistry()
	metrics.NewJobMetrics(reg).IncSuccess("maintenance", "stale-claims")
	h.handler = NewRouter(RouterParams{
		Env:         "test",
		CORSOrigins: []string{"https://admin.example.edu"},
		Logger:      logger.Nop(),
		Ready:       h.ready,
		Gatherer:    reg,
		Campaigns:   h.campaigns,
		Dispatcher:  h.scheduler,
		Ledger:      h.ledger,
		Tracking:    h.tracking,
	})
	return h
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) types.APIError {
	t.Helper()
	var env types.ErrorEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env.Error
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/health/live", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "test", rec.Header().Get("X-Engage-Env"))
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = h.do(http.MethodGet, "/health/ready", "")
	require.Equal(t, http.StatusOK, rec.Code)

	h.ready["redis"] = stubPinger{err: errors.New("connection refused")}
	rec = h.do(http.MethodGet, "/health/ready", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, string(pkgerrors.CodeDependency), decodeError(t, rec).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "engage_job_success_total")
}

func TestCampaignSaveValidatesBody(t *testing.T) {
	h := newHarness(t)
	id := uuid.New()
	var saved campaigns.SaveInput
	h.campaigns.saveFn = func(_ context.Context, got uuid.UUID, input campaigns.SaveInput) (*models.Campaign, error) {
		require.Equal(t, id, got)
		saved = input
		return &models.Campaign{ID: got, Name: input.Name}, nil
	}

	rec := h.do(http.MethodPut, "/api/v1/campaigns/"+id.String(), `{"name":"Graduation survey"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	apiErr := decodeError(t, rec)
	require.Equal(t, string(pkgerrors.CodeValidation), apiErr.Code)
	require.Contains(t, apiErr.Details, "ownerEmail")

	body := `{"name":"Graduation survey","listId":"` + uuid.NewString() + `","ownerEmail":"owner@example.edu","ownerName":"Dana",` +
		`"audienceRule":{},"messageTemplate":{"templates":[{"channel":"email","subject":"Hi {given_name}","body":"Hello"}]},"contactChannels":["email"]}`
	rec = h.do(http.MethodPut, "/api/v1/campaigns/"+id.String(), body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "Graduation survey", saved.Name)

	rec = h.do(http.MethodPut, "/api/v1/campaigns/not-a-uuid", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCampaignSendQueues(t *testing.T) {
	h := newHarness(t)
	id := uuid.New()

	rec := h.do(http.MethodPost, "/api/v1/campaigns/"+id.String()+"/send", `{"identifiers":["S1","S2"],"sender":"registrar"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var env struct {
		Data struct {
			Status     string `json:"status"`
			SendTaskID string `json:"sendTaskId"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	require.Equal(t, "queued", env.Data.Status)
	require.Equal(t, "campaign_f"+id.String(), env.Data.SendTaskID)

	require.Len(t, h.scheduler.queued, 1)
	require.Equal(t, []string{"S1", "S2"}, h.scheduler.queued[0].Identifiers)
	require.False(t, h.scheduler.queued[0].RecomputeAudience)

	// no body means the whole audience
	rec = h.do(http.MethodPost, "/api/v1/campaigns/"+id.String()+"/send", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.True(t, h.scheduler.queued[1].RecomputeAudience)
}

func TestCampaignSendUnknownCampaign(t *testing.T) {
	h := newHarness(t)
	h.campaigns.getFn = func(context.Context, uuid.UUID) (*models.Campaign, error) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "campaign not found")
	}
	rec := h.do(http.MethodPost, "/api/v1/campaigns/"+uuid.NewString()+"/send", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Empty(t, h.scheduler.queued)
}

func TestCampaignScheduleAndCancel(t *testing.T) {
	h := newHarness(t)
	id := uuid.New()
	at := time.Date(2026, 11, 1, 9, 0, 0, 0, time.UTC)

	rec := h.do(http.MethodPost, "/api/v1/campaigns/"+id.String()+"/schedule", `{"sender":"registrar"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/campaigns/"+id.String()+"/schedule",
		`{"scheduledAt":"`+at.Format(time.RFC3339)+`","reminderLeadMinutes":1440,"ignoreList":["S4"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, h.scheduler.scheduled, 1)
	got := h.scheduler.scheduled[0]
	require.True(t, got.ScheduledAt.Equal(at))
	require.Equal(t, 24*time.Hour, got.ReminderLeadTime)
	require.Equal(t, []string{"S4"}, got.IgnoreList)
	require.True(t, got.RecomputeAudience)

	rec = h.do(http.MethodDelete, "/api/v1/campaigns/"+id.String()+"/schedule", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []uuid.UUID{id}, h.scheduler.cancelled)
}

func TestCampaignDeliveriesPagination(t *testing.T) {
	h := newHarness(t)
	id := uuid.New()
	h.ledger.listFn = func(_ context.Context, campaignID uuid.UUID, params pagination.Params) (*types.Page[models.DeliveryLog], error) {
		require.Equal(t, id, campaignID)
		require.Equal(t, 2, params.Limit)
		return &types.Page[models.DeliveryLog]{Items: []models.DeliveryLog{{CampaignID: id, RecipientTarget: "s1@example.edu"}}}, nil
	}

	rec := h.do(http.MethodGet, "/api/v1/campaigns/"+id.String()+"/deliveries?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), "s1@example.edu")

	rec = h.do(http.MethodGet, "/api/v1/campaigns/"+id.String()+"/deliveries?limit=1000", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/campaigns/"+id.String()+"/deliveries?cursor=@@@", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrackOpenAlwaysServesBeacon(t *testing.T) {
	h := newHarness(t)
	logID := uuid.New()

	rec := h.do(http.MethodGet, "/t/o/"+logID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/gif", rec.Header().Get("Content-Type"))
	require.Equal(t, []uuid.UUID{logID}, h.tracking.opens)

	h.tracking.openErr = pkgerrors.New(pkgerrors.CodeNotFound, "delivery not found")
	rec = h.do(http.MethodGet, "/t/o/"+uuid.NewString(), "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/t/o/garbage", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.tracking.opens, 2)
}

func TestTrackClickRedirects(t *testing.T) {
	h := newHarness(t)
	h.tracking.clickFn = func(_ context.Context, token string) (string, error) {
		if token == "good" {
			return "https://example.edu/survey", nil
		}
		return "", pkgerrors.New(pkgerrors.CodeValidation, "invalid click token")
	}

	rec := h.do(http.MethodGet, "/t/c/good", "")
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "https://example.edu/survey", rec.Header().Get("Location"))

	rec = h.do(http.MethodGet, "/t/c/forged", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrackVoteAndComment(t *testing.T) {
	h := newHarness(t)
	logID := uuid.New()

	rec := h.do(http.MethodPost, "/t/f/"+logID.String(), `{"vote":0}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/t/f/"+logID.String(), `{"vote":-1,"sourceId":"email"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, []tracking.VoteInput{{LogID: logID, SourceID: "email", Vote: -1}}, h.tracking.votes)

	feedbackID := uuid.New()
	rec = h.do(http.MethodPatch, "/t/feedback/"+feedbackID.String(), `{"comment":"Too many emails"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "Too many emails", h.tracking.comments[feedbackID])

	rec = h.do(http.MethodPatch, "/t/feedback/"+feedbackID.String(), `{"comment":""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecovererTurnsPanicIntoInternalError(t *testing.T) {
	h := newHarness(t)
	h.ledger.listFn = func(context.Context, uuid.UUID, pagination.Params) (*types.Page[models.DeliveryLog], error) {
		panic("boom")
	}
	rec := h.do(http.MethodGet, "/api/v1/campaigns/"+uuid.NewString()+"/deliveries", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, string(pkgerrors.CodeInternal), decodeError(t, rec).Code)
}

func TestCampaignRoutesAnswerCORSPreflight(t *testing.T) {
	h := newHarness(t)
	path := "/api/v1/campaigns/" + uuid.NewString() + "/send"

	req := httptest.NewRequest(http.MethodOptions, path, nil)
	req.Header.Set("Origin", "https://admin.example.edu")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "https://admin.example.edu", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Empty(t, h.scheduler.queued)

	req = httptest.NewRequest(http.MethodOptions, path, nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

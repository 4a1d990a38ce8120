package controllers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/engagement-dispatch/api/responses"
	"github.com/angelmondragon/engagement-dispatch/api/validators"
	"github.com/angelmondragon/engagement-dispatch/internal/tracking"
	"github.com/angelmondragon/engagement-dispatch/pkg/logger"
)

// transparent 1x1 GIF
var beaconGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

type voteRequest struct {
	Vote     int    `json:"vote" validate:"oneof=-1 1"`
	SourceID string `json:"sourceId" validate:"omitempty,max=64"`
}

type commentRequest struct {
	Comment string `json:"comment" validate:"required,max=4000"`
}

// TrackOpen records an open and always answers with the beacon image, so a
// mail client never renders a broken image for an unknown or stale link.
func TrackOpen(svc tracking.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if logID, err := validators.ParseUUIDParam(r, "logId"); err == nil {
			data := map[string]any{}
			if ua := r.UserAgent(); ua != "" {
				data["user_agent"] = ua
			}
			if _, err := svc.RecordOpen(ctx, logID, data); err != nil {
				logg.Warn(logg.WithField(ctx, "log_id", logID.String()), "open not recorded: "+err.Error())
			}
		}
		w.Header().Set("Content-Type", "image/gif")
		w.Header().Set("Cache-Control", "no-store, max-age=0")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(beaconGIF)
	}
}

func TrackClick(svc tracking.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		target, err := svc.ResolveClick(ctx, strings.TrimSpace(chi.URLParam(r, "token")))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
	}
}

func TrackVote(svc tracking.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logID, err := validators.ParseUUIDParam(r, "logId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		var req voteRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		event, err := svc.Vote(ctx, tracking.VoteInput{LogID: logID, SourceID: req.SourceID, Vote: req.Vote})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, event)
	}
}

func TrackComment(svc tracking.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		feedbackID, err := validators.ParseUUIDParam(r, "feedbackId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		var req commentRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		event, err := svc.Comment(ctx, feedbackID, req.Comment)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, event)
	}
}

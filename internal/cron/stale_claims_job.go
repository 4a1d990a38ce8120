package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/engagement-dispatch/internal/claims"
	"github.com/angelmondragon/engagement-dispatch/pkg/logger"
)

const defaultStaleTimeout = 2 * time.Hour

// StaleClaimsJobParams configure the stale claim sweep.
type StaleClaimsJobParams struct {
	Logger       *logger.Logger
	Store        claims.Sweeper
	StaleTimeout time.Duration
}

// staleClaimsJob removes claims whose holder died without releasing them.
// Registry.Claim already steals these lazily; the sweep keeps claims for jobs
// that never run again from piling up.
type staleClaimsJob struct {
	logg    *logger.Logger
	store   claims.Sweeper
	timeout time.Duration
	now     func() time.Time
}

func NewStaleClaimsJob(params StaleClaimsJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("claim store required")
	}
	timeout := params.StaleTimeout
	if timeout <= 0 {
		timeout = defaultStaleTimeout
	}
	return &staleClaimsJob{
		logg:    params.Logger,
		store:   params.Store,
		timeout: timeout,
		now:     time.Now,
	}, nil
}

func (j *staleClaimsJob) Name() string { return "stale-claims" }

func (j *staleClaimsJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	cutoff := now.Add(-j.timeout)
	removed, err := j.store.DeleteOlderThan(ctx, cutoff)
	for _, claim := range removed {
		j.logg.Warn(j.logg.WithFields(j.logg.WithJobID(ctx, claim.JobID), map[string]any{
			"owner_node":    claim.OwnerNode,
			"owner_process": claim.OwnerProcess,
			"claimed_at":    claim.ClaimedAt,
			"age_seconds":   int64(claim.Age(now).Seconds()),
		}), "removed stale claim")
	}
	if err != nil {
		return fmt.Errorf("sweep stale claims: %w", err)
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":         cutoff,
		"claims_removed": len(removed),
	}), "stale claim sweep complete")
	return nil
}

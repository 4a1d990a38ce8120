package claims

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/engagement-dispatch/pkg/db/models"
	"github.com/angelmondragon/engagement-dispatch/pkg/instance"
	"github.com/angelmondragon/engagement-dispatch/pkg/logger"
	"github.com/angelmondragon/engagement-dispatch/pkg/metrics"
)

const (
	DefaultStaleTimeout     = 2 * time.Hour
	DefaultNodeWeight       = 1.0
	DefaultMaxStealAttempts = 1

	minJitterFactor = 0.5
)

// JobChecker reports whether a job definition exists for the id. The task
// scheduler satisfies it.
type JobChecker interface {
	Exists(ctx context.Context, taskID string) (bool, error)
}

// RegistryParams configure a Registry. Jobs may be nil to skip the job
// definition check entirely.
type RegistryParams struct {
	Store            Store
	Jobs             JobChecker
	Logger           *logger.Logger
	Metrics          *metrics.DispatchMetrics
	Identity         instance.Identity
	NodeWeight       float64
	StaleTimeout     time.Duration
	MaxStealAttempts int
}

// Registry grants exclusive execution rights over logical jobs. Claims are
// remembered per process by token so Release only ever removes a claim this
// process still owns.
type Registry struct {
	store        Store
	jobs         JobChecker
	logg         *logger.Logger
	metrics      *metrics.DispatchMetrics
	identity     instance.Identity
	nodeWeight   float64
	staleTimeout time.Duration
	maxSteal     int

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64

	mu   sync.Mutex
	held map[string]string
}

func NewRegistry(params RegistryParams) (*Registry, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("claim store required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	weight := params.NodeWeight
	if weight < minJitterFactor {
		weight = DefaultNodeWeight
	}
	stale := params.StaleTimeout
	if stale <= 0 {
		stale = DefaultStaleTimeout
	}
	maxSteal := params.MaxStealAttempts
	if maxSteal <= 0 {
		maxSteal = DefaultMaxStealAttempts
	}
	identity := params.Identity
	if identity.Node == "" {
		identity = instance.Current()
	}
	return &Registry{
		store:        params.Store,
		jobs:         params.Jobs,
		logg:         params.Logger,
		metrics:      params.Metrics,
		identity:     identity,
		nodeWeight:   weight,
		staleTimeout: stale,
		maxSteal:     maxSteal,
		now:          time.Now,
		sleep:        sleepContext,
		random:       rand.Float64,
		held:         map[string]string{},
	}, nil
}

type claimOptions struct {
	skipJobCheck bool
	skipJitter   bool
}

// ClaimOption adjusts a single Claim call.
type ClaimOption func(*claimOptions)

// WithoutJobCheck skips the job definition lookup for callers that already
// know the job exists.
func WithoutJobCheck() ClaimOption {
	return func(o *claimOptions) { o.skipJobCheck = true }
}

// WithoutJitter skips the pre-claim sleep.
func WithoutJitter() ClaimOption {
	return func(o *claimOptions) { o.skipJitter = true }
}

// Claim tries to take the exclusive claim for jobID. It returns false when
// another live owner holds it. A claim older than the stale timeout is
// treated as abandoned and stolen, at most MaxStealAttempts times.
func (r *Registry) Claim(ctx context.Context, jobID string, opts ...ClaimOption) (bool, error) {
	var o claimOptions
	for _, opt := range opts {
		opt(&o)
	}
	ctx = r.logg.WithJobID(ctx, jobID)

	if !o.skipJobCheck && r.jobs != nil {
		exists, err := r.jobs.Exists(ctx, jobID)
		if err != nil {
			return false, fmt.Errorf("check job %s: %w", jobID, err)
		}
		if !exists {
			r.logg.Warn(ctx, "claim skipped: no job definition")
			r.metrics.Claim("no_job")
			return false, nil
		}
	}

	if !o.skipJitter {
		if err := r.sleep(ctx, r.Jitter()); err != nil {
			return false, err
		}
	}

	for attempt := 0; ; attempt++ {
		now := r.now().UTC()
		claim := models.JobClaim{
			JobID:        jobID,
			Token:        uuid.NewString(),
			OwnerNode:    r.identity.Node,
			OwnerProcess: r.identity.Process,
			ClaimedAt:    now,
		}
		err := r.store.Insert(ctx, claim)
		if err == nil {
			r.hold(jobID, claim.Token)
			r.metrics.Claim("granted")
			return true, nil
		}
		if !errors.Is(err, ErrAlreadyClaimed) {
			return false, fmt.Errorf("insert claim %s: %w", jobID, err)
		}

		existing, err := r.store.Get(ctx, jobID)
		if errors.Is(err, ErrNotFound) {
			// released between our insert and read
			if attempt < r.maxSteal {
				continue
			}
			r.metrics.Claim("denied")
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("read claim %s: %w", jobID, err)
		}

		age := existing.Age(now)
		if age < r.staleTimeout {
			r.logg.Debug(r.logg.WithField(ctx, "owner_node", existing.OwnerNode), "claim held by active owner")
			r.metrics.Claim("denied")
			return false, nil
		}
		if attempt >= r.maxSteal {
			r.logg.Warn(ctx, "stale claim not stolen: steal attempts exhausted")
			r.metrics.Claim("denied")
			return false, nil
		}

		r.logg.Warn(r.logg.WithFields(ctx, map[string]any{
			"owner_node":    existing.OwnerNode,
			"owner_process": existing.OwnerProcess,
			"age_seconds":   int64(age.Seconds()),
		}), "stealing stale claim")
		if _, err := r.store.Delete(ctx, jobID, existing.Token); err != nil {
			return false, fmt.Errorf("delete stale claim %s: %w", jobID, err)
		}
		r.metrics.Claim("stolen")
	}
}

// Release drops this process's claim on jobID. It returns false when this
// process holds no claim, or when the claim was stolen in the meantime.
func (r *Registry) Release(ctx context.Context, jobID string) (bool, error) {
	token, ok := r.take(jobID)
	if !ok {
		return false, nil
	}
	released, err := r.store.Delete(ctx, jobID, token)
	if err != nil {
		return false, fmt.Errorf("release claim %s: %w", jobID, err)
	}
	if !released {
		r.logg.Warn(r.logg.WithJobID(ctx, jobID), "claim was taken over before release")
	}
	return released, nil
}

// Holds reports whether this process currently believes it owns jobID.
func (r *Registry) Holds(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[jobID]
	return ok
}

// Jitter returns uniform(0.5, N) * last digit of the pid, in seconds.
func (r *Registry) Jitter() time.Duration {
	factor := minJitterFactor + r.random()*(r.nodeWeight-minJitterFactor)
	seconds := factor * float64(r.identity.LastDigit())
	return time.Duration(seconds * float64(time.Second))
}

func (r *Registry) hold(jobID, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.held[jobID] = token
}

func (r *Registry) take(jobID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.held[jobID]
	if ok {
		delete(r.held, jobID)
	}
	return token, ok
}

func sleepContext(ctx context.Context, d time.Duration) error {
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

package claims

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/engagement-dispatch/pkg/db/models"
)

var (
	// ErrAlreadyClaimed is returned by Store.Insert when a claim row already
	// exists for the job id.
	ErrAlreadyClaimed = errors.New("claims: job already claimed")
	// ErrNotFound is returned by Store.Get when no claim exists.
	ErrNotFound = errors.New("claims: claim not found")
)

// Store persists claim rows. Insert must be atomic with respect to the job id:
// of any number of concurrent inserts for one id, exactly one succeeds.
type Store interface {
	Insert(ctx context.Context, claim models.JobClaim) error
	Get(ctx context.Context, jobID string) (*models.JobClaim, error)
	// Delete removes the claim for jobID only while it still carries token.
	Delete(ctx context.Context, jobID, token string) (bool, error)
}

// Sweeper is implemented by stores that can bulk-remove abandoned claims.
type Sweeper interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]models.JobClaim, error)
}

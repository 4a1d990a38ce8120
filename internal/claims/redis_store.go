package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/engagement-dispatch/pkg/db/models"
	"github.com/angelmondragon/engagement-dispatch/pkg/redis"
)

type redisClient interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	ClaimKey(jobID string) string
}

// RedisStore keeps claims as SETNX keys. The key TTL is the stale timeout,
// so a crashed owner's claim expires on its own.
type RedisStore struct {
	client redisClient
	ttl    time.Duration
}

type redisClaim struct {
	Token     string    `json:"token"`
	Node      string    `json:"node"`
	Process   int       `json:"pid"`
	ClaimedAt time.Time `json:"claimed_at"`
}

func NewRedisStore(client redisClient, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client required for claim store")
	}
	if ttl <= 0 {
		return nil, errors.New("claim ttl must be positive")
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func (s *RedisStore) Insert(ctx context.Context, claim models.JobClaim) error {
	payload, err := json.Marshal(redisClaim{
		Token:     claim.Token,
		Node:      claim.OwnerNode,
		Process:   claim.OwnerProcess,
		ClaimedAt: claim.ClaimedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode claim: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.client.ClaimKey(claim.JobID), string(payload), s.ttl)
	if err != nil {
		return fmt.Errorf("setnx claim: %w", err)
	}
	if !ok {
		return ErrAlreadyClaimed
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (*models.JobClaim, error) {
	_, claim, err := s.read(ctx, jobID)
	return claim, err
}

func (s *RedisStore) Delete(ctx context.Context, jobID, token string) (bool, error) {
	raw, claim, err := s.read(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if claim.Token != token {
		return false, nil
	}
	return s.client.CompareAndDelete(ctx, s.client.ClaimKey(jobID), raw)
}

func (s *RedisStore) read(ctx context.Context, jobID string) (string, *models.JobClaim, error) {
	raw, err := s.client.Get(ctx, s.client.ClaimKey(jobID))
	if errors.Is(err, redis.Nil) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("read claim: %w", err)
	}
	var stored redisClaim
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return "", nil, fmt.Errorf("decode claim %s: %w", jobID, err)
	}
	return raw, &models.JobClaim{
		JobID:        jobID,
		Token:        stored.Token,
		OwnerNode:    stored.Node,
		OwnerProcess: stored.Process,
		ClaimedAt:    stored.ClaimedAt,
	}, nil
}

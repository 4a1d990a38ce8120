package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/engagement-dispatch/pkg/redis"
)

// Guard remembers which (scope, key) pairs were seen inside a TTL window using
// Redis SETNX. Keys follow `engage:idempotency:seen:<scope>:<key>`.
type Guard struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

// NewGuard builds a guard that remembers keys for ttl.
func NewGuard(store redis.IdempotencyStore, ttl time.Duration) (*Guard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	return &Guard{store: store, ttl: ttl}, nil
}

// FirstSeen marks key as seen and reports whether this call was the first
// inside the window.
func (g *Guard) FirstSeen(ctx context.Context, scope, key string) (bool, error) {
	storeKey, err := g.key(scope, key)
	if err != nil {
		return false, err
	}
	set, err := g.store.SetNX(ctx, storeKey, "1", g.ttl)
	if err != nil {
		return false, fmt.Errorf("mark %s seen: %w", scope, err)
	}
	return set, nil
}

// Forget clears a mark so the next FirstSeen for key returns true again.
func (g *Guard) Forget(ctx context.Context, scope, key string) error {
	storeKey, err := g.key(scope, key)
	if err != nil {
		return err
	}
	return g.store.Del(ctx, storeKey)
}

func (g *Guard) key(scope, key string) (string, error) {
	if strings.TrimSpace(scope) == "" {
		return "", errors.New("scope is required")
	}
	if strings.TrimSpace(key) == "" {
		return "", errors.New("key is required")
	}
	return g.store.IdempotencyKey("seen:"+scope, key), nil
}

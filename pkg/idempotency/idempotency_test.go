package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/engagement-dispatch/pkg/redis"
)

type fakeStore struct {
	setNXResult bool
	setNXError  error
	lastKey     string
	lastTTL     time.Duration
	lastDeleted string
}

func (f *fakeStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	f.lastKey = key
	f.lastTTL = ttl
	return f.setNXResult, f.setNXError
}

func (f *fakeStore) IdempotencyKey(scope, id string) string {
	return "engage:idempotency:" + scope + ":" + id
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	if len(keys) > 0 {
		f.lastDeleted = keys[0]
	}
	return nil
}

func TestFirstSeenUsesScopedKeyAndTTL(t *testing.T) {
	store := &fakeStore{setNXResult: true}
	guard, err := NewGuard(store, time.Minute)
	require.NoError(t, err)

	first, err := guard.FirstSeen(context.Background(), "open", "log-1")
	require.NoError(t, err)
	assert.True(t, first)
	assert.Equal(t, "engage:idempotency:seen:open:log-1", store.lastKey)
	assert.Equal(t, time.Minute, store.lastTTL)
}

func TestFirstSeenPropagatesStoreErrors(t *testing.T) {
	guard, err := NewGuard(&fakeStore{setNXError: errors.New("down")}, time.Minute)
	require.NoError(t, err)

	_, err = guard.FirstSeen(context.Background(), "open", "log-1")
	assert.Error(t, err)
}

func TestGuardAgainstInMemoryRedis(t *testing.T) {
	ctx := context.Background()
	guard, err := NewGuard(redis.NewInMemory(), time.Minute)
	require.NoError(t, err)

	first, err := guard.FirstSeen(ctx, "open", "log-1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := guard.FirstSeen(ctx, "open", "log-1")
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, guard.Forget(ctx, "open", "log-1"))
	first, err = guard.FirstSeen(ctx, "open", "log-1")
	require.NoError(t, err)
	assert.True(t, first)
}

func TestValidation(t *testing.T) {
	_, err := NewGuard(nil, time.Minute)
	assert.Error(t, err)
	_, err = NewGuard(&fakeStore{}, 0)
	assert.Error(t, err)

	guard, _ := NewGuard(&fakeStore{}, time.Minute)
	_, err = guard.FirstSeen(context.Background(), "", "x")
	assert.Error(t, err)
	_, err = guard.FirstSeen(context.Background(), "open", " ")
	assert.Error(t, err)
}

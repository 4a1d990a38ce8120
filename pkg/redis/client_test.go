package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetNXAndCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	client := NewInMemory()

	ok, err := client.SetNX(ctx, "k", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.SetNX(ctx, "k", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second SETNX must lose")

	deleted, err := client.CompareAndDelete(ctx, "k", "owner-b")
	require.NoError(t, err)
	assert.False(t, deleted, "non-owner must not delete")

	deleted, err = client.CompareAndDelete(ctx, "k", "owner-a")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = client.Get(ctx, "k")
	assert.ErrorIs(t, err, Nil)
}

func TestMemoryStoreHonoursTTL(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	client := &Client{store: store}

	ok, err := client.SetNX(ctx, "k", "v", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, err = client.SetNX(ctx, "k", "v2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired key should be replaceable")

	value, err := client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", value)
}

func TestKeyBuilders(t *testing.T) {
	client := &Client{}
	assert.Equal(t, "engage:idempotency:open:abc", client.IdempotencyKey("open", "abc"))
	assert.Equal(t, "engage:claim:campaign_f1", client.ClaimKey("campaign_f1"))
	assert.Equal(t, "engage:lock:maintenance:prod", client.LockKey("maintenance", "prod"))
	assert.Equal(t, "engage:lock:maintenance", client.LockKey("maintenance", " "))
}

func TestUninitializedClient(t *testing.T) {
	client := &Client{}
	_, err := client.SetNX(context.Background(), "k", "v", 0)
	assert.Error(t, err)
	assert.Error(t, client.Ping(context.Background()))
}

func TestOptionsFromConfigRequiresAddress(t *testing.T) {
	_, err := optionsFromConfig(configWith("", ""))
	assert.Error(t, err)

	opts, err := optionsFromConfig(configWith("redis://localhost:6379/2", ""))
	require.NoError(t, err)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 10, opts.PoolSize)
}

package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewInMemory returns a Client backed by a process-local map. It supports the
// subset of commands the service uses and is meant for tests and local runs
// without a Redis server.
func NewInMemory() *Client {
	return &Client{store: newMemoryStore()}
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

type memoryStore struct {
	mu   sync.Mutex
	data map[string]memoryEntry
	now  func() time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: map[string]memoryEntry{}, now: time.Now}
}

func (m *memoryStore) live(key string) (memoryEntry, bool) {
	entry, ok := m.data[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		delete(m.data, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (m *memoryStore) put(key string, value any, ttl time.Duration) {
	entry := memoryEntry{value: fmt.Sprint(value)}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.data[key] = entry
}

func (m *memoryStore) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (m *memoryStore) Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(key, value, ttl)
	return redis.NewStatusResult("OK", nil)
}

func (m *memoryStore) Get(ctx context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(key)
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(entry.value, nil)
}

func (m *memoryStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return redis.NewBoolResult(false, nil)
	}
	m.put(key, value, ttl)
	return redis.NewBoolResult(true, nil)
}

func (m *memoryStore) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := m.live(key); ok {
			n++
		}
		delete(m.data, key)
	}
	return redis.NewIntResult(n, nil)
}

// Eval understands only the compare-and-delete script.
func (m *memoryStore) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	if script != compareAndDeleteScript || len(keys) != 1 || len(args) != 1 {
		cmd.SetErr(fmt.Errorf("memory store: unsupported script"))
		return cmd
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(keys[0])
	if !ok || entry.value != fmt.Sprint(args[0]) {
		cmd.SetVal(int64(0))
		return cmd
	}
	delete(m.data, keys[0])
	cmd.SetVal(int64(1))
	return cmd
}

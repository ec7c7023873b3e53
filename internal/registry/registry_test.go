package registry

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, "test:", time.Hour, discardLogger())
	t.Cleanup(func() { store.Close() })
	return mr, store
}

func sessionAt(id string, offset time.Duration) Session {
	return Session{
		ID:           id,
		Orchestrator: "web",
		Topology:     "redirect",
		Listen:       "127.0.0.1:8443",
		Remote:       "10.0.0.7:51234",
		Target:       "10.0.0.5:443",
		StartedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Add(offset),
	}
}

func exerciseStore(t *testing.T, store Store) {
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, sessionAt("b", time.Second)))
	require.NoError(t, store.Add(ctx, sessionAt("a", 0)))

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
	assert.Equal(t, sessionAt("a", 0), list[0])

	require.NoError(t, store.Remove(ctx, "a"))
	require.NoError(t, store.Remove(ctx, "missing"))

	list, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].ID)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	_, store := setupRedis(t)
	exerciseStore(t, store)
}

func TestRedisStore_KeysAndTTL(t *testing.T) {
	mr, store := setupRedis(t)
	require.NoError(t, store.Add(context.Background(), sessionAt("abc", 0)))

	assert.True(t, mr.Exists("test:session:abc"))
	assert.Equal(t, time.Hour, mr.TTL("test:session:abc"))

	members, err := mr.Members("test:sessions")
	require.NoError(t, err)
	assert.Equal(t, []string{"abc"}, members)
}

func TestRedisStore_ExpiredRecordsArePruned(t *testing.T) {
	mr, store := setupRedis(t)
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, sessionAt("old", 0)))

	mr.FastForward(2 * time.Hour)

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	members, _ := mr.Members("test:sessions")
	assert.Empty(t, members)
}

func TestConfig(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, DefaultKeyPrefix, cfg.KeyPrefix)
	assert.Equal(t, DefaultTTL, cfg.TTL)
	require.NoError(t, cfg.Validate())

	assert.Error(t, (&Config{Backend: BackendRedis}).Validate())
	assert.Error(t, (&Config{Backend: "etcd"}).Validate())
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	store, err := New(ctx, Config{}, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	mr := miniredis.RunT(t)
	store, err = New(ctx, Config{Backend: BackendRedis, Addr: mr.Addr()}, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, store)
	require.NoError(t, store.Close())

	_, err = New(ctx, Config{Backend: BackendRedis, Addr: "127.0.0.1:1"}, discardLogger())
	assert.Error(t, err)
}

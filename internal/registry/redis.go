package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each session as a JSON string under
// <prefix>session:<id> with a TTL, indexed by the set <prefix>sessions.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// DialRedis connects to the Redis server named by cfg.
func DialRedis(ctx context.Context, cfg Config, logger *slog.Logger) (*RedisStore, error) {
	cfg.ApplyDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("registry: connect to redis %s: %w", cfg.Addr, err)
	}
	return NewRedisStore(client, cfg.KeyPrefix, cfg.TTL, logger), nil
}

// NewRedisStore wraps an existing client. The store takes ownership of
// client and closes it in Close.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With("component", "registry"),
	}
}

func (r *RedisStore) key(id string) string { return r.prefix + "session:" + id }
func (r *RedisStore) index() string        { return r.prefix + "sessions" }

func (r *RedisStore) Add(ctx context.Context, s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("registry: marshal session %s: %w", s.ID, err)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.key(s.ID), data, r.ttl)
		p.SAdd(ctx, r.index(), s.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("registry: add session %s: %w", s.ID, err)
	}
	return nil
}

func (r *RedisStore) Remove(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.key(id))
		p.SRem(ctx, r.index(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("registry: remove session %s: %w", id, err)
	}
	return nil
}

// List returns the sessions ordered by start time. Index entries whose
// record has expired are pruned.
func (r *RedisStore) List(ctx context.Context) ([]Session, error) {
	ids, err := r.client.SMembers(ctx, r.index()).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: list sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: list sessions: %w", err)
	}

	out := make([]Session, 0, len(vals))
	var stale []any
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var s Session
		if err := json.Unmarshal([]byte(str), &s); err != nil {
			r.logger.Warn("skipping malformed session record", "key", keys[i], "error", err)
			continue
		}
		out = append(out, s)
	}
	if len(stale) > 0 {
		if err := r.client.SRem(ctx, r.index(), stale...).Err(); err != nil {
			r.logger.Warn("prune expired sessions failed", "error", err)
		}
	}

	sortSessions(out)
	return out, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

var _ Store = (*RedisStore)(nil)

// Package registry records the forwarding sessions that are currently
// active so operators can list them, optionally across several relayd
// instances sharing one Redis.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	DefaultKeyPrefix = "relayd:"
	DefaultTTL       = 24 * time.Hour
)

// Session describes one active forwarding session.
type Session struct {
	ID           string    `json:"id"`
	Orchestrator string    `json:"orchestrator"`
	Topology     string    `json:"topology"`
	Listen       string    `json:"listen"`
	Remote       string    `json:"remote"`
	Target       string    `json:"target"`
	StartedAt    time.Time `json:"started_at"`
}

// Store keeps the set of active sessions.
type Store interface {
	Add(ctx context.Context, s Session) error
	Remove(ctx context.Context, id string) error
	List(ctx context.Context) ([]Session, error)
	Close() error
}

// Config selects and configures the session store.
type Config struct {
	// Backend is "memory" or "redis".
	// Default: memory
	Backend string `yaml:"backend"`

	// Addr is the Redis server address.
	Addr string `yaml:"addr"`

	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// KeyPrefix namespaces every Redis key.
	// Default: relayd:
	KeyPrefix string `yaml:"key_prefix"`

	// TTL bounds how long a record of a session that was never removed
	// (for example after a crash) survives.
	// Default: 24h
	TTL time.Duration `yaml:"ttl"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
}

// Validate checks that required fields are set and values are acceptable.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Addr == "" {
			return fmt.Errorf("registry: addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("registry: unknown backend %q", c.Backend)
	}
	if c.TTL < 0 {
		return fmt.Errorf("registry: ttl must not be negative")
	}
	return nil
}

// New creates the store selected by cfg. A Redis store is pinged before it
// is returned.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Backend == BackendRedis {
		return DialRedis(ctx, cfg, logger)
	}
	return NewMemoryStore(), nil
}

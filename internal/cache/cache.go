package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	_ domain.Cache = (*LRUCache)(nil)
	_ domain.Cache = (*RedisCache)(nil)
	_ domain.Cache = (*TwoPhaseCache)(nil)
)

// defaultNearTTL caps how long a node serves a profile it read from Redis
// without going back to the shared tier.
const defaultNearTTL = 5 * time.Minute

// New builds the cache named by cfg.Type. "memory" keeps everything in the
// process; "redis" talks to a shared server, fronted by an in-process tier
// when EnableTwoPhase is set.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		if !cfg.EnableTwoPhase {
			return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		}
		return NewTwoPhaseCache(cfg)
	}
	return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
}

// TwoPhaseCache reads through a per-node LRU before Redis. Writes and
// deletes go to both tiers; lock primitives only touch Redis so that every
// node contends on the same key.
type TwoPhaseCache struct {
	near    *LRUCache
	shared  *RedisCache
	nearTTL time.Duration
}

// NewTwoPhaseCache connects to Redis and puts an LRU of cfg.LocalMaxSize
// entries in front of it.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	shared, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("two-phase cache: %w", err)
	}
	return newTwoPhase(NewLRUCache(cfg.LocalMaxSize), shared, cfg.LocalTTL), nil
}

func newTwoPhase(near *LRUCache, shared *RedisCache, nearTTL time.Duration) *TwoPhaseCache {
	if nearTTL <= 0 {
		nearTTL = defaultNearTTL
	}
	return &TwoPhaseCache{near: near, shared: shared, nearTTL: nearTTL}
}

// nearExpiry never lets the local copy outlive the shared one.
func (c *TwoPhaseCache) nearExpiry(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < c.nearTTL {
		return ttl
	}
	return c.nearTTL
}

func (c *TwoPhaseCache) Get(ctx context.Context, key string) ([]byte, error) {
	if val, err := c.near.Get(ctx, key); err != nil || val != nil {
		return val, err
	}

	val, err := c.shared.Get(ctx, key)
	if err != nil || val == nil {
		return nil, err
	}
	// L1 fill failures only cost a later round trip.
	_ = c.near.Set(ctx, key, val, c.nearTTL)
	return val, nil
}

func (c *TwoPhaseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.near.Set(ctx, key, value, c.nearExpiry(ttl)); err != nil {
		return err
	}
	return c.shared.Set(ctx, key, value, ttl)
}

func (c *TwoPhaseCache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return c.shared.SetNX(ctx, key, value, ttl)
}

func (c *TwoPhaseCache) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	return c.shared.CompareAndDelete(ctx, key, value)
}

func (c *TwoPhaseCache) Delete(ctx context.Context, key string) error {
	_ = c.near.Delete(ctx, key)
	return c.shared.Delete(ctx, key)
}

// Ping only reports the shared tier; the in-process LRU cannot fail.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.shared.Ping(ctx); err != nil {
		return fmt.Errorf("redis tier: %w", err)
	}
	return nil
}

func (c *TwoPhaseCache) Close() error {
	return errors.Join(c.near.Close(), c.shared.Close())
}

// Stats reports the in-process tier's occupancy.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.near.Stats()
}

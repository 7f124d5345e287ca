package profile

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const profileKeyPrefix = "profile:"

// CachedStore is a read-through cache in front of a ProfileStore.
// Concurrent misses for one user share a single backing read.
type CachedStore struct {
	next  domain.ProfileStore
	cache domain.Cache
	ttl   time.Duration
	group singleflight.Group
}

var _ domain.ProfileStore = (*CachedStore)(nil)

// NewCachedStore wraps next with cache. A non-positive ttl disables caching.
func NewCachedStore(next domain.ProfileStore, cache domain.Cache, ttl time.Duration) *CachedStore {
	return &CachedStore{next: next, cache: cache, ttl: ttl}
}

// GetProfile returns the cached profile or loads it from the backing store.
// Cache failures fall through to the store.
func (s *CachedStore) GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	if s.ttl <= 0 || s.cache == nil {
		return s.next.GetProfile(ctx, userID)
	}

	key := profileKeyPrefix + userID
	if data, err := s.cache.Get(ctx, key); err == nil && data != nil {
		var p domain.UserProfile
		if err := json.Unmarshal(data, &p); err == nil {
			return &p, nil
		}
		slog.Warn("discarding corrupt cached profile", "user_id", userID)
	}

	v, err, _ := s.group.Do(userID, func() (any, error) {
		return s.LoadProfile(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	// Callers may mutate the result; hand each one its own copy.
	return v.(*domain.UserProfile).Clone(), nil
}

// LoadProfile reads the backing store directly and refreshes the cache
// with the result.
func (s *CachedStore) LoadProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	p, err := s.next.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, userID, p)
	return p, nil
}

func (s *CachedStore) fill(ctx context.Context, userID string, p *domain.UserProfile) {
	if s.ttl <= 0 || s.cache == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, profileKeyPrefix+userID, data, s.ttl); err != nil {
		slog.Warn("failed to cache profile", "user_id", userID, "error", err)
	}
}

// UpsertProfile writes through to the backing store and refreshes the cache.
func (s *CachedStore) UpsertProfile(ctx context.Context, p *domain.UserProfile) error {
	if err := s.next.UpsertProfile(ctx, p); err != nil {
		return err
	}
	if s.ttl <= 0 || s.cache == nil {
		return nil
	}

	key := profileKeyPrefix + p.UserID
	data, err := json.Marshal(p)
	if err == nil {
		err = s.cache.Set(ctx, key, data, s.ttl)
	}
	if err != nil {
		// A stale entry would outlive the write, so drop it.
		slog.Warn("failed to refresh cached profile", "user_id", p.UserID, "error", err)
		_ = s.cache.Delete(ctx, key)
	}
	return nil
}

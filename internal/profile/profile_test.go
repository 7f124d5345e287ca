package profile

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

type memStore struct {
	mu       sync.Mutex
	profiles map[string]*domain.UserProfile
	reads    int
	getErr   error
	putErr   error
}

func newMemStore() *memStore {
	return &memStore{profiles: make(map[string]*domain.UserProfile)}
}

func (s *memStore) GetProfile(_ context.Context, userID string) (*domain.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.getErr != nil {
		return nil, s.getErr
	}
	p, ok := s.profiles[userID]
	if !ok {
		return nil, domain.ErrProfileNotFound
	}
	return p.Clone(), nil
}

func (s *memStore) UpsertProfile(_ context.Context, p *domain.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.profiles[p.UserID] = p.Clone()
	return nil
}

// tieredCache is a node-local LRU in front of an LRU shared by every node.
// Locks only touch the shared tier.
type tieredCache struct {
	near   *cache.LRUCache
	shared *cache.LRUCache
}

func (c *tieredCache) Get(ctx context.Context, key string) ([]byte, error) {
	if v, _ := c.near.Get(ctx, key); v != nil {
		return v, nil
	}
	v, err := c.shared.Get(ctx, key)
	if v != nil {
		_ = c.near.Set(ctx, key, v, time.Minute)
	}
	return v, err
}

func (c *tieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_ = c.near.Set(ctx, key, value, ttl)
	return c.shared.Set(ctx, key, value, ttl)
}

func (c *tieredCache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return c.shared.SetNX(ctx, key, value, ttl)
}

func (c *tieredCache) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	return c.shared.CompareAndDelete(ctx, key, value)
}

func (c *tieredCache) Delete(ctx context.Context, key string) error {
	_ = c.near.Delete(ctx, key)
	return c.shared.Delete(ctx, key)
}

func (c *tieredCache) Ping(context.Context) error { return nil }
func (c *tieredCache) Close() error               { return nil }

func uniform(v float64) domain.NormalizedFeatures {
	f := make(domain.NormalizedFeatures)
	for _, name := range domain.ProfileMetrics {
		f[name] = v
	}
	return f
}

func TestBlend(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("ColdStartCopiesObservation", func(t *testing.T) {
		obs := uniform(0.3)
		obs[domain.MetricAvgSwipeSpeed] = 0.9

		p := Blend(nil, obs, now)
		assert.Len(t, p.Metrics, len(domain.ProfileMetrics))
		for _, name := range domain.ProfileMetrics {
			assert.Equal(t, 0.3, p.Metrics[name], name)
		}
		assert.NotContains(t, p.Metrics, domain.MetricAvgSwipeSpeed)
		assert.Equal(t, now, p.LastUpdated)
	})

	t.Run("MissingMetricCountsAsZero", func(t *testing.T) {
		old := &domain.UserProfile{UserID: "u", Metrics: uniform(0.5)}
		obs := uniform(0.5)
		delete(obs, domain.MetricTypingSpeed)

		p := Blend(old, obs, now)
		assert.InDelta(t, 0.45, p.Metrics[domain.MetricTypingSpeed], 1e-12)
		assert.InDelta(t, 0.5, p.Metrics[domain.MetricAvgDwellTime], 1e-12)
	})

	t.Run("ConvergesGeometrically", func(t *testing.T) {
		const b, x = 0.2, 0.7
		p := Blend(nil, uniform(b), now)
		for n := 1; n <= 10; n++ {
			p = Blend(p, uniform(x), now)
			want := x + (b-x)*math.Pow(Retention, float64(n))
			for _, name := range domain.ProfileMetrics {
				require.InDelta(t, want, p.Metrics[name], 1e-12, "n=%d %s", n, name)
			}
		}
	})

	t.Run("DoesNotMutateOld", func(t *testing.T) {
		old := &domain.UserProfile{UserID: "u", Metrics: uniform(0.5)}
		_ = Blend(old, uniform(1), now)
		assert.Equal(t, 0.5, old.Metrics[domain.MetricAvgDwellTime])
	})
}

func TestUpdater(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("CreatesThenBlends", func(t *testing.T) {
		store := newMemStore()
		u := NewUpdater(store, nil)
		u.now = func() time.Time { return now }

		require.NoError(t, u.Update(ctx, "alice", uniform(0.4)))
		require.NoError(t, u.Update(ctx, "alice", uniform(0.9)))

		p := store.profiles["alice"]
		require.NotNil(t, p)
		assert.Equal(t, "alice", p.UserID)
		assert.InDelta(t, 0.45, p.Metrics[domain.MetricSessionDuration], 1e-12)
		assert.Equal(t, now, p.LastUpdated)
	})

	t.Run("RequiresUserID", func(t *testing.T) {
		u := NewUpdater(newMemStore(), nil)
		assert.Error(t, u.Update(ctx, "", uniform(0.1)))
	})

	t.Run("ReadErrorIsReturned", func(t *testing.T) {
		store := newMemStore()
		store.getErr = errors.New("db down")
		u := NewUpdater(store, nil)

		err := u.Update(ctx, "bob", uniform(0.1))
		require.Error(t, err)
		assert.ErrorIs(t, err, store.getErr)
		assert.Empty(t, store.profiles)
	})

	t.Run("WriteErrorIsReturned", func(t *testing.T) {
		store := newMemStore()
		store.putErr = errors.New("disk full")
		u := NewUpdater(store, nil)
		assert.ErrorIs(t, u.Update(ctx, "bob", uniform(0.1)), store.putErr)
	})

	t.Run("SerializedUpdatesLoseNothing", func(t *testing.T) {
		store := newMemStore()
		locker := NewLocker(cache.NewLRUCache(100), domain.ProfileConfig{LockTTL: time.Second, LockRetries: 100})
		u := NewUpdater(store, locker)

		require.NoError(t, u.Update(ctx, "carol", uniform(0)))

		const n = 20
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, u.Update(ctx, "carol", uniform(1)))
			}()
		}
		wg.Wait()

		want := 1 - math.Pow(Retention, n)
		assert.InDelta(t, want, store.profiles["carol"].Metrics[domain.MetricAvgDwellTime], 1e-9)
	})
}

func TestUpdaterAcrossNodes(t *testing.T) {
	ctx := context.Background()
	backing := newMemStore()
	shared := cache.NewLRUCache(100)
	cfg := domain.ProfileConfig{LockTTL: time.Second, LockRetries: 10}

	node := func() *Updater {
		c := &tieredCache{near: cache.NewLRUCache(100), shared: shared}
		return NewUpdater(NewCachedStore(backing, c, time.Minute), NewLocker(c, cfg))
	}
	a, b := node(), node()

	require.NoError(t, a.Update(ctx, "hank", uniform(0)))
	for _, u := range []*Updater{b, a, b} {
		require.NoError(t, u.Update(ctx, "hank", uniform(1)))
	}

	want := 1 - math.Pow(Retention, 3)
	assert.InDelta(t, want, backing.profiles["hank"].Metrics[domain.MetricAvgDwellTime], 1e-9)

	// Plain reads may still be served by a's node-local tier.
	p, err := a.store.GetProfile(ctx, "hank")
	require.NoError(t, err)
	assert.InDelta(t, 1-Retention*Retention, p.Metrics[domain.MetricAvgDwellTime], 1e-9)
}

func TestLocker(t *testing.T) {
	ctx := context.Background()

	t.Run("ReleaseFreesKey", func(t *testing.T) {
		c := cache.NewLRUCache(10)
		l := NewLocker(c, domain.ProfileConfig{})

		release, err := l.Acquire(ctx, "u1")
		require.NoError(t, err)

		held, _ := c.Get(ctx, lockPrefix+"u1")
		assert.NotNil(t, held)

		release()
		held, _ = c.Get(ctx, lockPrefix+"u1")
		assert.Nil(t, held)
		assert.Empty(t, l.local)
	})

	t.Run("ContendedLockTimesOut", func(t *testing.T) {
		c := cache.NewLRUCache(10)
		// Another process holds the lock.
		_ = c.Set(ctx, lockPrefix+"u2", []byte("other"), time.Minute)

		l := NewLocker(c, domain.ProfileConfig{LockRetries: 2})
		_, err := l.Acquire(ctx, "u2")
		assert.ErrorIs(t, err, ErrLockTimeout)

		val, _ := c.Get(ctx, lockPrefix+"u2")
		assert.Equal(t, "other", string(val))
		assert.Empty(t, l.local)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		c := cache.NewLRUCache(10)
		_ = c.Set(ctx, lockPrefix+"u3", []byte("other"), time.Minute)

		cctx, cancel := context.WithCancel(ctx)
		cancel()

		l := NewLocker(c, domain.ProfileConfig{LockRetries: 50})
		_, err := l.Acquire(cctx, "u3")
		assert.Error(t, err)
	})

	t.Run("NoCacheUsesLocalMutexOnly", func(t *testing.T) {
		l := NewLocker(nil, domain.ProfileConfig{})
		release, err := l.Acquire(ctx, "u4")
		require.NoError(t, err)
		release()
	})
}

func TestCachedStore(t *testing.T) {
	ctx := context.Background()

	t.Run("ReadThrough", func(t *testing.T) {
		backing := newMemStore()
		backing.profiles["dave"] = &domain.UserProfile{UserID: "dave", Metrics: uniform(0.25)}
		s := NewCachedStore(backing, cache.NewLRUCache(10), time.Minute)

		p1, err := s.GetProfile(ctx, "dave")
		require.NoError(t, err)
		p2, err := s.GetProfile(ctx, "dave")
		require.NoError(t, err)

		assert.Equal(t, 0.25, p2.Metrics[domain.MetricAvgDwellTime])
		assert.Equal(t, p1.Metrics, p2.Metrics)
		assert.Equal(t, 1, backing.reads)
	})

	t.Run("NotFoundIsNotCached", func(t *testing.T) {
		backing := newMemStore()
		s := NewCachedStore(backing, cache.NewLRUCache(10), time.Minute)

		_, err := s.GetProfile(ctx, "erin")
		assert.ErrorIs(t, err, domain.ErrProfileNotFound)
		_, err = s.GetProfile(ctx, "erin")
		assert.ErrorIs(t, err, domain.ErrProfileNotFound)
		assert.Equal(t, 2, backing.reads)
	})

	t.Run("UpsertRefreshesCache", func(t *testing.T) {
		backing := newMemStore()
		s := NewCachedStore(backing, cache.NewLRUCache(10), time.Minute)

		require.NoError(t, s.UpsertProfile(ctx, &domain.UserProfile{UserID: "frank", Metrics: uniform(0.1)}))
		require.NoError(t, s.UpsertProfile(ctx, &domain.UserProfile{UserID: "frank", Metrics: uniform(0.6)}))

		p, err := s.GetProfile(ctx, "frank")
		require.NoError(t, err)
		assert.Equal(t, 0.6, p.Metrics[domain.MetricAvgDwellTime])
		assert.Equal(t, 0, backing.reads)
	})

	t.Run("LoadProfileSkipsCache", func(t *testing.T) {
		backing := newMemStore()
		backing.profiles["ivy"] = &domain.UserProfile{UserID: "ivy", Metrics: uniform(0.2)}
		s := NewCachedStore(backing, cache.NewLRUCache(10), time.Minute)

		_, err := s.GetProfile(ctx, "ivy")
		require.NoError(t, err)
		backing.profiles["ivy"] = &domain.UserProfile{UserID: "ivy", Metrics: uniform(0.7)}

		p, err := s.LoadProfile(ctx, "ivy")
		require.NoError(t, err)
		assert.Equal(t, 0.7, p.Metrics[domain.MetricAvgDwellTime])
		p, err = s.GetProfile(ctx, "ivy")
		require.NoError(t, err)
		assert.Equal(t, 0.7, p.Metrics[domain.MetricAvgDwellTime])
		assert.Equal(t, 2, backing.reads)
	})

	t.Run("ZeroTTLBypassesCache", func(t *testing.T) {
		backing := newMemStore()
		backing.profiles["gina"] = &domain.UserProfile{UserID: "gina", Metrics: uniform(0.5)}
		s := NewCachedStore(backing, cache.NewLRUCache(10), 0)

		_, _ = s.GetProfile(ctx, "gina")
		_, _ = s.GetProfile(ctx, "gina")
		assert.Equal(t, 2, backing.reads)
	})
}

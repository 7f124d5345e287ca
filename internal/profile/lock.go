package profile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrLockTimeout is returned when the profile lock stays contended past all retries.
var ErrLockTimeout = errors.New("profile lock timeout")

const (
	lockPrefix     = "profile-lock:"
	lockBaseDelay  = 5 * time.Millisecond
	lockMaxDelay   = 250 * time.Millisecond
	defaultLockTTL = 5 * time.Second
)

// Locker serializes profile updates per user. Goroutines in one process
// queue on a keyed mutex; processes sharing a cache contend on a SetNX key
// that carries a random owner token.
type Locker struct {
	cache   domain.Cache
	ttl     time.Duration
	retries uint64

	mu    sync.Mutex
	local map[string]*keyedMutex
}

type keyedMutex struct {
	mu   sync.Mutex
	refs int
}

// NewLocker creates a Locker backed by cache.
func NewLocker(cache domain.Cache, cfg domain.ProfileConfig) *Locker {
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	retries := cfg.LockRetries
	if retries < 0 {
		retries = 0
	}
	return &Locker{
		cache:   cache,
		ttl:     ttl,
		retries: uint64(retries),
		local:   make(map[string]*keyedMutex),
	}
}

// Acquire blocks until the user's lock is held and returns its release func.
func (l *Locker) Acquire(ctx context.Context, userID string) (func(), error) {
	km := l.lockLocal(userID)

	if l.cache == nil {
		return func() { l.unlockLocal(userID, km) }, nil
	}

	key := lockPrefix + userID
	token := []byte(uuid.New().String())

	backoff := retry.WithMaxRetries(l.retries,
		retry.WithCappedDuration(lockMaxDelay,
			retry.WithJitterPercent(25, retry.NewExponential(lockBaseDelay))))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := l.cache.SetNX(ctx, key, token, l.ttl)
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(ErrLockTimeout)
		}
		return nil
	})
	if err != nil {
		l.unlockLocal(userID, km)
		if errors.Is(err, ErrLockTimeout) {
			return nil, fmt.Errorf("user %s: %w", userID, ErrLockTimeout)
		}
		return nil, fmt.Errorf("failed to acquire profile lock: %w", err)
	}

	return func() {
		// The lock may already have expired and been taken by another owner;
		// CompareAndDelete leaves that owner's key alone.
		_, _ = l.cache.CompareAndDelete(context.WithoutCancel(ctx), key, token)
		l.unlockLocal(userID, km)
	}, nil
}

func (l *Locker) lockLocal(userID string) *keyedMutex {
	l.mu.Lock()
	km, ok := l.local[userID]
	if !ok {
		km = &keyedMutex{}
		l.local[userID] = km
	}
	km.refs++
	l.mu.Unlock()

	km.mu.Lock()
	return km
}

func (l *Locker) unlockLocal(userID string, km *keyedMutex) {
	km.mu.Unlock()

	l.mu.Lock()
	km.refs--
	if km.refs == 0 {
		delete(l.local, userID)
	}
	l.mu.Unlock()
}

// Package profile maintains per-user behavioral baselines.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Retention is the share of the old baseline kept on every update.
const Retention = 0.9

// Updater folds session observations into stored profiles.
//
// Without a Locker, concurrent updates for one user race on read-modify-write
// and the last write wins. With one, the baseline is read past any cache
// layer that implements freshReader, so a node never blends from a copy
// another node has already replaced.
type Updater struct {
	store  domain.ProfileStore
	locker *Locker
	now    func() time.Time
}

// freshReader loads a profile from the system of record, skipping caches.
type freshReader interface {
	LoadProfile(ctx context.Context, userID string) (*domain.UserProfile, error)
}

// NewUpdater creates an updater over store. locker may be nil.
func NewUpdater(store domain.ProfileStore, locker *Locker) *Updater {
	return &Updater{
		store:  store,
		locker: locker,
		now:    time.Now,
	}
}

// Update reads the user's profile, blends obs into it and writes it back.
func (u *Updater) Update(ctx context.Context, userID string, obs domain.NormalizedFeatures) error {
	if userID == "" {
		return fmt.Errorf("userID is required")
	}

	if u.locker == nil {
		return u.update(ctx, userID, obs, u.store.GetProfile)
	}

	release, err := u.locker.Acquire(ctx, userID)
	if err != nil {
		return err
	}
	defer release()

	read := u.store.GetProfile
	if fr, ok := u.store.(freshReader); ok {
		read = fr.LoadProfile
	}
	return u.update(ctx, userID, obs, read)
}

func (u *Updater) update(ctx context.Context, userID string, obs domain.NormalizedFeatures,
	read func(context.Context, string) (*domain.UserProfile, error)) error {
	current, err := read(ctx, userID)
	if err != nil && !errors.Is(err, domain.ErrProfileNotFound) {
		return fmt.Errorf("failed to read profile: %w", err)
	}
	if errors.Is(err, domain.ErrProfileNotFound) {
		current = nil
	}

	next := Blend(current, obs, u.now().UTC())
	next.UserID = userID

	if err := u.store.UpsertProfile(ctx, next); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}

	slog.Debug("profile updated",
		"user_id", userID,
		"cold_start", current == nil,
	)
	return nil
}

// Blend returns the next profile for an observation. A nil old profile
// starts from the observation itself. Metrics missing from obs count as 0.
// Only the tracked profile metrics are carried.
func Blend(old *domain.UserProfile, obs domain.NormalizedFeatures, now time.Time) *domain.UserProfile {
	next := &domain.UserProfile{
		Metrics:     make(domain.NormalizedFeatures, len(domain.ProfileMetrics)),
		LastUpdated: now,
	}

	if old == nil {
		for _, name := range domain.ProfileMetrics {
			next.Metrics[name] = obs[name]
		}
		return next
	}

	next.UserID = old.UserID
	for _, name := range domain.ProfileMetrics {
		next.Metrics[name] = Retention*old.Metrics[name] + (1-Retention)*obs[name]
	}
	return next
}

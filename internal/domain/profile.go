package domain

import (
	"context"
	"errors"
	"time"
)

// ErrProfileNotFound is returned by a ProfileStore when the user has no profile yet.
var ErrProfileNotFound = errors.New("profile not found")

// UserProfile is a user's running behavioral baseline on the normalized scale.
type UserProfile struct {
	UserID      string             `json:"userId"`
	Metrics     NormalizedFeatures `json:"metrics"`
	LastUpdated time.Time          `json:"lastUpdated"`
}

// IsZero reports whether every tracked metric is zero.
func (p *UserProfile) IsZero() bool {
	for _, name := range ProfileMetrics {
		if p.Metrics[name] != 0 {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the profile.
func (p *UserProfile) Clone() *UserProfile {
	metrics := make(NormalizedFeatures, len(p.Metrics))
	for k, v := range p.Metrics {
		metrics[k] = v
	}
	return &UserProfile{
		UserID:      p.UserID,
		Metrics:     metrics,
		LastUpdated: p.LastUpdated,
	}
}

// ProfileStore reads and writes per-user behavioral profiles.
type ProfileStore interface {
	// GetProfile returns ErrProfileNotFound when the user has no profile.
	GetProfile(ctx context.Context, userID string) (*UserProfile, error)

	// UpsertProfile creates the profile or overwrites its fields.
	UpsertProfile(ctx context.Context, profile *UserProfile) error
}

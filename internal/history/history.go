// Package history answers windowed questions about a user's scored sessions.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Service counts a user's recent risky sessions.
type Service struct {
	store domain.SessionHistory
	now   func() time.Time
}

// NewService creates a new history service over store.
func NewService(store domain.SessionHistory) *Service {
	return &Service{
		store: store,
		now:   time.Now,
	}
}

// CountSessions returns the number of the user's sessions with
// risk_score >= minRisk and timestamp >= since.
func (s *Service) CountSessions(ctx context.Context, userID string, minRisk float64, since time.Time) (int64, error) {
	if userID == "" {
		return 0, errors.New("userID is required")
	}
	if s.store == nil {
		return 0, errors.New("no data source available")
	}

	count, err := s.store.CountSessions(ctx, userID, minRisk, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// CountRecent counts sessions within window of the current time.
func (s *Service) CountRecent(ctx context.Context, userID string, minRisk float64, window time.Duration) (int64, error) {
	return s.CountSessions(ctx, userID, minRisk, s.now().Add(-window))
}

package scoring

import (
	"context"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Detector is a fitted unsupervised anomaly detector. DecisionFunction is
// negative for outliers and positive for inliers.
type Detector interface {
	// Features returns the metric names in the order the detector expects.
	Features() []string
	DecisionFunction(row []float64) float64
}

// ModelScorer maps a detector's decision value onto a risk score:
// -0.5 maps to 1 and +0.5 maps to 0, clamped.
type ModelScorer struct {
	det Detector
}

// NewModelScorer creates a model scorer. det may be nil, in which case every
// session scores NoModelScore.
func NewModelScorer(det Detector) *ModelScorer {
	return &ModelScorer{det: det}
}

// Score implements Scorer. The profile is not consulted.
func (s *ModelScorer) Score(_ context.Context, features domain.NormalizedFeatures, _ *domain.UserProfile) float64 {
	if len(features) == 0 {
		return NoFeaturesScore
	}
	if s.det == nil {
		return NoModelScore
	}
	names := s.det.Features()
	if len(names) == 0 {
		names = domain.ProfileMetrics
	}
	raw := s.det.DecisionFunction(features.Vector(names))
	return clamp01(0.5 - raw)
}

package scoring

import (
	"context"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultWeights are the per-metric sensitivity weights of the rule scorer.
// Timing and typing rhythm dominate; session length matters least.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		domain.MetricAvgDwellTime:        0.2,
		domain.MetricStdDwellTime:        0.1,
		domain.MetricAvgFlightTime:       0.2,
		domain.MetricStdFlightTime:       0.1,
		domain.MetricTypingSpeed:         0.3,
		domain.MetricMouseAvgSpeed:       0.2,
		domain.MetricMouseClicks:         0.1,
		domain.MetricMousePathLength:     0.1,
		domain.MetricMouseAvgAngleChange: 0.1,
		domain.MetricMouseStdAngleChange: 0.1,
		domain.MetricMouseMovements:      0.1,
		domain.MetricSessionDuration:     0.05,
	}
}

// RuleScorer scores a session by its weighted relative deviation from the
// user's profile over the profile metrics.
type RuleScorer struct {
	weights map[string]float64
	total   float64
}

// NewRuleScorer creates a rule scorer. A nil weights map uses DefaultWeights.
func NewRuleScorer(weights map[string]float64) *RuleScorer {
	if weights == nil {
		weights = DefaultWeights()
	}
	total := 0.0
	for _, name := range domain.ProfileMetrics {
		total += weights[name]
	}
	return &RuleScorer{weights: weights, total: total}
}

// Score implements Scorer.
func (s *RuleScorer) Score(_ context.Context, features domain.NormalizedFeatures, profile *domain.UserProfile) float64 {
	if len(features) == 0 {
		return NoFeaturesScore
	}
	if profile == nil {
		return NoProfileScore
	}
	if s.total <= 0 {
		return NoFeaturesScore
	}

	sum := 0.0
	for _, name := range domain.ProfileMetrics {
		sum += deviation(features[name], profile.Metrics[name]) * s.weights[name]
	}
	score := clamp01(sum / s.total)

	if profile.IsZero() {
		score = math.Max(score, ZeroProfileFloor)
	}
	return score
}

// deviation is the relative distance of current from baseline, capped at 1.
func deviation(current, baseline float64) float64 {
	if baseline == 0 {
		if current == 0 {
			return 0
		}
		return 1
	}
	d := math.Abs(current-baseline) / math.Abs(baseline)
	if math.IsNaN(d) {
		return 1
	}
	return math.Min(d, 1)
}

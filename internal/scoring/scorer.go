// Package scoring computes a session risk score in [0,1] from normalized
// features and the user's behavioral profile.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Default scores for degraded inputs.
const (
	// NoFeaturesScore is returned when the session produced no features.
	NoFeaturesScore = 0.5

	// NoProfileScore is returned by the rule scorer for a user with no profile.
	NoProfileScore = 0.6

	// ZeroProfileFloor is the minimum rule score against an all-zero profile.
	ZeroProfileFloor = 0.2

	// NoModelScore is returned by the model scorer without a loaded detector.
	NoModelScore = 0.5
)

var (
	// ErrModelUnavailable indicates there is no model artifact to load.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrInsufficientData indicates too few rows to fit a model.
	ErrInsufficientData = errors.New("insufficient training data")

	// ErrUnknownStrategy indicates an unsupported scoring strategy.
	ErrUnknownStrategy = errors.New("unknown scoring strategy")
)

// Scorer computes a risk score. Implementations never fail; missing input
// degrades to a documented default.
type Scorer interface {
	Score(ctx context.Context, features domain.NormalizedFeatures, profile *domain.UserProfile) float64
}

// NewScorer builds the scorer selected by cfg.Strategy. An empty strategy
// selects the rule scorer. det may be nil.
func NewScorer(cfg domain.ScoringConfig, det Detector) (Scorer, error) {
	switch cfg.Strategy {
	case domain.StrategyRule, "":
		return NewRuleScorer(nil), nil
	case domain.StrategyModel:
		return NewModelScorer(det), nil
	case domain.StrategyHybrid:
		return NewHybridScorer(NewRuleScorer(nil), NewModelScorer(det), cfg.RuleWeight, cfg.ModelWeight), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, cfg.Strategy)
	}
}

// HybridScorer blends the rule and model scores. Users without a profile
// are scored by the model alone.
type HybridScorer struct {
	rule        *RuleScorer
	model       *ModelScorer
	ruleWeight  float64
	modelWeight float64
}

// NewHybridScorer creates a hybrid scorer. Weights are renormalized to sum
// to 1; non-positive weights fall back to 0.4/0.6.
func NewHybridScorer(rule *RuleScorer, model *ModelScorer, ruleWeight, modelWeight float64) *HybridScorer {
	if ruleWeight < 0 || modelWeight < 0 || ruleWeight+modelWeight <= 0 {
		ruleWeight, modelWeight = 0.4, 0.6
	}
	total := ruleWeight + modelWeight
	return &HybridScorer{
		rule:        rule,
		model:       model,
		ruleWeight:  ruleWeight / total,
		modelWeight: modelWeight / total,
	}
}

// Score implements Scorer.
func (h *HybridScorer) Score(ctx context.Context, features domain.NormalizedFeatures, profile *domain.UserProfile) float64 {
	if len(features) == 0 {
		return NoFeaturesScore
	}
	m := h.model.Score(ctx, features, profile)
	if profile == nil {
		return m
	}
	r := h.rule.Score(ctx, features, profile)
	return clamp01(h.ruleWeight*r + h.modelWeight*m)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

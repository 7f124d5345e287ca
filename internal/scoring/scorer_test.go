package scoring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func uniformFeatures(v float64) domain.NormalizedFeatures {
	f := make(domain.NormalizedFeatures)
	for _, name := range domain.ProfileMetrics {
		f[name] = v
	}
	return f
}

func profileOf(f domain.NormalizedFeatures) *domain.UserProfile {
	return &domain.UserProfile{UserID: "u1", Metrics: f}
}

type fixedDetector struct {
	raw  float64
	seen []float64
}

func (d *fixedDetector) Features() []string { return nil }

func (d *fixedDetector) DecisionFunction(row []float64) float64 {
	d.seen = row
	return d.raw
}

func TestRuleScorer(t *testing.T) {
	ctx := context.Background()
	s := NewRuleScorer(nil)

	t.Run("IdenticalProfileScoresZero", func(t *testing.T) {
		f := uniformFeatures(0.4)
		assert.Equal(t, 0.0, s.Score(ctx, f, profileOf(uniformFeatures(0.4))))
	})

	t.Run("NoProfile", func(t *testing.T) {
		assert.Equal(t, NoProfileScore, s.Score(ctx, uniformFeatures(0.4), nil))
	})

	t.Run("NoFeatures", func(t *testing.T) {
		assert.Equal(t, NoFeaturesScore, s.Score(ctx, domain.NormalizedFeatures{}, profileOf(uniformFeatures(0.4))))
		assert.Equal(t, NoFeaturesScore, s.Score(ctx, nil, nil))
	})

	t.Run("ZeroProfileFloor", func(t *testing.T) {
		zero := profileOf(uniformFeatures(0))
		assert.Equal(t, ZeroProfileFloor, s.Score(ctx, uniformFeatures(0), zero))

		// one nonzero metric against an empty baseline is a full deviation
		f := uniformFeatures(0)
		f[domain.MetricTypingSpeed] = 0.3
		assert.InDelta(t, ZeroProfileFloor, s.Score(ctx, f, zero), 1e-12)

		assert.Equal(t, 1.0, s.Score(ctx, uniformFeatures(0.5), zero))
	})

	t.Run("WeightedDeviation", func(t *testing.T) {
		base := uniformFeatures(0.4)
		f := uniformFeatures(0.4)
		f[domain.MetricTypingSpeed] = 0.6 // 50% deviation
		assert.InDelta(t, 0.5*0.3/1.65, s.Score(ctx, f, profileOf(base)), 1e-12)
	})

	t.Run("DeviationIsCapped", func(t *testing.T) {
		f := uniformFeatures(1)
		got := s.Score(ctx, f, profileOf(uniformFeatures(0.1)))
		assert.Equal(t, 1.0, got)
	})

	t.Run("MobileMetricsIgnored", func(t *testing.T) {
		f := uniformFeatures(0.4)
		f[domain.MetricAccelXMean] = 1
		assert.Equal(t, 0.0, s.Score(ctx, f, profileOf(uniformFeatures(0.4))))
	})

	t.Run("AlwaysInUnitRange", func(t *testing.T) {
		for _, v := range []float64{0, 0.01, 0.5, 0.99, 1} {
			for _, p := range []float64{0, 0.01, 0.5, 1} {
				got := s.Score(ctx, uniformFeatures(v), profileOf(uniformFeatures(p)))
				assert.GreaterOrEqual(t, got, 0.0)
				assert.LessOrEqual(t, got, 1.0)
			}
		}
	})
}

func TestModelScorer(t *testing.T) {
	ctx := context.Background()

	t.Run("Calibration", func(t *testing.T) {
		cases := map[float64]float64{
			-0.5: 1.0,
			0.5:  0.0,
			0.0:  0.5,
			-2.0: 1.0,
			2.0:  0.0,
			0.25: 0.25,
		}
		for raw, want := range cases {
			s := NewModelScorer(&fixedDetector{raw: raw})
			assert.InDelta(t, want, s.Score(ctx, uniformFeatures(0.5), nil), 1e-12, "raw %v", raw)
		}
	})

	t.Run("NoDetector", func(t *testing.T) {
		s := NewModelScorer(nil)
		assert.Equal(t, NoModelScore, s.Score(ctx, uniformFeatures(0.5), nil))
	})

	t.Run("NoFeatures", func(t *testing.T) {
		s := NewModelScorer(&fixedDetector{raw: -1})
		assert.Equal(t, NoFeaturesScore, s.Score(ctx, domain.NormalizedFeatures{}, nil))
	})

	t.Run("DefaultsToProfileMetricOrder", func(t *testing.T) {
		det := &fixedDetector{}
		f := uniformFeatures(0)
		f[domain.MetricAvgDwellTime] = 0.7
		f[domain.MetricSessionDuration] = 0.9
		NewModelScorer(det).Score(ctx, f, nil)

		require.Len(t, det.seen, len(domain.ProfileMetrics))
		assert.Equal(t, 0.7, det.seen[0])
		assert.Equal(t, 0.9, det.seen[len(det.seen)-1])
	})
}

func TestHybridScorer(t *testing.T) {
	ctx := context.Background()
	h := NewHybridScorer(NewRuleScorer(nil), NewModelScorer(&fixedDetector{raw: -0.5}), 0.4, 0.6)

	t.Run("WithProfile", func(t *testing.T) {
		// rule 0, model 1
		got := h.Score(ctx, uniformFeatures(0.4), profileOf(uniformFeatures(0.4)))
		assert.InDelta(t, 0.6, got, 1e-12)
	})

	t.Run("WithoutProfile", func(t *testing.T) {
		assert.Equal(t, 1.0, h.Score(ctx, uniformFeatures(0.4), nil))
	})

	t.Run("BadWeightsFallBack", func(t *testing.T) {
		h := NewHybridScorer(NewRuleScorer(nil), NewModelScorer(&fixedDetector{raw: -0.5}), 0, 0)
		got := h.Score(ctx, uniformFeatures(0.4), profileOf(uniformFeatures(0.4)))
		assert.InDelta(t, 0.6, got, 1e-12)
	})
}

func TestNewScorer(t *testing.T) {
	s, err := NewScorer(domain.ScoringConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &RuleScorer{}, s)

	s, err = NewScorer(domain.ScoringConfig{Strategy: domain.StrategyModel}, nil)
	require.NoError(t, err)
	assert.IsType(t, &ModelScorer{}, s)

	s, err = NewScorer(domain.ScoringConfig{Strategy: domain.StrategyHybrid, RuleWeight: 1, ModelWeight: 1}, nil)
	require.NoError(t, err)
	assert.IsType(t, &HybridScorer{}, s)

	_, err = NewScorer(domain.ScoringConfig{Strategy: "oracle"}, nil)
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

package scoring

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// MinTrainingRows is the smallest training set Fit accepts.
const MinTrainingRows = 10

const eulerGamma = 0.5772156649

// ForestConfig holds isolation forest hyperparameters.
type ForestConfig struct {
	Trees         int     `json:"trees"`
	MaxSamples    int     `json:"max_samples"`
	Contamination float64 `json:"contamination"`
	Seed          int64   `json:"seed"`
}

// DefaultForestConfig returns 100 trees, up to 256 samples per tree,
// 5% contamination and seed 42.
func DefaultForestConfig() ForestConfig {
	return ForestConfig{
		Trees:         100,
		MaxSamples:    256,
		Contamination: 0.05,
		Seed:          42,
	}
}

// Node is one node of an isolation tree. Leaves have Left == Right == -1.
type Node struct {
	Feature int     `json:"f"`
	Split   float64 `json:"s"`
	Left    int     `json:"l"`
	Right   int     `json:"r"`
	Size    int     `json:"n"`
}

// Tree is an isolation tree stored as a flat node slice rooted at index 0.
type Tree []Node

// IsolationForest is an isolation-based anomaly detector. It is immutable
// after Fit and safe for concurrent scoring.
type IsolationForest struct {
	features   []string
	cfg        ForestConfig
	sampleSize int
	maxDepth   int
	offset     float64
	trees      []Tree
}

// NewIsolationForest creates an unfitted forest over the named features.
func NewIsolationForest(features []string, cfg ForestConfig) *IsolationForest {
	def := DefaultForestConfig()
	if cfg.Trees <= 0 {
		cfg.Trees = def.Trees
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = def.MaxSamples
	}
	if cfg.Contamination <= 0 || cfg.Contamination > 0.5 {
		cfg.Contamination = def.Contamination
	}
	return &IsolationForest{
		features: append([]string(nil), features...),
		cfg:      cfg,
	}
}

// Features implements Detector.
func (f *IsolationForest) Features() []string {
	return f.features
}

// Offset returns the decision threshold learned from the training scores.
func (f *IsolationForest) Offset() float64 {
	return f.offset
}

// Fitted reports whether the forest has trees.
func (f *IsolationForest) Fitted() bool {
	return len(f.trees) > 0
}

// Fit builds the forest from rows and sets the offset so that the given
// contamination fraction of the training rows scores below zero.
func (f *IsolationForest) Fit(rows [][]float64) error {
	if len(rows) < MinTrainingRows {
		return fmt.Errorf("%w: have %d rows, need %d", ErrInsufficientData, len(rows), MinTrainingRows)
	}
	width := len(f.features)
	for i, row := range rows {
		if len(row) != width {
			return fmt.Errorf("row %d has %d values, expected %d", i, len(row), width)
		}
	}

	rng := rand.New(rand.NewSource(f.cfg.Seed))
	f.sampleSize = min(f.cfg.MaxSamples, len(rows))
	f.maxDepth = int(math.Ceil(math.Log2(float64(max(f.sampleSize, 2)))))

	f.trees = make([]Tree, f.cfg.Trees)
	for i := range f.trees {
		idx := rng.Perm(len(rows))[:f.sampleSize]
		sample := make([][]float64, len(idx))
		for j, k := range idx {
			sample[j] = rows[k]
		}
		var t Tree
		t.grow(rng, sample, 0, f.maxDepth)
		f.trees[i] = t
	}

	scores := make([]float64, len(rows))
	for i, row := range rows {
		scores[i] = f.ScoreSamples(row)
	}
	f.offset = percentile(scores, 100*f.cfg.Contamination)
	return nil
}

// ScoreSamples returns the opposite of the anomaly score: values near -1
// are anomalies, values near -0.5 or above are normal.
func (f *IsolationForest) ScoreSamples(row []float64) float64 {
	if len(f.trees) == 0 {
		return 0
	}
	depth := 0.0
	for _, t := range f.trees {
		depth += t.pathLength(row)
	}
	depth /= float64(len(f.trees))
	return -math.Pow(2, -depth/averagePathLength(f.sampleSize))
}

// DecisionFunction implements Detector. Negative values are outliers.
func (f *IsolationForest) DecisionFunction(row []float64) float64 {
	if len(f.trees) == 0 {
		return 0
	}
	return f.ScoreSamples(row) - f.offset
}

// grow appends the subtree for data and returns its index.
func (t *Tree) grow(rng *rand.Rand, data [][]float64, depth, maxDepth int) int {
	at := len(*t)
	*t = append(*t, Node{Feature: -1, Left: -1, Right: -1, Size: len(data)})

	if len(data) <= 1 || depth >= maxDepth {
		return at
	}

	// choose among features that still vary in this partition
	var candidates []int
	for j := range data[0] {
		lo, hi := featureRange(data, j)
		if hi > lo {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return at
	}

	feature := candidates[rng.Intn(len(candidates))]
	lo, hi := featureRange(data, feature)
	split := lo + rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, row := range data {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	l := t.grow(rng, left, depth+1, maxDepth)
	r := t.grow(rng, right, depth+1, maxDepth)
	(*t)[at].Feature = feature
	(*t)[at].Split = split
	(*t)[at].Left = l
	(*t)[at].Right = r
	return at
}

func (t Tree) pathLength(row []float64) float64 {
	if len(t) == 0 {
		return 0
	}
	i, depth := 0, 0
	for t[i].Left >= 0 {
		n := t[i]
		if n.Feature < len(row) && row[n.Feature] < n.Split {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
	return float64(depth) + averagePathLength(t[i].Size)
}

func featureRange(data [][]float64, j int) (float64, float64) {
	lo, hi := data[0][j], data[0][j]
	for _, row := range data[1:] {
		lo = math.Min(lo, row[j])
		hi = math.Max(hi, row[j])
	}
	return lo, hi
}

// averagePathLength is c(n), the mean path length of an unsuccessful BST search.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// percentile uses linear interpolation between closest ranks.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (pos-float64(lo))*(sorted[hi]-sorted[lo])
}

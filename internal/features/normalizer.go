package features

import (
	"math"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultCalibration returns the built-in bounds covering all 20 metrics.
func DefaultCalibration() domain.CalibrationTable {
	return domain.CalibrationTable{
		domain.MetricAvgDwellTime:        {Min: 50, Max: 500},
		domain.MetricStdDwellTime:        {Min: 0, Max: 200},
		domain.MetricAvgFlightTime:       {Min: 50, Max: 1000},
		domain.MetricStdFlightTime:       {Min: 0, Max: 300},
		domain.MetricTypingSpeed:         {Min: 0, Max: 10},
		domain.MetricMouseMovements:      {Min: 0, Max: 1000},
		domain.MetricMouseClicks:         {Min: 0, Max: 50},
		domain.MetricMousePathLength:     {Min: 0, Max: 50000},
		domain.MetricMouseAvgSpeed:       {Min: 0, Max: 1000},
		domain.MetricMouseAvgAngleChange: {Min: 0, Max: 3.14},
		domain.MetricMouseStdAngleChange: {Min: 0, Max: 1.0},
		domain.MetricSessionDuration:     {Min: 0, Max: 600000},

		domain.MetricAvgSwipeSpeed: {Min: 0, Max: 5000},
		domain.MetricMaxSwipeSpeed: {Min: 0, Max: 5000},
		domain.MetricGyroXStddev:   {Min: 0, Max: 10},
		domain.MetricGyroYStddev:   {Min: 0, Max: 10},
		domain.MetricGyroZStddev:   {Min: 0, Max: 10},
		domain.MetricAccelXMean:    {Min: -20, Max: 20},
		domain.MetricAccelYMean:    {Min: -20, Max: 20},
		domain.MetricAccelZMean:    {Min: -20, Max: 20},
	}
}

// Normalize rescales raw features into [0,1] using table, or the default
// table when table is nil. Names absent from the table pass through.
func Normalize(raw domain.RawFeatures, table domain.CalibrationTable) domain.NormalizedFeatures {
	if table == nil {
		table = DefaultCalibration()
	}

	out := make(domain.NormalizedFeatures, len(raw))
	for name, v := range raw {
		b, ok := table[name]
		if !ok {
			out[name] = v
			continue
		}
		if b.Max == b.Min {
			out[name] = 0.5
			continue
		}
		out[name] = clamp01((v - b.Min) / (b.Max - b.Min))
	}
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// Normalizer holds a calibration table that can be swapped while sessions
// are being scored.
type Normalizer struct {
	mu    sync.RWMutex
	table domain.CalibrationTable
}

// NewNormalizer creates a normalizer. Entries in overrides replace the
// corresponding default bounds.
func NewNormalizer(overrides domain.CalibrationTable) *Normalizer {
	n := &Normalizer{}
	n.SetTable(overrides)
	return n
}

// SetTable merges overrides onto the defaults and makes the result active.
func (n *Normalizer) SetTable(overrides domain.CalibrationTable) {
	table := DefaultCalibration()
	for name, b := range overrides {
		table[name] = b
	}

	n.mu.Lock()
	n.table = table
	n.mu.Unlock()
}

// Table returns a copy of the active table.
func (n *Normalizer) Table() domain.CalibrationTable {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.table.Clone()
}

// Normalize rescales raw with the active table.
func (n *Normalizer) Normalize(raw domain.RawFeatures) domain.NormalizedFeatures {
	n.mu.RLock()
	table := n.table
	n.mu.RUnlock()
	return Normalize(raw, table)
}

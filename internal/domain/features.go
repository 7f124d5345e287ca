package domain

// Metric names of the closed feature set.
const (
	MetricAvgDwellTime        = "avg_dwell_time_ms"
	MetricStdDwellTime        = "std_dwell_time_ms"
	MetricAvgFlightTime       = "avg_flight_time_ms"
	MetricStdFlightTime       = "std_flight_time_ms"
	MetricTypingSpeed         = "typing_speed_cps"
	MetricMouseMovements      = "mouse_total_movements"
	MetricMouseClicks         = "mouse_total_clicks"
	MetricMousePathLength     = "mouse_total_path_length"
	MetricMouseAvgSpeed       = "mouse_avg_speed_px_per_s"
	MetricMouseAvgAngleChange = "mouse_avg_angle_change_rad"
	MetricMouseStdAngleChange = "mouse_std_angle_change_rad"
	MetricSessionDuration     = "session_duration_ms"

	MetricAvgSwipeSpeed = "avg_swipe_speed"
	MetricMaxSwipeSpeed = "max_swipe_speed"
	MetricGyroXStddev   = "gyroX_stddev"
	MetricGyroYStddev   = "gyroY_stddev"
	MetricGyroZStddev   = "gyroZ_stddev"
	MetricAccelXMean    = "accelX_mean"
	MetricAccelYMean    = "accelY_mean"
	MetricAccelZMean    = "accelZ_mean"
)

// ProfileMetrics is the ordered set of behavioral metrics tracked in a
// user profile and consumed by the scorers. Mobile metrics are not tracked.
var ProfileMetrics = []string{
	MetricAvgDwellTime,
	MetricStdDwellTime,
	MetricAvgFlightTime,
	MetricStdFlightTime,
	MetricTypingSpeed,
	MetricMouseMovements,
	MetricMouseClicks,
	MetricMousePathLength,
	MetricMouseAvgSpeed,
	MetricMouseAvgAngleChange,
	MetricMouseStdAngleChange,
	MetricSessionDuration,
}

// MobileMetrics are present only for touch/motion capable sessions.
var MobileMetrics = []string{
	MetricAvgSwipeSpeed,
	MetricMaxSwipeSpeed,
	MetricGyroXStddev,
	MetricGyroYStddev,
	MetricGyroZStddev,
	MetricAccelXMean,
	MetricAccelYMean,
	MetricAccelZMean,
}

// MetricNames is the full closed metric set in training order.
var MetricNames = append(append([]string{}, ProfileMetrics...), MobileMetrics...)

// RawFeatures is extractor output: unit-bearing values, not yet scaled.
type RawFeatures map[string]float64

// NormalizedFeatures holds values rescaled to [0,1] by the calibration
// table. Only this type is accepted by profiles and scorers.
type NormalizedFeatures map[string]float64

// Vector returns the values for names in order, 0 for missing names.
func (f NormalizedFeatures) Vector(names []string) []float64 {
	out := make([]float64, len(names))
	for i, name := range names {
		out[i] = f[name]
	}
	return out
}

// Bounds is a calibration range for a single metric.
type Bounds struct {
	Min float64 `json:"min" yaml:"min" toml:"min"`
	Max float64 `json:"max" yaml:"max" toml:"max"`
}

// CalibrationTable maps metric name to its normalization bounds.
type CalibrationTable map[string]Bounds

// Clone returns a copy of the table.
func (t CalibrationTable) Clone() CalibrationTable {
	out := make(CalibrationTable, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Package features reduces raw telemetry events to the closed behavioral
// metric set and rescales it with calibration bounds.
package features

import (
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Extract computes the raw feature vector for one session's events.
// An empty input yields an empty map; otherwise every metric in
// domain.MetricNames is present.
func Extract(events []domain.RawEvent) domain.RawFeatures {
	if len(events) == 0 {
		return domain.RawFeatures{}
	}

	sorted := make([]domain.RawEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	out := make(domain.RawFeatures, len(domain.MetricNames))
	elapsedMs := float64(sorted[len(sorted)-1].Timestamp - sorted[0].Timestamp)

	keystrokeFeatures(sorted, elapsedMs, out)
	pointerFeatures(sorted, out)
	mobileFeatures(sorted, out)

	if len(sorted) > 1 {
		out[domain.MetricSessionDuration] = elapsedMs
	} else {
		out[domain.MetricSessionDuration] = 0
	}

	for _, name := range domain.MetricNames {
		if _, ok := out[name]; !ok {
			out[name] = 0
		}
	}
	return out
}

func keystrokeFeatures(events []domain.RawEvent, elapsedMs float64, out domain.RawFeatures) {
	openDowns := make(map[int]int64)
	var dwell, flight []float64
	var lastUp int64
	hasLastUp := false
	keyEvents := 0

	for _, ev := range events {
		if !ev.Kind.IsKey() || ev.Key == nil {
			continue
		}
		keyEvents++
		code := ev.Key.KeyCode

		switch ev.Kind {
		case domain.KindKeyDown:
			openDowns[code] = ev.Timestamp
			if hasLastUp {
				flight = append(flight, float64(ev.Timestamp-lastUp))
			}
		case domain.KindKeyUp:
			down, ok := openDowns[code]
			if !ok {
				continue
			}
			dwell = append(dwell, float64(ev.Timestamp-down))
			lastUp = ev.Timestamp
			hasLastUp = true
			delete(openDowns, code)
		}
	}

	out[domain.MetricAvgDwellTime], out[domain.MetricStdDwellTime] = meanStd(dwell)
	out[domain.MetricAvgFlightTime], out[domain.MetricStdFlightTime] = meanStd(flight)

	if seconds := elapsedMs / 1000; seconds > 0 {
		out[domain.MetricTypingSpeed] = float64(keyEvents) / 2 / seconds
	} else {
		out[domain.MetricTypingSpeed] = 0
	}
}

type point struct{ x, y float64 }

func pointerFeatures(events []domain.RawEvent, out domain.RawFeatures) {
	var moves, clicks int
	var coords []point
	var first, last int64
	seen := false

	for _, ev := range events {
		if !ev.Kind.IsPointer() {
			continue
		}
		if !seen {
			first = ev.Timestamp
			seen = true
		}
		last = ev.Timestamp

		if ev.Kind == domain.KindPointerMove {
			moves++
		} else {
			clicks++
		}
		if ev.Pointer.HasPosition() {
			coords = append(coords, point{*ev.Pointer.X, *ev.Pointer.Y})
		}
	}

	out[domain.MetricMouseMovements] = float64(moves)
	out[domain.MetricMouseClicks] = float64(clicks)
	out[domain.MetricMousePathLength] = 0
	out[domain.MetricMouseAvgSpeed] = 0
	out[domain.MetricMouseAvgAngleChange] = 0
	out[domain.MetricMouseStdAngleChange] = 0

	if len(coords) > 1 {
		path := 0.0
		for i := 1; i < len(coords); i++ {
			path += math.Hypot(coords[i].x-coords[i-1].x, coords[i].y-coords[i-1].y)
		}
		out[domain.MetricMousePathLength] = path
		if seconds := float64(last-first) / 1000; seconds > 0 {
			out[domain.MetricMouseAvgSpeed] = path / seconds
		}
	}

	if len(coords) > 2 {
		headings := make([]float64, len(coords)-1)
		for i := 1; i < len(coords); i++ {
			headings[i-1] = math.Atan2(coords[i].y-coords[i-1].y, coords[i].x-coords[i-1].x)
		}
		changes := make([]float64, len(headings)-1)
		for i := 1; i < len(headings); i++ {
			d := math.Abs(headings[i] - headings[i-1])
			changes[i-1] = math.Min(d, 2*math.Pi-d)
		}
		out[domain.MetricMouseAvgAngleChange], out[domain.MetricMouseStdAngleChange] = meanStd(changes)
	}
}

func mobileFeatures(events []domain.RawEvent, out domain.RawFeatures) {
	var swipes []float64
	var gyro, accel [3][]float64

	for _, ev := range events {
		switch ev.Kind {
		case domain.KindSwipe:
			if ev.Swipe != nil {
				swipes = append(swipes, ev.Swipe.Speed)
			}
		case domain.KindGyroscope:
			collectAxes(ev.Motion, &gyro)
		case domain.KindAccelerometer:
			collectAxes(ev.Motion, &accel)
		}
	}

	out[domain.MetricAvgSwipeSpeed], _ = meanStd(swipes)
	out[domain.MetricMaxSwipeSpeed] = maxOf(swipes)

	_, out[domain.MetricGyroXStddev] = meanStd(gyro[0])
	_, out[domain.MetricGyroYStddev] = meanStd(gyro[1])
	_, out[domain.MetricGyroZStddev] = meanStd(gyro[2])

	out[domain.MetricAccelXMean], _ = meanStd(accel[0])
	out[domain.MetricAccelYMean], _ = meanStd(accel[1])
	out[domain.MetricAccelZMean], _ = meanStd(accel[2])
}

func collectAxes(m *domain.MotionData, axes *[3][]float64) {
	if m == nil {
		return
	}
	for i, v := range []*float64{m.X, m.Y, m.Z} {
		if v != nil {
			axes[i] = append(axes[i], *v)
		}
	}
}

// meanStd returns the population mean and standard deviation, or zeros for an empty slice.
func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))

	sq := 0.0
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

func maxOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

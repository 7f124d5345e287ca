// Package metrics provides Prometheus instrumentation for Kestrel.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsTotal counts scored sessions by action.
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "sessions_total",
			Help:      "Total scored sessions by action taken.",
		},
		[]string{"action"},
	)

	// RiskScore observes the distribution of session risk scores.
	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kestrel",
		Name:      "risk_score",
		Help:      "Distribution of session risk scores.",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	})

	// AlertsTotal counts raised alerts by reason.
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "alerts_total",
			Help:      "Total alerts raised by reason.",
		},
		[]string{"reason"},
	)

	// DecodeFailuresTotal counts payloads that yielded no events.
	DecodeFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "decode_failures_total",
		Help:      "Total session payloads that could not be decoded into features.",
	})

	// StageDuration observes pipeline stage latency.
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"stage"},
	)

	// ProfileUpdatesTotal counts profile writes by result.
	ProfileUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "profile_updates_total",
			Help:      "Total profile updates by result.",
		},
		[]string{"result"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, route pattern and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route pattern.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsTotal,
		RiskScore,
		AlertsTotal,
		DecodeFailuresTotal,
		StageDuration,
		ProfileUpdatesTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// ObserveStage records the time elapsed since start for a pipeline stage.
func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// Middleware records request metrics keyed by the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		path := routePattern(r)
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.status)).Inc()
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern avoids one series per user ID by labelling with the matched route.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

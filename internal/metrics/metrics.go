// Package metrics exposes Prometheus collectors for the orchestrator service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	dispatchDecisionsTotal     *prometheus.CounterVec
	rateLimitDenialsTotal      *prometheus.CounterVec
	rateLimitRemaining         *prometheus.GaugeVec
	pacingDelaySeconds         *prometheus.HistogramVec
	healthScore                *prometheus.GaugeVec
	consecutiveFailures        *prometheus.GaugeVec
	activeWorkers              *prometheus.GaugeVec
	queuedTasks                *prometheus.GaugeVec
	progressDropsTotal         *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		dispatchDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_dispatch_decisions_total",
				Help: "Units considered by the dispatcher, labeled by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		)

		rateLimitDenialsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_rate_limit_denials_total",
				Help: "Quota reservations denied, labeled by platform and endpoint.",
			},
			[]string{"platform", "endpoint"},
		)

		rateLimitRemaining = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_rate_limit_remaining",
				Help: "Calls remaining in the current window.",
			},
			[]string{"platform", "endpoint"},
		)

		pacingDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_pacing_delay_seconds",
				Help:    "Histogram of per-platform pacing waits.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"platform"},
		)

		healthScore = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_platform_health_score",
				Help: "Composite health score per platform (0-100).",
			},
			[]string{"platform"},
		)

		consecutiveFailures = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_platform_consecutive_failures",
				Help: "Trailing failure run per platform.",
			},
			[]string{"platform"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_active_workers",
				Help: "Workers currently executing a unit, labeled by pool.",
			},
			[]string{"pool"},
		)

		queuedTasks = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_queued_tasks",
				Help: "Tasks waiting for a worker, labeled by pool.",
			},
			[]string{"pool"},
		)

		progressDropsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_progress_events_dropped_total",
				Help: "Progress events dropped because the hub buffer was full, labeled by stage.",
			},
			[]string{"stage"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveDispatch counts one dispatch decision. Outcome is "submitted" or a skip reason.
func ObserveDispatch(mode, outcome string) {
	Init()
	dispatchDecisionsTotal.WithLabelValues(mode, outcome).Inc()
}

// ObserveRateLimitDenial counts a denied quota reservation.
func ObserveRateLimitDenial(platform, endpoint string) {
	Init()
	rateLimitDenialsTotal.WithLabelValues(platform, endpoint).Inc()
}

// SetRateLimitRemaining publishes the remaining budget of a window.
func SetRateLimitRemaining(platform, endpoint string, remaining int) {
	Init()
	rateLimitRemaining.WithLabelValues(platform, endpoint).Set(float64(remaining))
}

// ObserveRateLimitDelay records the duration of a pacing wait.
func ObserveRateLimitDelay(platform string, duration time.Duration) {
	Init()
	pacingDelaySeconds.WithLabelValues(platform).Observe(duration.Seconds())
}

// SetHealthScore publishes the platform health score.
func SetHealthScore(platform string, score int) {
	Init()
	healthScore.WithLabelValues(platform).Set(float64(score))
}

// SetConsecutiveFailures publishes the platform's trailing failure run.
func SetConsecutiveFailures(platform string, n int) {
	Init()
	consecutiveFailures.WithLabelValues(platform).Set(float64(n))
}

// SetPoolLoad publishes the active and queued counts of a worker pool.
func SetPoolLoad(pool string, active, queued int) {
	Init()
	activeWorkers.WithLabelValues(pool).Set(float64(active))
	queuedTasks.WithLabelValues(pool).Set(float64(queued))
}

// ObserveProgressDrop counts a progress event the hub could not buffer.
func ObserveProgressDrop(stage string) {
	Init()
	progressDropsTotal.WithLabelValues(stage).Inc()
}

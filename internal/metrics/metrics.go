// Package metrics exposes Prometheus collectors for the scheduler service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/crawl-scheduler/internal/schedule"
)

var (
	schedulerExecutionsTotal          *prometheus.CounterVec
	schedulerExecutionDurationSeconds *prometheus.HistogramVec
	schedulerActiveJobs               prometheus.Gauge
	schedulerRegisteredSchedules      prometheus.Gauge
	fetchEngineRequestsTotal          *prometheus.CounterVec
	fetchEngineRateLimitDelaySeconds  *prometheus.HistogramVec
	httpRequestsTotal                 *prometheus.CounterVec
	httpRequestDurationSeconds        *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		schedulerExecutionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_executions_total",
				Help: "Total number of schedule firings, labeled by schedule type and outcome.",
			},
			[]string{"schedule_type", "outcome"},
		)

		schedulerExecutionDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scheduler_execution_duration_seconds",
				Help:    "Histogram of firing durations including retries, labeled by schedule type.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"schedule_type"},
		)

		schedulerActiveJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scheduler_active_jobs",
				Help: "Number of jobs the fetch engine is still running.",
			},
		)

		schedulerRegisteredSchedules = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scheduler_registered_schedules",
				Help: "Number of schedules with an armed timer.",
			},
		)

		fetchEngineRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_fetch_engine_requests_total",
				Help: "Total number of fetch engine dispatches, labeled by job type and status code.",
			},
			[]string{"job_type", "code"},
		)

		fetchEngineRateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scheduler_fetch_engine_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations before fetch engine dispatches.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

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
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveExecution records one firing.
func ObserveExecution(scheduleType, outcome string, duration time.Duration) {
	schedulerExecutionsTotal.WithLabelValues(scheduleType, outcome).Inc()
	schedulerExecutionDurationSeconds.WithLabelValues(scheduleType).Observe(duration.Seconds())
}

// SetActiveJobs sets the running-job gauge.
func SetActiveJobs(n int) {
	schedulerActiveJobs.Set(float64(n))
}

// SetRegisteredSchedules sets the armed-timer gauge.
func SetRegisteredSchedules(n int) {
	schedulerRegisteredSchedules.Set(float64(n))
}

// ObserveDispatch counts a fetch engine request. code is 0 for transport errors.
func ObserveDispatch(jobType string, code int) {
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	fetchEngineRequestsTotal.WithLabelValues(jobType, label).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	fetchEngineRateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Recorder adapts the package collectors to schedule.Metrics.
type Recorder struct{}

// NewRecorder initializes the collectors and returns a Recorder.
func NewRecorder() *Recorder {
	Init()
	return &Recorder{}
}

// ObserveExecution implements schedule.Metrics.
func (*Recorder) ObserveExecution(scheduleType schedule.Type, outcome string, duration time.Duration) {
	ObserveExecution(string(scheduleType), outcome, duration)
}

// SetActiveJobs implements schedule.Metrics.
func (*Recorder) SetActiveJobs(n int) {
	SetActiveJobs(n)
}

// SetSchedules implements schedule.Metrics.
func (*Recorder) SetSchedules(n int) {
	SetRegisteredSchedules(n)
}

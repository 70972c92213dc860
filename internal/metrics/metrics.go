// Package metrics exposes Prometheus collectors for the capture service.
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
	captureJobsTotal           *prometheus.CounterVec
	captureDurationSeconds     prometheus.Histogram
	capturePortBusyTotal       prometheus.Counter
	captureProbeOutcomesTotal  *prometheus.CounterVec
	captureActiveSupervisors   prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		captureJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_jobs_total",
				Help: "Total number of captures that reached a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		captureDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "capture_duration_seconds",
				Help:    "Wall-clock duration of capture tool runs.",
				Buckets: []float64{5, 15, 30, 60, 90, 120, 180, 300},
			},
		)

		capturePortBusyTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "capture_port_busy_total",
				Help: "Total number of supervisor cycles skipped because the proxy port was busy.",
			},
		)

		captureProbeOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_probe_outcomes_total",
				Help: "Total number of URL probes, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		captureActiveSupervisors = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "capture_active_supervisors",
				Help: "Number of supervisor loops currently running.",
			},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCapture records a terminal capture and how long the tool ran.
func ObserveCapture(status string, duration time.Duration) {
	Init()
	captureJobsTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		captureDurationSeconds.Observe(duration.Seconds())
	}
}

// ObservePortBusy counts a skipped cycle.
func ObservePortBusy() {
	Init()
	capturePortBusyTotal.Inc()
}

// ObserveProbe counts one probe outcome.
func ObserveProbe(outcome string) {
	Init()
	captureProbeOutcomesTotal.WithLabelValues(outcome).Inc()
}

// IncActiveSupervisors increments the active supervisors gauge.
func IncActiveSupervisors() {
	Init()
	captureActiveSupervisors.Inc()
}

// DecActiveSupervisors decrements the active supervisors gauge.
func DecActiveSupervisors() {
	Init()
	captureActiveSupervisors.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

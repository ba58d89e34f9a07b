// Package metrics exposes acquisition and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lidarlog"

// Metrics holds the collectors of one daemon. It implements the
// acquisition recorder.
type Metrics struct {
	// Registry holds the application-specific Prometheus collectors.
	Registry *prometheus.Registry

	polls        *prometheus.CounterVec
	readings     prometheus.Counter
	sessions     prometheus.Counter
	storeErrors  prometheus.Counter
	running      prometheus.Gauge
	exports      *prometheus.CounterVec
	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "acquisition",
				Name:      "polls_total",
				Help:      "Total number of sensor polls by result.",
			},
			[]string{"result"},
		),
		readings: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "acquisition",
				Name:      "readings_appended_total",
				Help:      "Total number of readings appended to sessions.",
			},
		),
		sessions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "acquisition",
				Name:      "sessions_started_total",
				Help:      "Total number of recording sessions started.",
			},
		),
		storeErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "acquisition",
				Name:      "store_errors_total",
				Help:      "Total number of session store write failures.",
			},
		),
		running: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "acquisition",
				Name:      "running",
				Help:      "1 while a polling loop is recording.",
			},
		),
		exports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "files",
				Name:      "exports_total",
				Help:      "Total number of dataset exports by format and result.",
			},
			[]string{"format", "result"},
		),
		httpInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "inflight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"method", "path"},
		),
	}

	m.Registry.MustRegister(
		m.polls,
		m.readings,
		m.sessions,
		m.storeErrors,
		m.running,
		m.exports,
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// SessionStarted counts a started session.
func (m *Metrics) SessionStarted() { m.sessions.Inc() }

// PollSucceeded counts a successful poll and its readings.
func (m *Metrics) PollSucceeded(readings int) {
	m.polls.WithLabelValues("ok").Inc()
	m.readings.Add(float64(readings))
}

// PollFailed counts a failed poll.
func (m *Metrics) PollFailed() { m.polls.WithLabelValues("failed").Inc() }

// StoreFailed counts a store write failure.
func (m *Metrics) StoreFailed() { m.storeErrors.Inc() }

// SetRunning sets the running gauge.
func (m *Metrics) SetRunning(running bool) {
	if running {
		m.running.Set(1)
	} else {
		m.running.Set(0)
	}
}

// ExportFinished counts an export of format ("csv", "parquet", "ingest").
func (m *Metrics) ExportFinished(format string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.exports.WithLabelValues(format, result).Inc()
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Middleware wraps handlers with HTTP metrics collection. Paths are
// labelled by route template so file names do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := routePath(r)
		method := strings.ToUpper(r.Method)

		m.httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

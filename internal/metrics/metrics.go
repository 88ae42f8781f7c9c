package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry with the pipeline collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	jobTransitions  *prometheus.CounterVec
	aiDuration      *prometheus.HistogramVec
	aiRequests      *prometheus.CounterVec
	quotaReserves   *prometheus.CounterVec
	ingestedBytes   *prometheus.CounterVec
	queuePublish    *prometheus.CounterVec
	tickDuration    prometheus.Histogram
	purgedJobs      prometheus.Counter
	purgedBytes     prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analysis_job_transitions_total",
			Help: "Job status transitions by target status",
		}, []string{"status"}),
		aiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "Duration of AI provider calls",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"operation"}),
		aiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "AI provider calls by operation and outcome",
		}, []string{"operation", "outcome"}),
		quotaReserves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quota_reservations_total",
			Help: "Quota reservation attempts by result",
		}, []string{"result"}),
		ingestedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingested_bytes_total",
			Help: "Raw media bytes stored by source type",
		}, []string{"source"}),
		queuePublish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_publish_total",
			Help: "Advisory queue publishes by driver and result",
		}, []string{"driver", "result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "analysis_tick_duration_seconds",
			Help:    "Duration of one analysis poll tick",
			Buckets: []float64{1, 5, 15, 30, 60, 180, 600, 1800},
		}),
		purgedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retention_purged_jobs_total",
			Help: "Jobs whose frames were purged by the retention sweep",
		}),
		purgedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retention_purged_bytes_total",
			Help: "Frame bytes released by the retention sweep",
		}),
	}

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(m.requestDuration, m.requestTotal, m.jobTransitions, m.aiDuration, m.aiRequests,
		m.quotaReserves, m.ingestedBytes, m.queuePublish, m.tickDuration, m.purgedJobs, m.purgedBytes, goroutines)

	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler exposes the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := strconv.Itoa(status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

func (m *Metrics) JobTransition(status string) {
	if m == nil {
		return
	}
	m.jobTransitions.WithLabelValues(status).Inc()
}

// ObserveAI records one provider call. outcome is "ok", "degraded" or "error".
func (m *Metrics) ObserveAI(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.aiDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.aiRequests.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) QuotaReservation(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "exceeded"
	}
	m.quotaReserves.WithLabelValues(result).Inc()
}

func (m *Metrics) Ingested(source string, bytes int64) {
	if m == nil {
		return
	}
	m.ingestedBytes.WithLabelValues(source).Add(float64(bytes))
}

func (m *Metrics) QueuePublish(driver string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.queuePublish.WithLabelValues(driver, result).Inc()
}

func (m *Metrics) ObserveTick(duration time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(duration.Seconds())
}

func (m *Metrics) FramesPurged(bytes int64) {
	if m == nil {
		return
	}
	m.purgedJobs.Inc()
	m.purgedBytes.Add(float64(bytes))
}

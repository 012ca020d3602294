package service

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for sync runs and
// the ops HTTP surface.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	syncRuns        *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	eventsProcessed *prometheus.CounterVec
	sinkCalls       *prometheus.HistogramVec
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	syncRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_runs_total",
		Help: "Total sync runs by mode and outcome",
	}, []string{"mode", "outcome"})

	runDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_run_duration_seconds",
		Help:    "Duration of sync runs",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"mode"})

	eventsProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_events_total",
		Help: "Events processed by reconciliation action",
	}, []string{"action"})

	sinkCalls := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sink_call_duration_seconds",
		Help:    "Duration of calendar API calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(syncRuns, runDuration, eventsProcessed, sinkCalls, requestDuration, requestTotal, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		syncRuns:        syncRuns,
		runDuration:     runDuration,
		eventsProcessed: eventsProcessed,
		sinkCalls:       sinkCalls,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveSyncRun records a completed (or failed) run.
func (m *MetricsService) ObserveSyncRun(mode, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(mode, outcome).Inc()
	m.runDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// CountEvent records one reconciliation decision.
func (m *MetricsService) CountEvent(action string) {
	if m == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(action).Inc()
}

// ObserveSinkCall records the latency of one calendar API call.
func (m *MetricsService) ObserveSinkCall(op string, duration time.Duration) {
	if m == nil {
		return
	}
	m.sinkCalls.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveHTTPRequest records ops-surface request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := []string{method, path, strconv.Itoa(status)}
	m.requestDuration.WithLabelValues(labels...).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(labels...).Inc()
}

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "garakd"

	// Labels
	statusLabel = "status"
)

var scanDurationBuckets = []float64{30, 60, 300, 900, 1800, 3600, 7200, 14400}

// Metrics holds collectors of a single garakd instance. All methods are
// safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	submitted *prometheus.CounterVec
	finished  *prometheus.CounterVec
	running   prometheus.Gauge
	queued    prometheus.Gauge
	duration  *prometheus.HistogramVec
	lines     prometheus.Counter

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_submitted_total",
			Help:      "number of scan requests partitioned by admission result",
		}, []string{"result"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_finished_total",
			Help:      "number of finished scans partitioned by terminal status",
		}, []string{statusLabel}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scans_running",
			Help:      "number of running garak processes",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scans_queued",
			Help:      "number of scans waiting for admission",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "time from scan start to its terminal status",
			Buckets:   scanDurationBuckets,
		}, []string{statusLabel}),
		lines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scanner_output_lines_total",
			Help:      "number of garak output lines parsed",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Number of HTTP requests partitioned by status code, method and HTTP path.",
		}, []string{"code", "method", "path"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_milliseconds",
			Help:      "Time spent on the request partitioned by status code, method and HTTP path.",
			Buckets:   []float64{5, 50, 300, 1000, 5000},
		}, []string{"code", "method", "path"}),
	}
	m.registry.MustRegister(
		m.submitted, m.finished, m.running, m.queued, m.duration, m.lines,
		m.requests, m.latency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry is used by tests to gather the collected values.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Submitted counts a scan request, result is accepted, invalid, busy or error.
func (m *Metrics) Submitted(result string) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(result).Inc()
}

// Admission records the current number of running and queued scans.
func (m *Metrics) Admission(running, queued int) {
	if m == nil {
		return
	}
	m.running.Set(float64(running))
	m.queued.Set(float64(queued))
}

func (m *Metrics) Finished(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(status).Inc()
	m.duration.WithLabelValues(status).Observe(took.Seconds())
}

func (m *Metrics) Line() {
	if m == nil {
		return
	}
	m.lines.Inc()
}

// Middleware counts requests and their latency by the chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	fn := func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			rp := rctx.RoutePattern()
			since := float64(time.Since(start).Milliseconds())
			m.requests.WithLabelValues(strconv.Itoa(ww.Status()), r.Method, rp).Inc()
			m.latency.WithLabelValues(strconv.Itoa(ww.Status()), r.Method, rp).Observe(since)
		}
	}
	return http.HandlerFunc(fn)
}

package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	chatMessagesTotal *prometheus.CounterVec
	chatContextChars  *prometheus.HistogramVec
	submissionsTotal  *prometheus.CounterVec
	exportsTotal      *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fundus",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fundus",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fundus",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	chatMessagesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fundus",
			Subsystem: "chat",
			Name:      "messages_total",
			Help:      "Total chat turns by outcome (ok or fallback).",
		},
		[]string{"service", "outcome"},
	)
	chatContextChars := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fundus",
			Subsystem: "chat",
			Name:      "context_chars",
			Help:      "Distribution of prompt context sizes in characters.",
			Buckets:   []float64{0, 100, 250, 500, 1000, 1500, 2000, 3000},
		},
		[]string{"service"},
	)
	submissionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fundus",
			Subsystem: "batch",
			Name:      "submissions_total",
			Help:      "Total batch submissions by outcome (accepted or rejected).",
		},
		[]string{"service", "outcome"},
	)
	exportsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fundus",
			Subsystem: "batch",
			Name:      "exports_total",
			Help:      "Total result exports served.",
		},
		[]string{"service"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		chatMessagesTotal,
		chatContextChars,
		submissionsTotal,
		exportsTotal,
	)

	return &HTTPServerMetrics{
		registry:          registry,
		requestTotal:      requestTotal,
		requestDuration:   requestDuration,
		requestInFlight:   requestInFlight,
		chatMessagesTotal: chatMessagesTotal,
		chatContextChars:  chatContextChars,
		submissionsTotal:  submissionsTotal,
		exportsTotal:      exportsTotal,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &metricsRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/batches/") && strings.HasSuffix(path, "/export"):
		return "/v1/batches/{task_id}/export"
	case strings.HasPrefix(path, "/v1/batches/") && path != "/v1/batches/preview":
		return "/v1/batches/{task_id}"
	case strings.HasPrefix(path, "/v1/chat/archives/") && strings.HasSuffix(path, "/restore"):
		return "/v1/chat/archives/{archive_id}/restore"
	default:
		return path
	}
}

func (m *HTTPServerMetrics) RecordChatTurn(service string, fallback bool) {
	outcome := "ok"
	if fallback {
		outcome = "fallback"
	}
	m.chatMessagesTotal.WithLabelValues(service, outcome).Inc()
}

func (m *HTTPServerMetrics) ObserveContextChars(service string, chars int) {
	if chars < 0 {
		return
	}
	m.chatContextChars.WithLabelValues(service).Observe(float64(chars))
}

func (m *HTTPServerMetrics) RecordSubmission(service string, accepted bool) {
	outcome := "accepted"
	if !accepted {
		outcome = "rejected"
	}
	m.submissionsTotal.WithLabelValues(service, outcome).Inc()
}

func (m *HTTPServerMetrics) RecordExport(service string) {
	m.exportsTotal.WithLabelValues(service).Inc()
}

type metricsRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *metricsRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *metricsRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *metricsRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

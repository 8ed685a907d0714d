// Package middleware provides HTTP middleware components for the Replicate proxy server.
// This file contains Prometheus metrics middleware for observability.
package middleware

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// httpRequestsTotal counts the total number of HTTP requests processed.
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replicate_proxy_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDurationSeconds tracks the duration of HTTP requests.
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "replicate_proxy_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"method", "path"},
	)

	// httpRequestSizeBytes tracks the size of HTTP request bodies.
	httpRequestSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "replicate_proxy_http_request_size_bytes",
			Help:    "Size of HTTP request bodies in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 7), // 100B to 100MB
		},
		[]string{"method", "path"},
	)

	// activeConnections tracks the number of currently active connections.
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "replicate_proxy_active_connections",
			Help: "Number of currently active HTTP connections",
		},
	)

	// backendCallsTotal counts Replicate calls by mode (stream, sync) and outcome.
	backendCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replicate_proxy_backend_calls_total",
			Help: "Total Replicate prediction calls by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	// backendCallDurationSeconds tracks Replicate call latency.
	backendCallDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "replicate_proxy_backend_call_duration_seconds",
			Help:    "Duration of Replicate prediction calls in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"mode"},
	)

	// streamFallbacksTotal counts streams that switched to a synchronous prediction.
	streamFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replicate_proxy_stream_fallbacks_total",
			Help: "Total number of streams completed through the synchronous fallback",
		},
	)

	// streamChunksTotal counts SSE data frames written to clients.
	streamChunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replicate_proxy_stream_chunks_total",
			Help: "Total number of chat.completion.chunk frames written",
		},
	)

	// apiErrorResponsesTotal counts error envelopes by HTTP status.
	apiErrorResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replicate_proxy_error_responses_total",
			Help: "Total number of error responses by HTTP status",
		},
		[]string{"status"},
	)

	// metricsRegistered ensures metrics are only registered once.
	metricsRegistered atomic.Bool
	metricsEnabled    atomic.Bool
)

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled toggles Prometheus metrics collection.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// IsMetricsEnabled reports whether metrics are enabled.
func IsMetricsEnabled() bool {
	return metricsEnabled.Load()
}

// RegisterMetrics registers all Prometheus metrics.
// It is safe to call multiple times; metrics will only be registered once.
func RegisterMetrics() {
	if !metricsRegistered.CompareAndSwap(false, true) {
		return
	}

	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		httpRequestSizeBytes,
		activeConnections,
		backendCallsTotal,
		backendCallDurationSeconds,
		streamFallbacksTotal,
		streamChunksTotal,
		apiErrorResponsesTotal,
	)
}

// PrometheusMiddleware returns a Gin middleware that collects Prometheus metrics
// for HTTP requests including request count and duration.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsMetricsEnabled() {
			c.Next()
			return
		}
		RegisterMetrics()

		// Skip metrics endpoint to avoid self-referential metrics
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		path := normalizePath(c.Request.URL.Path)
		method := c.Request.Method
		if c.Request.ContentLength > 0 {
			httpRequestSizeBytes.WithLabelValues(method, path).Observe(float64(c.Request.ContentLength))
		}

		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDurationSeconds.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// normalizePath normalizes URL paths to prevent high cardinality in metrics.
func normalizePath(path string) string {
	switch path {
	case "/", "/healthz", "/metrics", "/v1/models", "/v1/chat/completions":
		return path
	default:
		return "other"
	}
}

// MetricsHandler returns the Prometheus HTTP handler for the /metrics endpoint.
func MetricsHandler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return func(c *gin.Context) {
		if !IsMetricsEnabled() {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		RegisterMetrics()
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// PrometheusReporter records backend and response outcomes reported by the handlers.
type PrometheusReporter struct{}

// NewPrometheusReporter returns a reporter backed by the package collectors.
func NewPrometheusReporter() *PrometheusReporter {
	RegisterMetrics()
	return &PrometheusReporter{}
}

// BackendCall records one Replicate call. mode is "stream" or "sync".
func (PrometheusReporter) BackendCall(mode, outcome string, elapsed time.Duration) {
	if !IsMetricsEnabled() {
		return
	}
	backendCallsTotal.WithLabelValues(mode, outcome).Inc()
	backendCallDurationSeconds.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// Fallback records a stream completed through the synchronous fallback.
func (PrometheusReporter) Fallback() {
	if !IsMetricsEnabled() {
		return
	}
	streamFallbacksTotal.Inc()
}

// StreamChunk records one SSE data frame written to a client.
func (PrometheusReporter) StreamChunk() {
	if !IsMetricsEnabled() {
		return
	}
	streamChunksTotal.Inc()
}

// ErrorResponse records one error envelope sent with status.
func (PrometheusReporter) ErrorResponse(status int) {
	if !IsMetricsEnabled() {
		return
	}
	apiErrorResponsesTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

// Package middleware holds the admin server's gin middleware.
package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"sync"
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
			Name: "off_context_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	// httpRequestDurationSeconds tracks the duration of HTTP requests.
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "off_context_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// httpResponseSizeBytes tracks the size of HTTP response bodies.
	httpResponseSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "off_context_http_response_size_bytes",
			Help:    "Size of HTTP response bodies in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		},
		[]string{"method", "route"},
	)

	inflightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "off_context_http_inflight_requests",
			Help: "Number of HTTP requests currently being served",
		},
	)

	// adminOperations counts admin operations by name and outcome.
	adminOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "off_context_admin_operations_total",
			Help: "Admin operations grouped by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	metricsRegistered atomic.Bool
	metricsEnabled    atomic.Bool
	extraCollectors   []prometheus.Collector
	collectorsMu      sync.Mutex
)

// SetMetricsEnabled toggles Prometheus metrics collection.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// IsMetricsEnabled reports whether metrics are enabled.
func IsMetricsEnabled() bool {
	return metricsEnabled.Load()
}

// AddCollectors queues collectors owned by other packages for registration.
// It has no effect after RegisterMetrics ran.
func AddCollectors(cs ...prometheus.Collector) {
	collectorsMu.Lock()
	defer collectorsMu.Unlock()
	if metricsRegistered.Load() {
		return
	}
	for _, c := range cs {
		if !slices.Contains(extraCollectors, c) {
			extraCollectors = append(extraCollectors, c)
		}
	}
}

// RegisterMetrics registers all Prometheus metrics.
// It is safe to call multiple times; metrics will only be registered once.
func RegisterMetrics() {
	collectorsMu.Lock()
	defer collectorsMu.Unlock()
	if !metricsRegistered.CompareAndSwap(false, true) {
		return
	}

	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		httpResponseSizeBytes,
		inflightRequests,
		adminOperations,
	)
	prometheus.MustRegister(extraCollectors...)
}

// PrometheusMiddleware records request count, latency and response size per
// route template. Unmatched paths share one label.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsMetricsEnabled() || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		RegisterMetrics()

		inflightRequests.Inc()
		defer inflightRequests.Dec()

		start := time.Now()
		c.Next()

		route := routeLabel(c)
		method := c.Request.Method
		httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDurationSeconds.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		if size := c.Writer.Size(); size > 0 {
			httpResponseSizeBytes.WithLabelValues(method, route).Observe(float64(size))
		}
	}
}

func routeLabel(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
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

// RecordAdminOperation counts one admin operation.
func RecordAdminOperation(operation string, err error) {
	if !IsMetricsEnabled() {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	adminOperations.WithLabelValues(operation, outcome).Inc()
}

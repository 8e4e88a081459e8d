// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LockAcquisitions tracks lock acquisition outcomes.
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_acquisitions_total",
			Help: "Total lock acquisition attempts by outcome",
		},
		[]string{"outcome"},
	)

	// LockAcquireDuration tracks how long acquisitions take end to end,
	// including waits and retries.
	LockAcquireDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lock_acquire_duration_seconds",
			Help:    "Lock acquisition duration in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30, 120},
		},
	)

	// LockSteals tracks successful takeovers of expired records.
	LockSteals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lock_steals_total",
			Help: "Total locks stolen from expired holders",
		},
	)

	// LockRenewals tracks background lease prolongation outcomes.
	LockRenewals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_renewals_total",
			Help: "Total lease renewal attempts by status",
		},
		[]string{"status"},
	)

	// ConditionalCheckFailures tracks backend conditional-write rejections
	// by lock-plane operation.
	ConditionalCheckFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conditional_check_failures_total",
			Help: "Total conditional write rejections by operation",
		},
		[]string{"operation"},
	)

	// LocksHeld tracks the number of locks currently held by this process.
	LocksHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "locks_held",
			Help: "Current number of locks held",
		},
	)

	// TTLRecordsCleaned tracks expired records removed by the cleanup loop.
	TTLRecordsCleaned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ttl_records_cleaned_total",
			Help: "Total expired lock records removed by TTL cleanup",
		},
	)

	// HTTPRequestsTotal tracks total HTTP requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// RegisterMetricsEndpoint registers the /metrics endpoint on a Gin router.
func RegisterMetricsEndpoint(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// GinMiddleware returns a Gin middleware that records HTTP metrics.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

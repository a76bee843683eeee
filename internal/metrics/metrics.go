// Package metrics holds the Prometheus collectors shared by the ledger,
// replication manager and HTTP server.
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
	entriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chaintrail_entries_total",
		Help: "Total log entries appended, by level.",
	}, []string{"level"})

	chainLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chaintrail_chain_length",
		Help: "Number of blocks in the chain (archives included).",
	})

	appendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chaintrail_append_duration_seconds",
		Help:    "Durable append latency in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	verifyRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chaintrail_verify_runs_total",
		Help: "Integrity verification runs by result.",
	}, []string{"result"})

	rotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chaintrail_rotations_total",
		Help: "Segment rotations by result.",
	}, []string{"result"})

	replicationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chaintrail_replication_uploads_total",
		Help: "Replication upload outcomes by state.",
	}, []string{"state"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chaintrail_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chaintrail_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// RecordAppend records one durable append with its latency.
func RecordAppend(level string, chainLen int, d time.Duration) {
	entriesTotal.WithLabelValues(level).Inc()
	chainLength.Set(float64(chainLen))
	appendDuration.Observe(d.Seconds())
}

// RecordVerify records an integrity verification run.
func RecordVerify(valid bool) {
	if valid {
		verifyRunsTotal.WithLabelValues("valid").Inc()
	} else {
		verifyRunsTotal.WithLabelValues("invalid").Inc()
	}
}

// RecordRotation records a rotation attempt outcome.
func RecordRotation(success bool) {
	if success {
		rotationsTotal.WithLabelValues("success").Inc()
	} else {
		rotationsTotal.WithLabelValues("failure").Inc()
	}
}

// RecordReplication records a replication upload outcome state.
func RecordReplication(state string) {
	replicationTotal.WithLabelValues(state).Inc()
}

// GinMiddleware returns a Gin middleware that records per-request metrics.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// Handler returns a Gin handler that serves the Prometheus metrics page.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	OverlaysMounted = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "discussion_overlays_mounted",
		Help: "Current number of mounted overlays (open websocket connections)",
	})
	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "discussion_messages_sent_total",
		Help: "Total number of message sends by result",
	}, []string{"result"})
	MessagesDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "discussion_messages_deleted_total",
		Help: "Total number of soft deletes by result",
	}, []string{"result"})
	PresenceSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "discussion_presence_swept_total",
		Help: "Total number of stale presence entries removed by sweeps",
	})
	HeartbeatFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "discussion_presence_heartbeat_failures_total",
		Help: "Total number of failed presence heartbeats",
	})
	StoreConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "discussion_store_connected",
		Help: "1 when the discussion store is connected, 0 otherwise",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		OverlaysMounted,
		MessagesSent,
		MessagesDeleted,
		PresenceSwept,
		HeartbeatFailures,
		StoreConnected,
		HttpRequestsTotal,
		HttpRequestDuration,
	)
}

// Result returns the label value for an operation outcome.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// GinMiddleware records basic request metrics for Prometheus.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}

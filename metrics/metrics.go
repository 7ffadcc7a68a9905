package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarm",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "swarm",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)

	httpInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "swarm",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "In-flight HTTP requests",
		},
		[]string{"path"},
	)

	// NodesByStatus is the number of connected nodes per health status.
	NodesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "swarm",
			Subsystem: "router",
			Name:      "nodes",
			Help:      "Connected worker nodes by status",
		},
		[]string{"status"},
	)

	// ActiveSessions is the number of admitted, unfinished sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "swarm",
			Subsystem: "router",
			Name:      "active_sessions",
			Help:      "Task sessions currently assigned to nodes",
		},
	)

	// SessionsTotal counts finished sessions by outcome
	// (completed, canceled, failed, expired).
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarm",
			Subsystem: "router",
			Name:      "sessions_total",
			Help:      "Finished task sessions by outcome",
		},
		[]string{"outcome"},
	)

	// FragmentsRelayed counts output fragments received from workers.
	FragmentsRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarm",
			Subsystem: "router",
			Name:      "fragments_total",
			Help:      "Output fragments relayed to clients",
		},
		[]string{"model"},
	)

	// RejectedTotal counts admission failures by reason.
	RejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarm",
			Subsystem: "router",
			Name:      "rejected_total",
			Help:      "Rejected chat completion requests by reason",
		},
		[]string{"reason"},
	)

	// WorkerFlushes counts output messages sent by a worker by trigger
	// (interval, breakable, final).
	WorkerFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarm",
			Subsystem: "worker",
			Name:      "flushes_total",
			Help:      "Output messages sent to the router by trigger",
		},
		[]string{"reason"},
	)

	// WorkerRunningTasks is the number of tasks executing on this worker.
	WorkerRunningTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "swarm",
			Subsystem: "worker",
			Name:      "running_tasks",
			Help:      "Tasks currently executing against the engine",
		},
	)

	// WorkerOnline is 1 while the local engine answers health probes.
	WorkerOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "swarm",
			Subsystem: "worker",
			Name:      "engine_online",
			Help:      "1 if the inference engine is reachable",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal, httpRequestDuration, httpInflight,
		NodesByStatus, ActiveSessions, SessionsTotal, FragmentsRelayed, RejectedTotal,
		WorkerFlushes, WorkerRunningTasks, WorkerOnline,
	)
}

// Middleware instruments gin requests. The route pattern is used as label to
// keep cardinality bounded.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpInflight.WithLabelValues(path).Inc()
		defer httpInflight.WithLabelValues(path).Dec()

		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(path, c.Request.Method, status).Inc()
		httpRequestDuration.WithLabelValues(path, c.Request.Method, status).Observe(time.Since(start).Seconds())
	}
}

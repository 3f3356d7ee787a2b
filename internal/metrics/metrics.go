// Package metrics provides Prometheus instrumentation for the arbitration service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric exported by the service.
const Namespace = "arbitro"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ResolutionsTotal counts executor runs by outcome and trigger.
	ResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "resolutions_total",
			Help:      "Resolution attempts by outcome (resolved, not_resolvable, failed) and trigger.",
		},
		[]string{"outcome", "trigger"},
	)

	// AmbiguousReceiptsTotal counts receipt waits that ended without a verdict
	// and were reconciled by re-reading the order.
	AmbiguousReceiptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ambiguous_receipts_total",
			Help:      "Receipt waits that timed out, by reconciled result.",
		},
		[]string{"result"},
	)

	// ResolutionDuration observes time from submission to a settled outcome.
	ResolutionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "resolution_duration_seconds",
		Help:      "Time spent resolving one order in seconds.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90, 120},
	})

	// PollRunsTotal counts dispute poller runs by result.
	PollRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "poll_runs_total",
			Help:      "Dispute poller runs by result (ok, error, panic).",
		},
		[]string{"result"},
	)

	// DisputesDetectedTotal counts disputed orders seen by the poller.
	DisputesDetectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "disputes_detected_total",
		Help:      "Disputed orders observed by the poller and claimed for resolution.",
	})

	// PaymentConfirmationsTotal counts confirmation requests by result.
	PaymentConfirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "payment_confirmations_total",
			Help:      "Payment confirmations by result.",
		},
		[]string{"result"},
	)

	// RPCCallsTotal counts contract gateway calls by method and result.
	RPCCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rpc_calls_total",
			Help:      "RPC calls issued through the contract gateway.",
		},
		[]string{"method", "result"},
	)

	// EndpointSwitchesTotal counts endpoint reselections.
	EndpointSwitchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "rpc_endpoint_switches_total",
		Help:      "Times the active RPC endpoint changed.",
	})

	// ActiveEndpoint exposes the index of the active RPC endpoint.
	ActiveEndpoint = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "rpc_active_endpoint",
		Help:      "Index of the active RPC endpoint in the configured list (-1 when none).",
	})

	// ProjectedEventsTotal counts escrow events applied to the ledger.
	ProjectedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "projected_events_total",
			Help:      "Escrow events processed by the projector by type and result.",
		},
		[]string{"event", "result"},
	)

	// OrdersByStatus mirrors the global stats counters.
	OrdersByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "orders",
			Help:      "Orders per status according to the projected ledger.",
		},
		[]string{"status"},
	)

	// IndexedBlock is the last block the log follower committed.
	IndexedBlock = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "indexed_block",
		Help:      "Last block number committed by the log follower.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ResolutionsTotal,
		AmbiguousReceiptsTotal,
		ResolutionDuration,
		PollRunsTotal,
		DisputesDetectedTotal,
		PaymentConfirmationsTotal,
		RPCCallsTotal,
		EndpointSwitchesTotal,
		ActiveEndpoint,
		ProjectedEventsTotal,
		OrdersByStatus,
		IndexedBlock,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
	ActiveEndpoint.Set(-1)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath() // route pattern keeps label cardinality bounded
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

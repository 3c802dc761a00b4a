// Package metrics provides Prometheus instrumentation for the escrow engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tessera",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tessera",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowTransitionsTotal counts committed escrow transitions by edge.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tessera",
			Name:      "escrow_transitions_total",
			Help:      "Committed escrow state transitions by from/to state.",
		},
		[]string{"from", "to"},
	)

	// EscrowConflictsTotal counts lost CAS races by event.
	EscrowConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tessera",
			Name:      "escrow_version_conflicts_total",
			Help:      "Escrow transitions rejected by the version CAS, by event.",
		},
		[]string{"event"},
	)

	// SweepDue tracks how many escrows the last sweep found past deadline.
	SweepDue = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tessera",
		Name:      "sweep_due_escrows",
		Help:      "Escrows past their auto-release deadline at the last sweep.",
	})

	// SettlementsTotal counts settlement intents by kind and outcome.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tessera",
			Name:      "settlements_total",
			Help:      "Settlement submissions by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// SettlementAlerts counts intents that exhausted their retry budget.
	SettlementAlerts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tessera",
		Name:      "settlement_alerts_total",
		Help:      "Settlement intents escalated after exhausting retries.",
	})

	// NotificationsTotal counts emitted transition events.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tessera",
			Name:      "notifications_total",
			Help:      "EscrowTransitioned events emitted, by terminal state.",
		},
		[]string{"to"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tessera", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tessera", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tessera", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowTransitionsTotal,
		EscrowConflictsTotal,
		SweepDue,
		SettlementsTotal,
		SettlementAlerts,
		NotificationsTotal,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// Handler returns the /metrics HTTP handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Middleware instruments each request with count and duration.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
		).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).
			Observe(time.Since(start).Seconds())
	}
}

// CollectRuntime starts a loop publishing runtime and DB pool gauges.
// db may be nil in in-memory mode.
func CollectRuntime(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
			if db != nil {
				stats := db.Stats()
				DBOpenConnections.Set(float64(stats.OpenConnections))
				DBInUseConnections.Set(float64(stats.InUse))
			}
		}
	}
}

// Package metrics provides Prometheus instrumentation for the toolpay settlement engine.
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

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toolpay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "toolpay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AdmissionsTotal counts payment-gate admission outcomes.
	AdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toolpay",
			Name:      "admissions_total",
			Help:      "Total payment gate admissions by outcome (admitted, challenged, error).",
		},
		[]string{"outcome"},
	)

	// PaymentProofsTotal counts payment proof verification results.
	PaymentProofsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toolpay",
			Name:      "payment_proofs_total",
			Help:      "Total payment proof verifications by result.",
		},
		[]string{"result"},
	)

	// SettlementRunsTotal counts settlement runs per chain.
	SettlementRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toolpay",
			Name:      "settlement_runs_total",
			Help:      "Total settlement runs by chain and trigger (interval, threshold, resume).",
		},
		[]string{"chain", "trigger"},
	)

	// SettlementGroupsTotal counts settled groups by chain and outcome.
	SettlementGroupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toolpay",
			Name:      "settlement_groups_total",
			Help:      "Total settlement groups by chain and outcome (confirmed, failed).",
		},
		[]string{"chain", "outcome"},
	)

	// SettlementRecords observes how many execution records a confirmed batch covered.
	SettlementRecords = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "toolpay",
		Name:      "settlement_records_per_batch",
		Help:      "Execution records covered by a single confirmed batch.",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
	})

	// SettlementDuration observes time from submission to confirmation.
	SettlementDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "toolpay",
		Name:      "settlement_duration_seconds",
		Help:      "Time from group submission to on-chain confirmation.",
		Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"chain"})

	// PendingRecords tracks the PENDING execution record count per chain.
	PendingRecords = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "toolpay",
		Name:      "pending_execution_records",
		Help:      "Execution records awaiting settlement, per chain.",
	}, []string{"chain"})

	// LedgerInvariantViolations counts debits that would have gone negative.
	// Any non-zero value is a bug alarm.
	LedgerInvariantViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "toolpay",
		Name:      "ledger_invariant_violations_total",
		Help:      "Debits rejected because they would drive a balance negative.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "toolpay", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "toolpay", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "toolpay", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "toolpay", Name: "goroutines",
		Help: "Current number of goroutines.",
	})

	// ActiveWebSocketClients tracks connected realtime clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "toolpay", Name: "websocket_clients",
		Help: "Currently connected WebSocket clients.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AdmissionsTotal,
		PaymentProofsTotal,
		SettlementRunsTotal,
		SettlementGroupsTotal,
		SettlementRecords,
		SettlementDuration,
		PendingRecords,
		LedgerInvariantViolations,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
		ActiveWebSocketClients,
	)
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
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
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

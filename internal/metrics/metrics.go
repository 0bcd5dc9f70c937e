// Package metrics provides Prometheus instrumentation for the settlement service.
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

const namespace = "settlement"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EventsTotal counts inbound processor events by kind and outcome
	// (new, duplicate, resumed, ignored, failed).
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound payment events by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// PurchaseTransitionsTotal counts applied purchase status transitions.
	PurchaseTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchase_transitions_total",
			Help:      "Purchase status transitions by from and to status.",
		},
		[]string{"from", "to"},
	)

	// PurchaseAnomaliesTotal counts incoming financial fields that disagreed
	// with an already-populated purchase field.
	PurchaseAnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchase_field_anomalies_total",
			Help:      "Incoming purchase fields that conflicted with stored values.",
		},
		[]string{"field"},
	)

	// CASAttemptsTotal counts credit balance compare-and-swap attempts by result
	// (applied, miss).
	CASAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_cas_attempts_total",
			Help:      "Credit balance compare-and-swap attempts by result.",
		},
		[]string{"result"},
	)

	// CompensationsTotal counts compensating rollbacks by result (restored, failed).
	CompensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_compensations_total",
			Help:      "Compensating buyer balance restorations by result.",
		},
		[]string{"result"},
	)

	// SwapTransitionsTotal counts swap transitions by action and result.
	SwapTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swap_transitions_total",
			Help:      "Swap actions by action and result (applied, illegal, failed).",
		},
		[]string{"action", "result"},
	)

	// SweepExpiredTotal counts swaps expired by the sweeper.
	SweepExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "swap_sweep_expired_total",
		Help:      "Total swaps expired by the sweeper.",
	})

	// SweepDuration observes sweep run latency.
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "swap_sweep_duration_seconds",
		Help:      "Duration of swap expiry sweeps in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	// RefundsInitiatedTotal counts refund API calls by result.
	RefundsInitiatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_initiated_total",
			Help:      "Refund initiations by result.",
		},
		[]string{"result"},
	)

	// RateLimitedTotal counts requests rejected by the shared rate limiter.
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EventsTotal,
		PurchaseTransitionsTotal,
		PurchaseAnomaliesTotal,
		CASAttemptsTotal,
		CompensationsTotal,
		SwapTransitionsTotal,
		SweepExpiredTotal,
		SweepDuration,
		RefundsInitiatedTotal,
		RateLimitedTotal,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
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
			c.FullPath(), // route pattern keeps cardinality bounded
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

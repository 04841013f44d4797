// Package metrics provides Prometheus instrumentation for the Vidgate gateway.
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
			Namespace: "vidgate",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vidgate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SettlementsTotal counts settlement attempts by scheme and outcome.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidgate",
			Name:      "settlements_total",
			Help:      "Total settlement attempts by scheme and outcome.",
		},
		[]string{"scheme", "outcome"},
	)

	// SettlementDuration observes end-to-end settlement latency by scheme.
	SettlementDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vidgate",
			Name:      "settlement_duration_seconds",
			Help:      "Settlement duration in seconds by scheme.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"scheme"},
	)

	// FacilitatorRequestsTotal counts facilitator calls by endpoint and result.
	FacilitatorRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidgate",
			Name:      "facilitator_requests_total",
			Help:      "Total facilitator HTTP calls by endpoint and result.",
		},
		[]string{"endpoint", "result"},
	)

	// FacilitatorRequestDuration observes facilitator call latency by endpoint.
	FacilitatorRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vidgate",
			Name:      "facilitator_request_duration_seconds",
			Help:      "Facilitator HTTP call duration in seconds by endpoint.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// OnchainVerificationsTotal counts on-chain receipt checks by outcome.
	OnchainVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidgate",
			Name:      "onchain_verifications_total",
			Help:      "Total on-chain payment verifications by outcome.",
		},
		[]string{"outcome"},
	)

	// SegmentsStreamedTotal counts segments served after settlement.
	SegmentsStreamedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vidgate",
		Name:      "segments_streamed_total",
		Help:      "Total media segments streamed to paying clients.",
	})

	// PaymentRequiredTotal counts requests answered with payment offers.
	PaymentRequiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vidgate",
		Name:      "payment_required_total",
		Help:      "Total requests answered with a 402 offer body.",
	})

	// CachedTabs tracks entries currently held in the tab cache.
	CachedTabs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vidgate",
		Name:      "cached_tabs",
		Help:      "Number of tabs currently cached.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vidgate", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vidgate", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vidgate", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vidgate", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SettlementsTotal,
		SettlementDuration,
		FacilitatorRequestsTotal,
		FacilitatorRequestDuration,
		OnchainVerificationsTotal,
		SegmentsStreamedTotal,
		PaymentRequiredTotal,
		CachedTabs,
		DBOpenConnections,
		DBIdleConnections,
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
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// ObserveSettlement records one settlement attempt.
func ObserveSettlement(scheme string, success bool, elapsed time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	SettlementsTotal.WithLabelValues(scheme, outcome).Inc()
	SettlementDuration.WithLabelValues(scheme).Observe(elapsed.Seconds())
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

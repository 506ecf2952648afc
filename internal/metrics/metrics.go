// Package metrics defines Prometheus metrics for the pooled datasource.
// The mutex-guarded PoolState counters stay the source of truth; these
// collectors mirror them for scraping.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks connections currently checked out, per pool.
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbpool_connections_active",
		Help: "Number of checked-out connections per pool",
	}, []string{"pool"})

	// ConnectionsIdle tracks connections retained for reuse, per pool.
	ConnectionsIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbpool_connections_idle",
		Help: "Number of idle connections per pool",
	}, []string{"pool"})

	// ConnectionsMax tracks the configured active-connection cap per pool.
	ConnectionsMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbpool_connections_max",
		Help: "Configured maximum active connections per pool",
	}, []string{"pool"})

	// RequestsTotal counts successful acquires.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_requests_total",
		Help: "Total successful connection acquires",
	}, []string{"pool"})

	// HadToWaitTotal counts acquires that had to wait at least once.
	HadToWaitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_had_to_wait_total",
		Help: "Total acquires that blocked waiting for a connection",
	}, []string{"pool"})

	// BadConnectionsTotal counts connections that failed validation or were
	// returned invalid.
	BadConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_bad_connections_total",
		Help: "Total bad connections encountered",
	}, []string{"pool"})

	// ClaimedOverdueTotal counts overdue active connections reclaimed from
	// their holders.
	ClaimedOverdueTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_claimed_overdue_total",
		Help: "Total overdue connections reclaimed",
	}, []string{"pool"})

	// WaitDuration tracks time spent blocked waiting for a connection.
	WaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dbpool_wait_duration_seconds",
		Help:    "Time spent waiting for a connection",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"pool"})

	// CheckoutDuration tracks how long connections stay checked out.
	CheckoutDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dbpool_checkout_duration_seconds",
		Help:    "Duration connections were held by callers",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	}, []string{"pool"})

	// RequestDuration tracks end-to-end acquire latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dbpool_request_duration_seconds",
		Help:    "End-to-end acquire latency",
		Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"pool"})

	// CacheOperationsTotal counts cache lookups by result (hit or miss).
	CacheOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_cache_operations_total",
		Help: "Total cache operations",
	}, []string{"cache", "result"})

	// CacheSize tracks the number of entries per cache.
	CacheSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbpool_cache_size",
		Help: "Number of entries per cache",
	}, []string{"cache"})
)

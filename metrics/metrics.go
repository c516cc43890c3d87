// Package metrics exposes wireql's pool and query activity as
// Prometheus metrics, adapted in shape (GaugeVec/HistogramVec/CounterVec
// over a private registry) from dbbouncer's internal/metrics.Collector,
// re-labeled from tenant/db_type to pool name.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric this module reports, each
// labeled by pool name so one process can run several named pools.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive   *prometheus.GaugeVec
	connectionsIdle     *prometheus.GaugeVec
	connectionsWaiting  *prometheus.GaugeVec
	poolExhaustedTotal  *prometheus.CounterVec
	acquireDuration     *prometheus.HistogramVec
	recycleTotal        *prometheus.CounterVec

	queryDuration  *prometheus.HistogramVec
	queriesTotal   *prometheus.CounterVec
	authFailures   *prometheus.CounterVec
	dialErrors     *prometheus.CounterVec
}

// New creates and registers every metric on a fresh, private registry.
// Safe to call more than once (e.g. per test or per pool) since each
// call's registry is independent.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wireql_connections_active",
				Help: "Number of connections currently checked out of the pool",
			},
			[]string{"pool"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wireql_connections_idle",
				Help: "Number of idle connections held by the pool",
			},
			[]string{"pool"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wireql_connections_waiting",
				Help: "Number of goroutines currently queued in Acquire",
			},
			[]string{"pool"},
		),
		poolExhaustedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wireql_pool_exhausted_total",
				Help: "Times Acquire had to queue because the pool was at max size",
			},
			[]string{"pool"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wireql_acquire_duration_seconds",
				Help:    "Time spent in Pool.Acquire",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
			},
			[]string{"pool"},
		),
		recycleTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wireql_recycle_total",
				Help: "Connections discarded at acquire time for exceeding pool_recycle or failing a liveness ping, or by the idle reaper",
			},
			[]string{"pool", "reason"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wireql_query_duration_seconds",
				Help:    "Duration of a single COM_QUERY round trip (Connection.Query)",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 18),
			},
			[]string{"pool"},
		),
		queriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wireql_queries_total",
				Help: "Completed COM_QUERY round trips (Connection.Query calls)",
			},
			[]string{"pool", "result"},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wireql_auth_failures_total",
				Help: "Authentication failures observed during handshake",
			},
			[]string{"pool", "plugin"},
		),
		dialErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wireql_dial_errors_total",
				Help: "Errors establishing a new physical connection",
			},
			[]string{"pool"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsWaiting,
		c.poolExhaustedTotal,
		c.acquireDuration,
		c.recycleTotal,
		c.queryDuration,
		c.queriesTotal,
		c.authFailures,
		c.dialErrors,
	)
	return c
}

// SetPoolStats updates the gauge metrics from a snapshot of pool state.
func (c *Collector) SetPoolStats(pool string, active, idle, waiting int) {
	c.connectionsActive.WithLabelValues(pool).Set(float64(active))
	c.connectionsIdle.WithLabelValues(pool).Set(float64(idle))
	c.connectionsWaiting.WithLabelValues(pool).Set(float64(waiting))
}

// PoolExhausted records that Acquire had to queue a caller.
func (c *Collector) PoolExhausted(pool string) {
	c.poolExhaustedTotal.WithLabelValues(pool).Inc()
}

// AcquireDuration observes how long one Acquire call took.
func (c *Collector) AcquireDuration(pool string, d time.Duration) {
	c.acquireDuration.WithLabelValues(pool).Observe(d.Seconds())
}

// Recycled records a discarded connection, tagged by why: "age" or
// "ping" at acquire time, or "idle_timeout" from the idle reaper.
func (c *Collector) Recycled(pool, reason string) {
	c.recycleTotal.WithLabelValues(pool, reason).Inc()
}

// QueryCompleted records one Connection.Query round trip's duration and
// outcome; Exec, Cursor.Execute and each ExecuteMany batch go through it.
func (c *Collector) QueryCompleted(pool string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.queryDuration.WithLabelValues(pool).Observe(d.Seconds())
	c.queriesTotal.WithLabelValues(pool, result).Inc()
}

// AuthFailure records an authentication failure for the named plugin.
func (c *Collector) AuthFailure(pool, plugin string) {
	c.authFailures.WithLabelValues(pool, plugin).Inc()
}

// DialError records a failure to establish a new physical connection.
func (c *Collector) DialError(pool string) {
	c.dialErrors.WithLabelValues(pool).Inc()
}

// RemovePool deletes every metric series for the named pool, for callers
// that tear down a named pool at runtime.
func (c *Collector) RemovePool(pool string) {
	c.connectionsActive.DeleteLabelValues(pool)
	c.connectionsIdle.DeleteLabelValues(pool)
	c.connectionsWaiting.DeleteLabelValues(pool)
	c.poolExhaustedTotal.DeleteLabelValues(pool)
	c.acquireDuration.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.recycleTotal.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.queryDuration.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.queriesTotal.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.authFailures.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.dialErrors.DeleteLabelValues(pool)
}

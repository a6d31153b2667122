package metrics

import (
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// poolSnapshot is the subset of pgxpool.Stat the flag store exports.
type poolSnapshot struct {
	acquired, idle, total, limit int32
	acquireCount, emptyAcquire int64
	canceledAcquire            int64
	acquireDuration            time.Duration
}

func pgxSnapshot(pool *pgxpool.Pool) func() poolSnapshot {
	return func() poolSnapshot {
		stat := pool.Stat()
		return poolSnapshot{
			acquired:        stat.AcquiredConns(),
			idle:            stat.IdleConns(),
			total:           stat.TotalConns(),
			limit:           stat.MaxConns(),
			acquireCount:    stat.AcquireCount(),
			emptyAcquire:    stat.EmptyAcquireCount(),
			canceledAcquire: stat.CanceledAcquireCount(),
			acquireDuration: stat.AcquireDuration(),
		}
	}
}

type storePoolCollector struct {
	snapshot func() poolSnapshot

	conns           *prometheus.Desc
	maxConns        *prometheus.Desc
	acquires        *prometheus.Desc
	waitedAcquires  *prometheus.Desc
	canceled        *prometheus.Desc
	acquireDuration *prometheus.Desc
}

func newStorePoolCollector(store string, snapshot func() poolSnapshot) *storePoolCollector {
	labels := prometheus.Labels{"store": store}
	return &storePoolCollector{
		snapshot: snapshot,
		conns: prometheus.NewDesc("flagkit_store_pool_connections",
			"Flag store connections by state.", []string{"state"}, labels),
		maxConns: prometheus.NewDesc("flagkit_store_pool_max_connections",
			"Connection limit of the flag store pool.", nil, labels),
		acquires: prometheus.NewDesc("flagkit_store_pool_acquires_total",
			"Successful connection acquisitions by flag lookups, saves and audit writes.", nil, labels),
		waitedAcquires: prometheus.NewDesc("flagkit_store_pool_waited_acquires_total",
			"Acquisitions that had to wait because the pool was empty.", nil, labels),
		canceled: prometheus.NewDesc("flagkit_store_pool_canceled_acquires_total",
			"Acquisitions abandoned because the request context ended.", nil, labels),
		acquireDuration: prometheus.NewDesc("flagkit_store_pool_acquire_seconds_total",
			"Cumulative time spent acquiring connections.", nil, labels),
	}
}

// RegisterPoolMetrics exports the Postgres flag store's pgxpool statistics,
// labelled store="postgres". Values are read on every scrape, so a pool that
// saturates under evaluation load shows up as waited acquisitions.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	reg.MustRegister(newStorePoolCollector("postgres", pgxSnapshot(pool)))
}

// RegisterSQLDBMetrics exposes database/sql pool statistics, used for the
// SQLite store.
func RegisterSQLDBMetrics(reg prometheus.Registerer, db *sql.DB, name string) {
	reg.MustRegister(collectors.NewDBStatsCollector(db, name))
}

func (c *storePoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.conns
	ch <- c.maxConns
	ch <- c.acquires
	ch <- c.waitedAcquires
	ch <- c.canceled
	ch <- c.acquireDuration
}

func (c *storePoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()

	ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(s.acquired), "acquired")
	ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(s.idle), "idle")
	ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(s.total), "total")
	ch <- prometheus.MustNewConstMetric(c.maxConns, prometheus.GaugeValue, float64(s.limit))
	ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(s.acquireCount))
	ch <- prometheus.MustNewConstMetric(c.waitedAcquires, prometheus.CounterValue, float64(s.emptyAcquire))
	ch <- prometheus.MustNewConstMetric(c.canceled, prometheus.CounterValue, float64(s.canceledAcquire))
	ch <- prometheus.MustNewConstMetric(c.acquireDuration, prometheus.CounterValue, s.acquireDuration.Seconds())
}

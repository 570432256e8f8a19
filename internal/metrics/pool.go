package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// poolCollector reads pgxpool statistics at scrape time.
type poolCollector struct {
	pool *pgxpool.Pool

	acquired     *prometheus.Desc
	idle         *prometheus.Desc
	total        *prometheus.Desc
	max          *prometheus.Desc
	acquireCount *prometheus.Desc
	emptyAcquire *prometheus.Desc
	acquireWait  *prometheus.Desc
}

func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("rulez_db_pool_"+name, help, nil, nil)
	}
	reg.MustRegister(&poolCollector{
		pool:         pool,
		acquired:     desc("acquired", "Number of currently acquired database connections."),
		idle:         desc("idle", "Number of idle database connections in the pool."),
		total:        desc("total", "Total number of database connections in the pool."),
		max:          desc("max", "Maximum number of database connections allowed in the pool."),
		acquireCount: desc("acquires_total", "Cumulative count of successful connection acquires."),
		emptyAcquire: desc("empty_acquires_total", "Cumulative count of acquires that waited for a connection."),
		acquireWait:  desc("acquire_wait_seconds_total", "Cumulative time spent waiting to acquire a connection."),
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquired
	ch <- c.idle
	ch <- c.total
	ch <- c.max
	ch <- c.acquireCount
	ch <- c.emptyAcquire
	ch <- c.acquireWait
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.pool.Stat()

	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}

	gauge(c.acquired, float64(stat.AcquiredConns()))
	gauge(c.idle, float64(stat.IdleConns()))
	gauge(c.total, float64(stat.TotalConns()))
	gauge(c.max, float64(stat.MaxConns()))
	counter(c.acquireCount, float64(stat.AcquireCount()))
	counter(c.emptyAcquire, float64(stat.EmptyAcquireCount()))
	counter(c.acquireWait, stat.AcquireDuration().Seconds())
}

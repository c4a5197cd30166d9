package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolCollectors returns gauges exposing live connection statistics of the
// Postgres storage pool. Values are read from pool.Stat on every scrape.
func PoolCollectors(pool *pgxpool.Pool) []prometheus.Collector {
	gauge := func(name, help string, read func(*pgxpool.Stat) int32) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "flagz_sdk_storage_pool_" + name,
			Help: help,
		}, func() float64 {
			return float64(read(pool.Stat()))
		})
	}
	return []prometheus.Collector{
		gauge("acquired", "Number of currently acquired storage connections.", (*pgxpool.Stat).AcquiredConns),
		gauge("idle", "Number of idle storage connections.", (*pgxpool.Stat).IdleConns),
		gauge("total", "Total number of storage connections.", (*pgxpool.Stat).TotalConns),
		gauge("max", "Maximum number of storage connections allowed.", (*pgxpool.Stat).MaxConns),
	}
}

// RegisterPoolMetrics registers PoolCollectors for pool.
func (m *Metrics) RegisterPoolMetrics(pool *pgxpool.Pool) {
	if m == nil || pool == nil {
		return
	}
	m.Registry.MustRegister(PoolCollectors(pool)...)
}

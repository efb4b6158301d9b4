package metrics

import (
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DBConnectionsOpen tracks open database connections per client
	DBConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"client"},
	)

	// DBConnectionsInUse tracks database connections currently in use per client
	DBConnectionsInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "connections_in_use",
			Help:      "Number of database connections currently in use",
		},
		[]string{"client"},
	)

	// DBConnectionsIdle tracks idle database connections per client
	DBConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"client"},
	)
)

// DBStatsCollector periodically copies pool statistics into gauges.
// The pgx pool backs the credential directory, the sql.DB the status tracker.
type DBStatsCollector struct {
	pool   *pgxpool.Pool
	db     *sql.DB
	logger *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewDBStatsCollector creates a collector; either handle may be nil
func NewDBStatsCollector(pool *pgxpool.Pool, db *sql.DB, logger *slog.Logger) *DBStatsCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBStatsCollector{pool: pool, db: db, logger: logger, stopCh: make(chan struct{})}
}

// Start collects every interval until Stop
func (c *DBStatsCollector) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
	c.logger.Info("database stats collector started", slog.Duration("interval", interval))
}

// Stop stops the collector
func (c *DBStatsCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *DBStatsCollector) collect() {
	if c.pool != nil {
		stat := c.pool.Stat()
		DBConnectionsOpen.WithLabelValues("pgx").Set(float64(stat.TotalConns()))
		DBConnectionsInUse.WithLabelValues("pgx").Set(float64(stat.AcquiredConns()))
		DBConnectionsIdle.WithLabelValues("pgx").Set(float64(stat.IdleConns()))
	}
	if c.db != nil {
		stats := c.db.Stats()
		DBConnectionsOpen.WithLabelValues("sql").Set(float64(stats.OpenConnections))
		DBConnectionsInUse.WithLabelValues("sql").Set(float64(stats.InUse))
		DBConnectionsIdle.WithLabelValues("sql").Set(float64(stats.Idle))
	}
}

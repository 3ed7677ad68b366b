package storage

import (
	"context"
	"time"

	"github.com/position-indexer/internal/logging"
	"github.com/position-indexer/internal/metrics"
	"github.com/position-indexer/internal/types"
)

// poolUsageWarnRatio is the acquired/max ratio above which the monitor warns
const poolUsageWarnRatio = 0.8

// PoolStatsProvider exposes connection pool usage
type PoolStatsProvider interface {
	Stats() PoolStats
}

// PoolMonitor samples a chain's connection pool, exports it as gauges and
// warns when the pool runs hot or callers had to queue for a connection
type PoolMonitor struct {
	chain     types.ChainID
	provider  PoolStatsProvider
	interval  time.Duration
	logger    *logging.Logger
	lastEmpty int64
	sampled   bool
}

// NewPoolMonitor creates a monitor for one chain's pool
func NewPoolMonitor(chain types.ChainID, provider PoolStatsProvider, interval time.Duration, logger *logging.Logger) *PoolMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &PoolMonitor{
		chain:    chain,
		provider: provider,
		interval: interval,
		logger:   logger.WithFields(map[string]interface{}{"chain": string(chain), "component": "pool_monitor"}),
	}
}

// Run samples the pool every interval until ctx is done
func (m *PoolMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check takes one sample. It returns true when the pool looked unhealthy.
func (m *PoolMonitor) Check() bool {
	stats := m.provider.Stats()
	chain := string(m.chain)

	metrics.DBPoolTotalConns.WithLabelValues(chain).Set(float64(stats.TotalConns))
	metrics.DBPoolAcquiredConns.WithLabelValues(chain).Set(float64(stats.AcquiredConns))
	metrics.DBPoolIdleConns.WithLabelValues(chain).Set(float64(stats.IdleConns))
	metrics.DBPoolMaxConns.WithLabelValues(chain).Set(float64(stats.MaxConns))
	metrics.DBPoolEmptyAcquires.WithLabelValues(chain).Set(float64(stats.EmptyAcquireCount))

	fields := map[string]interface{}{
		"acquired": stats.AcquiredConns,
		"idle":     stats.IdleConns,
		"total":    stats.TotalConns,
		"max":      stats.MaxConns,
	}

	unhealthy := false
	if stats.MaxConns > 0 {
		usage := float64(stats.AcquiredConns) / float64(stats.MaxConns)
		if usage > poolUsageWarnRatio {
			fields["usage"] = usage
			m.logger.WithFields(fields).Warnf("Database pool usage at %.0f%% of capacity", usage*100)
			unhealthy = true
		}
	}

	// EmptyAcquireCount is cumulative, only growth since the last sample matters
	if waited := stats.EmptyAcquireCount - m.lastEmpty; waited > 0 && m.sampled {
		fields["waitedAcquires"] = waited
		m.logger.WithFields(fields).Warn("Requests queued waiting for a database connection")
		unhealthy = true
	}
	m.lastEmpty = stats.EmptyAcquireCount
	m.sampled = true

	if !unhealthy {
		m.logger.WithFields(fields).Debug("Database pool sample")
	}
	return unhealthy
}

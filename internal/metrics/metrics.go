package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Indexer collectors, partitioned by chain.

var (
	// Range fetcher
	FetcherRangesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "fetcher",
		Name:      "ranges_fetched_total",
		Help:      "Total block ranges fetched successfully with eth_getLogs",
	}, []string{"chain"})

	FetcherBisections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "fetcher",
		Name:      "bisections_total",
		Help:      "Total block ranges split in half after a recoverable provider error",
	}, []string{"chain"})

	FetcherThrottled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "fetcher",
		Name:      "throttled_total",
		Help:      "Total range requests rejected by a rate limit and retried",
	}, []string{"chain"})

	FetcherErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "fetcher",
		Name:      "errors_total",
		Help:      "Total fatal range fetch errors",
	}, []string{"chain"})

	// RPC
	RPCThrottled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "rpc",
		Name:      "throttled_total",
		Help:      "Total RPC calls delayed by the per-chain rate limit",
	}, []string{"chain", "method"})

	RPCFailovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "rpc",
		Name:      "failovers_total",
		Help:      "Total switches to another RPC endpoint",
	}, []string{"chain"})

	// Live indexer
	LiveBlocksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "live",
		Name:      "blocks_processed_total",
		Help:      "Total blocks committed by the live indexer",
	}, []string{"chain"})

	LiveLogsInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "live",
		Name:      "log_entries_total",
		Help:      "Total log entries handed to the store by the live indexer",
	}, []string{"chain"})

	LiveRollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "live",
		Name:      "rollbacks_total",
		Help:      "Total checkpoint rollbacks after a failed step",
	}, []string{"chain"})

	LiveCheckpoint = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "live",
		Name:      "checkpoint_block",
		Help:      "Latest block recorded as processed",
	}, []string{"chain"})

	LiveStepLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "live",
		Name:      "step_duration_seconds",
		Help:      "Live step duration, excluding the wait for the target block",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"chain"})

	// Historic indexer
	HistoricJobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "historic",
		Name:      "jobs_finished_total",
		Help:      "Total historic jobs moved out of pending, by final status",
	}, []string{"chain", "status"})

	HistoricLogsInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "historic",
		Name:      "log_entries_total",
		Help:      "Total log entries handed to the store by the historic indexer",
	}, []string{"chain"})

	HistoricPendingJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "historic",
		Name:      "pending_jobs",
		Help:      "Pending jobs seen at the start of the last historic pass",
	}, []string{"chain"})

	// Block processor
	ParseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "parser",
		Name:      "errors_total",
		Help:      "Total logs skipped because decoding failed",
	}, []string{"chain"})

	WatchIndexSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "live",
		Name:      "watch_index_keys",
		Help:      "Number of watch keys in the live watch index",
	}, []string{"chain"})

	// DB pool
	DBPoolTotalConns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "db_pool",
		Name:      "total_conns",
		Help:      "Total connections in the pool",
	}, []string{"chain"})

	DBPoolAcquiredConns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "db_pool",
		Name:      "acquired_conns",
		Help:      "Connections currently acquired",
	}, []string{"chain"})

	DBPoolIdleConns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "db_pool",
		Name:      "idle_conns",
		Help:      "Idle connections in the pool",
	}, []string{"chain"})

	DBPoolMaxConns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "db_pool",
		Name:      "max_conns",
		Help:      "Maximum pool size",
	}, []string{"chain"})

	DBPoolEmptyAcquires = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "db_pool",
		Name:      "empty_acquire_count",
		Help:      "Cumulative acquires that had to wait for a connection",
	}, []string{"chain"})

	// Pool filter
	PoolFilterLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "pool_filter",
		Name:      "lookups_total",
		Help:      "Total pool filter lookups by cache outcome",
	}, []string{"chain", "cache"})

	PoolFilterLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "pool_filter",
		Name:      "lookup_duration_seconds",
		Help:      "Pool filter lookup duration",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"chain"})

	// Health
	ComponentHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "health",
		Name:      "component_healthy",
		Help:      "1 when the component's last report was healthy, 0 otherwise",
	}, []string{"chain", "component"})
)

package worker

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/position-indexer/internal/logging"
	"github.com/position-indexer/internal/metrics"
	"github.com/position-indexer/internal/models"
	"github.com/position-indexer/internal/parser"
	"github.com/position-indexer/internal/types"
)

// WatchKey is the index key of a (contract, event signature) pair
func WatchKey(contractAddress, topic0 string) string {
	return strings.ToLower(contractAddress) + "#" + strings.ToLower(topic0)
}

// WatchIndex maps watch keys to the decoding instructions of every job
// registered for that pair. It is immutable once built.
type WatchIndex struct {
	entries map[string][]parser.Instructions
}

// BuildWatchIndex indexes all jobs regardless of status. Jobs sharing a
// watch key but reading different slots are all kept.
func BuildWatchIndex(jobs []models.Job) *WatchIndex {
	entries := make(map[string][]parser.Instructions, len(jobs))
	for _, job := range jobs {
		key := WatchKey(job.ContractAddress, job.Topic0)
		entries[key] = append(entries[key], parser.InstructionsFromJob(job))
	}
	return &WatchIndex{entries: entries}
}

// Lookup returns the instructions registered for a log's contract and topic0
func (w *WatchIndex) Lookup(contract common.Address, topic0 common.Hash) ([]parser.Instructions, bool) {
	if w == nil {
		return nil, false
	}
	in, ok := w.entries[WatchKey(contract.Hex(), topic0.Hex())]
	return in, ok
}

// Len returns the number of watch keys
func (w *WatchIndex) Len() int {
	if w == nil {
		return 0
	}
	return len(w.entries)
}

// WatchIndexHolder publishes the current watch index to concurrent readers
type WatchIndexHolder struct {
	current atomic.Pointer[WatchIndex]
}

// Load returns the current index, nil before the first Store
func (h *WatchIndexHolder) Load() *WatchIndex {
	return h.current.Load()
}

// Store replaces the current index
func (h *WatchIndexHolder) Store(index *WatchIndex) {
	h.current.Store(index)
}

// JobLister lists every registered job
type JobLister interface {
	ListJobs(ctx context.Context) ([]models.Job, error)
}

// IndexRefresher rebuilds the watch index from the job store so jobs
// registered after startup reach the live indexer
type IndexRefresher struct {
	chain    types.ChainID
	jobs     JobLister
	holder   *WatchIndexHolder
	interval time.Duration
	onTick   func()
	logger   *logging.Logger
}

// IndexRefresherConfig holds configuration for an index refresher
type IndexRefresherConfig struct {
	Chain    types.ChainID
	Jobs     JobLister
	Holder   *WatchIndexHolder
	Interval time.Duration
	// OnTick runs after every periodic refresh attempt, successful or not
	OnTick func()
	Logger *logging.Logger
}

// NewIndexRefresher creates a new index refresher
func NewIndexRefresher(cfg *IndexRefresherConfig) (*IndexRefresher, error) {
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("job lister cannot be nil")
	}
	if cfg.Holder == nil {
		return nil, fmt.Errorf("watch index holder cannot be nil")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &IndexRefresher{
		chain:    cfg.Chain,
		jobs:     cfg.Jobs,
		holder:   cfg.Holder,
		interval: interval,
		onTick:   cfg.OnTick,
		logger:   logger.WithFields(map[string]interface{}{"chain": string(cfg.Chain), "component": "watch_index"}),
	}, nil
}

// Refresh loads all jobs and publishes a new index
func (r *IndexRefresher) Refresh(ctx context.Context) error {
	jobs, err := r.jobs.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load jobs for watch index: %w", err)
	}

	index := BuildWatchIndex(jobs)
	previous := r.holder.Load()
	r.holder.Store(index)
	metrics.WatchIndexSize.WithLabelValues(string(r.chain)).Set(float64(index.Len()))

	if previous.Len() != index.Len() {
		r.logger.WithFields(map[string]interface{}{
			"jobs":     len(jobs),
			"keys":     index.Len(),
			"previous": previous.Len(),
		}).Info("Watch index rebuilt")
	}
	return nil
}

// Run refreshes the index every interval until ctx is done. A failed refresh
// keeps the previous index.
func (r *IndexRefresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				r.logger.WithError(err).Warn("Watch index refresh failed, keeping previous index")
			}
			if r.onTick != nil {
				r.onTick()
			}
		}
	}
}

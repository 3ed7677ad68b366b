package worker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/position-indexer/internal/logging"
	"github.com/position-indexer/internal/metrics"
	"github.com/position-indexer/internal/models"
	"github.com/position-indexer/internal/retry"
	"github.com/position-indexer/internal/types"
)

// BlockHandler extracts the log entries of one block
type BlockHandler interface {
	Process(ctx context.Context, blockNumber uint64) ([]models.LogEntry, error)
}

// HeadWaiter blocks until the chain head reaches a block
type HeadWaiter interface {
	WaitFor(ctx context.Context, target uint64) (uint64, error)
}

// LogWriter stores log entries, optionally moving the checkpoint with them
type LogWriter interface {
	InsertLogs(ctx context.Context, entries []models.LogEntry, checkpoint *uint64) (int64, error)
}

// CheckpointStore reads and rewinds the live checkpoint
type CheckpointStore interface {
	Get(ctx context.Context) (*uint64, error)
	Set(ctx context.Context, block uint64) error
}

// LiveIndexer follows the chain head block by block, committing each step's
// entries together with the checkpoint
type LiveIndexer struct {
	chain       types.ChainID
	processor   BlockHandler
	waiter      HeadWaiter
	head        HeadSource
	logs        LogWriter
	checkpoints CheckpointStore
	batchSize   uint64
	backoff     retry.PollConfig
	reporter    Reporter
	logger      *logging.Logger

	cursor   uint64
	started  bool
	failures int
}

// LiveIndexerConfig holds configuration for a live indexer
type LiveIndexerConfig struct {
	Chain       types.ChainID
	Processor   BlockHandler
	Waiter      HeadWaiter
	Head        HeadSource
	Logs        LogWriter
	Checkpoints CheckpointStore
	BatchSize   int
	// Backoff paces retries after consecutive failed steps
	Backoff  retry.PollConfig
	Reporter Reporter
	Logger   *logging.Logger
}

// NewLiveIndexer creates a new live indexer
func NewLiveIndexer(cfg *LiveIndexerConfig) (*LiveIndexer, error) {
	if cfg.Processor == nil {
		return nil, fmt.Errorf("block processor cannot be nil")
	}
	if cfg.Waiter == nil {
		return nil, fmt.Errorf("block waiter cannot be nil")
	}
	if cfg.Head == nil {
		return nil, fmt.Errorf("head source cannot be nil")
	}
	if cfg.Logs == nil {
		return nil, fmt.Errorf("log writer cannot be nil")
	}
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store cannot be nil")
	}

	// Default batch size: 10 blocks
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	backoff := cfg.Backoff
	if backoff.InitialDelay <= 0 {
		backoff = retry.DefaultPollConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &LiveIndexer{
		chain:       cfg.Chain,
		processor:   cfg.Processor,
		waiter:      cfg.Waiter,
		head:        cfg.Head,
		logs:        cfg.Logs,
		checkpoints: cfg.Checkpoints,
		batchSize:   uint64(batchSize),
		backoff:     backoff,
		reporter:    cfg.Reporter,
		logger:      logger.WithFields(map[string]interface{}{"chain": string(cfg.Chain), "component": "live_indexer"}),
	}, nil
}

// Cursor returns the next block the indexer will process
func (l *LiveIndexer) Cursor() uint64 {
	return l.cursor
}

// Run resumes from the checkpoint and steps until ctx is cancelled
func (l *LiveIndexer) Run(ctx context.Context) error {
	if err := l.init(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	for {
		err := l.Step(ctx)
		if ctx.Err() != nil {
			l.reporter.report(l.chain, ComponentLive, HealthStopped, l.cursor, nil)
			return nil
		}

		if err == nil {
			l.failures = 0
			l.reporter.report(l.chain, ComponentLive, HealthOK, l.cursor, nil)
			continue
		}

		l.failures++
		l.reporter.report(l.chain, ComponentLive, HealthDegraded, l.cursor, err)
		if err := retry.Sleep(ctx, l.backoff.Delay(l.failures)); err != nil {
			l.reporter.report(l.chain, ComponentLive, HealthStopped, l.cursor, nil)
			return nil
		}
	}
}

// init sets the cursor to checkpoint+1, or to the chain head on a fresh
// schema. Failures are retried until ctx ends.
func (l *LiveIndexer) init(ctx context.Context) error {
	if l.started {
		return nil
	}

	err := retry.Poll(logging.WithLogger(ctx, l.logger), l.backoff, func(ctx context.Context, attempt int) (bool, error) {
		checkpoint, err := l.checkpoints.Get(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to read checkpoint: %w", err)
		}
		if checkpoint != nil {
			l.cursor = *checkpoint + 1
			l.logger.WithField("checkpoint", *checkpoint).Info("Resuming live indexing from checkpoint")
			return true, nil
		}

		head, err := l.head.BlockNumber(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to read chain head: %w", err)
		}
		l.cursor = head
		l.logger.WithField("head", head).Info("No checkpoint, starting live indexing at chain head")
		return true, nil
	})
	if err != nil {
		return err
	}

	l.started = true
	return nil
}

// Step processes the block at the cursor, or a whole batch when the head is
// more than one batch ahead. On failure the checkpoint is rewound by one
// batch and the cursor follows it, unless the rewind itself fails.
func (l *LiveIndexer) Step(ctx context.Context) error {
	if err := l.init(ctx); err != nil {
		return err
	}

	start := time.Now()
	head, err := l.waiter.WaitFor(ctx, l.cursor)
	if err != nil {
		return err
	}

	from, to := l.cursor, l.cursor
	if head-l.cursor > l.batchSize {
		to = l.cursor + l.batchSize - 1
	}

	entries, err := l.processRange(ctx, from, to)
	if err == nil {
		_, err = l.logs.InsertLogs(ctx, entries, &to)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.rollback(ctx, err)
		return err
	}

	chain := string(l.chain)
	metrics.LiveBlocksProcessed.WithLabelValues(chain).Add(float64(to - from + 1))
	metrics.LiveLogsInserted.WithLabelValues(chain).Add(float64(len(entries)))
	metrics.LiveCheckpoint.WithLabelValues(chain).Set(float64(to))
	metrics.LiveStepLatency.WithLabelValues(chain).Observe(time.Since(start).Seconds())

	if to > from || len(entries) > 0 {
		l.logger.WithFields(map[string]interface{}{
			"fromBlock": from,
			"toBlock":   to,
			"head":      head,
			"entries":   len(entries),
		}).Info("Committed blocks")
	}

	l.cursor = to + 1
	return nil
}

// processRange runs the processor on every block in [from, to] concurrently
// and returns the entries in block order. Any failure fails the whole range.
func (l *LiveIndexer) processRange(ctx context.Context, from, to uint64) ([]models.LogEntry, error) {
	if from == to {
		return l.processor.Process(ctx, from)
	}

	results := make([][]models.LogEntry, to-from+1)
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(int(l.batchSize)) // #nosec G115 - batch size is a small config value

	for block := from; block <= to; block++ {
		g.Go(func() error {
			entries, err := l.processor.Process(gCtx, block)
			if err != nil {
				return fmt.Errorf("block %d: %w", block, err)
			}
			results[block-from] = entries
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var entries []models.LogEntry
	for _, r := range results {
		entries = append(entries, r...)
	}
	return entries, nil
}

func (l *LiveIndexer) rollback(ctx context.Context, cause error) {
	target := uint64(0)
	if l.cursor > l.batchSize {
		target = l.cursor - l.batchSize
	}

	logger := l.logger.WithFields(map[string]interface{}{
		"cursor":         l.cursor,
		"rollbackTarget": target,
	})
	logger.WithError(cause).Error("Live step failed, rolling back checkpoint")

	if err := l.checkpoints.Set(ctx, target); err != nil {
		logger.WithError(err).Error("Failed to persist checkpoint rollback, keeping cursor")
		return
	}

	metrics.LiveRollbacks.WithLabelValues(string(l.chain)).Inc()
	metrics.LiveCheckpoint.WithLabelValues(string(l.chain)).Set(float64(target))
	l.cursor = target
}

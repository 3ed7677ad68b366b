package worker

import (
	"context"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/position-indexer/internal/errors"
	"github.com/position-indexer/internal/fetcher"
	"github.com/position-indexer/internal/logging"
	"github.com/position-indexer/internal/metrics"
	"github.com/position-indexer/internal/models"
	"github.com/position-indexer/internal/parser"
	"github.com/position-indexer/internal/retry"
	"github.com/position-indexer/internal/types"
)

// PendingJobStore lists pending jobs and records their outcome
type PendingJobStore interface {
	ListPendingJobs(ctx context.Context) ([]models.Job, error)
	UpdateStatus(ctx context.Context, keys []models.JobKey, status types.JobStatus) (int64, error)
}

// LogFetcher streams logs for a contract set over a block range
type LogFetcher interface {
	Fetch(ctx context.Context, addresses []common.Address, topic0 common.Hash, from, to uint64) iter.Seq2[[]ethtypes.Log, error]
}

// HistoricIndexer backfills pending jobs from genesis to their target block,
// one job group at a time
type HistoricIndexer struct {
	chain          types.ChainID
	jobs           PendingJobStore
	logs           LogWriter
	fetcher        LogFetcher
	selector       GroupSelector
	maxConcurrent  int
	idleInterval   time.Duration
	heartbeat      time.Duration
	backoff        retry.PollConfig
	reporter       Reporter
	logger         *logging.Logger
	failedAttempts int
}

// HistoricIndexerConfig holds configuration for a historic indexer
type HistoricIndexerConfig struct {
	Chain   types.ChainID
	Jobs    PendingJobStore
	Logs    LogWriter
	Fetcher LogFetcher
	// Selector defaults to LargestGroupSelector with a 500 address batch
	Selector             GroupSelector
	MaxConcurrentBatches int
	IdleInterval         time.Duration
	HeartbeatInterval    time.Duration
	Backoff              retry.PollConfig
	Reporter             Reporter
	Logger               *logging.Logger
}

// NewHistoricIndexer creates a new historic indexer
func NewHistoricIndexer(cfg *HistoricIndexerConfig) (*HistoricIndexer, error) {
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("job store cannot be nil")
	}
	if cfg.Logs == nil {
		return nil, fmt.Errorf("log writer cannot be nil")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("log fetcher cannot be nil")
	}

	selector := cfg.Selector
	if selector == nil {
		selector = LargestGroupSelector{BatchSize: 500}
	}
	maxConcurrent := cfg.MaxConcurrentBatches
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	idle := cfg.IdleInterval
	if idle <= 0 {
		idle = 60 * time.Second
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 60 * time.Second
	}
	backoff := cfg.Backoff
	if backoff.InitialDelay <= 0 {
		backoff = retry.DefaultPollConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &HistoricIndexer{
		chain:         cfg.Chain,
		jobs:          cfg.Jobs,
		logs:          cfg.Logs,
		fetcher:       cfg.Fetcher,
		selector:      selector,
		maxConcurrent: maxConcurrent,
		idleInterval:  idle,
		heartbeat:     heartbeat,
		backoff:       backoff,
		reporter:      cfg.Reporter,
		logger:        logger.WithFields(map[string]interface{}{"chain": string(cfg.Chain), "component": "historic_indexer"}),
	}, nil
}

// Run processes job groups until ctx is cancelled
func (h *HistoricIndexer) Run(ctx context.Context) error {
	for {
		err := h.RunOnce(ctx)
		if ctx.Err() != nil {
			h.reporter.report(h.chain, ComponentHistoric, HealthStopped, 0, nil)
			return nil
		}

		if err == nil {
			h.failedAttempts = 0
			continue
		}

		h.failedAttempts++
		h.logger.WithError(err).Error("Historic pass failed")
		h.reporter.report(h.chain, ComponentHistoric, HealthDegraded, 0, err)
		if err := retry.Sleep(ctx, h.backoff.Delay(h.failedAttempts)); err != nil {
			h.reporter.report(h.chain, ComponentHistoric, HealthStopped, 0, nil)
			return nil
		}
	}
}

// progress is shared by the range workers of one group and the heartbeat
type progress struct {
	subBatch     atomic.Int64
	rangesDone   atomic.Int64
	logsSeen     atomic.Int64
	logsInserted atomic.Int64
}

// RunOnce selects one job group and backfills it. With nothing pending it
// sleeps for the idle interval instead.
func (h *HistoricIndexer) RunOnce(ctx context.Context) error {
	pending, err := h.jobs.ListPendingJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending jobs: %w", err)
	}
	metrics.HistoricPendingJobs.WithLabelValues(string(h.chain)).Set(float64(len(pending)))

	group := h.selector.SelectNextGroup(pending)
	if group == nil || len(group.Jobs) == 0 {
		h.reporter.report(h.chain, ComponentHistoric, HealthOK, 0, nil)
		return retry.Sleep(ctx, h.idleInterval)
	}

	runID := uuid.NewString()
	subBatches := group.SubBatches()
	logger := h.logger.WithFields(map[string]interface{}{
		"runId":       runID,
		"signature":   group.Signature.String(),
		"jobs":        len(group.Jobs),
		"targetBlock": group.TargetBlock,
		"subBatches":  len(subBatches),
	})
	logger.Info("Starting historic group")

	prog := &progress{}
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go h.runHeartbeat(hbCtx, logger, prog, len(subBatches), time.Now())

	for i, batch := range subBatches {
		prog.subBatch.Store(int64(i + 1))

		procErr := h.processSubBatch(ctx, group, batch, prog)
		if ctx.Err() != nil {
			// shutdown: leave the jobs pending for the next start
			return ctx.Err()
		}

		status := types.JobStatusCompleted
		if procErr != nil {
			status = types.JobStatusFailed
			failLog := logger.WithFields(map[string]interface{}{
				"subBatch":      i + 1,
				"errorCategory": string(apperrors.Categorize(procErr).Category),
			}).WithError(procErr)
			if apperrors.IsMisconfiguration(procErr) {
				failLog.Error("Historic sub-batch jobs are misconfigured, marking them failed")
			} else {
				failLog.Error("Historic sub-batch failed, marking its jobs failed")
			}
		}

		keys := make([]models.JobKey, len(batch))
		for j := range batch {
			keys[j] = batch[j].Key()
		}
		if _, err := h.jobs.UpdateStatus(ctx, keys, status); err != nil {
			return fmt.Errorf("failed to mark %d jobs %s: %w", len(keys), status, err)
		}
		metrics.HistoricJobsFinished.WithLabelValues(string(h.chain), string(status)).Add(float64(len(keys)))
	}

	logger.WithFields(map[string]interface{}{
		"rangesDone":   prog.rangesDone.Load(),
		"logsSeen":     prog.logsSeen.Load(),
		"logsInserted": prog.logsInserted.Load(),
	}).Info("Finished historic group")
	h.reporter.report(h.chain, ComponentHistoric, HealthOK, group.TargetBlock, nil)
	return nil
}

// processSubBatch fetches [0, target] for the batch's contracts across
// concurrent ranges. Entries are inserted per fetched chunk without touching
// the checkpoint. Any fetch, parse or insert error fails the sub-batch.
func (h *HistoricIndexer) processSubBatch(ctx context.Context, group *JobGroup, batch []models.Job, prog *progress) error {
	addresses := make([]common.Address, len(batch))
	for i, job := range batch {
		addresses[i] = common.HexToAddress(job.ContractAddress)
	}
	topic0 := group.Topic0()
	instructions := parser.InstructionsFromJob(batch[0])

	g, gCtx := errgroup.WithContext(ctx)
	for _, r := range fetcher.SplitRange(0, group.TargetBlock, h.maxConcurrent) {
		g.Go(func() error {
			for logs, err := range h.fetcher.Fetch(gCtx, addresses, topic0, r.From, r.To) {
				if err != nil {
					return err
				}

				entries, err := parseLogs(logs, instructions)
				if err != nil {
					return err
				}
				prog.logsSeen.Add(int64(len(logs)))
				if len(entries) == 0 {
					continue
				}

				inserted, err := h.logs.InsertLogs(gCtx, entries, nil)
				if err != nil {
					return fmt.Errorf("failed to insert %d entries for blocks [%d, %d]: %w", len(entries), r.From, r.To, err)
				}
				prog.logsInserted.Add(inserted)
				metrics.HistoricLogsInserted.WithLabelValues(string(h.chain)).Add(float64(inserted))
			}
			prog.rangesDone.Add(1)
			return nil
		})
	}

	return g.Wait()
}

// parseLogs parses a fetched chunk. Every log was selected by the job's own
// filter, so a parse failure means the job is misconfigured.
func parseLogs(logs []ethtypes.Log, in parser.Instructions) ([]models.LogEntry, error) {
	var entries []models.LogEntry
	for i := range logs {
		result, err := parser.Parse(&logs[i], in)
		if err != nil {
			return nil, fmt.Errorf("failed to parse log %s#%d: %w", logs[i].TxHash.Hex(), logs[i].Index, err)
		}
		if result == nil {
			continue
		}
		entries = append(entries, result.Entries(logs[i].Address)...)
	}
	return entries, nil
}

func (h *HistoricIndexer) runHeartbeat(ctx context.Context, logger *logging.Logger, prog *progress, subBatches int, started time.Time) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.WithFields(map[string]interface{}{
				"subBatch":     fmt.Sprintf("%d/%d", prog.subBatch.Load(), subBatches),
				"rangesDone":   prog.rangesDone.Load(),
				"logsSeen":     prog.logsSeen.Load(),
				"logsInserted": prog.logsInserted.Load(),
				"elapsed":      time.Since(started).Round(time.Second).String(),
			}).Info("Historic group in progress")
		}
	}
}

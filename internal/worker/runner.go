package worker

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/position-indexer/internal/logging"
	"github.com/position-indexer/internal/retry"
	"github.com/position-indexer/internal/types"
)

// Service is a long-running loop that returns once ctx is cancelled
type Service interface {
	Run(ctx context.Context) error
}

// Runner runs every loop of one chain: live and historic indexing, the
// watch index refresher and any auxiliary services such as the pool monitor
type Runner struct {
	chain     types.ChainID
	refresher *IndexRefresher
	live      Service
	historic  Service
	extra     []Service
	backoff   retry.PollConfig
	reporter  Reporter
	logger    *logging.Logger
}

// RunnerConfig holds configuration for a chain runner
type RunnerConfig struct {
	Chain     types.ChainID
	Refresher *IndexRefresher
	Live      Service
	Historic  Service
	Extra     []Service
	// Backoff paces retries of the initial watch index build
	Backoff  retry.PollConfig
	Reporter Reporter
	Logger   *logging.Logger
}

// NewRunner creates a new chain runner
func NewRunner(cfg *RunnerConfig) (*Runner, error) {
	if cfg.Refresher == nil {
		return nil, fmt.Errorf("index refresher cannot be nil")
	}
	if cfg.Live == nil {
		return nil, fmt.Errorf("live indexer cannot be nil")
	}
	if cfg.Historic == nil {
		return nil, fmt.Errorf("historic indexer cannot be nil")
	}

	backoff := cfg.Backoff
	if backoff.InitialDelay <= 0 {
		backoff = retry.DefaultPollConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Runner{
		chain:     cfg.Chain,
		refresher: cfg.Refresher,
		live:      cfg.Live,
		historic:  cfg.Historic,
		extra:     cfg.Extra,
		backoff:   backoff,
		reporter:  cfg.Reporter,
		logger:    logger.WithFields(map[string]interface{}{"chain": string(cfg.Chain), "component": "runner"}),
	}, nil
}

// Run builds the watch index, then runs all loops until ctx is cancelled or
// one of them returns an error
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("Starting chain runner")

	// no block may be processed before the index exists
	err := retry.Poll(logging.WithLogger(ctx, r.logger), r.backoff, func(ctx context.Context, attempt int) (bool, error) {
		if err := r.refresher.Refresh(ctx); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		r.reporter.report(r.chain, ComponentRunner, HealthStopped, 0, nil)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	r.reporter.report(r.chain, ComponentRunner, HealthOK, 0, nil)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.live.Run(gCtx) })
	g.Go(func() error { return r.historic.Run(gCtx) })
	g.Go(func() error { return r.refresher.Run(gCtx) })
	for _, svc := range r.extra {
		g.Go(func() error { return svc.Run(gCtx) })
	}

	err = g.Wait()
	r.reporter.report(r.chain, ComponentRunner, HealthStopped, 0, err)
	if err != nil {
		r.logger.WithError(err).Error("Chain runner stopped with error")
		return fmt.Errorf("chain %s: %w", r.chain, err)
	}

	r.logger.Info("Chain runner stopped")
	return nil
}

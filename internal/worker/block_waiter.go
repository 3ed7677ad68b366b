package worker

import (
	"context"

	"github.com/position-indexer/internal/logging"
	"github.com/position-indexer/internal/retry"
	"github.com/position-indexer/internal/types"
)

// HeadSource reports the chain head
type HeadSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// BlockWaiter blocks until the chain head reaches a target block
type BlockWaiter struct {
	client HeadSource
	poll   retry.PollConfig
	logger *logging.Logger
}

// NewBlockWaiter creates a waiter polling with the given backoff
func NewBlockWaiter(chain types.ChainID, client HeadSource, poll retry.PollConfig, logger *logging.Logger) *BlockWaiter {
	return &BlockWaiter{
		client: client,
		poll:   poll,
		logger: logger.WithFields(map[string]interface{}{"chain": string(chain), "component": "block_waiter"}),
	}
}

// WaitFor returns the chain head once it is at or past target. Errors while
// polling count as "not yet"; only ctx cancellation ends the wait early.
func (w *BlockWaiter) WaitFor(ctx context.Context, target uint64) (uint64, error) {
	var head uint64
	err := retry.Poll(logging.WithLogger(ctx, w.logger.WithField("target", target)), w.poll,
		func(ctx context.Context, attempt int) (bool, error) {
			latest, err := w.client.BlockNumber(ctx)
			if err != nil {
				return false, err
			}
			head = latest
			return latest >= target, nil
		})
	if err != nil {
		return 0, err
	}
	return head, nil
}

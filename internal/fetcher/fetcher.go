// Package fetcher retrieves event logs over block ranges, bisecting ranges
// the provider refuses to serve in one request.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/position-indexer/internal/adapter"
	apperrors "github.com/position-indexer/internal/errors"
	"github.com/position-indexer/internal/logging"
	"github.com/position-indexer/internal/metrics"
	"github.com/position-indexer/internal/ratelimit"
	"github.com/position-indexer/internal/retry"
	"github.com/position-indexer/internal/types"
)

// LogFilterer runs eth_getLogs queries
type LogFilterer interface {
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]ethtypes.Log, error)
}

// RangeFetcher fetches logs for a contract set and one event signature
type RangeFetcher struct {
	client         LogFilterer
	chain          types.ChainID
	requestTimeout time.Duration
	throttleRetry  *retry.RetryConfig
	logger         *logging.Logger
}

// Option configures a RangeFetcher
type Option func(*RangeFetcher)

// WithRequestTimeout bounds every eth_getLogs call. A call that runs out of
// time is treated like any other capacity error and its range is halved.
func WithRequestTimeout(d time.Duration) Option {
	return func(f *RangeFetcher) { f.requestTimeout = d }
}

// WithThrottleRetry sets how a rate-limited range is retried before the
// fetch gives up on it
func WithThrottleRetry(cfg *retry.RetryConfig) Option {
	return func(f *RangeFetcher) { f.throttleRetry = cfg }
}

// WithLogger sets the logger used for bisection and failure reports
func WithLogger(logger *logging.Logger) Option {
	return func(f *RangeFetcher) { f.logger = logger }
}

// NewRangeFetcher creates a fetcher for one chain
func NewRangeFetcher(client LogFilterer, chain types.ChainID, opts ...Option) *RangeFetcher {
	f := &RangeFetcher{
		client: client,
		chain:  chain,
		logger: logging.GetGlobalLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.throttleRetry == nil {
		cfg := retry.DefaultRetryConfig()
		cfg.MaxAttempts = 10
		f.throttleRetry = cfg
	}
	throttle := *f.throttleRetry
	throttle.ShouldRetry = apperrors.IsRetryable
	f.throttleRetry = &throttle
	f.logger = f.logger.WithFields(map[string]interface{}{
		"chain":     string(chain),
		"component": "range_fetcher",
	})
	return f
}

type pendingRange struct {
	from, to uint64
	depth    int
}

// Fetch returns a lazy sequence of log batches covering [from, to] in
// ascending block order. Each call starts an independent walk. A range the
// provider throttles is retried as is with backoff. A range that fails with
// a recoverable capacity error is split at its midpoint and both halves are
// retried; nothing is yielded for the failed range itself. Any other error,
// or any error on a single-block range, is yielded once and ends the
// sequence.
func (f *RangeFetcher) Fetch(ctx context.Context, addresses []common.Address, topic0 common.Hash, from, to uint64) iter.Seq2[[]ethtypes.Log, error] {
	return func(yield func([]ethtypes.Log, error) bool) {
		if to < from {
			yield(nil, fmt.Errorf("%w: from %d > to %d", adapter.ErrInvalidBlockRange, from, to))
			return
		}

		work := []pendingRange{{from: from, to: to}}
		for len(work) > 0 {
			cur := work[0]
			work = work[1:]

			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			logs, err := f.fetchRange(ctx, addresses, topic0, cur.from, cur.to)
			if err == nil {
				metrics.FetcherRangesFetched.WithLabelValues(string(f.chain)).Inc()
				if !yield(logs, nil) {
					return
				}
				continue
			}

			if ctx.Err() == nil && cur.to > cur.from && adapter.IsRecoverableRangeError(err, cur.from, cur.to) {
				mid := cur.from + (cur.to-cur.from)/2
				work = append([]pendingRange{
					{from: cur.from, to: mid, depth: cur.depth + 1},
					{from: mid + 1, to: cur.to, depth: cur.depth + 1},
				}, work...)

				metrics.FetcherBisections.WithLabelValues(string(f.chain)).Inc()
				f.logger.WithFields(map[string]interface{}{
					"fromBlock": cur.from,
					"toBlock":   cur.to,
					"depth":     cur.depth,
					"mid":       mid,
				}).WithError(err).Debug("Bisecting block range")
				continue
			}

			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}

			metrics.FetcherErrors.WithLabelValues(string(f.chain)).Inc()
			f.logger.WithFields(map[string]interface{}{
				"fromBlock": cur.from,
				"toBlock":   cur.to,
				"depth":     cur.depth,
				"addresses": addressStrings(addresses),
				"topic0":    topic0.Hex(),
			}).WithError(err).Error("Failed to fetch logs")

			yield(nil, fmt.Errorf("failed to fetch logs for blocks [%d, %d] at depth %d: %w", cur.from, cur.to, cur.depth, err))
			return
		}
	}
}

// fetchRange runs one range, retrying it while the provider throttles us.
// Throttling comes back as a provider error once the attempts run out.
func (f *RangeFetcher) fetchRange(ctx context.Context, addresses []common.Address, topic0 common.Hash, from, to uint64) ([]ethtypes.Log, error) {
	var logs []ethtypes.Log
	result := retry.WithExponentialBackoff(ctx, f.throttleRetry, func(ctx context.Context, attempt int) error {
		var err error
		logs, err = f.fetchOnce(ctx, addresses, topic0, from, to)
		if err != nil && isThrottled(err, from, to) {
			metrics.FetcherThrottled.WithLabelValues(string(f.chain)).Inc()
			return apperrors.NewProviderError(string(f.chain), err)
		}
		return err
	})
	if !result.Success {
		return nil, result.LastError
	}
	return logs, nil
}

// isThrottled reports a rate-limit rejection, either from the provider or
// from our own limiter. Capacity errors are left to bisection.
func isThrottled(err error, from, to uint64) bool {
	if adapter.IsRecoverableRangeError(err, from, to) {
		return false
	}
	return adapter.IsRateLimitError(err) || errors.Is(err, ratelimit.ErrMaxWaitExceeded)
}

func (f *RangeFetcher) fetchOnce(ctx context.Context, addresses []common.Address, topic0 common.Hash, from, to uint64) ([]ethtypes.Log, error) {
	if f.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.requestTimeout)
		defer cancel()
	}

	return f.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: addresses,
		Topics:    [][]common.Hash{{topic0}},
	})
}

func addressStrings(addresses []common.Address) []string {
	out := make([]string, len(addresses))
	for i, a := range addresses {
		out[i] = a.Hex()
	}
	return out
}

// Package ratelimit throttles outgoing JSON-RPC calls to a per-chain request budget.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"

	"github.com/position-indexer/internal/logging"
	"github.com/position-indexer/internal/metrics"
)

// Default middleware configuration values.
const (
	DefaultMaxWait = 30 * time.Second // Default max time to wait for budget
)

// RPC method names used for logging and metrics
const (
	MethodEthBlockNumber      = "eth_blockNumber"
	MethodEthGetLogs          = "eth_getLogs"
	MethodEthGetBlockReceipts = "eth_getBlockReceipts"
)

// ErrMaxWaitExceeded is returned when the maximum wait time for budget is exceeded.
var ErrMaxWaitExceeded = errors.New("maximum wait time exceeded waiting for rate limit budget")

// EthClient defines the client operations that we rate limit.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockReceipts(ctx context.Context, blockNumber uint64) ([]*types.Receipt, error)
}

// RateLimitedClient wraps an RPC client with a token bucket.
// Every outgoing call takes one token before it proceeds.
type RateLimitedClient struct {
	underlying EthClient
	limiter    *rate.Limiter
	chain      string
	maxWait    time.Duration
	logger     *logging.Logger
}

// RateLimitedClientConfig holds configuration for the rate-limited client.
type RateLimitedClientConfig struct {
	// Client is the underlying client to wrap. Required.
	Client EthClient

	// Chain labels logs and metrics.
	Chain string

	// RequestsPerSecond is the sustained call rate. Zero or less disables throttling.
	RequestsPerSecond float64

	// Burst is the number of calls allowed at once. Default: 1.
	Burst int

	// MaxWait bounds how long a call may wait for a token. Default: 30s.
	// A call that would wait longer fails with ErrMaxWaitExceeded.
	MaxWait time.Duration

	// Logger is an optional logger for rate limit events.
	Logger *logging.Logger
}

// Validate checks if the configuration is valid.
func (c *RateLimitedClientConfig) Validate() error {
	if c.Client == nil {
		return errors.New("underlying client is required")
	}
	if c.Burst < 0 {
		return fmt.Errorf("burst must not be negative, got %d", c.Burst)
	}
	return nil
}

// NewRateLimitedClient creates a rate-limited RPC client.
// Returns an error if the configuration is invalid.
func NewRateLimitedClient(cfg *RateLimitedClientConfig) (*RateLimitedClient, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	maxWait := cfg.MaxWait
	if maxWait == 0 {
		maxWait = DefaultMaxWait
	}

	burst := cfg.Burst
	if burst == 0 {
		burst = 1
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &RateLimitedClient{
		underlying: cfg.Client,
		limiter:    rate.NewLimiter(limit, burst),
		chain:      cfg.Chain,
		maxWait:    maxWait,
		logger:     logger.WithField("chain", cfg.Chain),
	}, nil
}

// waitForBudget reserves a token and waits for it, unless the wait would
// exceed maxWait or the context ends first.
func (c *RateLimitedClient) waitForBudget(ctx context.Context, method string) error {
	reservation := c.limiter.Reserve()
	if !reservation.OK() {
		return ErrMaxWaitExceeded
	}

	delay := reservation.Delay()
	if delay == 0 {
		return nil
	}

	if delay > c.maxWait {
		reservation.Cancel()
		c.logger.WithFields(map[string]interface{}{
			"method": method,
			"wait":   delay,
		}).Warn("Rate limit wait exceeds max wait")
		return ErrMaxWaitExceeded
	}

	metrics.RPCThrottled.WithLabelValues(c.chain, method).Inc()
	c.logger.WithFields(map[string]interface{}{
		"method": method,
		"wait":   delay,
	}).Debug("Waiting for rate limit budget")

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		reservation.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BlockNumber wraps eth_blockNumber with rate limiting.
func (c *RateLimitedClient) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.waitForBudget(ctx, MethodEthBlockNumber); err != nil {
		return 0, fmt.Errorf("rate limit: %w", err)
	}
	return c.underlying.BlockNumber(ctx)
}

// FilterLogs wraps eth_getLogs with rate limiting.
func (c *RateLimitedClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := c.waitForBudget(ctx, MethodEthGetLogs); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return c.underlying.FilterLogs(ctx, q)
}

// BlockReceipts wraps eth_getBlockReceipts with rate limiting.
func (c *RateLimitedClient) BlockReceipts(ctx context.Context, blockNumber uint64) ([]*types.Receipt, error) {
	if err := c.waitForBudget(ctx, MethodEthGetBlockReceipts); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return c.underlying.BlockReceipts(ctx, blockNumber)
}

// GetMaxWait returns the maximum wait time for budget availability.
func (c *RateLimitedClient) GetMaxWait() time.Duration {
	return c.maxWait
}

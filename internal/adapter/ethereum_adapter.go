package adapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/position-indexer/internal/config"
	"github.com/position-indexer/internal/logging"
	"github.com/position-indexer/internal/ratelimit"
	"github.com/position-indexer/internal/types"
)

// EthereumAdapter implements ChainClient for Ethereum and EVM-compatible
// chains on top of an RPCPool, failing over between endpoints.
type EthereumAdapter struct {
	chainID types.ChainID
	pool    *RPCPool
}

// NewEthereumAdapter creates a new EVM chain adapter backed by pool
func NewEthereumAdapter(chainID types.ChainID, pool *RPCPool) (*EthereumAdapter, error) {
	if pool == nil {
		return nil, fmt.Errorf("rpc pool cannot be nil")
	}
	return &EthereumAdapter{chainID: chainID, pool: pool}, nil
}

// BlockNumber returns the current block number for the chain
func (a *EthereumAdapter) BlockNumber(ctx context.Context) (uint64, error) {
	return withFailover(ctx, a, "BlockNumber", nil, func(c *ethclient.Client) (uint64, error) {
		return c.BlockNumber(ctx)
	})
}

// FilterLogs runs eth_getLogs against the active endpoint
func (a *EthereumAdapter) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]ethtypes.Log, error) {
	details := map[string]interface{}{
		"addresses": len(query.Addresses),
	}
	if query.FromBlock != nil && query.ToBlock != nil {
		details["fromBlock"] = query.FromBlock.Uint64()
		details["toBlock"] = query.ToBlock.Uint64()
	}

	return withFailover(ctx, a, "FilterLogs", details, func(c *ethclient.Client) ([]ethtypes.Log, error) {
		return c.FilterLogs(ctx, query)
	})
}

// BlockReceipts fetches every receipt of a block with eth_getBlockReceipts
func (a *EthereumAdapter) BlockReceipts(ctx context.Context, blockNumber uint64) ([]*ethtypes.Receipt, error) {
	ref := rpc.BlockNumberOrHashWithNumber(rpc.BlockNumber(blockNumber))
	details := map[string]interface{}{"block": blockNumber}

	return withFailover(ctx, a, "BlockReceipts", details, func(c *ethclient.Client) ([]*ethtypes.Receipt, error) {
		return c.BlockReceipts(ctx, ref)
	})
}

// withFailover runs fn against the active endpoint, moving to the next
// endpoint when the provider rejects us for rate limiting or is unreachable.
// Each endpoint is tried at most once per call.
func withFailover[T any](ctx context.Context, a *EthereumAdapter, op string, details map[string]interface{}, fn func(*ethclient.Client) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < a.pool.EndpointCount(); attempt++ {
		index, client := a.pool.current()
		if client == nil {
			return zero, NewAdapterError(a.chainID, op, ErrProviderUnavailable, details)
		}

		result, err := fn(client)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil || !shouldFailover(err) || a.pool.EndpointCount() == 1 {
			break
		}
		if failErr := a.pool.Failover(index); failErr != nil {
			break
		}
	}

	return zero, NewAdapterError(a.chainID, op, lastErr, details)
}

// shouldFailover determines if an error warrants moving to another endpoint.
// Timeouts and capacity errors are left to the caller: the range fetcher
// answers them by shrinking the request instead.
func shouldFailover(err error) bool {
	if err == nil {
		return false
	}

	if IsRateLimitError(err) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host")
}

// Close closes every endpoint connection
func (a *EthereumAdapter) Close() {
	a.pool.Close()
}

// Client is a chain's rate-limited, failover-capable RPC client
type Client struct {
	ChainClient
	adapter *EthereumAdapter
}

// NewChainClient wires the RPC pool, the EVM adapter and the rate limiter for one chain
func NewChainClient(ctx context.Context, chainID types.ChainID, cfg config.ChainConfig, logger *logging.Logger) (*Client, error) {
	pool, err := NewRPCPool(ctx, &RPCPoolConfig{
		Chain:     string(chainID),
		Endpoints: cfg.RPCURLs,
		Logger:    logger,
	})
	if err != nil {
		return nil, NewAdapterError(chainID, "NewChainClient", err, map[string]interface{}{
			"endpoints": len(cfg.RPCURLs),
		})
	}

	adapter, err := NewEthereumAdapter(chainID, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}

	limited, err := ratelimit.NewRateLimitedClient(&ratelimit.RateLimitedClientConfig{
		Client:            adapter,
		Chain:             string(chainID),
		RequestsPerSecond: cfg.RPCRate,
		Burst:             cfg.RPCBurst,
		Logger:            logger,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create rate limited client: %w", err)
	}

	return &Client{ChainClient: limited, adapter: adapter}, nil
}

// TryResetToPrimary moves back to the primary endpoint when it is available again
func (c *Client) TryResetToPrimary() bool {
	return c.adapter.pool.TryResetToPrimary()
}

// PoolStatus reports the endpoint pool state
func (c *Client) PoolStatus() *RPCPoolStatus {
	return c.adapter.pool.Status()
}

// Close closes every endpoint connection
func (c *Client) Close() {
	c.adapter.Close()
}

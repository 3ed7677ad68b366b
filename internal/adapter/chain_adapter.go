package adapter

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/position-indexer/internal/types"
)

// ChainClient is the slice of the EVM JSON-RPC surface the indexers use
type ChainClient interface {
	// BlockNumber returns the current chain head
	BlockNumber(ctx context.Context) (uint64, error)

	// FilterLogs runs eth_getLogs for the query
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]ethtypes.Log, error)

	// BlockReceipts returns every receipt of a block in one eth_getBlockReceipts call
	BlockReceipts(ctx context.Context, blockNumber uint64) ([]*ethtypes.Receipt, error)
}

// Common error types for chain adapters

var (
	// ErrProviderUnavailable indicates no endpoint could serve the request
	ErrProviderUnavailable = fmt.Errorf("data provider unavailable")

	// ErrInvalidBlockRange indicates an invalid block range was specified
	ErrInvalidBlockRange = fmt.Errorf("invalid block range")
)

// AdapterError wraps errors with additional context
type AdapterError struct {
	Chain   types.ChainID
	Op      string // Operation that failed (e.g., "FilterLogs", "BlockReceipts")
	Err     error
	Details map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("chain adapter error [%s:%s]: %v (details: %+v)", e.Chain, e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("chain adapter error [%s:%s]: %v", e.Chain, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(chain types.ChainID, op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{
		Chain:   chain,
		Op:      op,
		Err:     err,
		Details: details,
	}
}

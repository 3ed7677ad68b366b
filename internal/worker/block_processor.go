package worker

import (
	"context"
	"fmt"

	ethtypes "github.com/ethereum/go-ethereum/core/types"

	apperrors "github.com/position-indexer/internal/errors"
	"github.com/position-indexer/internal/logging"
	"github.com/position-indexer/internal/metrics"
	"github.com/position-indexer/internal/models"
	"github.com/position-indexer/internal/parser"
	"github.com/position-indexer/internal/types"
)

// ReceiptFetcher fetches every receipt of a block in one call
type ReceiptFetcher interface {
	BlockReceipts(ctx context.Context, blockNumber uint64) ([]*ethtypes.Receipt, error)
}

// BlockProcessor turns the watched logs of one block into log entries
type BlockProcessor struct {
	chain  types.ChainID
	client ReceiptFetcher
	index  *WatchIndexHolder
	logger *logging.Logger
}

// NewBlockProcessor creates a block processor reading the index from holder
func NewBlockProcessor(chain types.ChainID, client ReceiptFetcher, holder *WatchIndexHolder, logger *logging.Logger) *BlockProcessor {
	return &BlockProcessor{
		chain:  chain,
		client: client,
		index:  holder,
		logger: logger.WithFields(map[string]interface{}{"chain": string(chain), "component": "block_processor"}),
	}
}

// Process returns the entries found in blockNumber. A log that fails to parse
// is logged and skipped; only the receipt fetch itself can fail the block.
func (p *BlockProcessor) Process(ctx context.Context, blockNumber uint64) ([]models.LogEntry, error) {
	receipts, err := p.client.BlockReceipts(ctx, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch receipts for block %d: %w", blockNumber, err)
	}

	index := p.index.Load()
	if index == nil {
		return nil, fmt.Errorf("watch index not built before block %d", blockNumber)
	}

	var entries []models.LogEntry
	for _, receipt := range receipts {
		for _, log := range receipt.Logs {
			if len(log.Topics) == 0 {
				continue
			}

			instructions, ok := index.Lookup(log.Address, log.Topics[0])
			if !ok {
				continue
			}

			for _, in := range instructions {
				result, err := parser.Parse(log, in)
				if err != nil {
					decodeErr := apperrors.NewDecodingError(fmt.Sprintf("log %s#%d skipped", log.TxHash.Hex(), log.Index), err)
					metrics.ParseErrors.WithLabelValues(string(p.chain)).Inc()
					p.logger.WithFields(map[string]interface{}{
						"errorCategory":    string(decodeErr.Category),
						"block":            blockNumber,
						"txHash":           log.TxHash.Hex(),
						"logIndex":         log.Index,
						"contract":         log.Address.Hex(),
						"userAddressIndex": in.UserAddressIndex,
						"eventAbi":         abiString(in.EventABI),
					}).WithError(decodeErr).Warn("Skipping log that failed to parse")
					continue
				}
				if result == nil {
					continue
				}
				entries = append(entries, result.Entries(log.Address)...)
			}
		}
	}

	return entries, nil
}

func abiString(abi *string) string {
	if abi == nil {
		return ""
	}
	return *abi
}

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/position-indexer/internal/circuitbreaker"
	apperrors "github.com/position-indexer/internal/errors"
	"github.com/position-indexer/internal/logging"
	"github.com/position-indexer/internal/metrics"
	"github.com/position-indexer/internal/models"
	"github.com/position-indexer/internal/types"
)

// PoolFilter maps a user address to the contracts it has interacted with
type PoolFilter interface {
	Lookup(ctx context.Context, userAddress string, chain types.ChainID) (*models.PoolFilterResult, error)
}

// LogReader reads the log entries stored for one user
type LogReader interface {
	LogsByAddress(ctx context.Context, address string) ([]models.LogEntry, error)
}

// LogPoolFilter answers lookups straight from the per-chain log tables
type LogPoolFilter struct {
	readers map[types.ChainID]LogReader
}

// NewLogPoolFilter creates a pool filter over the given chains
func NewLogPoolFilter(readers map[types.ChainID]LogReader) *LogPoolFilter {
	return &LogPoolFilter{readers: readers}
}

// Lookup returns every contract recorded for userAddress in first-seen order.
// Metadata values are grouped per contract; the map is only set when at least
// one entry carries metadata.
func (f *LogPoolFilter) Lookup(ctx context.Context, userAddress string, chain types.ChainID) (*models.PoolFilterResult, error) {
	reader, ok := f.readers[chain]
	if !ok {
		return nil, apperrors.NewInvalidParameterError("chain", fmt.Sprintf("chain %s is not indexed", chain))
	}

	entries, err := reader.LogsByAddress(ctx, userAddress)
	if err != nil {
		return nil, err
	}

	result := &models.PoolFilterResult{ContractAddresses: []string{}}
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if _, ok := seen[entry.ContractAddress]; !ok {
			seen[entry.ContractAddress] = struct{}{}
			result.ContractAddresses = append(result.ContractAddresses, entry.ContractAddress)
		}

		if entry.MetadataValue == nil {
			continue
		}
		if result.PositionMetadataByContractAddress == nil {
			result.PositionMetadataByContractAddress = make(map[string][]string)
		}
		result.PositionMetadataByContractAddress[entry.ContractAddress] = append(
			result.PositionMetadataByContractAddress[entry.ContractAddress], *entry.MetadataValue)
	}

	return result, nil
}

// Middleware wraps a pool filter with extra behaviour
type Middleware func(PoolFilter) PoolFilter

// Chain applies middlewares to base; the first one is the outermost
func Chain(base PoolFilter, middlewares ...Middleware) PoolFilter {
	for i := len(middlewares) - 1; i >= 0; i-- {
		base = middlewares[i](base)
	}
	return base
}

// PoolFilterFunc adapts a function to PoolFilter
type PoolFilterFunc func(ctx context.Context, userAddress string, chain types.ChainID) (*models.PoolFilterResult, error)

// Lookup implements PoolFilter
func (f PoolFilterFunc) Lookup(ctx context.Context, userAddress string, chain types.ChainID) (*models.PoolFilterResult, error) {
	return f(ctx, userAddress, chain)
}

// ResultCache is the JSON cache used by WithCache
type ResultCache interface {
	PoolFilterKey(address string, chain types.ChainID) string
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// WithCache serves lookups from cache for ttl. Cache failures fall through to
// next and are only logged; after repeated failures the cache is bypassed
// until a probe succeeds.
func WithCache(cache ResultCache, ttl time.Duration, logger *logging.Logger) Middleware {
	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("pool_filter_cache"), logger)

	return func(next PoolFilter) PoolFilter {
		return PoolFilterFunc(func(ctx context.Context, userAddress string, chain types.ChainID) (*models.PoolFilterResult, error) {
			if !breaker.Allow() {
				metrics.PoolFilterLookups.WithLabelValues(string(chain), "bypass").Inc()
				return next.Lookup(ctx, userAddress, chain)
			}

			key := cache.PoolFilterKey(userAddress, chain)
			var cached models.PoolFilterResult
			hit, err := cache.Get(ctx, key, &cached)
			if err != nil {
				breaker.Record(err)
				logger.WithField("key", key).WithError(err).Warn("Pool filter cache read failed")
				return next.Lookup(ctx, userAddress, chain)
			}
			if hit {
				breaker.Record(nil)
				metrics.PoolFilterLookups.WithLabelValues(string(chain), "hit").Inc()
				return &cached, nil
			}
			metrics.PoolFilterLookups.WithLabelValues(string(chain), "miss").Inc()

			result, err := next.Lookup(ctx, userAddress, chain)
			if err != nil {
				breaker.Record(nil)
				return nil, err
			}

			err = cache.SetWithTTL(ctx, key, result, ttl)
			breaker.Record(err)
			if err != nil {
				logger.WithField("key", key).WithError(err).Warn("Pool filter cache write failed")
			}
			return result, nil
		})
	}
}

// WithTiming records lookup latency and warns about lookups slower than slow
func WithTiming(logger *logging.Logger, slow time.Duration) Middleware {
	return func(next PoolFilter) PoolFilter {
		return PoolFilterFunc(func(ctx context.Context, userAddress string, chain types.ChainID) (*models.PoolFilterResult, error) {
			start := time.Now()
			result, err := next.Lookup(ctx, userAddress, chain)
			elapsed := time.Since(start)

			metrics.PoolFilterLatency.WithLabelValues(string(chain)).Observe(elapsed.Seconds())
			if slow > 0 && elapsed > slow {
				logger.WithFields(map[string]interface{}{
					"chain":     string(chain),
					"address":   userAddress,
					"elapsedMs": elapsed.Milliseconds(),
				}).Warn("Slow pool filter lookup")
			}
			return result, err
		})
	}
}

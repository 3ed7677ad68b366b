package storage

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/position-indexer/internal/errors"
	"github.com/position-indexer/internal/types"
)

// CacheService stores JSON-encoded read results in Redis
type CacheService struct {
	redis *RedisCache
}

// NewCacheService creates a new cache service
func NewCacheService(redis *RedisCache) *CacheService {
	return &CacheService{redis: redis}
}

// CacheKeyType represents different types of cache keys
type CacheKeyType string

const (
	// CacheKeyPoolFilter is for pool filter lookups
	CacheKeyPoolFilter CacheKeyType = "poolfilter"
)

// GenerateCacheKey generates a cache key for a given type and parameters
// Format: <type>:<param1>:<param2>:...
func (c *CacheService) GenerateCacheKey(keyType CacheKeyType, params ...string) string {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, string(keyType))
	for _, param := range params {
		parts = append(parts, strings.ToLower(param))
	}
	return strings.Join(parts, ":")
}

// PoolFilterKey generates the key of one user's lookup on one chain
// Format: poolfilter:<chain>:<address>
func (c *CacheService) PoolFilterKey(address string, chain types.ChainID) string {
	return c.GenerateCacheKey(CacheKeyPoolFilter, string(chain), address)
}

// SetWithTTL stores a value in cache with a custom TTL
func (c *CacheService) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if err := c.redis.Set(ctx, key, data, ttl); err != nil {
		return apperrors.NewCacheError("set", err)
	}
	return nil
}

// Get decodes the cached value into dest. A miss returns false with no error.
func (c *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.redis.Get(ctx, key)
	if err != nil {
		if stderrors.Is(err, ErrCacheMiss) {
			return false, nil
		}
		return false, apperrors.NewCacheError("get", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return true, nil
}

// Invalidate removes one or more keys from cache
func (c *CacheService) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.redis.Del(ctx, keys...); err != nil {
		return apperrors.NewCacheError("invalidate", err)
	}
	return nil
}

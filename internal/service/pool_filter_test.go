package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/position-indexer/internal/config"
	"github.com/position-indexer/internal/logging"
	"github.com/position-indexer/internal/metrics"
	"github.com/position-indexer/internal/models"
	"github.com/position-indexer/internal/storage"
	"github.com/position-indexer/internal/types"
)

type fakeLogReader struct {
	mu      sync.Mutex
	entries map[string][]models.LogEntry
	calls   int
	delay   time.Duration
}

func (f *fakeLogReader) LogsByAddress(ctx context.Context, address string) ([]models.LogEntry, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.entries[strings.ToLower(address)], nil
}

func (f *fakeLogReader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func entry(contract string, value *string) models.LogEntry {
	e := models.LogEntry{Address: userAddr, ContractAddress: contract}
	if value != nil {
		e.MetadataKey = strPtr("tokenId")
		e.MetadataValue = value
	}
	return e
}

func TestLogPoolFilter_ContractsOnly(t *testing.T) {
	reader := &fakeLogReader{entries: map[string][]models.LogEntry{
		userAddr: {entry(poolA, nil), entry(poolB, nil)},
	}}
	filter := NewLogPoolFilter(map[types.ChainID]LogReader{types.ChainEthereum: reader})

	result, err := filter.Lookup(context.Background(), userAddr, types.ChainEthereum)
	require.NoError(t, err)
	assert.Equal(t, []string{poolA, poolB}, result.ContractAddresses)
	assert.Nil(t, result.PositionMetadataByContractAddress)
}

func TestLogPoolFilter_GroupsMetadata(t *testing.T) {
	reader := &fakeLogReader{entries: map[string][]models.LogEntry{
		userAddr: {
			entry(poolA, strPtr("1")),
			entry(poolB, nil),
			entry(poolA, strPtr("7")),
		},
	}}
	filter := NewLogPoolFilter(map[types.ChainID]LogReader{types.ChainEthereum: reader})

	result, err := filter.Lookup(context.Background(), userAddr, types.ChainEthereum)
	require.NoError(t, err)
	assert.Equal(t, []string{poolA, poolB}, result.ContractAddresses)
	assert.Equal(t, map[string][]string{poolA: {"1", "7"}}, result.PositionMetadataByContractAddress)
}

func TestLogPoolFilter_UnknownUserAndChain(t *testing.T) {
	filter := NewLogPoolFilter(map[types.ChainID]LogReader{types.ChainEthereum: &fakeLogReader{}})

	result, err := filter.Lookup(context.Background(), userAddr, types.ChainEthereum)
	require.NoError(t, err)
	assert.Empty(t, result.ContractAddresses)
	assert.NotNil(t, result.ContractAddresses)

	_, err = filter.Lookup(context.Background(), userAddr, types.ChainArbitrum)
	assert.Error(t, err)
}

func newTestCache(t *testing.T) (*storage.CacheService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	redis, err := storage.NewRedisCache(context.Background(), &config.RedisConfig{Host: mr.Host(), Port: mr.Port()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = redis.Close() })
	return storage.NewCacheService(redis), mr
}

func TestWithCache(t *testing.T) {
	cache, mr := newTestCache(t)
	reader := &fakeLogReader{entries: map[string][]models.LogEntry{
		userAddr: {entry(poolA, strPtr("42"))},
	}}
	filter := Chain(
		NewLogPoolFilter(map[types.ChainID]LogReader{types.ChainPolygon: reader}),
		WithCache(cache, 20*time.Second, logging.NewNop()),
	)
	hits := metrics.PoolFilterLookups.WithLabelValues(string(types.ChainPolygon), "hit")
	before := metricValue(t, hits)

	first, err := filter.Lookup(context.Background(), userAddr, types.ChainPolygon)
	require.NoError(t, err)
	second, err := filter.Lookup(context.Background(), strings.ToLower(userAddr), types.ChainPolygon)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, reader.callCount())
	assert.Equal(t, before+1, metricValue(t, hits))

	key := cache.PoolFilterKey(userAddr, types.ChainPolygon)
	assert.True(t, mr.Exists(key))
	assert.Equal(t, 20*time.Second, mr.TTL(key))

	mr.FastForward(21 * time.Second)
	_, err = filter.Lookup(context.Background(), userAddr, types.ChainPolygon)
	require.NoError(t, err)
	assert.Equal(t, 2, reader.callCount())
}

func TestWithCache_FallsThroughWhenRedisIsDown(t *testing.T) {
	cache, mr := newTestCache(t)
	reader := &fakeLogReader{entries: map[string][]models.LogEntry{userAddr: {entry(poolA, nil)}}}
	core, logs := observer.New(zapcore.WarnLevel)
	filter := Chain(
		NewLogPoolFilter(map[types.ChainID]LogReader{types.ChainEthereum: reader}),
		WithCache(cache, time.Minute, logging.NewFromCore(core)),
	)

	mr.Close()

	result, err := filter.Lookup(context.Background(), userAddr, types.ChainEthereum)
	require.NoError(t, err)
	assert.Equal(t, []string{poolA}, result.ContractAddresses)
	assert.Equal(t, 1, logs.FilterMessage("Pool filter cache read failed").Len())

	// the breaker opens after repeated failures and the cache is skipped
	for i := 0; i < 10; i++ {
		_, err := filter.Lookup(context.Background(), userAddr, types.ChainEthereum)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, logs.FilterMessage("Pool filter cache read failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("Circuit breaker opened due to failures").Len())
	assert.Equal(t, 11, reader.callCount())
}

func TestWithTiming(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	reader := &fakeLogReader{delay: 5 * time.Millisecond}
	filter := Chain(
		NewLogPoolFilter(map[types.ChainID]LogReader{types.ChainEthereum: reader}),
		WithTiming(logging.NewFromCore(core), time.Millisecond),
	)

	_, err := filter.Lookup(context.Background(), userAddr, types.ChainEthereum)
	require.NoError(t, err)

	slow := logs.FilterMessage("Slow pool filter lookup").All()
	require.Len(t, slow, 1)
	assert.Equal(t, userAddr, slow[0].ContextMap()["address"])
}

func TestChain_Order(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next PoolFilter) PoolFilter {
			return PoolFilterFunc(func(ctx context.Context, userAddress string, chain types.ChainID) (*models.PoolFilterResult, error) {
				order = append(order, name)
				return next.Lookup(ctx, userAddress, chain)
			})
		}
	}
	base := PoolFilterFunc(func(ctx context.Context, userAddress string, chain types.ChainID) (*models.PoolFilterResult, error) {
		order = append(order, "base")
		return &models.PoolFilterResult{}, nil
	})

	_, err := Chain(base, tag("outer"), tag("inner")).Lookup(context.Background(), userAddr, types.ChainEthereum)
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "base"}, order)
}

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if out.Gauge != nil {
		return out.GetGauge().GetValue()
	}
	return out.GetCounter().GetValue()
}

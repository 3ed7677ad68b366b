package ratelimit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/position-indexer/internal/logging"
)

// mockEthClient counts calls that made it past the limiter
type mockEthClient struct {
	calls atomic.Int64
}

func (m *mockEthClient) BlockNumber(ctx context.Context) (uint64, error) {
	m.calls.Add(1)
	return 100, nil
}

func (m *mockEthClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	m.calls.Add(1)
	return []types.Log{{BlockNumber: 1}}, nil
}

func (m *mockEthClient) BlockReceipts(ctx context.Context, blockNumber uint64) ([]*types.Receipt, error) {
	m.calls.Add(1)
	return nil, nil
}

func TestNewRateLimitedClient(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *RateLimitedClientConfig
		wantErr string
	}{
		{"nil config", nil, "configuration is required"},
		{"nil underlying client", &RateLimitedClientConfig{}, "underlying client is required"},
		{"negative burst", &RateLimitedClientConfig{Client: &mockEthClient{}, Burst: -1}, "burst"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRateLimitedClient(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	client, err := NewRateLimitedClient(&RateLimitedClientConfig{Client: &mockEthClient{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxWait, client.GetMaxWait())
}

func TestRateLimitedClient_Unlimited(t *testing.T) {
	mock := &mockEthClient{}
	client, err := NewRateLimitedClient(&RateLimitedClientConfig{
		Client: mock,
		Chain:  "ethereum",
		Logger: logging.NewNop(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		_, err := client.BlockNumber(ctx)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 50, mock.calls.Load())
}

func TestRateLimitedClient_MaxWaitExceeded(t *testing.T) {
	mock := &mockEthClient{}
	client, err := NewRateLimitedClient(&RateLimitedClientConfig{
		Client:            mock,
		Chain:             "ethereum",
		RequestsPerSecond: 0.1, // one token every 10s
		Burst:             1,
		MaxWait:           10 * time.Millisecond,
		Logger:            logging.NewNop(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	logs, err := client.FilterLogs(ctx, ethereum.FilterQuery{})
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	_, err = client.BlockReceipts(ctx, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMaxWaitExceeded))
	assert.EqualValues(t, 1, mock.calls.Load())
}

func TestRateLimitedClient_WaitsWithinBudget(t *testing.T) {
	mock := &mockEthClient{}
	client, err := NewRateLimitedClient(&RateLimitedClientConfig{
		Client:            mock,
		RequestsPerSecond: 100,
		Burst:             1,
		MaxWait:           time.Second,
		Logger:            logging.NewNop(),
	})
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := client.BlockNumber(context.Background())
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	assert.EqualValues(t, 3, mock.calls.Load())
}

func TestRateLimitedClient_ContextCancelled(t *testing.T) {
	client, err := NewRateLimitedClient(&RateLimitedClientConfig{
		Client:            &mockEthClient{},
		RequestsPerSecond: 1,
		Burst:             1,
		MaxWait:           time.Minute,
		Logger:            logging.NewNop(),
	})
	require.NoError(t, err)

	_, err = client.BlockNumber(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = client.BlockNumber(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

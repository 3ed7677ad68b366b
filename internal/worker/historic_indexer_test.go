package worker

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	apperrors "github.com/position-indexer/internal/errors"
	"github.com/position-indexer/internal/logging"
	"github.com/position-indexer/internal/models"
	"github.com/position-indexer/internal/types"
)

func newTestHistoric(t *testing.T, jobs *fakeJobStore, logs *fakeLogStore, fetcher LogFetcher, batch int) *HistoricIndexer {
	t.Helper()
	h, err := NewHistoricIndexer(&HistoricIndexerConfig{
		Chain:                types.ChainEthereum,
		Jobs:                 jobs,
		Logs:                 logs,
		Fetcher:              fetcher,
		Selector:             LargestGroupSelector{BatchSize: batch},
		MaxConcurrentBatches: 5,
		IdleInterval:         5 * time.Millisecond,
		HeartbeatInterval:    time.Millisecond,
		Backoff:              fastPoll,
		Logger:               logging.NewNop(),
	})
	require.NoError(t, err)
	return h
}

func TestHistoricIndexer_BackfillsGroup(t *testing.T) {
	jobs := &fakeJobStore{jobs: []models.Job{
		transferJob(poolA, 2, 1000),
		transferJob(poolB, 2, 800),
	}}
	fetcher := &fakeLogFetcher{logs: []ethtypes.Log{
		*transferLog(poolA, senderAddr, userAddr, 10),
		*transferLog(poolB, senderAddr, userAddr, 999),
		*transferLog(poolA, senderAddr, common.Address{}, 500),
		*transferLog(poolA, senderAddr, userAddr, 1001),
	}}
	logs := &fakeLogStore{}
	h := newTestHistoric(t, jobs, logs, fetcher, 500)

	require.NoError(t, h.RunOnce(context.Background()))

	assert.Equal(t, types.JobStatusCompleted, jobs.statusOf(poolA))
	assert.Equal(t, types.JobStatusCompleted, jobs.statusOf(poolB))

	assert.ElementsMatch(t, []models.LogEntry{
		{Address: userAddr.Hex(), ContractAddress: poolA.Hex()},
		{Address: userAddr.Hex(), ContractAddress: poolB.Hex()},
	}, logs.allEntries(), "burns to the zero address and blocks past the target are skipped")

	for _, call := range logs.inserts {
		assert.Nil(t, call.checkpoint, "historic inserts never move the checkpoint")
	}
	assert.Nil(t, logs.checkpoint)

	// [0, 1000] split five ways
	require.Len(t, fetcher.calls, 5)
	covered := uint64(0)
	for _, c := range fetcher.calls {
		covered += c.to - c.from + 1
		assert.ElementsMatch(t, []common.Address{poolA, poolB}, c.addresses)
	}
	assert.EqualValues(t, 1001, covered)
}

func TestHistoricIndexer_FailedSubBatchDoesNotAbortGroup(t *testing.T) {
	jobs := &fakeJobStore{jobs: []models.Job{
		transferJob(poolA, 2, 100),
		transferJob(poolB, 2, 100),
	}}
	broken := transferLog(poolA, senderAddr, userAddr, 5)
	broken.Topics[2] = common.HexToHash("0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")

	fetcher := &fakeLogFetcher{logs: []ethtypes.Log{
		*broken,
		*transferLog(poolB, senderAddr, userAddr, 6),
	}}
	logs := &fakeLogStore{}
	h := newTestHistoric(t, jobs, logs, fetcher, 1)

	require.NoError(t, h.RunOnce(context.Background()))

	assert.Equal(t, types.JobStatusFailed, jobs.statusOf(poolA))
	assert.Equal(t, types.JobStatusCompleted, jobs.statusOf(poolB))
	assert.Equal(t, []models.LogEntry{{Address: userAddr.Hex(), ContractAddress: poolB.Hex()}}, logs.allEntries())
}

func TestHistoricIndexer_FetchErrorFailsSubBatch(t *testing.T) {
	jobs := &fakeJobStore{jobs: []models.Job{transferJob(poolA, 2, 100)}}
	fetcher := &fakeLogFetcher{fail: map[common.Address]error{poolA: errBoom}}
	h := newTestHistoric(t, jobs, &fakeLogStore{}, fetcher, 500)

	require.NoError(t, h.RunOnce(context.Background()))
	assert.Equal(t, types.JobStatusFailed, jobs.statusOf(poolA))
}

func TestHistoricIndexer_FailureLogsCarryErrorCategory(t *testing.T) {
	jobs := &fakeJobStore{jobs: []models.Job{
		transferJob(poolA, 2, 100),
		transferJob(poolB, 2, 100),
	}}
	broken := transferLog(poolA, senderAddr, userAddr, 5)
	broken.Topics[2] = common.HexToHash("0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	fetcher := &fakeLogFetcher{
		logs: []ethtypes.Log{*broken},
		fail: map[common.Address]error{poolB: apperrors.NewProviderError("ethereum", errBoom)},
	}
	h := newTestHistoric(t, jobs, &fakeLogStore{}, fetcher, 1)
	core, recorded := observer.New(zapcore.ErrorLevel)
	h.logger = logging.NewFromCore(core)

	require.NoError(t, h.RunOnce(context.Background()))
	assert.Equal(t, types.JobStatusFailed, jobs.statusOf(poolA))
	assert.Equal(t, types.JobStatusFailed, jobs.statusOf(poolB))

	misconfigured := recorded.FilterMessage("Historic sub-batch jobs are misconfigured, marking them failed").All()
	require.Len(t, misconfigured, 1)
	assert.Equal(t, "misconfiguration", misconfigured[0].ContextMap()["errorCategory"])

	failed := recorded.FilterMessage("Historic sub-batch failed, marking its jobs failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "provider", failed[0].ContextMap()["errorCategory"])
}

func TestHistoricIndexer_InsertErrorFailsSubBatch(t *testing.T) {
	jobs := &fakeJobStore{jobs: []models.Job{transferJob(poolA, 2, 100)}}
	fetcher := &fakeLogFetcher{logs: []ethtypes.Log{*transferLog(poolA, senderAddr, userAddr, 1)}}
	h := newTestHistoric(t, jobs, &fakeLogStore{insertErr: errBoom}, fetcher, 500)

	require.NoError(t, h.RunOnce(context.Background()))
	assert.Equal(t, types.JobStatusFailed, jobs.statusOf(poolA))
}

func TestHistoricIndexer_OnlyPendingJobsAreSelected(t *testing.T) {
	failed := transferJob(poolA, 2, 100)
	failed.Status = types.JobStatusFailed
	jobs := &fakeJobStore{jobs: []models.Job{failed}}
	fetcher := &fakeLogFetcher{}
	h := newTestHistoric(t, jobs, &fakeLogStore{}, fetcher, 500)

	start := time.Now()
	require.NoError(t, h.RunOnce(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond, "idle pass sleeps")
	assert.Empty(t, fetcher.calls)
	assert.Equal(t, types.JobStatusFailed, jobs.statusOf(poolA))
}

func TestHistoricIndexer_ShutdownLeavesJobsPending(t *testing.T) {
	jobs := &fakeJobStore{jobs: []models.Job{transferJob(poolA, 2, 100)}}
	h := newTestHistoric(t, jobs, &fakeLogStore{}, &fakeLogFetcher{}, 500)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, types.JobStatusPending, jobs.statusOf(poolA))
}

func TestHistoricIndexer_StatusUpdateErrorSurfaces(t *testing.T) {
	jobs := &fakeJobStore{jobs: []models.Job{transferJob(poolA, 2, 100)}, updateErr: errBoom}
	h := newTestHistoric(t, jobs, &fakeLogStore{}, &fakeLogFetcher{}, 500)

	err := h.RunOnce(context.Background())
	assert.ErrorIs(t, err, errBoom)
}

func TestHistoricIndexer_RunStopsOnCancel(t *testing.T) {
	reports := make(chan HealthReport, 100)
	h, err := NewHistoricIndexer(&HistoricIndexerConfig{
		Chain:        types.ChainEthereum,
		Jobs:         &fakeJobStore{listErr: errBoom},
		Logs:         &fakeLogStore{},
		Fetcher:      &fakeLogFetcher{},
		IdleInterval: time.Millisecond,
		Backoff:      fastPoll,
		Reporter:     reports,
		Logger:       logging.NewNop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, h.Run(ctx))

	first := <-reports
	assert.Equal(t, HealthDegraded, first.Status)
	assert.ErrorIs(t, first.Err, errBoom)
}

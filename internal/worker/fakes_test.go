package worker

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/position-indexer/internal/models"
	"github.com/position-indexer/internal/types"
)

var (
	transferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
	poolA         = common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	poolB         = common.HexToAddress("0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB")
	userAddr      = common.HexToAddress("0x1234567890123456789012345678901234567890")
	senderAddr    = common.HexToAddress("0x9999999999999999999999999999999999999999")
)

var errBoom = errors.New("boom")

func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func transferLog(contract, from, to common.Address, block uint64) *ethtypes.Log {
	return &ethtypes.Log{
		Address:     contract,
		Topics:      []common.Hash{transferTopic, addressTopic(from), addressTopic(to)},
		BlockNumber: block,
		TxHash:      common.BigToHash(common.Big1),
	}
}

func transferJob(contract common.Address, slot int, target uint64) models.Job {
	return models.Job{
		ContractAddress:   contract.Hex(),
		Topic0:            transferTopic.Hex(),
		UserAddressIndex:  slot,
		TargetBlockNumber: target,
		Status:            types.JobStatusPending,
	}
}

func holderFor(jobs ...models.Job) *WatchIndexHolder {
	h := &WatchIndexHolder{}
	h.Store(BuildWatchIndex(jobs))
	return h
}

// fakeReceipts serves prepared receipts per block
type fakeReceipts struct {
	mu     sync.Mutex
	blocks map[uint64][]*ethtypes.Receipt
	fail   map[uint64]error
	calls  []uint64
}

func (f *fakeReceipts) BlockReceipts(ctx context.Context, block uint64) ([]*ethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, block)
	if err := f.fail[block]; err != nil {
		return nil, err
	}
	return f.blocks[block], nil
}

// fakeHead reports a fixed head, or fails the first failures calls
type fakeHead struct {
	mu       sync.Mutex
	heads    []uint64
	failures int
	calls    int
}

func (f *fakeHead) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return 0, errBoom
	}
	head := f.heads[0]
	if len(f.heads) > 1 {
		f.heads = f.heads[1:]
	}
	return head, nil
}

// fakeWaiter returns head immediately
type fakeWaiter struct {
	head    uint64
	targets []uint64
}

func (f *fakeWaiter) WaitFor(ctx context.Context, target uint64) (uint64, error) {
	f.targets = append(f.targets, target)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return max(f.head, target), nil
}

// fakeBlocks returns one entry per block and fails the blocks in fail
type fakeBlocks struct {
	mu    sync.Mutex
	fail  map[uint64]bool
	calls []uint64
}

func (f *fakeBlocks) Process(ctx context.Context, block uint64) ([]models.LogEntry, error) {
	f.mu.Lock()
	f.calls = append(f.calls, block)
	fail := f.fail[block]
	f.mu.Unlock()

	if fail {
		return nil, fmt.Errorf("receipts for %d: %w", block, errBoom)
	}
	return []models.LogEntry{{Address: userAddr.Hex(), ContractAddress: fmt.Sprintf("0x%040x", block)}}, nil
}

type insertCall struct {
	entries    []models.LogEntry
	checkpoint *uint64
}

// fakeLogStore records inserts and checkpoint moves
type fakeLogStore struct {
	mu         sync.Mutex
	inserts    []insertCall
	checkpoint *uint64
	sets       []uint64
	insertErr  error
	setErr     error
	getErr     error
}

func (f *fakeLogStore) InsertLogs(ctx context.Context, entries []models.LogEntry, checkpoint *uint64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	call := insertCall{entries: entries}
	if checkpoint != nil {
		v := *checkpoint
		call.checkpoint = &v
		f.checkpoint = &v
	}
	f.inserts = append(f.inserts, call)
	return int64(len(entries)), nil
}

func (f *fakeLogStore) Get(ctx context.Context) (*uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.checkpoint, nil
}

func (f *fakeLogStore) Set(ctx context.Context, block uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.sets = append(f.sets, block)
	f.checkpoint = &block
	return nil
}

func (f *fakeLogStore) allEntries() []models.LogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.LogEntry
	for _, c := range f.inserts {
		out = append(out, c.entries...)
	}
	return out
}

// fakeJobStore keeps jobs in memory with the same pending-only transitions
type fakeJobStore struct {
	mu        sync.Mutex
	jobs      []models.Job
	listErr   error
	updateErr error
}

func (f *fakeJobStore) ListJobs(ctx context.Context) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]models.Job(nil), f.jobs...), nil
}

func (f *fakeJobStore) ListPendingJobs(ctx context.Context) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []models.Job
	for _, j := range f.jobs {
		if j.Status == types.JobStatusPending {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobStore) UpdateStatus(ctx context.Context, keys []models.JobKey, status types.JobStatus) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return 0, f.updateErr
	}
	var n int64
	for _, key := range keys {
		for i := range f.jobs {
			if f.jobs[i].Key() == key && f.jobs[i].Status == types.JobStatusPending {
				f.jobs[i].Status = status
				n++
			}
		}
	}
	return n, nil
}

func (f *fakeJobStore) statusOf(contract common.Address) types.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if common.HexToAddress(j.ContractAddress) == contract {
			return j.Status
		}
	}
	return ""
}

type fetchCall struct {
	addresses []common.Address
	from, to  uint64
}

// fakeLogFetcher serves logs whose contract is in the address filter and
// whose block falls in the requested range
type fakeLogFetcher struct {
	mu    sync.Mutex
	logs  []ethtypes.Log
	fail  map[common.Address]error
	calls []fetchCall
}

func (f *fakeLogFetcher) Fetch(ctx context.Context, addresses []common.Address, topic0 common.Hash, from, to uint64) iter.Seq2[[]ethtypes.Log, error] {
	return func(yield func([]ethtypes.Log, error) bool) {
		f.mu.Lock()
		f.calls = append(f.calls, fetchCall{addresses: addresses, from: from, to: to})
		f.mu.Unlock()

		wanted := map[common.Address]bool{}
		for _, a := range addresses {
			if err := f.fail[a]; err != nil {
				yield(nil, err)
				return
			}
			wanted[a] = true
		}

		var out []ethtypes.Log
		for _, l := range f.logs {
			if wanted[l.Address] && len(l.Topics) > 0 && l.Topics[0] == topic0 && l.BlockNumber >= from && l.BlockNumber <= to {
				out = append(out, l)
			}
		}
		yield(out, nil)
	}
}

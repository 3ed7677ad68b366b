package worker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/position-indexer/internal/models"
	"github.com/position-indexer/internal/types"
)

// GroupSignature is everything about a job except its contract. Jobs with equal
// signatures decode identically and can share one eth_getLogs filter.
type GroupSignature struct {
	Topic0           string
	UserAddressIndex int
	EventABI         string
	HasEventABI      bool
	MetadataArgs     string // canonical, sorted "name=key" pairs
	Transform        types.AddressTransform
}

// SignatureOf returns the group signature of job
func SignatureOf(job models.Job) GroupSignature {
	sig := GroupSignature{
		Topic0:           strings.ToLower(job.Topic0),
		UserAddressIndex: job.UserAddressIndex,
		Transform:        job.Transform,
	}
	if job.EventABI != nil && strings.TrimSpace(*job.EventABI) != "" {
		sig.HasEventABI = true
		sig.EventABI = *job.EventABI
	}

	if len(job.MetadataArguments) > 0 {
		pairs := make([]string, 0, len(job.MetadataArguments))
		for name, key := range job.MetadataArguments {
			pairs = append(pairs, name+"="+key)
		}
		sort.Strings(pairs)
		sig.MetadataArgs = strings.Join(pairs, ",")
	}
	return sig
}

// String renders the signature for logs and ordering
func (s GroupSignature) String() string {
	return fmt.Sprintf("%s/%d/abi=%t:%s/meta=%s/transform=%s",
		s.Topic0, s.UserAddressIndex, s.HasEventABI, s.EventABI, s.MetadataArgs, s.Transform)
}

// JobGroup is a set of jobs fetched together
type JobGroup struct {
	Signature   GroupSignature
	Jobs        []models.Job
	TargetBlock uint64
	// BatchSize is how many contracts go into one eth_getLogs address filter
	BatchSize int
}

// Topic0 returns the event signature shared by the group
func (g *JobGroup) Topic0() common.Hash {
	return common.HexToHash(g.Signature.Topic0)
}

// SubBatches splits the group's jobs into address-filter sized chunks
func (g *JobGroup) SubBatches() [][]models.Job {
	size := g.BatchSize
	if size <= 0 {
		size = len(g.Jobs)
	}

	var batches [][]models.Job
	for start := 0; start < len(g.Jobs); start += size {
		batches = append(batches, g.Jobs[start:min(start+size, len(g.Jobs))])
	}
	return batches
}

// GroupSelector decides which job group the historic indexer works on next
type GroupSelector interface {
	// SelectNextGroup returns nil when nothing is pending
	SelectNextGroup(jobs []models.Job) *JobGroup
}

// GroupJobs buckets jobs by signature
func GroupJobs(jobs []models.Job) map[GroupSignature][]models.Job {
	groups := make(map[GroupSignature][]models.Job)
	for _, job := range jobs {
		sig := SignatureOf(job)
		groups[sig] = append(groups[sig], job)
	}
	return groups
}

// LargestGroupSelector picks the group covering the most distinct contracts.
// Ties go to the lowest target block, then to the lexically smallest
// signature, so the choice is deterministic.
type LargestGroupSelector struct {
	BatchSize int
}

// SelectNextGroup implements GroupSelector
func (s LargestGroupSelector) SelectNextGroup(jobs []models.Job) *JobGroup {
	var best *JobGroup
	bestContracts := 0

	for sig, members := range GroupJobs(jobs) {
		contracts := make(map[string]struct{}, len(members))
		var target uint64
		for _, job := range members {
			contracts[strings.ToLower(job.ContractAddress)] = struct{}{}
			target = max(target, job.TargetBlockNumber)
		}

		candidate := &JobGroup{Signature: sig, Jobs: members, TargetBlock: target, BatchSize: s.BatchSize}
		if best == nil || better(len(contracts), candidate, bestContracts, best) {
			best, bestContracts = candidate, len(contracts)
		}
	}

	if best != nil {
		sort.Slice(best.Jobs, func(i, j int) bool {
			return best.Jobs[i].ContractAddress < best.Jobs[j].ContractAddress
		})
	}
	return best
}

func better(contracts int, g *JobGroup, bestContracts int, best *JobGroup) bool {
	if contracts != bestContracts {
		return contracts > bestContracts
	}
	if g.TargetBlock != best.TargetBlock {
		return g.TargetBlock < best.TargetBlock
	}
	return g.Signature.String() < best.Signature.String()
}

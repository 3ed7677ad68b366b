package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	apperrors "github.com/position-indexer/internal/errors"
	"github.com/position-indexer/internal/logging"
	"github.com/position-indexer/internal/models"
	"github.com/position-indexer/internal/parser"
	"github.com/position-indexer/internal/types"
)

// maxTopicSlot is the last topic an EVM log can carry
const maxTopicSlot = 3

// JobRegistrar persists job requests for one chain
type JobRegistrar interface {
	RegisterJobs(ctx context.Context, requests []models.JobRequest, blockNumber uint64) (int64, error)
}

// JobService validates job requests from collaborators and hands them to the
// chain's job store
type JobService struct {
	stores map[types.ChainID]JobRegistrar
	logger *logging.Logger
}

// NewJobService creates a new job service
func NewJobService(stores map[types.ChainID]JobRegistrar, logger *logging.Logger) *JobService {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &JobService{
		stores: stores,
		logger: logger.WithField("component", "job_service"),
	}
}

// RegisterJobs validates every request and stores them with blockNumber as
// their backfill target. Requests for an already registered job are ignored.
// Nothing is stored when any request is invalid.
func (s *JobService) RegisterJobs(ctx context.Context, chain types.ChainID, requests []models.JobRequest, blockNumber uint64) (int64, error) {
	store, ok := s.stores[chain]
	if !ok {
		return 0, apperrors.NewInvalidParameterError("chain", fmt.Sprintf("chain %s is not indexed", chain))
	}
	if len(requests) == 0 {
		return 0, nil
	}

	for i := range requests {
		if err := ValidateJobRequest(&requests[i]); err != nil {
			return 0, fmt.Errorf("job request %d: %w", i, err)
		}
	}

	created, err := store.RegisterJobs(ctx, requests, blockNumber)
	if err != nil {
		return 0, err
	}

	s.logger.WithFields(map[string]interface{}{
		"chain":       string(chain),
		"requested":   len(requests),
		"created":     created,
		"targetBlock": blockNumber,
	}).Info("Registered jobs")
	return created, nil
}

// ValidateJobRequest checks that the request can be decoded by the log parser
func ValidateJobRequest(req *models.JobRequest) error {
	if !common.IsHexAddress(req.ContractAddress) {
		return apperrors.NewInvalidAddressError(req.ContractAddress)
	}

	topic, err := hexutil.Decode(req.Topic0)
	if err != nil || len(topic) != common.HashLength {
		return apperrors.NewInvalidParameterError("topic0", "must be a 32-byte hex string")
	}

	transform, err := types.ParseAddressTransform(req.TransformType)
	if err != nil {
		return apperrors.NewInvalidParameterError("transformType", err.Error())
	}

	if req.UserAddressIndex < 0 {
		return apperrors.NewInvalidParameterError("userAddressIndex", "must not be negative")
	}

	if req.EventABI == nil || strings.TrimSpace(*req.EventABI) == "" {
		// topic slot 0 is the event signature
		if req.UserAddressIndex < 1 || req.UserAddressIndex > maxTopicSlot {
			return apperrors.NewInvalidParameterError("userAddressIndex",
				fmt.Sprintf("topic slot must be between 1 and %d without an event ABI", maxTopicSlot))
		}
		if transform != types.TransformNone {
			return apperrors.NewInvalidParameterError("transformType", "requires an event ABI")
		}
		if len(req.MetadataArgs) > 0 {
			return apperrors.NewInvalidParameterError("metadataArgs", "requires an event ABI")
		}
		return nil
	}

	event, err := parser.ParseEventABI(*req.EventABI)
	if err != nil {
		return apperrors.NewInvalidParameterError("eventAbi", err.Error())
	}
	if event.ID != common.BytesToHash(topic) {
		return apperrors.NewInvalidParameterError("eventAbi",
			fmt.Sprintf("event %s has id %s, not %s", event.Sig, event.ID.Hex(), req.Topic0))
	}
	if req.UserAddressIndex >= len(event.Inputs) {
		return apperrors.NewInvalidParameterError("userAddressIndex",
			fmt.Sprintf("event %s has %d arguments", event.Sig, len(event.Inputs)))
	}

	for name := range req.MetadataArgs {
		found := false
		for _, input := range event.Inputs {
			if input.Name == name {
				found = true
				break
			}
		}
		if !found {
			return apperrors.NewInvalidParameterError("metadataArgs",
				fmt.Sprintf("event %s has no argument named %q", event.Sig, name))
		}
	}
	return nil
}

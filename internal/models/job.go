package models

import (
	"github.com/position-indexer/internal/types"
)

// Job is a persisted request to watch one contract for one event signature
type Job struct {
	ContractAddress   string                 `json:"contractAddress" db:"contract_address"`
	Topic0            string                 `json:"topic0" db:"topic_0"`
	UserAddressIndex  int                    `json:"userAddressIndex" db:"user_address_index"`
	TargetBlockNumber uint64                 `json:"targetBlockNumber" db:"block_number"`
	Status            types.JobStatus        `json:"status" db:"status"`
	EventABI          *string                `json:"eventAbi,omitempty" db:"event_abi"`
	MetadataArguments map[string]string      `json:"additionalMetadataArguments,omitempty" db:"additional_metadata_arguments"`
	Transform         types.AddressTransform `json:"transformUserAddressType,omitempty" db:"transform_user_address_type"`
}

// Key returns the primary key of the job
func (j *Job) Key() JobKey {
	return JobKey{
		ContractAddress:  j.ContractAddress,
		Topic0:           j.Topic0,
		UserAddressIndex: j.UserAddressIndex,
	}
}

// JobKey identifies a job: (contract_address, topic_0, user_address_index)
type JobKey struct {
	ContractAddress  string `json:"contractAddress"`
	Topic0           string `json:"topic0"`
	UserAddressIndex int    `json:"userAddressIndex"`
}

// JobRequest is what a collaborator submits to have a contract watched
type JobRequest struct {
	ContractAddress  string            `json:"contractAddress"`
	Topic0           string            `json:"topic0"`
	UserAddressIndex int               `json:"userAddressIndex"`
	EventABI         *string           `json:"eventAbi,omitempty"`
	MetadataArgs     map[string]string `json:"metadataArgs,omitempty"`
	TransformType    string            `json:"transformType,omitempty"`
}

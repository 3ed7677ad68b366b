package models

// PoolFilterResult is the read-side answer for one user on one chain
type PoolFilterResult struct {
	ContractAddresses                 []string            `json:"contractAddresses"`
	PositionMetadataByContractAddress map[string][]string `json:"positionMetadataByContractAddress,omitempty"`
}

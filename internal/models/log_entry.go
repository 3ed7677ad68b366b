package models

// LogEntry is one discovered user to contract association
type LogEntry struct {
	Address         string  `json:"address" db:"address"`
	ContractAddress string  `json:"contractAddress" db:"contract_address"`
	MetadataKey     *string `json:"metadataKey,omitempty" db:"metadata_key"`
	MetadataValue   *string `json:"metadataValue,omitempty" db:"metadata_value"`
}

// HasMetadata reports whether the entry carries a metadata pair
func (e LogEntry) HasMetadata() bool {
	return e.MetadataKey != nil && e.MetadataValue != nil
}

// Package types provides common type definitions for the position indexer.
package types

import (
	"fmt"
	"strings"
)

// ChainID identifies a supported EVM network
type ChainID string

const (
	// ChainEthereum represents the Ethereum mainnet
	ChainEthereum ChainID = "ethereum"
	// ChainPolygon represents the Polygon network
	ChainPolygon ChainID = "polygon"
	// ChainArbitrum represents the Arbitrum network
	ChainArbitrum ChainID = "arbitrum"
	// ChainOptimism represents the Optimism network
	ChainOptimism ChainID = "optimism"
	// ChainBase represents the Base network
	ChainBase ChainID = "base"
	// ChainBNB represents the BNB Chain (BSC)
	ChainBNB ChainID = "bnb"
)

// SchemaName returns the per-chain Postgres schema the chain's tables live in.
// Only lowercase letters, digits and underscores survive.
func (c ChainID) SchemaName() string {
	var b strings.Builder
	for _, r := range strings.ToLower(string(c)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '-':
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "chain_unknown"
	}
	name := b.String()
	if name[0] >= '0' && name[0] <= '9' {
		name = "chain_" + name
	}
	return name
}

// JobStatus represents the lifecycle state of a watch job
type JobStatus string

const (
	// JobStatusPending is a job still waiting for historic indexing
	JobStatusPending JobStatus = "pending"
	// JobStatusCompleted is a job whose history has been fully indexed
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed is a job whose historic indexing failed
	JobStatusFailed JobStatus = "failed"
)

// Valid reports whether s is one of the known job statuses
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// AddressTransform selects how a decoded event argument becomes a user address.
// The set is closed: new strategies are added here and handled in every switch.
type AddressTransform string

const (
	// TransformNone uses the decoded argument as an address verbatim
	TransformNone AddressTransform = ""
	// TransformEth2WithdrawalCredentials extracts the execution address from
	// 32-byte beacon chain withdrawal credentials
	TransformEth2WithdrawalCredentials AddressTransform = "eth2-withdrawal-credentials"
)

// ParseAddressTransform resolves a transform name given at job registration time.
// Empty and "none" both mean TransformNone.
func ParseAddressTransform(name string) (AddressTransform, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return TransformNone, nil
	case string(TransformEth2WithdrawalCredentials), "eth2_withdrawal_credentials", "eth2withdrawalcredentials":
		return TransformEth2WithdrawalCredentials, nil
	default:
		return TransformNone, fmt.Errorf("unknown address transform %q", name)
	}
}

// String returns the persisted name of the transform
func (t AddressTransform) String() string {
	if t == TransformNone {
		return "none"
	}
	return string(t)
}

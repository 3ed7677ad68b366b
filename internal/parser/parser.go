// Package parser extracts a user address, and optional metadata, from a raw
// EVM event log according to a job's decoding instructions.
package parser

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	indexerrors "github.com/position-indexer/internal/errors"
	"github.com/position-indexer/internal/models"
	"github.com/position-indexer/internal/types"
)

// Instructions tell the parser how to read one (contract, topic0) pair
type Instructions struct {
	EventABI          *string
	UserAddressIndex  int
	MetadataArguments map[string]string // event argument name -> metadata key
	Transform         types.AddressTransform
}

// InstructionsFromJob copies the decoding instructions out of a job
func InstructionsFromJob(job models.Job) Instructions {
	return Instructions{
		EventABI:          job.EventABI,
		UserAddressIndex:  job.UserAddressIndex,
		MetadataArguments: job.MetadataArguments,
		Transform:         job.Transform,
	}
}

// Result is the outcome of a successful parse
type Result struct {
	UserAddress common.Address
	Metadata    map[string]string
}

// Entries expands the result into store rows: one per metadata pair, or a
// single row without metadata. Rows are ordered by metadata key.
func (r *Result) Entries(contract common.Address) []models.LogEntry {
	address := r.UserAddress.Hex()
	contractAddress := contract.Hex()

	if len(r.Metadata) == 0 {
		return []models.LogEntry{{Address: address, ContractAddress: contractAddress}}
	}

	keys := make([]string, 0, len(r.Metadata))
	for k := range r.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]models.LogEntry, 0, len(keys))
	for _, k := range keys {
		key, value := k, r.Metadata[k]
		entries = append(entries, models.LogEntry{
			Address:         address,
			ContractAddress: contractAddress,
			MetadataKey:     &key,
			MetadataValue:   &value,
		})
	}
	return entries
}

var zeroTopicPrefix = make([]byte, common.HashLength-common.AddressLength)

// Parse decodes log according to in. A nil result with a nil error means the
// log resolves to no position owner and must be skipped.
func Parse(log *ethtypes.Log, in Instructions) (*Result, error) {
	if in.EventABI == nil || strings.TrimSpace(*in.EventABI) == "" {
		return parseTopic(log, in.UserAddressIndex)
	}
	return parseEvent(log, in)
}

func parseTopic(log *ethtypes.Log, idx int) (*Result, error) {
	if idx < 0 || idx >= len(log.Topics) {
		return nil, indexerrors.NewMisconfigurationError(
			fmt.Sprintf("log has no topic at index %d", idx),
			map[string]interface{}{"topics": len(log.Topics), "index": idx},
		)
	}

	topic := log.Topics[idx]
	if !bytes.Equal(topic[:len(zeroTopicPrefix)], zeroTopicPrefix) {
		return nil, indexerrors.NewMisconfigurationError(
			"topic is not an address",
			map[string]interface{}{"topic": topic.Hex(), "index": idx},
		)
	}

	addr := common.BytesToAddress(topic[len(zeroTopicPrefix):])
	if addr == (common.Address{}) {
		return nil, nil
	}
	return &Result{UserAddress: addr}, nil
}

func parseEvent(log *ethtypes.Log, in Instructions) (*Result, error) {
	event, err := eventFor(*in.EventABI)
	if err != nil {
		return nil, err
	}

	if len(log.Topics) == 0 || log.Topics[0] != event.ID {
		return nil, indexerrors.NewMisconfigurationError(
			fmt.Sprintf("log does not match event %s", event.Sig),
			map[string]interface{}{"event": event.Sig, "eventId": event.ID.Hex()},
		)
	}

	if in.UserAddressIndex < 0 || in.UserAddressIndex >= len(event.Inputs) {
		return nil, indexerrors.NewMisconfigurationError(
			fmt.Sprintf("event %s has no argument at index %d", event.Sig, in.UserAddressIndex),
			map[string]interface{}{"event": event.Sig, "index": in.UserAddressIndex},
		)
	}

	values, err := decodeArguments(event, log)
	if err != nil {
		return nil, err
	}

	arg := event.Inputs[in.UserAddressIndex]
	addr, ok, err := transformAddress(in.Transform, values[arg.Name])
	if err != nil {
		return nil, indexerrors.NewMisconfigurationError(
			fmt.Sprintf("argument %q of %s: %v", arg.Name, event.Sig, err),
			map[string]interface{}{"event": event.Sig, "argument": arg.Name, "transform": in.Transform.String()},
		)
	}
	if !ok || addr == (common.Address{}) {
		return nil, nil
	}

	result := &Result{UserAddress: addr}
	if len(in.MetadataArguments) > 0 {
		result.Metadata = make(map[string]string, len(in.MetadataArguments))
		for argName, metadataKey := range in.MetadataArguments {
			value, found := values[argName]
			if !found {
				return nil, indexerrors.NewMisconfigurationError(
					fmt.Sprintf("event %s has no argument named %q", event.Sig, argName),
					map[string]interface{}{"event": event.Sig, "argument": argName},
				)
			}
			result.Metadata[metadataKey] = Stringify(value)
		}
	}

	return result, nil
}

// decodeArguments unpacks both indexed and non-indexed arguments by name
func decodeArguments(event *abi.Event, log *ethtypes.Log) (map[string]interface{}, error) {
	values := make(map[string]interface{}, len(event.Inputs))

	var indexed abi.Arguments
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}

	if err := abi.ParseTopicsIntoMap(values, indexed, log.Topics[1:]); err != nil {
		return nil, indexerrors.NewMisconfigurationError(
			fmt.Sprintf("failed to decode topics for %s: %v", event.Sig, err),
			map[string]interface{}{"event": event.Sig},
		)
	}
	if err := event.Inputs.NonIndexed().UnpackIntoMap(values, log.Data); err != nil {
		return nil, indexerrors.NewMisconfigurationError(
			fmt.Sprintf("failed to decode data for %s: %v", event.Sig, err),
			map[string]interface{}{"event": event.Sig},
		)
	}

	return values, nil
}

// abiCache memoises parsed event fragments keyed by the raw ABI string
var abiCache sync.Map

// ParseEventABI parses a JSON fragment describing exactly one event. Both a
// bare event object and a one-element array are accepted.
func ParseEventABI(fragment string) (*abi.Event, error) {
	return eventFor(fragment)
}

func eventFor(fragment string) (*abi.Event, error) {
	if cached, ok := abiCache.Load(fragment); ok {
		return cached.(*abi.Event), nil
	}

	raw := strings.TrimSpace(fragment)
	if strings.HasPrefix(raw, "{") {
		raw = "[" + raw + "]"
	}

	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		return nil, indexerrors.NewMisconfigurationError(
			fmt.Sprintf("invalid event ABI: %v", err), nil,
		)
	}
	if len(parsed.Events) != 1 {
		return nil, indexerrors.NewMisconfigurationError(
			fmt.Sprintf("event ABI must describe exactly one event, found %d", len(parsed.Events)), nil,
		)
	}

	var event abi.Event
	for _, e := range parsed.Events {
		event = e
	}
	if event.Anonymous {
		return nil, indexerrors.NewMisconfigurationError(
			fmt.Sprintf("anonymous event %s has no topic0", event.Sig), nil,
		)
	}

	actual, _ := abiCache.LoadOrStore(fragment, &event)
	return actual.(*abi.Event), nil
}

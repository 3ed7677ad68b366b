package parser

import (
	"fmt"
	"math/big"
	"reflect"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/position-indexer/internal/types"
)

// BLSCredentialsPlaceholder stands in for owners of validators that still use
// BLS (0x00) withdrawal credentials and therefore have no execution address yet.
var BLSCredentialsPlaceholder = common.HexToAddress("0x0000000000000000000000000000000000000001")

const withdrawalCredentialsLength = 32

// Withdrawal credential prefixes
const (
	credentialsBLS       byte = 0x00
	credentialsExecution byte = 0x01
	credentialsCompound  byte = 0x02
)

// transformAddress turns a decoded argument into a user address.
// ok is false when the value encodes no address and the log must be skipped.
func transformAddress(t types.AddressTransform, value interface{}) (addr common.Address, ok bool, err error) {
	switch t {
	case types.TransformNone:
		a, isAddr := value.(common.Address)
		if !isAddr {
			return common.Address{}, false, fmt.Errorf("value of type %T is not an address", value)
		}
		return a, true, nil

	case types.TransformEth2WithdrawalCredentials:
		raw, err := toBytes(value)
		if err != nil {
			return common.Address{}, false, err
		}
		a, ok := withdrawalCredentialsAddress(raw)
		return a, ok, nil

	default:
		return common.Address{}, false, fmt.Errorf("unsupported address transform %q", t)
	}
}

// withdrawalCredentialsAddress extracts the execution address from 32-byte
// beacon chain withdrawal credentials.
func withdrawalCredentialsAddress(credentials []byte) (common.Address, bool) {
	if len(credentials) != withdrawalCredentialsLength {
		return common.Address{}, false
	}

	switch credentials[0] {
	case credentialsExecution, credentialsCompound:
		return common.BytesToAddress(credentials[withdrawalCredentialsLength-common.AddressLength:]), true
	case credentialsBLS:
		return BLSCredentialsPlaceholder, true
	default:
		return common.Address{}, false
	}
}

func toBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case [32]byte:
		return v[:], nil
	case common.Hash:
		return v.Bytes(), nil
	default:
		return nil, fmt.Errorf("value of type %T is not a byte string", value)
	}
}

// Stringify renders a decoded ABI value for storage as metadata:
// integers in decimal, addresses checksummed, byte strings as 0x-hex.
func Stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case *big.Int:
		if v == nil {
			return "0"
		}
		return v.String()
	case common.Address:
		return v.Hex()
	case common.Hash:
		return v.Hex()
	case []byte:
		return hexutil.Encode(v)
	case bool:
		if v {
			return "true"
		}
		return "false"
	}

	// fixed-size byte arrays (bytes1..bytes32) come back as [N]uint8
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Array && rv.Type().Elem().Kind() == reflect.Uint8 {
		buf := make([]byte, rv.Len())
		reflect.Copy(reflect.ValueOf(buf), rv)
		return hexutil.Encode(buf)
	}

	return fmt.Sprint(value)
}

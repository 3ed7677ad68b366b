package parser

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	indexerrors "github.com/position-indexer/internal/errors"
	"github.com/position-indexer/internal/types"
)

var transferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

const depositABI = `{"type":"event","name":"Deposit","anonymous":false,"inputs":[
	{"name":"owner","type":"address","indexed":true},
	{"name":"tokenId","type":"uint256","indexed":false},
	{"name":"salt","type":"bytes32","indexed":false}]}`

const beaconDepositABI = `[{"type":"event","name":"DepositEvent","anonymous":false,"inputs":[
	{"name":"pubkey","type":"bytes","indexed":false},
	{"name":"withdrawal_credentials","type":"bytes","indexed":false},
	{"name":"amount","type":"bytes","indexed":false},
	{"name":"signature","type":"bytes","indexed":false},
	{"name":"index","type":"bytes","indexed":false}]}]`

func strPtr(s string) *string { return &s }

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), common.HashLength))
}

func TestParse_TopicPath(t *testing.T) {
	sender := common.HexToAddress("0x1111111111111111111111111111111111111111")
	user := common.HexToAddress("0xd8da6bf26964af9d7eed9e03e53415d37aa96045")

	log := &ethtypes.Log{
		Address: common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		Topics:  []common.Hash{transferTopic, addressTopic(sender), addressTopic(user)},
	}

	res, err := Parse(log, Instructions{UserAddressIndex: 2})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, user, res.UserAddress)
	assert.Equal(t, "0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045", res.UserAddress.Hex())
	assert.Empty(t, res.Metadata)

	t.Run("missing topic", func(t *testing.T) {
		_, err := Parse(log, Instructions{UserAddressIndex: 3})
		require.Error(t, err)
		assert.True(t, indexerrors.IsMisconfiguration(err))
	})

	t.Run("topic is not an address", func(t *testing.T) {
		_, err := Parse(log, Instructions{UserAddressIndex: 0})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "topic is not an address")
	})

	t.Run("zero address is skipped", func(t *testing.T) {
		mint := &ethtypes.Log{Topics: []common.Hash{transferTopic, {}, addressTopic(user)}}
		res, err := Parse(mint, Instructions{UserAddressIndex: 1})
		require.NoError(t, err)
		assert.Nil(t, res)
	})

	t.Run("blank ABI falls back to topics", func(t *testing.T) {
		res, err := Parse(log, Instructions{EventABI: strPtr("  "), UserAddressIndex: 1})
		require.NoError(t, err)
		assert.Equal(t, sender, res.UserAddress)
	})
}

func TestParse_TopicPathProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("left-padded topics decode to their last 20 bytes", prop.ForAll(
		func(raw []byte) bool {
			addr := common.BytesToAddress(raw)
			log := &ethtypes.Log{Topics: []common.Hash{transferTopic, addressTopic(addr)}}

			res, err := Parse(log, Instructions{UserAddressIndex: 1})
			if err != nil {
				return false
			}
			if addr == (common.Address{}) {
				return res == nil
			}
			return res != nil && res.UserAddress == addr
		},
		gen.SliceOfN(common.AddressLength, gen.UInt8()),
	))

	properties.Property("topics with a non-zero prefix are rejected", prop.ForAll(
		func(raw []byte, pos int) bool {
			var topic common.Hash
			copy(topic[:], raw)
			if topic[pos] == 0 {
				topic[pos] = 1
			}
			log := &ethtypes.Log{Topics: []common.Hash{topic}}

			_, err := Parse(log, Instructions{UserAddressIndex: 0})
			return err != nil && indexerrors.IsMisconfiguration(err)
		},
		gen.SliceOfN(common.HashLength, gen.UInt8()),
		gen.IntRange(0, common.HashLength-common.AddressLength-1),
	))

	properties.TestingRun(t)
}

func depositLog(t *testing.T, owner common.Address, tokenID int64) *ethtypes.Log {
	t.Helper()
	event, err := ParseEventABI(depositABI)
	require.NoError(t, err)

	var salt [32]byte
	salt[31] = 0xab
	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(tokenID), salt)
	require.NoError(t, err)

	return &ethtypes.Log{
		Address: common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
		Topics:  []common.Hash{event.ID, addressTopic(owner)},
		Data:    data,
	}
}

func TestParse_EventABIPath(t *testing.T) {
	owner := common.HexToAddress("0x2222222222222222222222222222222222222222")
	log := depositLog(t, owner, 42)

	in := Instructions{
		EventABI:          strPtr(depositABI),
		UserAddressIndex:  0,
		MetadataArguments: map[string]string{"tokenId": "token_id", "salt": "salt"},
	}

	res, err := Parse(log, in)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, owner, res.UserAddress)
	assert.Equal(t, "42", res.Metadata["token_id"])
	assert.Equal(t, "0x00000000000000000000000000000000000000000000000000000000000000ab", res.Metadata["salt"])

	t.Run("entries expand metadata in key order", func(t *testing.T) {
		entries := res.Entries(log.Address)
		require.Len(t, entries, 2)
		assert.Equal(t, "salt", *entries[0].MetadataKey)
		assert.Equal(t, "token_id", *entries[1].MetadataKey)
		assert.Equal(t, log.Address.Hex(), entries[0].ContractAddress)
		assert.Equal(t, owner.Hex(), entries[1].Address)
	})

	t.Run("missing metadata argument", func(t *testing.T) {
		bad := in
		bad.MetadataArguments = map[string]string{"nonce": "nonce"}
		_, err := Parse(log, bad)
		require.Error(t, err)
		assert.True(t, indexerrors.IsMisconfiguration(err))
	})

	t.Run("event signature mismatch", func(t *testing.T) {
		other := *log
		other.Topics = []common.Hash{transferTopic, addressTopic(owner)}
		_, err := Parse(&other, in)
		require.Error(t, err)
		assert.True(t, indexerrors.IsMisconfiguration(err))
	})

	t.Run("argument is not an address", func(t *testing.T) {
		bad := in
		bad.UserAddressIndex = 1
		_, err := Parse(log, bad)
		require.Error(t, err)
		assert.True(t, indexerrors.IsMisconfiguration(err))
	})

	t.Run("argument index out of range", func(t *testing.T) {
		bad := in
		bad.UserAddressIndex = 3
		_, err := Parse(log, bad)
		require.Error(t, err)
	})

	t.Run("no metadata yields a single bare entry", func(t *testing.T) {
		plain := in
		plain.MetadataArguments = nil
		res, err := Parse(log, plain)
		require.NoError(t, err)
		entries := res.Entries(log.Address)
		require.Len(t, entries, 1)
		assert.False(t, entries[0].HasMetadata())
	})
}

func TestParse_Eth2WithdrawalCredentials(t *testing.T) {
	event, err := ParseEventABI(beaconDepositABI)
	require.NoError(t, err)

	execution := common.HexToAddress("0x3333333333333333333333333333333333333333")

	credentials := func(prefix byte) []byte {
		c := make([]byte, 32)
		c[0] = prefix
		copy(c[12:], execution.Bytes())
		return c
	}

	tests := []struct {
		name        string
		credentials []byte
		want        *common.Address
	}{
		{"execution credentials", credentials(0x01), &execution},
		{"compounding credentials", credentials(0x02), &execution},
		{"BLS credentials map to placeholder", credentials(0x00), &BLSCredentialsPlaceholder},
		{"unknown prefix is skipped", credentials(0x03), nil},
		{"short credentials are skipped", []byte{0x01, 0x02}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := event.Inputs.NonIndexed().Pack(
				make([]byte, 48), tt.credentials, make([]byte, 8), make([]byte, 96), make([]byte, 8),
			)
			require.NoError(t, err)

			log := &ethtypes.Log{Topics: []common.Hash{event.ID}, Data: data}
			res, err := Parse(log, Instructions{
				EventABI:         strPtr(beaconDepositABI),
				UserAddressIndex: 1,
				Transform:        types.TransformEth2WithdrawalCredentials,
			})
			require.NoError(t, err)

			if tt.want == nil {
				assert.Nil(t, res)
				return
			}
			require.NotNil(t, res)
			assert.Equal(t, *tt.want, res.UserAddress)
		})
	}
}

func TestParseEventABI(t *testing.T) {
	t.Run("object and array forms describe the same event", func(t *testing.T) {
		obj, err := ParseEventABI(depositABI)
		require.NoError(t, err)
		arr, err := ParseEventABI("[" + depositABI + "]")
		require.NoError(t, err)
		assert.Equal(t, obj.ID, arr.ID)
	})

	t.Run("cached fragments return the same event", func(t *testing.T) {
		a, err := ParseEventABI(depositABI)
		require.NoError(t, err)
		b, err := ParseEventABI(depositABI)
		require.NoError(t, err)
		assert.Same(t, a, b)
	})

	t.Run("rejects non-events and multiple events", func(t *testing.T) {
		_, err := ParseEventABI(`[{"type":"function","name":"transfer","inputs":[]}]`)
		assert.Error(t, err)

		_, err = ParseEventABI(`[{"type":"event","name":"A","inputs":[]},{"type":"event","name":"B","inputs":[]}]`)
		assert.Error(t, err)

		_, err = ParseEventABI(`not json`)
		assert.Error(t, err)
	})
}

func TestStringify(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  string
	}{
		{"big int", big.NewInt(1_000_000), "1000000"},
		{"address", common.HexToAddress("0xd8da6bf26964af9d7eed9e03e53415d37aa96045"), "0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045"},
		{"bytes", []byte{0xde, 0xad}, "0xdead"},
		{"bytes4", [4]byte{0xca, 0xfe, 0xba, 0xbe}, "0xcafebabe"},
		{"uint8", uint8(7), "7"},
		{"bool", true, "true"},
		{"string", "vault", "vault"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Stringify(tt.value))
		})
	}
}

package adapter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"

	"chain-event-ingest/internal/domain"
	"chain-event-ingest/internal/evm"
)

const graphQLPayload = `{
  "webhookId": "wh_1",
  "type": "GRAPHQL",
  "event": {
    "network": "BASE_SEPOLIA",
    "data": {
      "block": {
        "hash": "0xBLOCK",
        "number": 1234,
        "logs": [
          {
            "data": "0x00",
            "topics": ["0xAA", "0xBB"],
            "index": 3,
            "account": {"address": "0xAbCdEf"},
            "transaction": {"hash": "0xTX1", "index": 0}
          },
          {
            "data": "0x",
            "topics": ["0xAA"],
            "index": "0x4",
            "removed": true,
            "account": {"address": "0xabcdef"},
            "transaction": {"hash": "0xtx2"}
          }
        ]
      }
    }
  }
}`

func TestNormalize_GraphQL(t *testing.T) {
	b, err := Normalize("base-sepolia", []byte(graphQLPayload))
	require.NoError(t, err)
	assert.Equal(t, ShapeGraphQL, b.Shape)
	require.Len(t, b.Events, 2)

	e := b.Events[0]
	assert.Equal(t, "base-sepolia", e.Network)
	assert.Equal(t, "0xabcdef", e.ContractAddress)
	assert.Equal(t, "0xtx1", e.TransactionHash)
	assert.Equal(t, uint64(3), e.LogIndex)
	assert.Equal(t, "0x3", e.LogIndexHex())
	assert.Equal(t, uint64(1234), e.BlockNumber)
	assert.Equal(t, "0xblock", e.BlockHash)
	assert.Equal(t, []string{"0xaa", "0xbb"}, e.Topics)
	assert.False(t, e.Removed, "missing removed defaults to false")

	assert.Equal(t, uint64(4), b.Events[1].LogIndex)
	assert.True(t, b.Events[1].Removed)
}

func TestNormalize_GraphQLHeartbeat(t *testing.T) {
	for name, body := range map[string]string{
		"event wrapped": `{"event":{"data":{"block":{"hash":"0x1","number":1,"logs":[]}}}}`,
		"bare data":     `{"data":{"block":{"logs":[]}}}`,
	} {
		t.Run(name, func(t *testing.T) {
			b, err := Normalize("testnet", []byte(body))
			require.NoError(t, err)
			assert.Equal(t, ShapeGraphQL, b.Shape)
			assert.Empty(t, b.Events)
		})
	}
}

func TestNormalize_FlatArray(t *testing.T) {
	body := `[
	  {"address":"0xPOOL","topics":["0xaa"],"data":"0x01","blockNumber":"0x10","blockHash":"0xb","transactionHash":"0xt","logIndex":"0x1"},
	  {"address":"0xpool","topics":["0xaa"],"data":"0x01","blockNumber":"17","blockHash":"0xb","transactionHash":"0xt","logIndex":2,"removed":false}
	]`

	b, err := Normalize("testnet", []byte(body))
	require.NoError(t, err)
	assert.Equal(t, ShapeFlat, b.Shape)
	require.Len(t, b.Events, 2)

	assert.Equal(t, "0xpool", b.Events[0].ContractAddress)
	assert.Equal(t, uint64(16), b.Events[0].BlockNumber)
	assert.Equal(t, uint64(17), b.Events[1].BlockNumber)
	assert.Equal(t, uint64(2), b.Events[1].LogIndex)
}

func TestNormalize_LogsWrapped(t *testing.T) {
	for name, body := range map[string]string{
		"logs":   `{"logs":[{"address":"0xa","topics":["0x1"],"transactionHash":"0xt","logIndex":"0x0","blockNumber":"0x1"}]}`,
		"result": `{"jsonrpc":"2.0","id":1,"result":[{"address":"0xa","topics":["0x1"],"transactionHash":"0xt","logIndex":"0x0","blockNumber":"0x1"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			b, err := Normalize("testnet", []byte(body))
			require.NoError(t, err)
			assert.Equal(t, ShapeLogsWrapped, b.Shape)
			require.Len(t, b.Events, 1)
			assert.Equal(t, "0x", b.Events[0].Data)
		})
	}
}

func TestNormalize_UnknownShape(t *testing.T) {
	for _, body := range []string{`{"hello":"world"}`, `"string"`, `42`, `{"result":"0x1"}`} {
		b, err := Normalize("testnet", []byte(body))
		require.NoError(t, err, body)
		assert.Equal(t, ShapeUnknown, b.Shape, body)
		assert.Empty(t, b.Events, body)
	}
}

func TestNormalize_Malformed(t *testing.T) {
	for _, body := range []string{``, `   `, `{"event":`, `not json`} {
		_, err := Normalize("testnet", []byte(body))
		assert.True(t, errors.Is(err, ErrMalformedPayload), "body %q: %v", body, err)
	}
}

func TestNormalize_DropsInvalidLogs(t *testing.T) {
	body := `[{"address":"0xa","topics":["0x1"],"transactionHash":"0xt","logIndex":"0x0"},{"address":"0xa","topics":[],"transactionHash":"0xt2"}]`

	b, err := Normalize("testnet", []byte(body))
	require.NoError(t, err)
	assert.Len(t, b.Events, 1)
	require.Len(t, b.Invalid, 1)
	assert.True(t, errors.Is(b.Invalid[0], domain.ErrInvalidEvent))
}

func TestFromRPCLogs(t *testing.T) {
	logs := []evm.Log{
		{Address: "0xA", Topics: []string{"0x1"}, Data: "0x", BlockNumber: "0x64", TransactionHash: "0xT", LogIndex: "0x0", BlockHash: "0xB"},
		{Address: "0xA", Topics: []string{"0x1"}, BlockNumber: "0xzz", TransactionHash: "0xT", LogIndex: "0x1"},
		{Address: "0xA", Topics: []string{"0x1"}, BlockNumber: "0x65", TransactionHash: "0xT2", LogIndex: "0x0", Removed: true},
	}

	b := FromRPCLogs("testnet", logs)
	require.Len(t, b.Events, 2)
	assert.Len(t, b.Invalid, 1)

	assert.Equal(t, domain.NaturalKey{Network: "testnet", TxHash: "0xt", LogIndex: 0}, b.Events[0].Key())
	assert.Equal(t, uint64(100), b.Events[0].BlockNumber)
	assert.True(t, b.Events[1].Removed)
}

func TestNormalize_MatchesRPCPath(t *testing.T) {
	body := `[{"address":"0xA","topics":["0x1"],"data":"0x","blockNumber":"0x64","blockHash":"0xB","transactionHash":"0xT","logIndex":"0x0"}]`
	pushed, err := Normalize("testnet", []byte(body))
	require.NoError(t, err)

	pulled := FromRPCLogs("testnet", []evm.Log{
		{Address: "0xA", Topics: []string{"0x1"}, Data: "0x", BlockNumber: "0x64", BlockHash: "0xB", TransactionHash: "0xT", LogIndex: "0x0"},
	})

	assert.Equal(t, pushed.Events, pulled.Events)
}

func TestQuantity_Forms(t *testing.T) {
	tests := []struct {
		raw  string
		want quantity
	}{
		{`"0x1f"`, quantity{Value: 31, Set: true}},
		{`"31"`, quantity{Value: 31, Set: true}},
		{`31`, quantity{Value: 31, Set: true}},
		{`"0x"`, quantity{Value: 0, Set: true}},
		{`""`, quantity{}},
		{`null`, quantity{}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			var v struct {
				Q quantity `json:"q"`
			}
			require.NoError(t, sonnet.Unmarshal([]byte(`{"q":`+tt.raw+`}`), &v))
			assert.Equal(t, tt.want, v.Q)
		})
	}

	var v struct {
		Q quantity `json:"q"`
	}
	assert.Error(t, sonnet.Unmarshal([]byte(`{"q":"0xzz"}`), &v))
	assert.Error(t, sonnet.Unmarshal([]byte(`{"q":-1}`), &v))
}

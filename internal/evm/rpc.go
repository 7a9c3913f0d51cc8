// Package evm provides JSON-RPC access to an EVM-compatible chain: log queries
// over HTTP, log subscriptions over WebSocket, and ABI word decoding.
package evm

import "context"

// RPCClient defines the EVM JSON-RPC HTTP interface used for backfill.
type RPCClient interface {
	// BlockNumber returns the latest block height.
	BlockNumber(ctx context.Context) (uint64, error)

	// GetLogs returns logs matching the filter, inclusive on both bounds.
	GetLogs(ctx context.Context, filter LogFilter) ([]Log, error)
}

// LogFilter selects logs by block range, emitting address and topic0.
type LogFilter struct {
	FromBlock uint64
	ToBlock   uint64
	Addresses []string // empty means any address
	Topic0    []string // empty means any signature
}

// params renders the filter as an eth_getLogs / eth_subscribe filter object.
func (f LogFilter) params(withRange bool) map[string]interface{} {
	p := make(map[string]interface{})
	if withRange {
		p["fromBlock"] = encodeQuantity(f.FromBlock)
		p["toBlock"] = encodeQuantity(f.ToBlock)
	}
	if len(f.Addresses) > 0 {
		p["address"] = f.Addresses
	}
	if len(f.Topic0) > 0 {
		p["topics"] = []interface{}{f.Topic0}
	}
	return p
}

// Log is a raw log as returned by eth_getLogs and eth_subscription.
// Quantities are kept as the provider sent them.
type Log struct {
	Address          string   `json:"address"`
	Topics           []string `json:"topics"`
	Data             string   `json:"data"`
	BlockNumber      string   `json:"blockNumber"`
	BlockHash        string   `json:"blockHash"`
	TransactionHash  string   `json:"transactionHash"`
	TransactionIndex string   `json:"transactionIndex"`
	LogIndex         string   `json:"logIndex"`
	Removed          bool     `json:"removed"`
}

package evm

import "context"

// WSClient defines the EVM WebSocket log subscription interface.
type WSClient interface {
	// SubscribeLogs subscribes to logs matching the address/topic0 part of filter.
	// Block bounds are ignored.
	SubscribeLogs(ctx context.Context, filter LogFilter) (<-chan Log, error)

	// Close closes the WebSocket connection.
	Close() error
}

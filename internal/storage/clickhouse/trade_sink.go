package clickhouse

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"chain-event-ingest/internal/domain"
	"chain-event-ingest/internal/idhash"
	"chain-event-ingest/internal/observability"
)

// TradeSink appends AMM transactions to amm_trades. A reversal is written as
// a new row with reversed = 1; ReplacingMergeTree keeps the highest version
// per key, so FINAL reads see the latest state.
type TradeSink struct {
	conn  *Conn
	clock func() time.Time
}

// NewTradeSink creates a new TradeSink.
func NewTradeSink(conn *Conn) *TradeSink {
	return &TradeSink{conn: conn, clock: time.Now}
}

// WriteTrades inserts trades in one batch.
func (s *TradeSink) WriteTrades(ctx context.Context, trades []*domain.AmmTransaction) error {
	if len(trades) == 0 {
		return nil
	}

	start := time.Now()
	err := s.write(ctx, trades)
	observability.RecordDBQuery("clickhouse", "insert_trades", time.Since(start).Seconds(), err)
	return err
}

func (s *TradeSink) write(ctx context.Context, trades []*domain.AmmTransaction) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO amm_trades (
			event_id, network, tx_hash, log_index, pair_address, kind, sender, recipient,
			amount0_in, amount1_in, amount0_out, amount1_out,
			reserve0, reserve1, total_supply, block_number, reversed, version
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	version := uint64(s.clock().UnixNano())
	for _, t := range trades {
		if err := batch.Append(tradeRow(t, version)...); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// tradeRow orders t's fields as the amm_trades columns.
func tradeRow(t *domain.AmmTransaction, version uint64) []any {
	var reversed uint8
	if t.Reversed {
		reversed = 1
	}
	return []any{
		idhash.ComputeEventID(t.Key.Network, t.Key.TxHash, t.Key.LogIndex),
		t.Key.Network,
		t.Key.TxHash,
		t.Key.LogIndex,
		t.PairAddress,
		string(t.Kind),
		t.Sender,
		t.Recipient,
		orZero(t.Amount0In),
		orZero(t.Amount1In),
		orZero(t.Amount0Out),
		orZero(t.Amount1Out),
		orZero(t.Reserve0),
		orZero(t.Reserve1),
		t.TotalSupply,
		t.BlockNumber,
		reversed,
		version,
	}
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// TradeRow is one amm_trades row as read back.
type TradeRow struct {
	EventID     string
	TxHash      string
	LogIndex    uint64
	Kind        string
	Reserve0    big.Int
	Reserve1    big.Int
	BlockNumber uint64
	Reversed    uint8
}

// ListTrades returns the latest version of every trade of a pair in chain order.
func (s *TradeSink) ListTrades(ctx context.Context, network, pairAddress string) ([]TradeRow, error) {
	query := `
		SELECT event_id, tx_hash, log_index, kind, reserve0, reserve1, block_number, reversed
		FROM amm_trades FINAL
		WHERE network = ? AND pair_address = ?
		ORDER BY block_number ASC, log_index ASC
	`

	rows, err := s.conn.Query(ctx, query, network, pairAddress)
	if err != nil {
		return nil, fmt.Errorf("query amm trades: %w", err)
	}
	defer rows.Close()

	var result []TradeRow
	for rows.Next() {
		var r TradeRow
		if err := rows.Scan(&r.EventID, &r.TxHash, &r.LogIndex, &r.Kind, &r.Reserve0, &r.Reserve1, &r.BlockNumber, &r.Reversed); err != nil {
			return nil, fmt.Errorf("scan amm trade: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate amm trades: %w", err)
	}
	return result, nil
}

// Package adapter translates provider payloads into canonical events.
//
// Push payloads (webhook bodies) are discriminated by key presence into one of
// the known shapes; pull results (eth_getLogs) are converted directly. Both
// paths build events through domain.NewCanonicalEvent.
package adapter

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/sugawarayuuta/sonnet"

	"chain-event-ingest/internal/domain"
	"chain-event-ingest/internal/evm"
)

// ErrMalformedPayload is returned when a webhook body is not valid JSON.
var ErrMalformedPayload = errors.New("malformed payload")

// Shape identifies which provider payload layout a body matched.
type Shape int

const (
	ShapeUnknown Shape = iota
	ShapeGraphQL
	ShapeFlat
	ShapeLogsWrapped
)

// String returns the shape name.
func (s Shape) String() string {
	switch s {
	case ShapeGraphQL:
		return "graphql"
	case ShapeFlat:
		return "flat"
	case ShapeLogsWrapped:
		return "logs_wrapped"
	default:
		return "unknown"
	}
}

// Batch is the normalized content of one payload.
type Batch struct {
	Shape   Shape
	Events  []domain.CanonicalEvent
	Invalid []error // logs dropped because they lacked required fields
}

// Normalize parses a webhook body into canonical events for network.
// A body that parses but matches no known shape yields ShapeUnknown and zero
// events. Only invalid JSON returns ErrMalformedPayload.
func Normalize(network string, body []byte) (*Batch, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}
	if !sonnet.Valid(trimmed) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedPayload)
	}

	switch trimmed[0] {
	case '[':
		var logs []flatLog
		if err := sonnet.Unmarshal(trimmed, &logs); err != nil {
			// An array of something other than logs
			return &Batch{Shape: ShapeUnknown}, nil
		}
		b := fromFlatLogs(network, logs)
		b.Shape = ShapeFlat
		return b, nil
	case '{':
		return normalizeObject(network, trimmed)
	default:
		return &Batch{Shape: ShapeUnknown}, nil
	}
}

func normalizeObject(network string, body []byte) (*Batch, error) {
	var keys map[string]sonnet.RawMessage
	if err := sonnet.Unmarshal(body, &keys); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	_, hasEvent := keys["event"]
	_, hasData := keys["data"]
	if hasEvent || hasData {
		var env graphQLEnvelope
		if err := sonnet.Unmarshal(body, &env); err == nil {
			if block := env.block(); block != nil {
				return fromGraphQLBlock(network, block), nil
			}
		}
	}

	_, hasLogs := keys["logs"]
	_, hasResult := keys["result"]
	if hasLogs || hasResult {
		var w logsWrapped
		if err := sonnet.Unmarshal(body, &w); err == nil {
			logs := w.Logs
			if !hasLogs {
				logs = w.Result
			}
			b := fromFlatLogs(network, logs)
			b.Shape = ShapeLogsWrapped
			return b, nil
		}
	}

	return &Batch{Shape: ShapeUnknown}, nil
}

// block returns the nested block of either GraphQL envelope variant.
func (e *graphQLEnvelope) block() *graphQLBlock {
	if e.Event != nil && e.Event.Data != nil && e.Event.Data.Block != nil {
		return e.Event.Data.Block
	}
	if e.Data != nil && e.Data.Block != nil {
		return e.Data.Block
	}
	return nil
}

func fromGraphQLBlock(network string, block *graphQLBlock) *Batch {
	b := &Batch{Shape: ShapeGraphQL}
	for _, l := range block.Logs {
		in := domain.EventInput{
			Network:     network,
			Topics:      l.Topics,
			Data:        l.Data,
			LogIndex:    l.Index.Value,
			BlockNumber: block.Number.Value,
			BlockHash:   block.Hash,
			Removed:     l.Removed,
		}
		if l.Account != nil {
			in.ContractAddress = l.Account.Address
		}
		if l.Transaction != nil {
			in.TransactionHash = l.Transaction.Hash
		}
		b.add(in)
	}
	return b
}

func fromFlatLogs(network string, logs []flatLog) *Batch {
	b := &Batch{}
	for _, l := range logs {
		b.add(domain.EventInput{
			Network:         network,
			ContractAddress: l.Address,
			Topics:          l.Topics,
			Data:            l.Data,
			TransactionHash: l.TransactionHash,
			LogIndex:        l.LogIndex.or(0),
			BlockNumber:     l.BlockNumber.or(0),
			BlockHash:       l.BlockHash,
			Removed:         l.Removed,
		})
	}
	return b
}

func (b *Batch) add(in domain.EventInput) {
	e, err := domain.NewCanonicalEvent(in)
	if err != nil {
		b.Invalid = append(b.Invalid, err)
		return
	}
	b.Events = append(b.Events, e)
}

// FromRPCLogs converts eth_getLogs results into canonical events.
func FromRPCLogs(network string, logs []evm.Log) *Batch {
	b := &Batch{Shape: ShapeFlat}
	for _, l := range logs {
		logIndex, err1 := decodeOptional(l.LogIndex)
		blockNumber, err2 := decodeOptional(l.BlockNumber)
		if err := errors.Join(err1, err2); err != nil {
			b.Invalid = append(b.Invalid, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err))
			continue
		}

		removed := l.Removed
		b.add(domain.EventInput{
			Network:         network,
			ContractAddress: l.Address,
			Topics:          l.Topics,
			Data:            l.Data,
			TransactionHash: l.TransactionHash,
			LogIndex:        logIndex,
			BlockNumber:     blockNumber,
			BlockHash:       l.BlockHash,
			Removed:         &removed,
		})
	}
	return b
}

func decodeOptional(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return domain.DecodeQuantity(s)
}

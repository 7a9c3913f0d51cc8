package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidEvent is returned when an event cannot be constructed from its input.
var ErrInvalidEvent = errors.New("invalid event")

// CanonicalEvent is the provider-agnostic representation of one contract log.
// Construct it with NewCanonicalEvent so normalization rules apply uniformly.
type CanonicalEvent struct {
	Network         string   // chain/environment identifier
	ContractAddress string   // lowercase emitting address
	Topics          []string // topics[0] is the event signature hash
	Data            string   // 0x-prefixed ABI payload
	TransactionHash string   // lowercase 0x-prefixed hash
	LogIndex        uint64   // position of the log within the block
	BlockNumber     uint64   // block height
	BlockHash       string   // lowercase 0x-prefixed hash
	Removed         bool     // true when the chain reorganized this log away
}

// EventInput carries the loosely-typed fields adapters extract from payloads.
// Removed is optional; nil means the provider did not report it (false).
type EventInput struct {
	Network         string
	ContractAddress string
	Topics          []string
	Data            string
	TransactionHash string
	LogIndex        uint64
	BlockNumber     uint64
	BlockHash       string
	Removed         *bool
}

// NewCanonicalEvent normalizes input into a CanonicalEvent.
func NewCanonicalEvent(in EventInput) (CanonicalEvent, error) {
	if strings.TrimSpace(in.TransactionHash) == "" {
		return CanonicalEvent{}, fmt.Errorf("%w: missing transaction hash", ErrInvalidEvent)
	}
	if len(in.Topics) == 0 {
		return CanonicalEvent{}, fmt.Errorf("%w: missing topics", ErrInvalidEvent)
	}
	if strings.TrimSpace(in.ContractAddress) == "" {
		return CanonicalEvent{}, fmt.Errorf("%w: missing contract address", ErrInvalidEvent)
	}

	topics := make([]string, len(in.Topics))
	for i, t := range in.Topics {
		topics[i] = normalizeHex(t)
	}

	data := normalizeHex(in.Data)
	if data == "" {
		data = "0x"
	}

	removed := false
	if in.Removed != nil {
		removed = *in.Removed
	}

	return CanonicalEvent{
		Network:         strings.ToLower(strings.TrimSpace(in.Network)),
		ContractAddress: normalizeHex(in.ContractAddress),
		Topics:          topics,
		Data:            data,
		TransactionHash: normalizeHex(in.TransactionHash),
		LogIndex:        in.LogIndex,
		BlockNumber:     in.BlockNumber,
		BlockHash:       normalizeHex(in.BlockHash),
		Removed:         removed,
	}, nil
}

// Key returns the natural key of the event.
func (e CanonicalEvent) Key() NaturalKey {
	return NaturalKey{
		Network:  e.Network,
		TxHash:   e.TransactionHash,
		LogIndex: e.LogIndex,
	}
}

// Signature returns topics[0], or "" when the log carries no topics.
func (e CanonicalEvent) Signature() string {
	if len(e.Topics) == 0 {
		return ""
	}
	return e.Topics[0]
}

// LogIndexHex returns the canonical hex encoding of LogIndex.
func (e CanonicalEvent) LogIndexHex() string {
	return EncodeQuantity(e.LogIndex)
}

// BlockNumberHex returns the canonical hex encoding of BlockNumber.
func (e CanonicalEvent) BlockNumberHex() string {
	return EncodeQuantity(e.BlockNumber)
}

// EncodeQuantity encodes v as 0x-prefixed lowercase hex without leading zeros.
func EncodeQuantity(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

// DecodeQuantity parses a hex ("0x1a") or decimal ("26") quantity.
func DecodeQuantity(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty quantity")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		digits := s[2:]
		if digits == "" {
			return 0, nil
		}
		return strconv.ParseUint(digits, 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

func normalizeHex(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s != "" && !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return s
}

// NaturalKey uniquely identifies the effect of one log.
type NaturalKey struct {
	Network  string
	TxHash   string
	LogIndex uint64
}

// String renders the key as network:txhash:logindex.
func (k NaturalKey) String() string {
	return fmt.Sprintf("%s:%s:%d", k.Network, k.TxHash, k.LogIndex)
}

package domain

import (
	"encoding/json"
	"fmt"
)

// storedEvent is the persisted raw_event shape. Quantities are canonical hex.
type storedEvent struct {
	Network         string   `json:"network"`
	ContractAddress string   `json:"contractAddress"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	TransactionHash string   `json:"transactionHash"`
	LogIndex        string   `json:"logIndex"`
	BlockNumber     string   `json:"blockNumber"`
	BlockHash       string   `json:"blockHash"`
	Removed         bool     `json:"removed"`
}

// MarshalJSON encodes the event with hex quantities for storage and replay.
func (e CanonicalEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(storedEvent{
		Network:         e.Network,
		ContractAddress: e.ContractAddress,
		Topics:          e.Topics,
		Data:            e.Data,
		TransactionHash: e.TransactionHash,
		LogIndex:        e.LogIndexHex(),
		BlockNumber:     e.BlockNumberHex(),
		BlockHash:       e.BlockHash,
		Removed:         e.Removed,
	})
}

// UnmarshalJSON decodes the stored shape written by MarshalJSON.
func (e *CanonicalEvent) UnmarshalJSON(b []byte) error {
	var s storedEvent
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}

	logIndex, err := DecodeQuantity(s.LogIndex)
	if err != nil {
		return fmt.Errorf("decode logIndex: %w", err)
	}
	blockNumber, err := DecodeQuantity(s.BlockNumber)
	if err != nil {
		return fmt.Errorf("decode blockNumber: %w", err)
	}

	*e = CanonicalEvent{
		Network:         s.Network,
		ContractAddress: s.ContractAddress,
		Topics:          s.Topics,
		Data:            s.Data,
		TransactionHash: s.TransactionHash,
		LogIndex:        logIndex,
		BlockNumber:     blockNumber,
		BlockHash:       s.BlockHash,
		Removed:         s.Removed,
	}
	return nil
}

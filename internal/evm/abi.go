package evm

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// WordSize is the size of one ABI-encoded static value.
const WordSize = 32

// ErrShortData is returned when ABI data or a topic is too short to decode.
var ErrShortData = errors.New("abi data too short")

// EventID returns the 0x-prefixed keccak256 hash of an event signature,
// e.g. EventID("Sync(uint256,uint256)").
func EventID(signature string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// DecodeData decodes 0x-prefixed hex log data.
func DecodeData(data string) ([]byte, error) {
	data = strings.TrimPrefix(strings.TrimPrefix(data, "0x"), "0X")
	b, err := hex.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode hex data: %w", err)
	}
	return b, nil
}

// Word returns the i-th 32-byte word of data as an unsigned integer.
func Word(data []byte, i int) (*big.Int, error) {
	w, err := word(data, i)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(w), nil
}

// WordAddress returns the i-th word of data as a lowercase address.
func WordAddress(data []byte, i int) (string, error) {
	w, err := word(data, i)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(w[12:]), nil
}

// WordUint8 returns the i-th word of data as a uint8, rejecting larger values.
func WordUint8(data []byte, i int) (uint8, error) {
	v, err := Word(data, i)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() || v.Uint64() > 255 {
		return 0, fmt.Errorf("word %d out of uint8 range: %s", i, v)
	}
	return uint8(v.Uint64()), nil
}

// TopicAddress returns an indexed address topic as a lowercase address.
func TopicAddress(topic string) (string, error) {
	b, err := topicBytes(topic)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(b[12:]), nil
}

// TopicInt returns an indexed uint256 topic.
func TopicInt(topic string) (*big.Int, error) {
	b, err := topicBytes(topic)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

func word(data []byte, i int) ([]byte, error) {
	end := (i + 1) * WordSize
	if i < 0 || len(data) < end {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrShortData, end, len(data))
	}
	return data[i*WordSize : end], nil
}

func topicBytes(topic string) ([]byte, error) {
	b, err := DecodeData(topic)
	if err != nil {
		return nil, err
	}
	if len(b) != WordSize {
		return nil, fmt.Errorf("%w: topic has %d bytes", ErrShortData, len(b))
	}
	return b, nil
}

// EncodeWords ABI-encodes unsigned integers as 0x-prefixed hex data.
func EncodeWords(values ...*big.Int) string {
	var sb strings.Builder
	sb.WriteString("0x")
	for _, v := range values {
		var w [WordSize]byte
		v.FillBytes(w[:])
		sb.WriteString(hex.EncodeToString(w[:]))
	}
	return sb.String()
}

// AddressWord left-pads an address to a 32-byte hex word without 0x.
func AddressWord(addr string) string {
	addr = strings.ToLower(strings.TrimPrefix(addr, "0x"))
	if len(addr) >= 2*WordSize {
		return addr
	}
	return strings.Repeat("0", 2*WordSize-len(addr)) + addr
}

// AddressTopic left-pads an address into an indexed topic.
func AddressTopic(addr string) string {
	return "0x" + AddressWord(addr)
}

// IntTopic encodes v as an indexed uint256 topic.
func IntTopic(v *big.Int) string {
	return EncodeWords(v)
}

// Package idhash derives deterministic identifiers from natural keys.
package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// ComputeEventID computes a deterministic event_id using SHA256.
// Formula: SHA256(network|tx_hash|log_index) over the lowercase network and hash.
// Returns hex-encoded hash (64 characters).
func ComputeEventID(network, txHash string, logIndex uint64) string {
	data := fmt.Sprintf("%s|%s|%d",
		strings.ToLower(network),
		strings.ToLower(txHash),
		logIndex,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

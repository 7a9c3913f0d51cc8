package adapter

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/sugawarayuuta/sonnet"

	"chain-event-ingest/internal/domain"
)

// quantity is an integer a provider may send as a hex string, a decimal
// string or a JSON number. Set is false when the field was absent or null.
type quantity struct {
	Value uint64
	Set   bool
}

// UnmarshalJSON implements sonnet.Unmarshaler.
func (q *quantity) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*q = quantity{}
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := sonnet.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*q = quantity{}
			return nil
		}
		v, err := domain.DecodeQuantity(s)
		if err != nil {
			return fmt.Errorf("quantity %q: %w", s, err)
		}
		*q = quantity{Value: v, Set: true}
		return nil
	}

	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("quantity %s: %w", b, err)
	}
	*q = quantity{Value: v, Set: true}
	return nil
}

// or returns q's value when set, otherwise fallback.
func (q quantity) or(fallback uint64) uint64 {
	if q.Set {
		return q.Value
	}
	return fallback
}

package idhash

import (
	"testing"
)

func TestComputeEventID(t *testing.T) {
	tests := []struct {
		name     string
		network  string
		txHash   string
		logIndex uint64
	}{
		{name: "first log", network: "mainnet", txHash: "0xabc", logIndex: 0},
		{name: "high log index", network: "sepolia", txHash: "0xdef", logIndex: 312},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeEventID(tt.network, tt.txHash, tt.logIndex)
			if len(got) != 64 {
				t.Errorf("ComputeEventID() length = %d, want 64", len(got))
			}

			again := ComputeEventID(tt.network, tt.txHash, tt.logIndex)
			if got != again {
				t.Errorf("ComputeEventID() not deterministic: %s != %s", got, again)
			}
		})
	}
}

func TestComputeEventID_CaseInsensitive(t *testing.T) {
	a := ComputeEventID("Mainnet", "0xABC", 1)
	b := ComputeEventID("mainnet", "0xabc", 1)
	if a != b {
		t.Errorf("expected case-insensitive ID, got %s and %s", a, b)
	}
}

func TestComputeEventID_DistinctKeys(t *testing.T) {
	base := ComputeEventID("mainnet", "0xabc", 1)

	if base == ComputeEventID("mainnet", "0xabc", 2) {
		t.Error("log index should change the ID")
	}
	if base == ComputeEventID("sepolia", "0xabc", 1) {
		t.Error("network should change the ID")
	}
	if base == ComputeEventID("mainnet", "0xabd", 1) {
		t.Error("tx hash should change the ID")
	}
}

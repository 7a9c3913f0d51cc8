package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chain-event-ingest/internal/domain"
	"chain-event-ingest/internal/storage"
)

func testEvent(tx string, logIndex, block uint64) domain.CanonicalEvent {
	return domain.CanonicalEvent{
		Network:         "testnet",
		ContractAddress: "0xpool",
		Topics:          []string{"0xsig"},
		Data:            "0x",
		TransactionHash: tx,
		LogIndex:        logIndex,
		BlockNumber:     block,
		BlockHash:       "0xblock",
	}
}

func TestRecordStore_ClaimAndGet(t *testing.T) {
	db := NewDB()
	store := db.Repos().Records
	ctx := context.Background()

	e := testEvent("0xaa", 1, 100)
	r := domain.NewPendingRecord(e, domain.SourceWebhook, time.Unix(1704067200, 0))

	claimed, err := store.Claim(ctx, r)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if !claimed {
		t.Fatal("first Claim should succeed")
	}

	got, err := store.Get(ctx, e.Key())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != domain.StatusPending {
		t.Errorf("Status mismatch: got %s, want pending", got.Status)
	}
	if got.RawEvent.TransactionHash != "0xaa" {
		t.Errorf("RawEvent mismatch: got %s", got.RawEvent.TransactionHash)
	}

	// Second claim loses
	claimed, err = store.Claim(ctx, r)
	if err != nil {
		t.Fatalf("second Claim failed: %v", err)
	}
	if claimed {
		t.Error("second Claim should not succeed")
	}
}

func TestRecordStore_ConcurrentClaim(t *testing.T) {
	db := NewDB()
	store := db.Repos().Records
	ctx := context.Background()
	r := domain.NewPendingRecord(testEvent("0xaa", 0, 1), domain.SourceWebhook, time.Now())

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Claim(ctx, r)
			if err != nil {
				t.Errorf("Claim failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
}

func TestRecordStore_Transition(t *testing.T) {
	db := NewDB()
	store := db.Repos().Records
	ctx := context.Background()

	e := testEvent("0xaa", 0, 1)
	if _, err := store.Claim(ctx, domain.NewPendingRecord(e, domain.SourceWebhook, time.Now())); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	if err := store.Transition(ctx, e.Key(), domain.StatusPending, domain.StatusProcessed, ""); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	// CAS from the old status must fail
	err := store.Transition(ctx, e.Key(), domain.StatusPending, domain.StatusProcessed, "")
	if !errors.Is(err, storage.ErrStatusConflict) {
		t.Errorf("Expected ErrStatusConflict, got %v", err)
	}

	got, _ := store.Get(ctx, e.Key())
	if got.ProcessedAt == nil {
		t.Error("ProcessedAt should be set")
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts mismatch: got %d, want 1", got.Attempts)
	}

	err = store.Transition(ctx, domain.NaturalKey{Network: "testnet", TxHash: "0xmissing"}, domain.StatusPending, domain.StatusProcessed, "")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRecordStore_RequeueFailed(t *testing.T) {
	db := NewDB()
	store := db.Repos().Records
	ctx := context.Background()

	e := testEvent("0xaa", 0, 1)
	_, _ = store.Claim(ctx, domain.NewPendingRecord(e, domain.SourceWebhook, time.Now()))
	if err := store.Transition(ctx, e.Key(), domain.StatusPending, domain.StatusFailed, "boom"); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	got, _ := store.Get(ctx, e.Key())
	if got.FailureReason != "boom" {
		t.Errorf("FailureReason mismatch: got %q", got.FailureReason)
	}

	if err := store.Requeue(ctx, e.Key(), domain.SourceManual); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	got, _ = store.Get(ctx, e.Key())
	if got.Status != domain.StatusPending || got.Source != domain.SourceManual {
		t.Errorf("unexpected record after requeue: %s/%s", got.Status, got.Source)
	}

	// processed records cannot be requeued
	_ = store.Transition(ctx, e.Key(), domain.StatusPending, domain.StatusProcessed, "")
	if err := store.Requeue(ctx, e.Key(), domain.SourceManual); !errors.Is(err, storage.ErrStatusConflict) {
		t.Errorf("Expected ErrStatusConflict, got %v", err)
	}
}

func TestRecordStore_ListByStatusOrdered(t *testing.T) {
	db := NewDB()
	store := db.Repos().Records
	ctx := context.Background()

	for _, e := range []domain.CanonicalEvent{
		testEvent("0xc", 0, 30),
		testEvent("0xa", 2, 10),
		testEvent("0xb", 1, 10),
	} {
		if _, err := store.Claim(ctx, domain.NewPendingRecord(e, domain.SourceBackfill, time.Now())); err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
	}

	got, err := store.ListByStatus(ctx, domain.StatusPending, 2)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].Key.TxHash != "0xb" || got[1].Key.TxHash != "0xa" {
		t.Errorf("unexpected order: %s, %s", got[0].Key.TxHash, got[1].Key.TxHash)
	}
}

func TestRecordStore_GetByTxHashes(t *testing.T) {
	db := NewDB()
	store := db.Repos().Records
	ctx := context.Background()

	_, _ = store.Claim(ctx, domain.NewPendingRecord(testEvent("0xa", 0, 1), domain.SourceWebhook, time.Now()))
	_, _ = store.Claim(ctx, domain.NewPendingRecord(testEvent("0xa", 1, 1), domain.SourceWebhook, time.Now()))
	_, _ = store.Claim(ctx, domain.NewPendingRecord(testEvent("0xb", 0, 2), domain.SourceWebhook, time.Now()))

	got, err := store.GetByTxHashes(ctx, "testnet", []string{"0xa"})
	if err != nil {
		t.Fatalf("GetByTxHashes failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 records, got %d", len(got))
	}

	got, _ = store.GetByTxHashes(ctx, "othernet", []string{"0xa"})
	if len(got) != 0 {
		t.Errorf("expected no records on another network, got %d", len(got))
	}
}

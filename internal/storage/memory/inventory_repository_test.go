package memory_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/storage/memory"
)

func TestInventoryRepository_ConditionalUpdates(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore().Inventory()
	if err := repo.Upsert(ctx, domain.InventoryRecord{VariantID: "v-1", Total: 3}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	steps := []struct {
		name string
		call func() (bool, error)
		ok   bool
	}{
		{name: "reserve 2", call: func() (bool, error) { return repo.Reserve(ctx, "v-1", 2) }, ok: true},
		{name: "reserve 2 over available", call: func() (bool, error) { return repo.Reserve(ctx, "v-1", 2) }, ok: false},
		{name: "release 3 over reserved", call: func() (bool, error) { return repo.Release(ctx, "v-1", 3) }, ok: false},
		{name: "commit 2", call: func() (bool, error) { return repo.Commit(ctx, "v-1", 2) }, ok: true},
		{name: "commit again", call: func() (bool, error) { return repo.Commit(ctx, "v-1", 1) }, ok: false},
		{name: "restock 2", call: func() (bool, error) { return repo.Restock(ctx, "v-1", 2) }, ok: true},
	}
	for _, step := range steps {
		ok, err := step.call()
		if err != nil {
			t.Fatalf("%s: unexpected error %v", step.name, err)
		}
		if ok != step.ok {
			t.Fatalf("%s: ok=%v, want %v", step.name, ok, step.ok)
		}
	}

	record, _ := repo.Get(ctx, "v-1")
	if record.Total != 3 || record.Reserved != 0 {
		t.Fatalf("unexpected record %+v", record)
	}

	if _, err := repo.Reserve(ctx, "missing", 1); !errors.Is(err, domain.ErrVariantNotFound) {
		t.Fatalf("expected variant not found, got %v", err)
	}
	if _, err := repo.Reserve(ctx, "v-1", 0); !errors.Is(err, domain.ErrItemQtyInvalid) {
		t.Fatalf("expected qty invalid, got %v", err)
	}
}

func TestInventoryRepository_ConcurrentReserveNeverOversells(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore().Inventory()
	if err := repo.Upsert(ctx, domain.InventoryRecord{VariantID: "v-1", Total: 10}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var wg sync.WaitGroup
	var granted atomic.Int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := repo.Reserve(ctx, "v-1", 1); err == nil && ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	record, _ := repo.Get(ctx, "v-1")
	if granted.Load() != 10 || record.Reserved != 10 || record.Available() != 0 {
		t.Fatalf("granted=%d record=%+v", granted.Load(), record)
	}
}

func TestInventoryRepository_Holds(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore().Inventory()
	now := time.Now().UTC()

	hold := domain.StockHold{ID: "h-1", OrderID: "o-1", VariantID: "v-1", Qty: 2, Status: domain.HoldStatusHeld, CreatedAt: now}
	if err := repo.CreateHold(ctx, hold); err != nil {
		t.Fatalf("create hold: %v", err)
	}
	if err := repo.CreateHold(ctx, domain.StockHold{ID: "h-2", OrderID: "o-1"}); err == nil {
		t.Fatal("expected validation error")
	}

	ok, err := repo.UpdateHoldStatus(ctx, "h-1", domain.HoldStatusHeld, domain.HoldStatusReleased, now)
	if err != nil || !ok {
		t.Fatalf("release hold: ok=%v err=%v", ok, err)
	}
	ok, _ = repo.UpdateHoldStatus(ctx, "h-1", domain.HoldStatusHeld, domain.HoldStatusCommitted, now)
	if ok {
		t.Fatal("released hold must not be committed")
	}

	holds, _ := repo.ListHolds(ctx, "o-1")
	if len(holds) != 1 || holds[0].Status != domain.HoldStatusReleased {
		t.Fatalf("unexpected holds %+v", holds)
	}
}

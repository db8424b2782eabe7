package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/storage/memory"
)

func newOrder(id string) domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		ID:         id,
		CustomerID: "customer-1",
		Status:     domain.OrderStatusPending,
		Currency:   "USD",
		Items: []domain.OrderItem{
			{ID: id + "-item-1", VariantID: "v-1", Qty: 5, UnitPriceMinor: 100},
		},
		SubtotalMinor: 500,
		TotalMinor:    500,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestStore_WithinTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	if err := store.Inventory().Upsert(ctx, domain.InventoryRecord{VariantID: "v-1", Total: 10}); err != nil {
		t.Fatalf("seed inventory: %v", err)
	}

	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(tx domain.Tx) error {
		if err := tx.Orders().Create(ctx, newOrder("order-1")); err != nil {
			return err
		}
		if ok, err := tx.Inventory().Reserve(ctx, "v-1", 4); err != nil || !ok {
			t.Fatalf("reserve inside tx: ok=%v err=%v", ok, err)
		}
		if _, err := tx.Outbox().Enqueue(ctx, domain.OutboxMessage{AggregateID: "order-1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if _, err := store.Orders().Get(ctx, "order-1"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("order must be rolled back, got %v", err)
	}
	record, err := store.Inventory().Get(ctx, "v-1")
	if err != nil {
		t.Fatalf("get inventory: %v", err)
	}
	if record.Reserved != 0 {
		t.Fatalf("reservation must be rolled back, reserved=%d", record.Reserved)
	}
	stats, err := store.Outbox().Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PendingCount != 0 {
		t.Fatalf("outbox must be rolled back, pending=%d", stats.PendingCount)
	}
}

func TestStore_WithinTxCommits(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	err := store.WithinTx(ctx, func(tx domain.Tx) error {
		return tx.Orders().Create(ctx, newOrder("order-1"))
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}
	if _, err := store.Orders().Get(ctx, "order-1"); err != nil {
		t.Fatalf("order must be committed: %v", err)
	}
}

func TestStore_WithinTxRollsBackOnPanic(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	func() {
		defer func() { _ = recover() }()
		_ = store.WithinTx(ctx, func(tx domain.Tx) error {
			_ = tx.Orders().Create(ctx, newOrder("order-1"))
			panic("unexpected")
		})
	}()

	if _, err := store.Orders().Get(ctx, "order-1"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("order must be rolled back after panic, got %v", err)
	}
	// Мьютекс должен быть освобождён.
	if err := store.Orders().Create(ctx, newOrder("order-2")); err != nil {
		t.Fatalf("store must stay usable: %v", err)
	}
}

func TestStore_WithinTxCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := memory.NewStore().WithinTx(ctx, func(domain.Tx) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("expected context.Canceled without calling fn, got %v (called=%v)", err, called)
	}
}

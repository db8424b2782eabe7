package postgres

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

func TestInventoryRepository_PostgresConcurrentReserve(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := store.Inventory()
	ctx := context.Background()

	if err := repo.Upsert(ctx, domain.InventoryRecord{VariantID: "v-1", Total: 5}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var (
		wg      sync.WaitGroup
		granted atomic.Int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := repo.Reserve(ctx, "v-1", 1); err == nil && ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	record, err := repo.Get(ctx, "v-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if granted.Load() != 5 || record.Reserved != 5 {
		t.Fatalf("oversell detected: granted=%d record=%+v", granted.Load(), record)
	}

	if ok, err := repo.Commit(ctx, "v-1", 2); err != nil || !ok {
		t.Fatalf("commit: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.Release(ctx, "v-1", 4); err != nil || ok {
		t.Fatalf("release over reserved must not apply: ok=%v err=%v", ok, err)
	}
	if _, err := repo.Reserve(ctx, "missing", 1); !errors.Is(err, domain.ErrVariantNotFound) {
		t.Fatalf("expected variant not found, got %v", err)
	}
}

func TestPaymentRepository_PostgresOpenPaymentIndex(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := store.Payments()
	ctx := context.Background()
	now := time.Now().UTC()

	first := domain.Payment{ID: "p-1", OrderID: "o-1", AmountMinor: 100, Currency: "USD", Status: domain.PaymentStatusCreated, CreatedAt: now, UpdatedAt: now}
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	second := first
	second.ID = "p-2"
	if err := repo.Create(ctx, second); !errors.Is(err, domain.ErrPaymentInProgress) {
		t.Fatalf("expected payment in progress, got %v", err)
	}

	if err := repo.SetIntent(ctx, "p-1", "pi_1", "secret_1", now); err != nil {
		t.Fatalf("set intent: %v", err)
	}
	byIntent, err := repo.GetByIntent(ctx, "pi_1")
	if err != nil || byIntent.ID != "p-1" {
		t.Fatalf("get by intent: %+v err=%v", byIntent, err)
	}

	external := "ext_1"
	verified := true
	ok, err := repo.UpdateStatus(ctx, "p-1", []domain.PaymentStatus{domain.PaymentStatusCreated, domain.PaymentStatusAuthorized},
		domain.PaymentStatusCaptured, domain.PaymentUpdate{ExternalPaymentID: &external, SignatureVerified: &verified}, now)
	if err != nil || !ok {
		t.Fatalf("capture: ok=%v err=%v", ok, err)
	}
	if err := repo.Create(ctx, second); err != nil {
		t.Fatalf("closed payment must free the slot: %v", err)
	}

	captured, _ := repo.ListByStatus(ctx, domain.PaymentStatusCaptured, 10)
	if len(captured) != 1 || captured[0].ExternalPaymentID != external || !captured[0].SignatureVerified {
		t.Fatalf("unexpected captured list %+v", captured)
	}
}

func TestPromoRepository_PostgresUsageAndRedemption(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := store.Promos()
	ctx := context.Background()
	limit := int64(1)

	promo := domain.Promo{Code: "save20", Type: domain.PromoTypePercentage, Value: decimal.NewFromInt(20), UsageLimit: &limit, Active: true}
	if err := repo.Upsert(ctx, promo); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if ok, err := repo.IncrementUsage(ctx, "SAVE20", time.Now().UTC()); err != nil || !ok {
		t.Fatalf("first increment: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.IncrementUsage(ctx, "SAVE20", time.Now().UTC()); err != nil || ok {
		t.Fatalf("limit must block: ok=%v err=%v", ok, err)
	}

	if err := repo.CreateRedemption(ctx, domain.PromoRedemption{Code: "SAVE20", OrderID: "o-1", DiscountMinor: 50}); err != nil {
		t.Fatalf("redemption: %v", err)
	}
	if err := repo.CreateRedemption(ctx, domain.PromoRedemption{Code: "SAVE20", OrderID: "o-1", DiscountMinor: 50}); !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("expected duplicate redemption, got %v", err)
	}

	got, err := repo.Get(ctx, "save20")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UsedCount != 1 || !got.Value.Equal(decimal.NewFromInt(20)) || got.UsageLimit == nil {
		t.Fatalf("unexpected promo %+v", got)
	}

	updated, err := repo.Update(ctx, "SAVE20", domain.PromoPatch{ClearUsageLimit: true}, time.Now().UTC())
	if err != nil || updated.UsageLimit != nil {
		t.Fatalf("clear limit: %+v err=%v", updated, err)
	}
}

func TestIdempotencyRepository_PostgresLifecycle(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := store.Idempotency()
	ctx := context.Background()
	now := time.Now().UTC().Round(time.Microsecond)

	record := domain.IdempotencyRecord{Key: "k-1", UserID: "u-1", RequestHash: "h-1", OrderID: "o-1", ExpiresAt: now.Add(time.Hour)}
	if err := repo.Create(ctx, record); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Create(ctx, record); !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if err := repo.Create(ctx, domain.IdempotencyRecord{Key: "k-old", ExpiresAt: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("create old: %v", err)
	}

	removed, err := repo.DeleteExpired(ctx, now, 10)
	if err != nil || removed != 1 {
		t.Fatalf("delete expired: removed=%d err=%v", removed, err)
	}

	got, err := repo.Get(ctx, "k-1")
	if err != nil || got.OrderID != "o-1" || !got.ExpiresAt.Equal(record.ExpiresAt) {
		t.Fatalf("unexpected record %+v err=%v", got, err)
	}
}

func TestOutboxAndTimeline_Postgres(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()

	saved, err := store.Outbox().Enqueue(ctx, domain.OutboxMessage{AggregateType: "order", AggregateID: "o-1", EventType: "order.created", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	pending, err := store.Outbox().PullPending(ctx, 10)
	if err != nil || len(pending) != 1 || pending[0].ID != saved.ID {
		t.Fatalf("pull pending: %+v err=%v", pending, err)
	}
	if err := store.Outbox().MarkSent(ctx, saved.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := store.Outbox().MarkFailed(ctx, "missing"); !errors.Is(err, domain.ErrOutboxPublish) {
		t.Fatalf("expected outbox publish error, got %v", err)
	}

	now := time.Now().UTC()
	_ = store.Timeline().Append(ctx, domain.TimelineEvent{OrderID: "o-1", Type: "paid", Actor: "gateway", Occurred: now})
	_ = store.Timeline().Append(ctx, domain.TimelineEvent{OrderID: "o-1", Type: "created", Actor: "u-1", Occurred: now.Add(-time.Second)})
	events, err := store.Timeline().List(ctx, "o-1")
	if err != nil || len(events) != 2 || events[0].Type != "created" || events[1].Actor != "gateway" {
		t.Fatalf("unexpected timeline %+v err=%v", events, err)
	}

	if err := store.Catalog().UpsertPrice(ctx, domain.CatalogPrice{VariantID: "v-1", PriceMinor: 250, Currency: "USD", Active: true}); err != nil {
		t.Fatalf("upsert price: %v", err)
	}
	prices, err := store.Catalog().Prices(ctx, []string{"v-1", "v-2"})
	if err != nil || len(prices) != 1 || prices["v-1"].PriceMinor != 250 {
		t.Fatalf("unexpected prices %+v err=%v", prices, err)
	}
}

func TestOutboxRepository_PostgresPullPendingIgnoresRowLocks(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()

	var ids []string
	for _, eventType := range []string{"order.created", "order.paid"} {
		saved, err := store.Outbox().Enqueue(ctx, domain.OutboxMessage{AggregateType: "order", AggregateID: "o-1", EventType: eventType, Payload: []byte(`{}`)})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, saved.ID)
	}

	// незавершённая транзакция держит строку; чтение pending её не пропускает и не ждёт
	err := store.WithinTx(ctx, func(tx domain.Tx) error {
		if err := tx.Outbox().MarkSent(ctx, ids[0]); err != nil {
			return err
		}
		pending, err := store.Outbox().PullPending(ctx, 10)
		if err != nil {
			return err
		}
		if len(pending) != 2 || pending[0].ID != ids[0] || pending[1].ID != ids[1] {
			t.Errorf("expected both committed pending rows in order, got %+v", pending)
		}
		return errors.New("rollback")
	})
	if err == nil || err.Error() != "rollback" {
		t.Fatalf("expected rollback, got %v", err)
	}

	pending, err := store.Outbox().PullPending(ctx, 10)
	if err != nil || len(pending) != 2 {
		t.Fatalf("rolled back mark must keep the row pending: %+v err=%v", pending, err)
	}
}

package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/storage/memory"
)

func TestPromoRepository_UsageLimit(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore().Promos()
	limit := int64(1)

	err := repo.Upsert(ctx, domain.Promo{Code: "save20", Type: domain.PromoTypePercentage, Value: decimal.NewFromInt(20), UsageLimit: &limit, Active: true})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	ok, err := repo.IncrementUsage(ctx, "SAVE20", time.Now().UTC())
	if err != nil || !ok {
		t.Fatalf("first increment: ok=%v err=%v", ok, err)
	}
	ok, err = repo.IncrementUsage(ctx, "save20", time.Now().UTC())
	if err != nil || ok {
		t.Fatalf("limit must block second increment: ok=%v err=%v", ok, err)
	}

	promo, _ := repo.Get(ctx, "SAVE20")
	if promo.UsedCount != 1 {
		t.Fatalf("used_count=%d", promo.UsedCount)
	}

	// Повторный upsert не сбрасывает счётчик.
	if err := repo.Upsert(ctx, promo); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	promo, _ = repo.Get(ctx, "SAVE20")
	if promo.UsedCount != 1 {
		t.Fatalf("upsert must keep used_count, got %d", promo.UsedCount)
	}
}

func TestPromoRepository_UpdatePatch(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore().Promos()
	if err := repo.Upsert(ctx, domain.Promo{Code: "FLAT5", Type: domain.PromoTypeFixed, Value: decimal.NewFromInt(500), Active: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	inactive := false
	updated, err := repo.Update(ctx, "flat5", domain.PromoPatch{Active: &inactive}, time.Now().UTC())
	if err != nil || updated.Active {
		t.Fatalf("update: %+v err=%v", updated, err)
	}
	if _, err := repo.Update(ctx, "missing", domain.PromoPatch{}, time.Now().UTC()); !errors.Is(err, domain.ErrPromoNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPromoRepository_RedemptionPerOrder(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore().Promos()

	if err := repo.CreateRedemption(ctx, domain.PromoRedemption{Code: "SAVE20", OrderID: "o-1", DiscountMinor: 50}); err != nil {
		t.Fatalf("create redemption: %v", err)
	}
	if err := repo.CreateRedemption(ctx, domain.PromoRedemption{Code: "FLAT5", OrderID: "o-1"}); !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}

	got, err := repo.GetRedemption(ctx, "o-1")
	if err != nil || got.DiscountMinor != 50 {
		t.Fatalf("unexpected redemption %+v err=%v", got, err)
	}
	if _, err := repo.GetRedemption(ctx, "o-2"); !errors.Is(err, domain.ErrRedemptionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

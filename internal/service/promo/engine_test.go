package promo

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/storage/memory"
)

var fixedNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func limit(n int64) *int64 { return &n }

func percentPromo(code string, pct int64, capMinor int64) domain.Promo {
	return domain.Promo{
		Code:             code,
		Type:             domain.PromoTypePercentage,
		Value:            decimal.NewFromInt(pct),
		MaxDiscountMinor: capMinor,
		Active:           true,
	}
}

func newEngine(t *testing.T, promos ...domain.Promo) (*Engine, *memory.Store) {
	t.Helper()

	store := memory.NewStore()
	engine := NewEngine(store, WithClock(func() time.Time { return fixedNow }))
	for _, p := range promos {
		require.NoError(t, engine.UpsertPromo(context.Background(), p))
	}
	return engine, store
}

func TestComputeDiscount(t *testing.T) {
	tests := []struct {
		name  string
		promo domain.Promo
		cart  int64
		want  int64
	}{
		{name: "percentage capped", promo: percentPromo("SAVE20", 20, 50), cart: 1000, want: 50},
		{name: "percentage under cap", promo: percentPromo("SAVE20", 20, 500), cart: 1000, want: 200},
		{name: "percentage no cap", promo: percentPromo("SAVE20", 20, 0), cart: 1000, want: 200},
		{name: "half rounds up", promo: percentPromo("TEN", 10, 0), cart: 5, want: 1},
		{name: "below half rounds down", promo: percentPromo("TEN", 10, 0), cart: 4, want: 0},
		{
			name:  "fractional percent",
			promo: domain.Promo{Code: "P", Type: domain.PromoTypePercentage, Value: decimal.RequireFromString("12.5"), Active: true},
			cart:  999,
			want:  125,
		},
		{name: "hundred percent", promo: percentPromo("FREE", 100, 0), cart: 730, want: 730},
		{
			name:  "fixed",
			promo: domain.Promo{Code: "F", Type: domain.PromoTypeFixed, Value: decimal.NewFromInt(300), Active: true},
			cart:  1000,
			want:  300,
		},
		{
			name:  "fixed clamps to cart",
			promo: domain.Promo{Code: "F", Type: domain.PromoTypeFixed, Value: decimal.NewFromInt(300), Active: true},
			cart:  120,
			want:  120,
		},
		{name: "empty cart", promo: percentPromo("SAVE20", 20, 0), cart: 0, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ComputeDiscount(tt.promo, tt.cart))
		})
	}
}

func TestEvaluate(t *testing.T) {
	base := percentPromo("SAVE20", 20, 50)

	tests := []struct {
		name   string
		mutate func(p *domain.Promo)
		cart   int64
		reason domain.PromoRejection
	}{
		{name: "valid", cart: 1000},
		{name: "inactive", mutate: func(p *domain.Promo) { p.Active = false }, cart: 1000, reason: domain.PromoRejectionInactive},
		{name: "not yet valid", mutate: func(p *domain.Promo) { p.ValidFrom = fixedNow.Add(time.Hour) }, cart: 1000, reason: domain.PromoRejectionNotYetValid},
		{name: "expired", mutate: func(p *domain.Promo) { p.ValidTo = fixedNow.Add(-time.Second) }, cart: 1000, reason: domain.PromoRejectionExpired},
		{name: "valid at boundary", mutate: func(p *domain.Promo) { p.ValidFrom = fixedNow; p.ValidTo = fixedNow }, cart: 1000},
		{name: "below minimum", mutate: func(p *domain.Promo) { p.MinOrderMinor = 1001 }, cart: 1000, reason: domain.PromoRejectionBelowMinimum},
		{name: "usage exhausted", mutate: func(p *domain.Promo) { p.UsageLimit = limit(2); p.UsedCount = 2 }, cart: 1000, reason: domain.PromoRejectionUsageLimitReached},
		{name: "inactive wins over expired", mutate: func(p *domain.Promo) { p.Active = false; p.ValidTo = fixedNow.Add(-time.Hour) }, cart: 1000, reason: domain.PromoRejectionInactive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			if tt.mutate != nil {
				tt.mutate(&p)
			}
			v := Evaluate(p, tt.cart, fixedNow)
			require.Equal(t, tt.reason, v.Reason)
			require.Equal(t, tt.reason == domain.PromoRejectionNone, v.OK)
			if v.OK {
				require.EqualValues(t, 50, v.DiscountMinor)
			} else {
				require.Zero(t, v.DiscountMinor)
			}
		})
	}
}

func TestEngine_Validate(t *testing.T) {
	engine, _ := newEngine(t, percentPromo("SAVE20", 20, 50))
	ctx := context.Background()

	v, err := engine.Validate(ctx, " save20 ", 1000, "user-1")
	require.NoError(t, err)
	require.True(t, v.OK)
	require.Equal(t, "SAVE20", v.Code)
	require.EqualValues(t, 50, v.DiscountMinor)

	v, err = engine.Validate(ctx, "NOPE", 1000, "user-1")
	require.NoError(t, err)
	require.False(t, v.OK)
	require.Equal(t, domain.PromoRejectionNotFound, v.Reason)

	_, err = engine.Validate(ctx, "  ", 1000, "user-1")
	require.ErrorIs(t, err, domain.ErrPromoCodeRequired)
}

func TestEngine_UsageLimitOne(t *testing.T) {
	p := percentPromo("ONCE", 10, 0)
	p.UsageLimit = limit(1)
	engine, store := newEngine(t, p)
	ctx := context.Background()

	first, err := engine.Apply(ctx, "ONCE", "order-1", "user-1", 1000)
	require.NoError(t, err)
	require.False(t, first.Replayed)
	require.EqualValues(t, 100, first.DiscountMinor)

	_, err = engine.Apply(ctx, "ONCE", "order-2", "user-2", 1000)
	require.ErrorIs(t, err, domain.ErrPromoUsageLimitReached)
	require.Equal(t, domain.KindPromoUsageLimitReached, domain.KindOf(err))

	// повтор для того же заказа возвращает исходную скидку, даже если сумма корзины изменилась
	again, err := engine.Apply(ctx, "once", "order-1", "user-1", 5000)
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.EqualValues(t, 100, again.DiscountMinor)

	stored, err := store.Promos().Get(ctx, "ONCE")
	require.NoError(t, err)
	require.EqualValues(t, 1, stored.UsedCount)
}

func TestEngine_ApplyRejections(t *testing.T) {
	expired := percentPromo("OLD", 10, 0)
	expired.ValidTo = fixedNow.Add(-time.Hour)
	minimum := percentPromo("BIG", 10, 0)
	minimum.MinOrderMinor = 5000
	engine, store := newEngine(t, percentPromo("SAVE20", 20, 50), percentPromo("OTHER", 5, 0), expired, minimum)
	ctx := context.Background()

	_, err := engine.Apply(ctx, "MISSING", "order-1", "user-1", 1000)
	require.ErrorIs(t, err, domain.ErrPromoNotFound)

	_, err = engine.Apply(ctx, "OLD", "order-1", "user-1", 1000)
	require.ErrorIs(t, err, domain.ErrPromoExpired)

	_, err = engine.Apply(ctx, "BIG", "order-1", "user-1", 1000)
	require.ErrorIs(t, err, domain.ErrPromoBelowMinimum)

	_, err = engine.Apply(ctx, "SAVE20", "order-1", "user-1", 1000)
	require.NoError(t, err)

	_, err = engine.Apply(ctx, "OTHER", "order-1", "user-1", 1000)
	require.ErrorIs(t, err, domain.ErrPromoAlreadyApplied)

	other, _ := store.Promos().Get(ctx, "OTHER")
	require.Zero(t, other.UsedCount)
}

func TestEngine_ApplyTxRollsBackWithCaller(t *testing.T) {
	engine, store := newEngine(t, percentPromo("SAVE20", 20, 50))
	ctx := context.Background()

	err := store.WithinTx(ctx, func(tx domain.Tx) error {
		if _, err := engine.ApplyTx(ctx, tx, "SAVE20", "order-1", "user-1", 1000); err != nil {
			return err
		}
		return domain.ErrInsufficientStock
	})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	stored, _ := store.Promos().Get(ctx, "SAVE20")
	require.Zero(t, stored.UsedCount)
	_, err = store.Promos().GetRedemption(ctx, "order-1")
	require.ErrorIs(t, err, domain.ErrRedemptionNotFound)
}

func TestEngine_ApplyResolvesLostRaceAsReplay(t *testing.T) {
	inner := memory.NewStore()
	store := &racingStore{Store: inner}
	engine := NewEngine(store, WithClock(func() time.Time { return fixedNow }))
	ctx := context.Background()
	require.NoError(t, engine.UpsertPromo(ctx, percentPromo("SAVE20", 20, 50)))

	app, err := engine.Apply(ctx, "SAVE20", "order-1", "user-1", 1000)
	require.NoError(t, err)
	require.True(t, app.Replayed)
	require.EqualValues(t, 50, app.DiscountMinor)
	require.Equal(t, 2, store.attempts)
}

func TestEngine_ReplayTx(t *testing.T) {
	engine, store := newEngine(t, percentPromo("SAVE20", 20, 50), percentPromo("OTHER", 5, 0))
	ctx := context.Background()

	err := store.WithinTx(ctx, func(tx domain.Tx) error {
		_, found, err := engine.ReplayTx(ctx, tx, "SAVE20", "order-1")
		require.NoError(t, err)
		require.False(t, found)
		return nil
	})
	require.NoError(t, err)

	_, err = engine.Apply(ctx, "SAVE20", "order-1", "alice", 1000)
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(tx domain.Tx) error {
		app, found, err := engine.ReplayTx(ctx, tx, " save20 ", "order-1")
		require.NoError(t, err)
		require.True(t, found)
		require.True(t, app.Replayed)
		require.Equal(t, int64(50), app.DiscountMinor)

		_, _, err = engine.ReplayTx(ctx, tx, "OTHER", "order-1")
		require.ErrorIs(t, err, domain.ErrPromoAlreadyApplied)

		_, _, err = engine.ReplayTx(ctx, tx, "  ", "order-1")
		require.ErrorIs(t, err, domain.ErrPromoCodeRequired)
		return nil
	})
	require.NoError(t, err)
}

func TestEngine_UpdatePromo(t *testing.T) {
	engine, _ := newEngine(t, percentPromo("SAVE20", 20, 50))
	ctx := context.Background()

	inactive := false
	updated, err := engine.UpdatePromo(ctx, "save20", domain.PromoPatch{Active: &inactive, UsageLimit: limit(3)})
	require.NoError(t, err)
	require.False(t, updated.Active)
	require.EqualValues(t, 3, *updated.UsageLimit)

	v, err := engine.Validate(ctx, "SAVE20", 1000, "user-1")
	require.NoError(t, err)
	require.Equal(t, domain.PromoRejectionInactive, v.Reason)

	_, err = engine.UpdatePromo(ctx, "MISSING", domain.PromoPatch{})
	require.ErrorIs(t, err, domain.ErrPromoNotFound)

	require.Error(t, engine.UpsertPromo(ctx, domain.Promo{Code: "BAD", Type: "weird"}))
}

// racingStore имитирует параллельное применение того же кода: в первой попытке
// вставка usage-log упирается в уникальный индекс, а «победитель» фиксируется после отката.
type racingStore struct {
	*memory.Store
	attempts int
}

func (s *racingStore) WithinTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	s.attempts++
	first := s.attempts == 1
	err := s.Store.WithinTx(ctx, func(tx domain.Tx) error {
		if first {
			return fn(&duplicateTx{Tx: tx})
		}
		return fn(tx)
	})
	if first {
		winner := domain.PromoRedemption{Code: "SAVE20", OrderID: "order-1", UserID: "user-1", DiscountMinor: 50, CreatedAt: fixedNow}
		if createErr := s.Store.Promos().CreateRedemption(ctx, winner); createErr != nil {
			return createErr
		}
	}
	return err
}

type duplicateTx struct {
	domain.Tx
}

func (t *duplicateTx) Promos() domain.PromoRepository {
	return duplicatePromos{PromoRepository: t.Tx.Promos()}
}

type duplicatePromos struct {
	domain.PromoRepository
}

func (duplicatePromos) CreateRedemption(context.Context, domain.PromoRedemption) error {
	return domain.ErrDuplicate
}

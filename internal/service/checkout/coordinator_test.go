package checkout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/service/payment"
	"github.com/vladislavdragonenkov/shopcore/internal/storage/memory"
)

const testSecret = "whsec_checkout"

var (
	alice = domain.Principal{UserID: "alice", Roles: []domain.Role{domain.RoleCustomer}}
	bob   = domain.Principal{UserID: "bob", Roles: []domain.Role{domain.RoleCustomer}}
	staff = domain.Principal{UserID: "ops-1", Roles: []domain.Role{domain.RoleStaff}}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store       *memory.Store
	gateway     *payment.SandboxGateway
	bridge      *payment.Bridge
	clock       *testClock
	coordinator *Coordinator
}

func newFixture(t *testing.T, options ...Option) fixture {
	t.Helper()

	store := memory.NewStore()
	gateway := payment.NewSandboxGateway(testSecret)
	bridge, err := payment.NewBridge(store, gateway, testSecret)
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	options = append([]Option{WithClock(clock.Now)}, options...)
	coordinator, err := NewCoordinator(store, bridge, options...)
	require.NoError(t, err)

	f := fixture{store: store, gateway: gateway, bridge: bridge, clock: clock, coordinator: coordinator}
	f.seedVariant(t, "v-1", 500, 10)
	f.seedVariant(t, "v-2", 250, 10)
	return f
}

func (f fixture) seedVariant(t *testing.T, variantID string, priceMinor, total int64) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, f.store.Catalog().UpsertPrice(ctx, domain.CatalogPrice{
		VariantID: variantID, PriceMinor: priceMinor, Currency: "USD", Active: true,
	}))
	require.NoError(t, f.store.Inventory().Upsert(ctx, domain.InventoryRecord{VariantID: variantID, Total: total}))
}

func (f fixture) seedPromo(t *testing.T, promo domain.Promo) {
	t.Helper()
	require.NoError(t, f.store.Promos().Upsert(context.Background(), promo))
}

func (f fixture) stock(t *testing.T, variantID string) domain.InventoryRecord {
	t.Helper()
	rec, err := f.store.Inventory().Get(context.Background(), variantID)
	require.NoError(t, err)
	return rec
}

func (f fixture) createOrder(t *testing.T, principal domain.Principal, lines ...domain.StockLine) domain.Order {
	t.Helper()
	res, err := f.coordinator.CreateOrder(context.Background(), principal, CreateOrderRequest{
		Lines:     lines,
		AddressID: "addr-1",
	})
	require.NoError(t, err)
	require.False(t, res.Replayed)
	return res.Order
}

// pay открывает intent и возвращает подписанный callback шлюза.
func (f fixture) pay(t *testing.T, principal domain.Principal, orderID string) domain.PaymentCallback {
	t.Helper()
	intent, err := f.coordinator.CreatePaymentIntent(context.Background(), principal, orderID)
	require.NoError(t, err)
	callback, err := f.gateway.Capture(intent.IntentID)
	require.NoError(t, err)
	return callback
}

func line(variantID string, qty int64) domain.StockLine {
	return domain.StockLine{VariantID: variantID, Qty: qty}
}

func TestNewCoordinator_Validation(t *testing.T) {
	store := memory.NewStore()
	bridge, err := payment.NewBridge(store, payment.NewSandboxGateway(testSecret), testSecret)
	require.NoError(t, err)

	_, err = NewCoordinator(nil, bridge)
	require.Error(t, err)
	_, err = NewCoordinator(store, nil)
	require.Error(t, err)
}

func TestConfig_ShippingFor(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, int64(500), cfg.ShippingFor(9999))
	require.Equal(t, int64(0), cfg.ShippingFor(10000))

	cfg.FreeShippingThresholdMinor = 0
	require.Equal(t, int64(500), cfg.ShippingFor(1_000_000))
}

func TestCoordinator_GetOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, alice, line("v-1", 1))

	view, err := f.coordinator.GetOrder(ctx, alice, order.ID)
	require.NoError(t, err)
	require.Equal(t, order.ID, view.Order.ID)
	require.Len(t, view.Timeline, 1)
	require.Equal(t, domain.EventOrderCreated, view.Timeline[0].Type)
	require.Empty(t, view.Payments)

	_, err = f.coordinator.GetOrder(ctx, bob, order.ID)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.coordinator.GetOrder(ctx, staff, order.ID)
	require.NoError(t, err)

	_, err = f.coordinator.GetOrder(ctx, domain.Principal{}, order.ID)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.coordinator.GetOrder(ctx, alice, "missing")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestCoordinator_ListOrders(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t, alice, line("v-1", 1))
	f.createOrder(t, alice, line("v-2", 1))
	f.createOrder(t, bob, line("v-2", 1))

	orders, err := f.coordinator.ListOrders(context.Background(), alice, 10)
	require.NoError(t, err)
	require.Len(t, orders, 2)
}

func TestCoordinator_ShipAndDeliver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, alice, line("v-1", 1))

	_, err := f.coordinator.ShipOrder(ctx, staff, order.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	cb := f.pay(t, alice, order.ID)
	_, err = f.coordinator.ConfirmPayment(ctx, cb.IntentID, cb.ExternalPaymentID, cb.Signature)
	require.NoError(t, err)

	_, err = f.coordinator.ShipOrder(ctx, alice, order.ID)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	shipped, err := f.coordinator.ShipOrder(ctx, staff, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusShipped, shipped.Status)
	require.NotNil(t, shipped.ShippedAt)

	delivered, err := f.coordinator.DeliverOrder(ctx, staff, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusDelivered, delivered.Status)

	view, err := f.coordinator.GetOrder(ctx, alice, order.ID)
	require.NoError(t, err)
	types := make([]string, 0, len(view.Timeline))
	for _, ev := range view.Timeline {
		types = append(types, ev.Type)
	}
	require.Equal(t, []string{
		domain.EventOrderCreated, domain.EventOrderPaid, domain.EventOrderShipped, domain.EventOrderDelivered,
	}, types)
}

func TestCoordinator_ApplyPromoToPendingOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPromo(t, domain.Promo{Code: "FIVE", Type: domain.PromoTypeFixed, Value: decimal.NewFromInt(100), Active: true})

	order := f.createOrder(t, alice, line("v-1", 2))
	require.Equal(t, int64(1500), order.TotalMinor)

	updated, err := f.coordinator.ApplyPromo(ctx, alice, order.ID, "five")
	require.NoError(t, err)
	require.Equal(t, "FIVE", updated.PromoCode)
	require.Equal(t, int64(100), updated.DiscountMinor)
	require.Equal(t, int64(1400), updated.TotalMinor)

	again, err := f.coordinator.ApplyPromo(ctx, alice, order.ID, "FIVE")
	require.NoError(t, err)
	require.Equal(t, int64(1400), again.TotalMinor)

	_, err = f.coordinator.ApplyPromo(ctx, bob, order.ID, "FIVE")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestCoordinator_ApplyPromoRejectedWithOpenPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPromo(t, domain.Promo{Code: "FIVE", Type: domain.PromoTypeFixed, Value: decimal.NewFromInt(100), Active: true})

	order := f.createOrder(t, alice, line("v-1", 2))
	_, err := f.coordinator.CreatePaymentIntent(ctx, alice, order.ID)
	require.NoError(t, err)

	_, err = f.coordinator.ApplyPromo(ctx, alice, order.ID, "FIVE")
	require.ErrorIs(t, err, domain.ErrPaymentInProgress)

	promo, err := f.store.Promos().Get(ctx, "FIVE")
	require.NoError(t, err)
	require.Zero(t, promo.UsedCount)
}

func TestCoordinator_ApplyPromoRetryReturnsOriginalDiscount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPromo(t, domain.Promo{Code: "FIVE", Type: domain.PromoTypeFixed, Value: decimal.NewFromInt(100), Active: true})
	f.seedPromo(t, domain.Promo{Code: "TEN", Type: domain.PromoTypeFixed, Value: decimal.NewFromInt(200), Active: true})

	order := f.createOrder(t, alice, line("v-1", 2))
	applied, err := f.coordinator.ApplyPromo(ctx, alice, order.ID, "FIVE")
	require.NoError(t, err)
	require.Equal(t, int64(1400), applied.TotalMinor)

	intent, err := f.coordinator.CreatePaymentIntent(ctx, alice, order.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1400), intent.AmountMinor)

	// повтор при открытом платеже
	again, err := f.coordinator.ApplyPromo(ctx, alice, order.ID, "five")
	require.NoError(t, err)
	require.Equal(t, "FIVE", again.PromoCode)
	require.Equal(t, int64(100), again.DiscountMinor)
	require.Equal(t, int64(1400), again.TotalMinor)

	_, err = f.coordinator.ApplyPromo(ctx, alice, order.ID, "TEN")
	require.ErrorIs(t, err, domain.ErrPromoAlreadyApplied)

	callback, err := f.gateway.Capture(intent.IntentID)
	require.NoError(t, err)
	_, err = f.coordinator.ConfirmPayment(ctx, callback.IntentID, callback.ExternalPaymentID, callback.Signature)
	require.NoError(t, err)

	// повтор после оплаты
	paid, err := f.coordinator.ApplyPromo(ctx, alice, order.ID, "FIVE")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPaid, paid.Status)
	require.Equal(t, int64(100), paid.DiscountMinor)

	promo, err := f.store.Promos().Get(ctx, "FIVE")
	require.NoError(t, err)
	require.Equal(t, int64(1), promo.UsedCount)
}

func TestCoordinator_ApplyPromoToPaidOrderReportsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPromo(t, domain.Promo{Code: "FIVE", Type: domain.PromoTypeFixed, Value: decimal.NewFromInt(100), Active: true})

	order := f.createOrder(t, alice, line("v-1", 1))
	cb := f.pay(t, alice, order.ID)
	_, err := f.coordinator.ConfirmPayment(ctx, cb.IntentID, cb.ExternalPaymentID, cb.Signature)
	require.NoError(t, err)

	_, err = f.coordinator.ApplyPromo(ctx, alice, order.ID, "FIVE")
	require.ErrorIs(t, err, domain.ErrOrderNotPending)
	require.NotErrorIs(t, err, domain.ErrInvalidTransition)
	var notPending *domain.OrderNotPendingError
	require.ErrorAs(t, err, &notPending)
	require.Equal(t, domain.OrderStatusPaid, notPending.Status)
	require.Equal(t, "apply promo", notPending.Operation)

	_, err = f.coordinator.CreatePaymentIntent(ctx, alice, order.ID)
	require.ErrorIs(t, err, domain.ErrOrderNotPending)
}

func TestCoordinator_ValidatePromo(t *testing.T) {
	f := newFixture(t)
	f.seedPromo(t, domain.Promo{Code: "SAVE20", Type: domain.PromoTypePercentage, Value: decimal.NewFromInt(20), MaxDiscountMinor: 50, Active: true})

	v, err := f.coordinator.ValidatePromo(context.Background(), alice, "SAVE20", 1000)
	require.NoError(t, err)
	require.True(t, v.OK)
	require.Equal(t, int64(50), v.DiscountMinor)

	_, err = f.coordinator.ValidatePromo(context.Background(), domain.Principal{}, "SAVE20", 1000)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

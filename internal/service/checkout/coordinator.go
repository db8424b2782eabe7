// Package checkout — единственное место, где в одной транзакции меняются
// заказ, склад, промокоды и платежи.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/metrics"
	"github.com/vladislavdragonenkov/shopcore/internal/retry"
	"github.com/vladislavdragonenkov/shopcore/internal/service/idempotency"
	"github.com/vladislavdragonenkov/shopcore/internal/service/inventory"
	"github.com/vladislavdragonenkov/shopcore/internal/service/order"
	"github.com/vladislavdragonenkov/shopcore/internal/service/payment"
	"github.com/vladislavdragonenkov/shopcore/internal/service/promo"
	"github.com/vladislavdragonenkov/shopcore/internal/tracing"
)

// Config — бизнес-параметры оформления заказа.
type Config struct {
	Currency string
	// Стоимость доставки, если сумма товаров ниже порога.
	ShippingFlatMinor int64
	// FreeShippingThresholdMinor = 0 отключает бесплатную доставку.
	FreeShippingThresholdMinor int64
	// Сколько живёт неоплаченный заказ до отмены sweep'ом.
	ReservationHoldTTL time.Duration
	Retry              retry.Config
}

func DefaultConfig() Config {
	return Config{
		Currency:                   "USD",
		ShippingFlatMinor:          500,
		FreeShippingThresholdMinor: 10000,
		ReservationHoldTTL:         30 * time.Minute,
		Retry:                      retry.DefaultConfig(),
	}
}

// ShippingFor возвращает стоимость доставки для суммы товаров до скидки.
func (c Config) ShippingFor(subtotalMinor int64) int64 {
	if c.FreeShippingThresholdMinor > 0 && subtotalMinor >= c.FreeShippingThresholdMinor {
		return 0
	}
	return c.ShippingFlatMinor
}

// Option настраивает Coordinator.
type Option func(*Coordinator)

func WithConfig(cfg Config) Option {
	return func(c *Coordinator) {
		c.cfg = cfg
	}
}

func WithLogger(logger *log.Entry) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func WithKeyer(k *idempotency.Keyer) Option {
	return func(c *Coordinator) {
		c.keyer = k
	}
}

func WithLedger(l *inventory.Ledger) Option {
	return func(c *Coordinator) {
		c.ledger = l
	}
}

func WithMachine(m *order.Machine) Option {
	return func(c *Coordinator) {
		c.machine = m
	}
}

func WithPromoEngine(e *promo.Engine) Option {
	return func(c *Coordinator) {
		c.promos = e
	}
}

// Coordinator оркестрирует транзакции оформления, оплаты и отмены заказа.
type Coordinator struct {
	store  domain.Store
	bridge *payment.Bridge

	keyer   *idempotency.Keyer
	ledger  *inventory.Ledger
	machine *order.Machine
	promos  *promo.Engine

	cfg     Config
	metrics *metrics.CheckoutMetrics
	logger  *log.Entry
	now     func() time.Time
}

// NewCoordinator собирает координатор; компоненты, не заданные опциями, создаются по умолчанию
// с общими логгером, часами и метриками.
func NewCoordinator(store domain.Store, bridge *payment.Bridge, options ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("checkout coordinator requires a store")
	}
	if bridge == nil {
		return nil, errors.New("checkout coordinator requires a payment bridge")
	}

	c := &Coordinator{store: store, bridge: bridge, cfg: DefaultConfig()}
	for _, option := range options {
		option(c)
	}
	if c.logger == nil {
		c.logger = log.WithField("component", "checkout-coordinator")
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	if c.cfg.Currency == "" {
		c.cfg.Currency = DefaultConfig().Currency
	}
	if c.cfg.ReservationHoldTTL <= 0 {
		c.cfg.ReservationHoldTTL = DefaultConfig().ReservationHoldTTL
	}
	if c.cfg.Retry.MaxAttempts <= 0 {
		c.cfg.Retry = retry.DefaultConfig()
	}

	if c.keyer == nil {
		c.keyer = idempotency.NewKeyer()
	}
	if c.ledger == nil {
		c.ledger = inventory.NewLedger(store,
			inventory.WithClock(c.now),
			inventory.WithMetrics(c.metrics),
			inventory.WithLogger(c.logger.WithField("component", "inventory-ledger")))
	}
	if c.machine == nil {
		c.machine = order.NewMachine(
			order.WithClock(c.now),
			order.WithMetrics(c.metrics),
			order.WithLogger(c.logger.WithField("component", "order-machine")))
	}
	if c.promos == nil {
		c.promos = promo.NewEngine(store,
			promo.WithClock(c.now),
			promo.WithMetrics(c.metrics),
			promo.WithRetry(c.cfg.Retry),
			promo.WithLogger(c.logger.WithField("component", "promo-engine")))
	}
	return c, nil
}

// Config возвращает действующие параметры.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// OrderView — заказ вместе с платежами и историей.
type OrderView struct {
	Order    domain.Order
	Payments []domain.Payment
	Timeline []domain.TimelineEvent
}

// GetOrder доступен владельцу заказа и персоналу.
func (c *Coordinator) GetOrder(ctx context.Context, principal domain.Principal, orderID string) (view OrderView, err error) {
	ctx, span := tracing.Start(ctx, "checkout.GetOrder", tracing.OrderID(orderID))
	defer func() { tracing.End(span, err) }()

	current, err := c.authorizedOrder(ctx, principal, orderID)
	if err != nil {
		return OrderView{}, err
	}

	payments, err := c.store.Payments().ListByOrder(ctx, orderID)
	if err != nil {
		return OrderView{}, fmt.Errorf("list payments: %w", err)
	}
	timeline, err := c.store.Timeline().List(ctx, orderID)
	if err != nil {
		return OrderView{}, fmt.Errorf("list timeline: %w", err)
	}
	return OrderView{Order: current, Payments: payments, Timeline: timeline}, nil
}

// ListOrders возвращает заказы текущего пользователя, новые первыми.
func (c *Coordinator) ListOrders(ctx context.Context, principal domain.Principal, limit int) ([]domain.Order, error) {
	if !principal.Authenticated() {
		return nil, domain.ErrUnauthorized
	}
	return c.store.Orders().ListByCustomer(ctx, principal.UserID, limit)
}

// ValidatePromo проверяет код против суммы корзины без побочных эффектов.
func (c *Coordinator) ValidatePromo(ctx context.Context, principal domain.Principal, code string, cartTotalMinor int64) (promo.Validation, error) {
	if !principal.Authenticated() {
		return promo.Validation{}, domain.ErrUnauthorized
	}
	return c.promos.Validate(ctx, code, cartTotalMinor, principal.UserID)
}

// ApplyPromo применяет код к существующему pending-заказу без открытого платежа.
// Скидка считается от суммы товаров заказа; total пересчитывается в той же транзакции.
func (c *Coordinator) ApplyPromo(ctx context.Context, principal domain.Principal, orderID, code string) (result domain.Order, err error) {
	ctx, span := tracing.Start(ctx, "checkout.ApplyPromo", tracing.OrderID(orderID))
	started := c.metrics.StartOperation()
	defer func() {
		c.metrics.ObserveOperation("apply_promo", started, err)
		tracing.End(span, err)
	}()

	if _, err = c.authorizedOrder(ctx, principal, orderID); err != nil {
		return domain.Order{}, err
	}

	err = c.withRetry(ctx, "apply_promo", func(ctx context.Context) error {
		return c.store.WithinTx(ctx, func(tx domain.Tx) error {
			// блокировка строки не даёт CreatePaymentIntent открыть платёж на старый total
			current, err := tx.Orders().GetForUpdate(ctx, orderID)
			if err != nil {
				return err
			}

			// повтор того же кода возвращает исходную скидку в любом статусе заказа
			_, replayed, err := c.promos.ReplayTx(ctx, tx, code, orderID)
			if err != nil {
				return err
			}
			if replayed {
				result = current
				return nil
			}

			if current.Status != domain.OrderStatusPending {
				return &domain.OrderNotPendingError{OrderID: orderID, Status: current.Status, Operation: "apply promo"}
			}
			payments, err := tx.Payments().ListByOrder(ctx, orderID)
			if err != nil {
				return err
			}
			for _, p := range payments {
				if p.Status.Open() {
					return domain.ErrPaymentInProgress
				}
			}

			app, err := c.promos.ApplyTx(ctx, tx, code, orderID, current.CustomerID, current.SubtotalMinor)
			if err != nil {
				return err
			}
			if app.Replayed {
				result = current
				return nil
			}

			now := c.now()
			ok, err := tx.Orders().ApplyDiscount(ctx, orderID, app.Code, app.DiscountMinor, now)
			if err != nil {
				return err
			}
			if !ok {
				return domain.ErrConflict
			}

			result, err = tx.Orders().Get(ctx, orderID)
			if err != nil {
				return err
			}
			return c.record(ctx, tx, result, domain.EventOrderPromoApplied, app.Code, principal.UserID, now)
		})
	})
	if err != nil {
		return domain.Order{}, err
	}
	return result, nil
}

// CreatePaymentIntent открывает попытку оплаты заказа.
func (c *Coordinator) CreatePaymentIntent(ctx context.Context, principal domain.Principal, orderID string) (intent payment.Intent, err error) {
	ctx, span := tracing.Start(ctx, "checkout.CreatePaymentIntent", tracing.OrderID(orderID))
	started := c.metrics.StartOperation()
	defer func() {
		c.metrics.ObserveOperation("create_payment_intent", started, err)
		tracing.End(span, err)
	}()

	if _, err = c.authorizedOrder(ctx, principal, orderID); err != nil {
		return payment.Intent{}, err
	}
	return c.bridge.CreateIntent(ctx, orderID)
}

// ShipOrder: paid -> shipped, только персонал.
func (c *Coordinator) ShipOrder(ctx context.Context, principal domain.Principal, orderID string) (domain.Order, error) {
	return c.staffTransition(ctx, principal, orderID, domain.OrderStatusShipped, domain.EventOrderShipped)
}

// DeliverOrder: shipped -> delivered, только персонал.
func (c *Coordinator) DeliverOrder(ctx context.Context, principal domain.Principal, orderID string) (domain.Order, error) {
	return c.staffTransition(ctx, principal, orderID, domain.OrderStatusDelivered, domain.EventOrderDelivered)
}

func (c *Coordinator) staffTransition(ctx context.Context, principal domain.Principal, orderID string, to domain.OrderStatus, eventType string) (result domain.Order, err error) {
	ctx, span := tracing.Start(ctx, "checkout."+string(to), tracing.OrderID(orderID))
	defer func() { tracing.End(span, err) }()

	if !principal.IsStaff() {
		return domain.Order{}, domain.ErrUnauthorized
	}

	err = c.withRetry(ctx, string(to), func(ctx context.Context) error {
		return c.store.WithinTx(ctx, func(tx domain.Tx) error {
			res, err := c.machine.Transition(ctx, tx, orderID, to, domain.OrderUpdate{})
			if err != nil {
				return err
			}
			result = res.Order
			if !res.Changed {
				return nil
			}
			return c.record(ctx, tx, res.Order, eventType, "", principal.UserID, c.now())
		})
	})
	return result, err
}

// authorizedOrder загружает заказ и проверяет право доступа.
// Чужой заказ неотличим от несуществующего только для неаутентифицированных запросов.
func (c *Coordinator) authorizedOrder(ctx context.Context, principal domain.Principal, orderID string) (domain.Order, error) {
	if !principal.Authenticated() {
		return domain.Order{}, domain.ErrUnauthorized
	}
	if orderID == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}
	current, err := c.store.Orders().Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !principal.CanAccessOrder(current) {
		return domain.Order{}, domain.ErrUnauthorized
	}
	return current, nil
}

func (c *Coordinator) withRetry(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, c.cfg.Retry, c.logger, operation, fn, func(int, error) {
		c.metrics.RecordTxRetry()
	})
}

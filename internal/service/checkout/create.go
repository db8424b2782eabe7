package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/service/idempotency"
	"github.com/vladislavdragonenkov/shopcore/internal/tracing"
)

// errKeyTaken — ключ идемпотентности занят параллельным запросом; транзакция откатывается.
var errKeyTaken = errors.New("idempotency key taken by a concurrent request")

// CreateOrderRequest — корзина покупателя. Цены берутся из каталога, не от клиента.
type CreateOrderRequest struct {
	Lines          []domain.StockLine
	AddressID      string
	PromoCode      string
	IdempotencyKey string
}

// CreateOrderResult — созданный или ранее созданный заказ.
type CreateOrderResult struct {
	Order domain.Order
	// Запрос совпал с уже обработанным, новых изменений нет.
	Replayed bool
}

// CreateOrder резервирует товар, применяет промокод и создаёт pending-заказ одной транзакцией.
func (c *Coordinator) CreateOrder(ctx context.Context, principal domain.Principal, req CreateOrderRequest) (result CreateOrderResult, err error) {
	ctx, span := tracing.Start(ctx, "checkout.CreateOrder", tracing.UserID(principal.UserID))
	started := c.metrics.StartOperation()
	defer func() {
		c.metrics.ObserveOperation("create_order", started, err)
		tracing.End(span, err)
		switch {
		case err != nil:
			c.metrics.RecordOrderCreated(string(domain.KindOf(err)))
		case result.Replayed:
			c.metrics.RecordOrderCreated("replayed")
		default:
			c.metrics.RecordOrderCreated("created")
		}
	}()

	if !principal.Authenticated() {
		return CreateOrderResult{}, domain.ErrUnauthorized
	}
	if err := validateRequest(req); err != nil {
		return CreateOrderResult{}, err
	}

	cart := idempotency.Cart{AddressID: req.AddressID, Lines: req.Lines}
	key, err := c.keyer.Resolve(principal.UserID, req.IdempotencyKey, cart, c.now())
	if err != nil {
		return CreateOrderResult{}, err
	}

	if existing, found, err := c.lookupReplay(ctx, principal.UserID, key); err != nil || found {
		return existing, err
	}

	items, subtotal, err := c.priceLines(ctx, req.Lines)
	if err != nil {
		return CreateOrderResult{}, err
	}
	shipping := c.cfg.ShippingFor(subtotal)

	promoCode := domain.NormalizePromoCode(req.PromoCode)
	if promoCode != "" {
		// предварительная проверка без изменений: отказ не должен трогать склад
		v, err := c.promos.Validate(ctx, promoCode, subtotal, principal.UserID)
		if err != nil {
			return CreateOrderResult{}, err
		}
		if !v.OK {
			return CreateOrderResult{}, v.Reason.Err()
		}
	}

	orderID := uuid.NewString()
	for i := range items {
		items[i].ID = uuid.NewString()
	}

	err = c.withRetry(ctx, "create_order", func(ctx context.Context) error {
		return c.store.WithinTx(ctx, func(tx domain.Tx) error {
			now := c.now()

			err := tx.Idempotency().Create(ctx, domain.IdempotencyRecord{
				Key:         key.Value,
				UserID:      principal.UserID,
				RequestHash: key.RequestHash,
				OrderID:     orderID,
				ExpiresAt:   c.keyer.ExpiresAt(now),
				CreatedAt:   now,
			})
			if errors.Is(err, domain.ErrDuplicate) {
				return errKeyTaken
			}
			if err != nil {
				return fmt.Errorf("store idempotency key: %w", err)
			}

			if _, err := c.ledger.ReserveAll(ctx, tx, orderID, req.Lines); err != nil {
				return err
			}

			var discount int64
			if promoCode != "" {
				app, err := c.promos.ApplyTx(ctx, tx, promoCode, orderID, principal.UserID, subtotal)
				if err != nil {
					return err
				}
				discount = app.DiscountMinor
			}

			created, err := c.machine.Create(ctx, tx, domain.Order{
				ID:             orderID,
				CustomerID:     principal.UserID,
				Status:         domain.OrderStatusPending,
				Currency:       c.cfg.Currency,
				Items:          items,
				AddressID:      req.AddressID,
				SubtotalMinor:  subtotal,
				DiscountMinor:  discount,
				ShippingMinor:  shipping,
				TotalMinor:     subtotal - discount + shipping,
				PromoCode:      promoCode,
				IdempotencyKey: key.Value,
			})
			if err != nil {
				return err
			}

			result = CreateOrderResult{Order: created}
			return c.record(ctx, tx, created, domain.EventOrderCreated, "", principal.UserID, now)
		})
	})

	if errors.Is(err, errKeyTaken) {
		// параллельный запрос с тем же ключом успел закоммитить заказ
		existing, found, lookupErr := c.lookupReplay(ctx, principal.UserID, key)
		if lookupErr != nil {
			return CreateOrderResult{}, lookupErr
		}
		if !found {
			return CreateOrderResult{}, domain.ErrConflict
		}
		return existing, nil
	}
	if err != nil {
		return CreateOrderResult{}, err
	}

	c.logger.WithFields(log.Fields{
		"order_id": result.Order.ID,
		"user_id":  principal.UserID,
		"total":    result.Order.TotalMinor,
		"promo":    result.Order.PromoCode,
	}).Info("order created")

	return result, nil
}

// lookupReplay ищет ранее обработанный запрос с тем же ключом.
// Истёкшая запись удаляется и считается отсутствующей.
func (c *Coordinator) lookupReplay(ctx context.Context, userID string, key idempotency.Key) (CreateOrderResult, bool, error) {
	record, err := c.store.Idempotency().Get(ctx, key.Value)
	if errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		return CreateOrderResult{}, false, nil
	}
	if err != nil {
		return CreateOrderResult{}, false, fmt.Errorf("load idempotency key: %w", err)
	}

	if record.Expired(c.now()) {
		if err := c.store.Idempotency().Delete(ctx, record.Key); err != nil && !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
			return CreateOrderResult{}, false, fmt.Errorf("delete expired idempotency key: %w", err)
		}
		return CreateOrderResult{}, false, nil
	}
	if record.UserID != userID || record.RequestHash != key.RequestHash {
		return CreateOrderResult{}, false, domain.ErrIdempotencyKeyReused
	}

	existing, err := c.store.Orders().Get(ctx, record.OrderID)
	if err != nil {
		return CreateOrderResult{}, false, fmt.Errorf("load replayed order: %w", err)
	}
	return CreateOrderResult{Order: existing, Replayed: true}, true, nil
}

// priceLines снимает цены из каталога. Порядок позиций сохраняется как в запросе.
func (c *Coordinator) priceLines(ctx context.Context, lines []domain.StockLine) ([]domain.OrderItem, int64, error) {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.VariantID)
	}

	prices, err := c.store.Catalog().Prices(ctx, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("load catalog prices: %w", err)
	}

	items := make([]domain.OrderItem, 0, len(lines))
	var subtotal int64
	for _, line := range lines {
		price, ok := prices[line.VariantID]
		if !ok || !price.Active {
			return nil, 0, fmt.Errorf("variant %s: %w", line.VariantID, domain.ErrVariantNotFound)
		}
		if price.Currency != c.cfg.Currency {
			return nil, 0, fmt.Errorf("variant %s is priced in %s: %w", line.VariantID, price.Currency, domain.ErrInvalidArgument)
		}
		item := domain.OrderItem{VariantID: line.VariantID, Qty: line.Qty, UnitPriceMinor: price.PriceMinor}
		subtotal += item.LineTotal()
		items = append(items, item)
	}
	return items, subtotal, nil
}

func validateRequest(req CreateOrderRequest) error {
	if strings.TrimSpace(req.AddressID) == "" {
		return domain.ErrAddressRequired
	}
	if len(req.Lines) == 0 {
		return domain.ErrItemsRequired
	}
	for _, line := range req.Lines {
		if line.VariantID == "" {
			return domain.ErrVariantRequired
		}
		if line.Qty <= 0 {
			return domain.ErrItemQtyInvalid
		}
	}
	return nil
}

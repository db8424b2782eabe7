package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

const orderColumns = `
	id, customer_id, status, currency, address_id,
	subtotal_minor, discount_minor, shipping_minor, total_minor,
	promo_code, idempotency_key, cancel_reason, version,
	created_at, updated_at, paid_at, shipped_at, delivered_at, cancelled_at`

type orderRepository struct {
	q querier
}

// rowScanner — общее у *sql.Row и *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order                                   domain.Order
		status                                  string
		paidAt, shippedAt, deliveredAt, cancelAt sql.NullTime
	)
	err := row.Scan(
		&order.ID, &order.CustomerID, &status, &order.Currency, &order.AddressID,
		&order.SubtotalMinor, &order.DiscountMinor, &order.ShippingMinor, &order.TotalMinor,
		&order.PromoCode, &order.IdempotencyKey, &order.CancelReason, &order.Version,
		&order.CreatedAt, &order.UpdatedAt, &paidAt, &shippedAt, &deliveredAt, &cancelAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	order.PaidAt = timePtr(paidAt)
	order.ShippedAt = timePtr(shippedAt)
	order.DeliveredAt = timePtr(deliveredAt)
	order.CancelledAt = timePtr(cancelAt)
	return order, nil
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`,
		order.ID, order.CustomerID, string(order.Status), order.Currency, order.AddressID,
		order.SubtotalMinor, order.DiscountMinor, order.ShippingMinor, order.TotalMinor,
		order.PromoCode, order.IdempotencyKey, order.CancelReason, order.Version,
		order.CreatedAt, order.UpdatedAt,
		nullTimePtr(order.PaidAt), nullTimePtr(order.ShippedAt), nullTimePtr(order.DeliveredAt), nullTimePtr(order.CancelledAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for i, item := range order.Items {
		if _, err := r.q.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, position, variant_id, qty, unit_price_minor)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, item.ID, order.ID, i, item.VariantID, item.Qty, item.UnitPriceMinor); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	return nil
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	return r.get(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

// GetForUpdate вне WithinTx бесполезен: блокировка снимется сразу после autocommit.
func (r *orderRepository) GetForUpdate(ctx context.Context, id string) (domain.Order, error) {
	return r.get(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
}

func (r *orderRepository) get(ctx context.Context, query, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order, err := scanOrder(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}

	items, err := r.loadItems(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items
	return order, nil
}

func (r *orderRepository) ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE customer_id = $1 ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		return r.list(ctx, query+" LIMIT $2", customerID, limit)
	}
	return r.list(ctx, query, customerID)
}

func (r *orderRepository) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, before, limit)
}

func (r *orderRepository) list(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	// Внутри транзакции нельзя держать открытый курсор во время следующих запросов.
	_ = rows.Close()

	for i := range orders {
		items, err := r.loadItems(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

// UpdateStatus делает compare-and-set через UPDATE ... WHERE status = from.
func (r *orderRepository) UpdateStatus(ctx context.Context, id string, from, to domain.OrderStatus, update domain.OrderUpdate, at time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var reason sql.NullString
	if update.CancelReason != nil {
		reason = sql.NullString{String: *update.CancelReason, Valid: true}
	}

	res, err := r.q.ExecContext(ctx, `
		UPDATE orders
		SET status = $3,
		    version = version + 1,
		    updated_at = $4,
		    paid_at = COALESCE($5, paid_at),
		    shipped_at = COALESCE($6, shipped_at),
		    delivered_at = COALESCE($7, delivered_at),
		    cancelled_at = COALESCE($8, cancelled_at),
		    cancel_reason = COALESCE($9, cancel_reason)
		WHERE id = $1
		  AND status = $2
	`,
		id, string(from), string(to), at,
		nullTimePtr(update.PaidAt), nullTimePtr(update.ShippedAt),
		nullTimePtr(update.DeliveredAt), nullTimePtr(update.CancelledAt),
		reason,
	)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}

	changed, err := rowsChanged(res, "order status")
	if err != nil || changed {
		return changed, err
	}

	exists, err := r.exists(ctx, id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, domain.ErrOrderNotFound
	}
	return false, nil
}

// ApplyDiscount пишет скидку одним условным UPDATE; CHECK-ограничения таблицы держат итоговую сумму.
func (r *orderRepository) ApplyDiscount(ctx context.Context, id, code string, discountMinor int64, at time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if discountMinor < 0 {
		return false, domain.ErrAmountMismatch
	}

	res, err := r.q.ExecContext(ctx, `
		UPDATE orders
		SET promo_code = $2,
		    discount_minor = $3,
		    total_minor = subtotal_minor - $3 + shipping_minor,
		    version = version + 1,
		    updated_at = $4
		WHERE id = $1
		  AND status = 'pending'
		  AND (promo_code = '' OR promo_code = $2)
		  AND subtotal_minor >= $3
	`, id, code, discountMinor, at)
	if err != nil {
		return false, fmt.Errorf("apply order discount: %w", err)
	}

	changed, err := rowsChanged(res, "order discount")
	if err != nil || changed {
		return changed, err
	}

	exists, err := r.exists(ctx, id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, domain.ErrOrderNotFound
	}
	return false, nil
}

func (r *orderRepository) loadItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, variant_id, qty, unit_price_minor
		FROM order_items
		WHERE order_id = $1
		ORDER BY position ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.VariantID, &item.Qty, &item.UnitPriceMinor); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}

	return items, nil
}

func (r *orderRepository) exists(ctx context.Context, orderID string) (bool, error) {
	var id string
	err := r.q.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1`, orderID).Scan(&id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check order exists: %w", err)
}

var _ domain.OrderRepository = (*orderRepository)(nil)

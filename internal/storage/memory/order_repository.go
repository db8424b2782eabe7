package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

type orderRepository struct {
	sess *session
}

// Create сохраняет новый заказ, если ID ещё не занят.
func (r *orderRepository) Create(_ context.Context, order domain.Order) error {
	defer r.sess.lock()()

	orders := r.sess.store.data.orders
	if _, exists := orders[order.ID]; exists {
		return domain.ErrDuplicate
	}
	// Храним копию, чтобы вызывающий код не мутировал состояние хранилища.
	put(r.sess, orders, order.ID, order.Clone())
	return nil
}

func (r *orderRepository) Get(_ context.Context, id string) (domain.Order, error) {
	defer r.sess.lock()()

	order, ok := r.sess.store.data.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

// GetForUpdate совпадает с Get: транзакции и так сериализуются мьютексом хранилища.
func (r *orderRepository) GetForUpdate(ctx context.Context, id string) (domain.Order, error) {
	return r.Get(ctx, id)
}

// ListByCustomer возвращает заказы клиента, новые первыми; limit <= 0 — без ограничения.
func (r *orderRepository) ListByCustomer(_ context.Context, customerID string, limit int) ([]domain.Order, error) {
	defer r.sess.lock()()

	result := make([]domain.Order, 0)
	for _, order := range r.sess.store.data.orders {
		if order.CustomerID == customerID {
			result = append(result, order.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// UpdateStatus: compare-and-set по статусу.
func (r *orderRepository) UpdateStatus(_ context.Context, id string, from, to domain.OrderStatus, update domain.OrderUpdate, at time.Time) (bool, error) {
	defer r.sess.lock()()

	orders := r.sess.store.data.orders
	current, ok := orders[id]
	if !ok {
		return false, domain.ErrOrderNotFound
	}
	if current.Status != from {
		return false, nil
	}

	next := current.Clone()
	next.Status = to
	next.Version++
	next.UpdatedAt = at
	update.ApplyTo(&next)
	put(r.sess, orders, id, next)
	return true, nil
}

func (r *orderRepository) ApplyDiscount(_ context.Context, id, code string, discountMinor int64, at time.Time) (bool, error) {
	defer r.sess.lock()()

	orders := r.sess.store.data.orders
	current, ok := orders[id]
	if !ok {
		return false, domain.ErrOrderNotFound
	}
	if current.Status != domain.OrderStatusPending {
		return false, nil
	}
	if current.PromoCode != "" && current.PromoCode != code {
		return false, nil
	}
	if discountMinor < 0 || discountMinor > current.SubtotalMinor {
		return false, domain.ErrAmountMismatch
	}

	next := current.Clone()
	next.PromoCode = code
	next.DiscountMinor = discountMinor
	next.TotalMinor = next.SubtotalMinor - discountMinor + next.ShippingMinor
	next.Version++
	next.UpdatedAt = at
	put(r.sess, orders, id, next)
	return true, nil
}

// ListPendingBefore возвращает самые старые pending-заказы первыми.
func (r *orderRepository) ListPendingBefore(_ context.Context, before time.Time, limit int) ([]domain.Order, error) {
	defer r.sess.lock()()

	result := make([]domain.Order, 0)
	for _, order := range r.sess.store.data.orders {
		if order.Status == domain.OrderStatusPending && order.CreatedAt.Before(before) {
			result = append(result, order.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)

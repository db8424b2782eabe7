package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

type inventoryRepository struct {
	sess *session
}

func (r *inventoryRepository) Get(_ context.Context, variantID string) (domain.InventoryRecord, error) {
	defer r.sess.lock()()

	record, ok := r.sess.store.data.inventory[variantID]
	if !ok {
		return domain.InventoryRecord{}, domain.ErrVariantNotFound
	}
	return record, nil
}

func (r *inventoryRepository) Upsert(_ context.Context, record domain.InventoryRecord) error {
	if record.VariantID == "" {
		return domain.ErrVariantRequired
	}
	if record.Total < 0 || record.Reserved < 0 || record.Reserved > record.Total {
		return domain.ErrInvalidArgument
	}
	defer r.sess.lock()()

	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	put(r.sess, r.sess.store.data.inventory, record.VariantID, record)
	return nil
}

// Reserve: reserved += qty, если total - reserved >= qty.
func (r *inventoryRepository) Reserve(_ context.Context, variantID string, qty int64) (bool, error) {
	return r.apply(variantID, qty, func(rec *domain.InventoryRecord) bool {
		if rec.Available() < qty {
			return false
		}
		rec.Reserved += qty
		return true
	})
}

// Release: reserved -= qty, если reserved >= qty.
func (r *inventoryRepository) Release(_ context.Context, variantID string, qty int64) (bool, error) {
	return r.apply(variantID, qty, func(rec *domain.InventoryRecord) bool {
		if rec.Reserved < qty {
			return false
		}
		rec.Reserved -= qty
		return true
	})
}

// Commit списывает зарезервированное: reserved -= qty, total -= qty.
func (r *inventoryRepository) Commit(_ context.Context, variantID string, qty int64) (bool, error) {
	return r.apply(variantID, qty, func(rec *domain.InventoryRecord) bool {
		if rec.Reserved < qty {
			return false
		}
		rec.Reserved -= qty
		rec.Total -= qty
		return true
	})
}

// Restock возвращает ранее списанный товар на склад.
func (r *inventoryRepository) Restock(_ context.Context, variantID string, qty int64) (bool, error) {
	return r.apply(variantID, qty, func(rec *domain.InventoryRecord) bool {
		rec.Total += qty
		return true
	})
}

func (r *inventoryRepository) apply(variantID string, qty int64, mutate func(rec *domain.InventoryRecord) bool) (bool, error) {
	if qty <= 0 {
		return false, domain.ErrItemQtyInvalid
	}
	defer r.sess.lock()()

	inventory := r.sess.store.data.inventory
	record, ok := inventory[variantID]
	if !ok {
		return false, domain.ErrVariantNotFound
	}
	if !mutate(&record) {
		return false, nil
	}
	record.UpdatedAt = time.Now().UTC()
	put(r.sess, inventory, variantID, record)
	return true, nil
}

func (r *inventoryRepository) CreateHold(_ context.Context, hold domain.StockHold) error {
	if errs := hold.Validate(); len(errs) > 0 {
		return errs[0]
	}
	defer r.sess.lock()()

	holds := r.sess.store.data.holds
	if _, exists := holds[hold.ID]; exists {
		return domain.ErrDuplicate
	}
	put(r.sess, holds, hold.ID, hold)
	return nil
}

func (r *inventoryRepository) ListHolds(_ context.Context, orderID string) ([]domain.StockHold, error) {
	defer r.sess.lock()()

	result := make([]domain.StockHold, 0)
	for _, hold := range r.sess.store.data.holds {
		if hold.OrderID == orderID {
			result = append(result, hold)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].VariantID < result[j].VariantID
	})
	return result, nil
}

func (r *inventoryRepository) UpdateHoldStatus(_ context.Context, holdID string, from, to domain.HoldStatus, at time.Time) (bool, error) {
	defer r.sess.lock()()

	holds := r.sess.store.data.holds
	hold, ok := holds[holdID]
	if !ok {
		return false, domain.ErrVariantNotFound
	}
	if hold.Status != from {
		return false, nil
	}
	hold.Status = to
	hold.UpdatedAt = at
	put(r.sess, holds, holdID, hold)
	return true, nil
}

var _ domain.InventoryRepository = (*inventoryRepository)(nil)

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

type inventoryRepository struct {
	q querier
}

func (r *inventoryRepository) Get(ctx context.Context, variantID string) (domain.InventoryRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var record domain.InventoryRecord
	err := r.q.QueryRowContext(ctx, `
		SELECT variant_id, total, reserved, updated_at
		FROM inventory_records
		WHERE variant_id = $1
	`, variantID).Scan(&record.VariantID, &record.Total, &record.Reserved, &record.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.InventoryRecord{}, domain.ErrVariantNotFound
		}
		return domain.InventoryRecord{}, fmt.Errorf("select inventory record: %w", err)
	}
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

func (r *inventoryRepository) Upsert(ctx context.Context, record domain.InventoryRecord) error {
	if record.VariantID == "" {
		return domain.ErrVariantRequired
	}
	if record.Total < 0 || record.Reserved < 0 || record.Reserved > record.Total {
		return domain.ErrInvalidArgument
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.q.ExecContext(ctx, `
		INSERT INTO inventory_records (variant_id, total, reserved, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (variant_id) DO UPDATE
		SET total = EXCLUDED.total,
		    reserved = EXCLUDED.reserved,
		    updated_at = EXCLUDED.updated_at
	`, record.VariantID, record.Total, record.Reserved, record.UpdatedAt); err != nil {
		return fmt.Errorf("upsert inventory record: %w", err)
	}
	return nil
}

// Reserve: проверка остатка и инкремент в одном выражении, без read-modify-write.
func (r *inventoryRepository) Reserve(ctx context.Context, variantID string, qty int64) (bool, error) {
	return r.conditional(ctx, "reserve", variantID, qty, `
		UPDATE inventory_records
		SET reserved = reserved + $2, updated_at = $3
		WHERE variant_id = $1 AND total - reserved >= $2
	`)
}

func (r *inventoryRepository) Release(ctx context.Context, variantID string, qty int64) (bool, error) {
	return r.conditional(ctx, "release", variantID, qty, `
		UPDATE inventory_records
		SET reserved = reserved - $2, updated_at = $3
		WHERE variant_id = $1 AND reserved >= $2
	`)
}

func (r *inventoryRepository) Commit(ctx context.Context, variantID string, qty int64) (bool, error) {
	return r.conditional(ctx, "commit", variantID, qty, `
		UPDATE inventory_records
		SET reserved = reserved - $2, total = total - $2, updated_at = $3
		WHERE variant_id = $1 AND reserved >= $2
	`)
}

func (r *inventoryRepository) Restock(ctx context.Context, variantID string, qty int64) (bool, error) {
	return r.conditional(ctx, "restock", variantID, qty, `
		UPDATE inventory_records
		SET total = total + $2, updated_at = $3
		WHERE variant_id = $1
	`)
}

func (r *inventoryRepository) conditional(ctx context.Context, op, variantID string, qty int64, query string) (bool, error) {
	if qty <= 0 {
		return false, domain.ErrItemQtyInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx, query, variantID, qty, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("%s inventory: %w", op, err)
	}
	changed, err := rowsChanged(res, op)
	if err != nil || changed {
		return changed, err
	}

	// Отличаем "нет строки" от "условие не выполнилось".
	if _, err := r.Get(ctx, variantID); err != nil {
		return false, err
	}
	return false, nil
}

func (r *inventoryRepository) CreateHold(ctx context.Context, hold domain.StockHold) error {
	if errs := hold.Validate(); len(errs) > 0 {
		return errs[0]
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO stock_holds (id, order_id, variant_id, qty, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, hold.ID, hold.OrderID, hold.VariantID, hold.Qty, string(hold.Status), hold.CreatedAt, hold.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("insert stock hold: %w", err)
	}
	return nil
}

func (r *inventoryRepository) ListHolds(ctx context.Context, orderID string) ([]domain.StockHold, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, `
		SELECT id, order_id, variant_id, qty, status, created_at, updated_at
		FROM stock_holds
		WHERE order_id = $1
		ORDER BY variant_id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list stock holds: %w", err)
	}
	defer rows.Close()

	holds := make([]domain.StockHold, 0)
	for rows.Next() {
		var (
			hold   domain.StockHold
			status string
		)
		if err := rows.Scan(&hold.ID, &hold.OrderID, &hold.VariantID, &hold.Qty, &status, &hold.CreatedAt, &hold.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stock hold: %w", err)
		}
		hold.Status = domain.HoldStatus(status)
		holds = append(holds, hold)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stock holds: %w", err)
	}
	return holds, nil
}

func (r *inventoryRepository) UpdateHoldStatus(ctx context.Context, holdID string, from, to domain.HoldStatus, at time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `
		UPDATE stock_holds
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
	`, holdID, string(from), string(to), at)
	if err != nil {
		return false, fmt.Errorf("update stock hold: %w", err)
	}
	return rowsChanged(res, "stock hold")
}

var _ domain.InventoryRepository = (*inventoryRepository)(nil)

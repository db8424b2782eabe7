package domain

import (
	"sort"
	"time"
)

// InventoryRecord хранит остаток по варианту товара.
// Available = Total - Reserved и никогда не уходит в минус: это гарантируют условные UPDATE.
type InventoryRecord struct {
	VariantID string
	Total     int64
	Reserved  int64
	UpdatedAt time.Time
}

// Available возвращает доступный к резервированию остаток.
func (r InventoryRecord) Available() int64 {
	return r.Total - r.Reserved
}

// HoldStatus отражает судьбу резерва под конкретный заказ.
type HoldStatus string

const (
	// Товар зарезервирован под pending-заказ.
	HoldStatusHeld HoldStatus = "held"
	// Резерв финализирован после оплаты.
	HoldStatusCommitted HoldStatus = "committed"
	// Резерв возвращён на склад.
	HoldStatusReleased HoldStatus = "released"
)

// StockHold — резерв одного варианта под один заказ.
type StockHold struct {
	ID        string
	OrderID   string
	VariantID string
	Qty       int64
	Status    HoldStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate проверяет, корректно ли заполнены ключевые поля резерва.
func (h *StockHold) Validate() []error {
	var errs []error

	if h.OrderID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if h.VariantID == "" {
		errs = append(errs, ErrVariantRequired)
	}
	if h.Qty <= 0 {
		errs = append(errs, ErrItemQtyInvalid)
	}

	return errs
}

// StockLine — запрос на резерв одного варианта.
type StockLine struct {
	VariantID string
	Qty       int64
}

// MergeLines складывает количества одинаковых вариантов и сортирует строки по VariantID.
// Единый порядок резервирования снижает риск взаимных блокировок строк склада.
func MergeLines(lines []StockLine) []StockLine {
	byVariant := make(map[string]int64, len(lines))
	for _, line := range lines {
		byVariant[line.VariantID] += line.Qty
	}

	merged := make([]StockLine, 0, len(byVariant))
	for variantID, qty := range byVariant {
		merged = append(merged, StockLine{VariantID: variantID, Qty: qty})
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].VariantID < merged[j].VariantID
	})
	return merged
}

// CatalogPrice — цена варианта в каталоге на момент запроса.
type CatalogPrice struct {
	VariantID  string
	PriceMinor int64
	Currency   string
	Active     bool
}

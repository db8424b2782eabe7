// Package inventory ведёт складской учёт через атомарные условные обновления.
package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/metrics"
)

// ErrLedgerMismatch — условие на reserved не выполнилось там, где резерв обязан существовать.
var ErrLedgerMismatch = fmt.Errorf("inventory ledger mismatch: %w", domain.ErrConflict)

// Option настраивает Ledger.
type Option func(*Ledger)

func WithLogger(logger *log.Entry) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// Ledger резервирует, списывает и возвращает остатки.
// Остатки не кешируются: каждое решение принимает один условный UPDATE в хранилище.
type Ledger struct {
	store   domain.Store
	logger  *log.Entry
	metrics *metrics.CheckoutMetrics
	now     func() time.Time
}

func NewLedger(store domain.Store, options ...Option) *Ledger {
	l := &Ledger{store: store}
	for _, option := range options {
		option(l)
	}
	if l.logger == nil {
		l.logger = log.WithField("component", "inventory-ledger")
	}
	if l.now == nil {
		l.now = func() time.Time { return time.Now().UTC() }
	}
	return l
}

// Get возвращает текущий остаток варианта.
func (l *Ledger) Get(ctx context.Context, variantID string) (domain.InventoryRecord, error) {
	return l.store.Inventory().Get(ctx, variantID)
}

// SetStock задаёт остаток варианта (загрузка каталога, демо-данные).
func (l *Ledger) SetStock(ctx context.Context, variantID string, total int64) error {
	return l.store.Inventory().Upsert(ctx, domain.InventoryRecord{VariantID: variantID, Total: total, UpdatedAt: l.now()})
}

// Reserve резервирует qty единиц. Нехватка — *domain.StockError.
func (l *Ledger) Reserve(ctx context.Context, variantID string, qty int64) error {
	return l.reserve(ctx, l.store.Inventory(), variantID, qty)
}

// Release возвращает резерв на склад.
func (l *Ledger) Release(ctx context.Context, variantID string, qty int64) error {
	return release(ctx, l.store.Inventory(), variantID, qty)
}

// Commit списывает зарезервированное; available при этом не меняется.
func (l *Ledger) Commit(ctx context.Context, variantID string, qty int64) error {
	return commit(ctx, l.store.Inventory(), variantID, qty)
}

// Restock увеличивает total, отменяя ранее выполненный Commit.
func (l *Ledger) Restock(ctx context.Context, variantID string, qty int64) error {
	return restock(ctx, l.store.Inventory(), variantID, qty)
}

// ReserveAll резервирует все строки заказа и создаёт записи резервов.
// При любой ошибке уже зарезервированные строки явно возвращаются до выхода из метода.
func (l *Ledger) ReserveAll(ctx context.Context, tx domain.Tx, orderID string, lines []domain.StockLine) ([]domain.StockHold, error) {
	if orderID == "" {
		return nil, domain.ErrOrderIDRequired
	}
	if len(lines) == 0 {
		return nil, domain.ErrItemsRequired
	}
	for _, line := range lines {
		if err := validateLine(line.VariantID, line.Qty); err != nil {
			return nil, err
		}
	}

	repo := tx.Inventory()
	merged := domain.MergeLines(lines)
	reserved := make([]domain.StockLine, 0, len(merged))

	for _, line := range merged {
		if err := l.reserve(ctx, repo, line.VariantID, line.Qty); err != nil {
			l.compensate(ctx, repo, orderID, reserved)
			return nil, err
		}
		reserved = append(reserved, line)
	}

	now := l.now()
	holds := make([]domain.StockHold, 0, len(merged))
	for _, line := range merged {
		hold := domain.StockHold{
			ID:        uuid.NewString(),
			OrderID:   orderID,
			VariantID: line.VariantID,
			Qty:       line.Qty,
			Status:    domain.HoldStatusHeld,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := repo.CreateHold(ctx, hold); err != nil {
			l.compensate(ctx, repo, orderID, reserved)
			return nil, fmt.Errorf("create stock hold: %w", err)
		}
		holds = append(holds, hold)
	}

	return holds, nil
}

// HoldsResult — сколько резервов заказа обработано.
type HoldsResult struct {
	Released  int
	Committed int
	Restocked int
}

// CommitHolds финализирует резервы оплаченного заказа. Каждый резерв списывается один раз.
func (l *Ledger) CommitHolds(ctx context.Context, tx domain.Tx, orderID string) (HoldsResult, error) {
	var result HoldsResult
	err := l.forHolds(ctx, tx, orderID, domain.HoldStatusHeld, domain.HoldStatusCommitted, func(repo domain.InventoryRepository, hold domain.StockHold) error {
		result.Committed++
		return commit(ctx, repo, hold.VariantID, hold.Qty)
	})
	return result, err
}

// ReleaseHolds возвращает на склад резервы неоплаченного заказа.
func (l *Ledger) ReleaseHolds(ctx context.Context, tx domain.Tx, orderID string) (HoldsResult, error) {
	var result HoldsResult
	err := l.forHolds(ctx, tx, orderID, domain.HoldStatusHeld, domain.HoldStatusReleased, func(repo domain.InventoryRepository, hold domain.StockHold) error {
		result.Released++
		return release(ctx, repo, hold.VariantID, hold.Qty)
	})
	return result, err
}

// RestockHolds возвращает на склад уже списанный товар отменённого оплаченного заказа.
func (l *Ledger) RestockHolds(ctx context.Context, tx domain.Tx, orderID string) (HoldsResult, error) {
	var result HoldsResult
	err := l.forHolds(ctx, tx, orderID, domain.HoldStatusCommitted, domain.HoldStatusReleased, func(repo domain.InventoryRepository, hold domain.StockHold) error {
		result.Restocked++
		return restock(ctx, repo, hold.VariantID, hold.Qty)
	})
	return result, err
}

// ReturnHolds отменяет все резервы заказа, в каком бы состоянии они ни были.
func (l *Ledger) ReturnHolds(ctx context.Context, tx domain.Tx, orderID string) (HoldsResult, error) {
	released, err := l.ReleaseHolds(ctx, tx, orderID)
	if err != nil {
		return released, err
	}
	restocked, err := l.RestockHolds(ctx, tx, orderID)
	return HoldsResult{Released: released.Released, Restocked: restocked.Restocked}, err
}

func (l *Ledger) forHolds(
	ctx context.Context,
	tx domain.Tx,
	orderID string,
	from, to domain.HoldStatus,
	fn func(repo domain.InventoryRepository, hold domain.StockHold) error,
) error {
	repo := tx.Inventory()
	holds, err := repo.ListHolds(ctx, orderID)
	if err != nil {
		return fmt.Errorf("list stock holds: %w", err)
	}

	now := l.now()
	for _, hold := range holds {
		if hold.Status != from {
			continue
		}
		ok, err := repo.UpdateHoldStatus(ctx, hold.ID, from, to, now)
		if err != nil {
			return fmt.Errorf("update stock hold %s: %w", hold.ID, err)
		}
		if !ok {
			// резерв уже обработан параллельным запросом
			continue
		}
		if err := fn(repo, hold); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) reserve(ctx context.Context, repo domain.InventoryRepository, variantID string, qty int64) error {
	if err := validateLine(variantID, qty); err != nil {
		return err
	}

	ok, err := repo.Reserve(ctx, variantID, qty)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	stockErr := &domain.StockError{VariantID: variantID, Requested: qty}
	if record, getErr := repo.Get(ctx, variantID); getErr == nil {
		stockErr.Available = record.Available()
	}
	l.metrics.RecordInsufficientStock()
	return stockErr
}

// compensate снимает резервы, сделанные в неудавшейся попытке.
// Контекст отвязан от отмены: компенсация должна выполниться, даже если запрос уже отменён.
func (l *Ledger) compensate(ctx context.Context, repo domain.InventoryRepository, orderID string, lines []domain.StockLine) {
	ctx = context.WithoutCancel(ctx)
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if err := release(ctx, repo, line.VariantID, line.Qty); err != nil {
			l.logger.WithError(err).WithFields(log.Fields{
				"order_id":   orderID,
				"variant_id": line.VariantID,
				"qty":        line.Qty,
			}).Error("failed to release reservation during compensation")
		}
	}
}

func release(ctx context.Context, repo domain.InventoryRepository, variantID string, qty int64) error {
	if err := validateLine(variantID, qty); err != nil {
		return err
	}
	ok, err := repo.Release(ctx, variantID, qty)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("release %d of %s: %w", qty, variantID, ErrLedgerMismatch)
	}
	return nil
}

func commit(ctx context.Context, repo domain.InventoryRepository, variantID string, qty int64) error {
	if err := validateLine(variantID, qty); err != nil {
		return err
	}
	ok, err := repo.Commit(ctx, variantID, qty)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("commit %d of %s: %w", qty, variantID, ErrLedgerMismatch)
	}
	return nil
}

func restock(ctx context.Context, repo domain.InventoryRepository, variantID string, qty int64) error {
	if err := validateLine(variantID, qty); err != nil {
		return err
	}
	ok, err := repo.Restock(ctx, variantID, qty)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("restock %d of %s: %w", qty, variantID, ErrLedgerMismatch)
	}
	return nil
}

func validateLine(variantID string, qty int64) error {
	if variantID == "" {
		return domain.ErrVariantRequired
	}
	if qty <= 0 {
		return domain.ErrItemQtyInvalid
	}
	return nil
}

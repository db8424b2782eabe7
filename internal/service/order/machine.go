// Package order управляет жизненным циклом заказа через охраняемые переходы статусов.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/metrics"
)

// Result описывает исход перехода.
type Result struct {
	// Состояние заказа после операции (или текущее, если переход не выполнен).
	Order domain.Order
	// Changed=false означает no-op: заказ уже был в целевом статусе.
	Changed bool
	From    domain.OrderStatus
}

// Option настраивает Machine.
type Option func(*Machine)

func WithLogger(logger *log.Entry) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

func WithMetrics(cm *metrics.CheckoutMetrics) Option {
	return func(m *Machine) {
		m.metrics = cm
	}
}

// Machine — единственное место, где меняется статус заказа.
// Запись всегда идёт через UPDATE ... WHERE status = from.
type Machine struct {
	logger  *log.Entry
	metrics *metrics.CheckoutMetrics
	now     func() time.Time
}

func NewMachine(options ...Option) *Machine {
	m := &Machine{}
	for _, option := range options {
		option(m)
	}
	if m.logger == nil {
		m.logger = log.WithField("component", "order-machine")
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	return m
}

// Create сохраняет новый pending-заказ после проверки инвариантов сумм.
func (m *Machine) Create(ctx context.Context, tx domain.Tx, order domain.Order) (domain.Order, error) {
	if order.Status == "" {
		order.Status = domain.OrderStatusPending
	}
	if order.Status != domain.OrderStatusPending {
		return domain.Order{}, &domain.TransitionError{From: "", To: order.Status}
	}
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, errors.Join(errs...)
	}

	now := m.now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = order.CreatedAt
	order.Version = 0

	if err := tx.Orders().Create(ctx, order); err != nil {
		return domain.Order{}, fmt.Errorf("create order: %w", err)
	}
	return order, nil
}

// Transition переводит заказ в статус to из текущего.
// Запрос текущего статуса — no-op. Запрещённый переход возвращает *domain.TransitionError
// вместе с актуальным заказом в Result.
func (m *Machine) Transition(ctx context.Context, tx domain.Tx, id string, to domain.OrderStatus, update domain.OrderUpdate) (Result, error) {
	if !to.Valid() {
		return Result{}, domain.ErrInvalidArgument
	}

	current, err := tx.Orders().Get(ctx, id)
	if err != nil {
		return Result{}, err
	}

	result, retry, err := m.apply(ctx, tx, current, to, update)
	if !retry {
		return result, err
	}

	// Гонку выиграл другой запрос: перечитываем строку один раз и решаем от нового состояния.
	current, err = tx.Orders().Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	result, retry, err = m.apply(ctx, tx, current, to, update)
	if retry {
		return Result{Order: current, From: current.Status}, domain.ErrConflict
	}
	return result, err
}

// TransitionFrom выполняет переход, только если заказ сейчас в статусе from.
// Иначе возвращает Changed=false без ошибки. Нужен фоновым операциям, которые
// не должны трогать заказ, ушедший из ожидаемого статуса.
func (m *Machine) TransitionFrom(ctx context.Context, tx domain.Tx, id string, from, to domain.OrderStatus, update domain.OrderUpdate) (Result, error) {
	if err := domain.CheckTransition(from, to); err != nil {
		return Result{}, err
	}

	current, err := tx.Orders().Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if current.Status != from {
		return Result{Order: current, From: current.Status}, nil
	}

	result, retry, err := m.apply(ctx, tx, current, to, update)
	if retry {
		latest, getErr := tx.Orders().Get(ctx, id)
		if getErr != nil {
			return Result{}, getErr
		}
		return Result{Order: latest, From: latest.Status}, nil
	}
	return result, err
}

// apply возвращает retry=true, если условный UPDATE не применился из-за конкурентного изменения.
func (m *Machine) apply(ctx context.Context, tx domain.Tx, current domain.Order, to domain.OrderStatus, update domain.OrderUpdate) (Result, bool, error) {
	from := current.Status
	if from == to {
		return Result{Order: current, From: from}, false, nil
	}
	if err := domain.CheckTransition(from, to); err != nil {
		return Result{Order: current, From: from}, false, err
	}

	now := m.now()
	update = stampUpdate(to, update, now)

	ok, err := tx.Orders().UpdateStatus(ctx, current.ID, from, to, update, now)
	if err != nil {
		return Result{}, false, fmt.Errorf("update order status: %w", err)
	}
	if !ok {
		return Result{}, true, nil
	}

	next := current.Clone()
	next.Status = to
	next.Version++
	next.UpdatedAt = now
	update.ApplyTo(&next)

	m.metrics.RecordTransition(string(from), string(to))
	m.logger.WithFields(log.Fields{
		"order_id": current.ID,
		"from":     from,
		"to":       to,
	}).Debug("order status changed")

	return Result{Order: next, Changed: true, From: from}, false, nil
}

// stampUpdate проставляет момент перехода, если вызывающий код его не задал.
func stampUpdate(to domain.OrderStatus, update domain.OrderUpdate, now time.Time) domain.OrderUpdate {
	at := now
	switch to {
	case domain.OrderStatusPaid:
		if update.PaidAt == nil {
			update.PaidAt = &at
		}
	case domain.OrderStatusShipped:
		if update.ShippedAt == nil {
			update.ShippedAt = &at
		}
	case domain.OrderStatusDelivered:
		if update.DeliveredAt == nil {
			update.DeliveredAt = &at
		}
	case domain.OrderStatusCancelled:
		if update.CancelledAt == nil {
			update.CancelledAt = &at
		}
	}
	return update
}
